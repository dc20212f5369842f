package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"collateral-monitor/internal/collateral"
)

func testNote() Notification {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return Notification{
		Kind:        "collateral",
		Subject:     "cUSDC",
		From:        collateral.Sound,
		To:          collateral.Iffy,
		At:          at,
		WhenDefault: at.Add(24 * time.Hour),
		Price:       collateral.Band{Low: decimal.RequireFromString("0.79"), High: decimal.RequireFromString("0.81")},
		Reason:      "peg deviation",
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testNote()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	for _, want := range []string{"cUSDC", "SOUND -> IFFY", "Default scheduled: 2024-01-02T00:00:00Z", "0.790000 - 0.810000"} {
		if !strings.Contains(received["text"], want) {
			t.Fatalf("text 缺少 %q: %s", want, received["text"])
		}
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testNote()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

type recorder struct {
	notes []Notification
	err   error
}

func (r *recorder) Notify(_ context.Context, n Notification) error {
	r.notes = append(r.notes, n)
	return r.err
}

func TestThrottledDropsRepeats(t *testing.T) {
	rec := &recorder{}
	th := NewThrottled(rec, 30*time.Minute)
	note := testNote()

	_ = th.Notify(context.Background(), note)
	note.At = note.At.Add(10 * time.Minute)
	_ = th.Notify(context.Background(), note)
	if len(rec.notes) != 1 {
		t.Fatalf("repeat inside cooldown should be dropped, sent %d", len(rec.notes))
	}

	note.At = note.At.Add(30 * time.Minute)
	_ = th.Notify(context.Background(), note)
	if len(rec.notes) != 2 {
		t.Fatalf("repeat after cooldown should be sent, sent %d", len(rec.notes))
	}

	disabled := testNote()
	disabled.To = collateral.Disabled
	_ = th.Notify(context.Background(), disabled)
	_ = th.Notify(context.Background(), disabled)
	if len(rec.notes) != 4 {
		t.Fatalf("DISABLED alerts are never throttled, sent %d", len(rec.notes))
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	ok, bad := &recorder{}, &recorder{err: boom}
	err := Multi{bad, ok, NewLogNotifier(zerolog.Nop())}.Notify(context.Background(), testNote())
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(ok.notes) != 1 {
		t.Fatal("a failing notifier must not stop the others")
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
