package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"collateral-monitor/internal/collateral"
)

// Notification 封装状态变更告警上下文。
type Notification struct {
	Kind          string
	Subject       string
	From          collateral.Status
	To            collateral.Status
	At            time.Time
	WhenDefault   time.Time
	Price         collateral.Band
	Reason        string
	Channels      []string
	AdditionalMsg string
}

// Key identifies the alert stream a notification belongs to for throttling.
func (n Notification) Key() string {
	return n.Kind + ":" + n.Subject + ":" + n.To.String()
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("subject", note.Subject).
		Str("to", note.To.String()).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("告警已发送 (Telegram)")
	return nil
}

// LogNotifier writes alerts to the log only. Useful as the "log" channel and in simulations.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Warn().Str("kind", note.Kind).Str("subject", note.Subject).
		Str("from", note.From.String()).Str("to", note.To.String()).
		Time("at", note.At).Str("reason", note.Reason).
		Msg("status alert")
	return nil
}

// Multi fans a notification out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Throttled drops repeats of the same alert key inside the cooldown window.
// Escalations to DISABLED are never dropped.
type Throttled struct {
	next     Notifier
	cooldown time.Duration

	mu   sync.Mutex
	sent map[string]time.Time
}

func NewThrottled(next Notifier, cooldown time.Duration) *Throttled {
	return &Throttled{next: next, cooldown: cooldown, sent: make(map[string]time.Time)}
}

func (t *Throttled) Notify(ctx context.Context, note Notification) error {
	key := note.Key()
	t.mu.Lock()
	last, seen := t.sent[key]
	if seen && note.To != collateral.Disabled && note.At.Sub(last) < t.cooldown {
		t.mu.Unlock()
		return nil
	}
	t.sent[key] = note.At
	t.mu.Unlock()

	return t.next.Notify(ctx, note)
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Collateral Alert]\n")
	builder.WriteString(fmt.Sprintf("%s: %s\n", strings.ToUpper(note.Kind), note.Subject))
	builder.WriteString(fmt.Sprintf("Status: %s -> %s\n", note.From, note.To))
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	if !note.WhenDefault.IsZero() {
		label := "Default scheduled"
		if note.To == collateral.Disabled {
			label = "Defaulted"
		}
		builder.WriteString(fmt.Sprintf("%s: %s UTC\n", label, note.WhenDefault.UTC().Format(time.RFC3339)))
	}
	if !note.Price.IsZero() || note.Kind == "collateral" {
		builder.WriteString(fmt.Sprintf("Price: %s - %s\n", note.Price.Low.StringFixed(6), note.Price.High.StringFixed(6)))
	}
	if note.Reason != "" {
		builder.WriteString(fmt.Sprintf("Reason: %s\n", note.Reason))
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Multi(nil)
	_ Notifier = (*Throttled)(nil)
)
