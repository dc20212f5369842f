package oracle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{name: "deadline", in: context.DeadlineExceeded, want: ErrOutOfGas},
		{name: "wrapped deadline", in: fmt.Errorf("dial: %w", context.DeadlineExceeded), want: ErrOutOfGas},
		{name: "transport", in: errors.New("connection refused"), want: ErrRevert},
		{name: "already revert", in: ErrRevert, want: ErrRevert},
		{name: "broken backing", in: ErrBrokenBacking, want: ErrBrokenBacking},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classify(tc.in); !errors.Is(got, tc.want) {
				t.Fatalf("classify(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
	if classify(nil) != nil {
		t.Fatalf("nil should stay nil")
	}
	if IsFault(ErrBrokenBacking) {
		t.Fatalf("broken backing is not a transient fault")
	}
}

func TestSampleAge(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := (Sample{Timestamp: now.Add(-time.Minute)}).Age(now); got != time.Minute {
		t.Fatalf("expected one minute, got %s", got)
	}
	if got := (Sample{Timestamp: now.Add(time.Hour)}).Age(now); got != 0 {
		t.Fatalf("future samples should have zero age, got %s", got)
	}
}

func TestStatic(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStatic("DAI/USD", decimal.RequireFromString("0.999"), ts)

	sample, err := s.Sample(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sample.Value.Equal(decimal.RequireFromString("0.999")) || !sample.Timestamp.Equal(ts) {
		t.Fatalf("unexpected sample %+v", sample)
	}

	s.Fail(ErrOutOfGas)
	if _, err := s.Rate(context.Background()); !errors.Is(err, ErrOutOfGas) {
		t.Fatalf("expected injected fault, got %v", err)
	}

	s.Set(decimal.NewFromInt(1), ts.Add(time.Hour))
	rate, err := s.Rate(context.Background())
	if err != nil || !rate.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("Set should clear the fault, got %s %v", rate, err)
	}
}

func TestLiveStaticStampsNow(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewLiveStatic("USDC/USD", decimal.NewFromInt(1), func() time.Time { return now })

	first, _ := s.Sample(context.Background())
	now = now.Add(time.Hour)
	second, _ := s.Sample(context.Background())
	if !second.Timestamp.Equal(first.Timestamp.Add(time.Hour)) {
		t.Fatalf("live static should follow the clock, got %s then %s", first.Timestamp, second.Timestamp)
	}
}

func TestNewContractRateKinds(t *testing.T) {
	chain := NewChain(ChainOptions{}, zerolog.Nop())
	for _, kind := range []string{RateERC4626, RateCToken, RateAToken, RateCurve, "CToken"} {
		if _, err := NewContractRate(chain, ContractRateOptions{Kind: kind, Address: "0x1", Decimals: 18}, zerolog.Nop()); err != nil {
			t.Fatalf("kind %s should be supported: %v", kind, err)
		}
	}
	if _, err := NewContractRate(chain, ContractRateOptions{Kind: "compound"}, zerolog.Nop()); err == nil {
		t.Fatalf("unknown kind should be rejected")
	}
	if _, err := NewContractRate(chain, ContractRateOptions{Kind: RateCToken, Decimals: -1}, zerolog.Nop()); err == nil {
		t.Fatalf("negative decimals should be rejected")
	}
}

func TestChainWithoutRPCReverts(t *testing.T) {
	chain := NewChain(ChainOptions{}, zerolog.Nop())
	feed := NewChainlink(chain, ChainlinkOptions{Pair: "DAI/USD", Address: "0x1", Decimals: 8}, zerolog.Nop())
	if _, err := feed.Sample(context.Background()); !errors.Is(err, ErrRevert) {
		t.Fatalf("missing rpc url should revert, got %v", err)
	}
}
