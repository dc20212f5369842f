package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: 5 * time.Minute, AlignToBucket: true}, zerolog.Nop())

	now := time.Date(2024, 5, 1, 10, 7, 30, 0, time.UTC)
	if got, want := s.nextTick(now), time.Date(2024, 5, 1, 10, 10, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}

	onBoundary := time.Date(2024, 5, 1, 10, 10, 0, 0, time.UTC)
	if got, want := s.nextTick(onBoundary), onBoundary.Add(5*time.Minute); !got.Equal(want) {
		t.Fatalf("a tick on the boundary should wait a full interval, got %s", got)
	}

	if got := s.bucketStart(now); !got.Equal(time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)) {
		t.Fatalf("unexpected bucket start %s", got)
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: time.Minute}, zerolog.Nop())
	now := time.Date(2024, 5, 1, 10, 7, 30, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("unaligned tick should be one interval out, got %s", got)
	}
	if got := s.bucketStart(now); !got.Equal(now) {
		t.Fatalf("unaligned bucket should equal the tick time, got %s", got)
	}
}

func TestMissedBuckets(t *testing.T) {
	s := New(Options{Interval: time.Minute, AlignToBucket: true}, zerolog.Nop())
	ran := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if got := s.missed(ran, ran.Add(time.Minute)); got != 0 {
		t.Fatalf("on-time tick should miss nothing, got %d", got)
	}
	if got := s.missed(ran, ran.Add(4*time.Minute)); got != 3 {
		t.Fatalf("expected three skipped buckets, got %d", got)
	}
}

func TestImmediateTickRunsFirst(t *testing.T) {
	s := New(Options{Interval: time.Hour, Immediate: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ticks atomic.Int32
	err := s.Run(ctx, func(ctx context.Context, bucket time.Time) error {
		ticks.Add(1)
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ticks.Load() != 1 {
		t.Fatalf("immediate tick should run once before the first hour, got %d", ticks.Load())
	}
}

func TestNewRejectsZeroInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for zero interval")
		}
	}()
	New(Options{}, zerolog.Nop())
}

func TestRunInvokesTickUntilCancelled(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ticks atomic.Int32
	err := s.Run(ctx, func(ctx context.Context, bucket time.Time) error {
		if ticks.Add(1) == 3 {
			cancel()
		}
		return errors.New("tick errors are logged, not fatal")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ticks.Load() < 3 {
		t.Fatalf("expected at least three ticks, got %d", ticks.Load())
	}
}
