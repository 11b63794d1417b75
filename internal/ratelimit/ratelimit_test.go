package ratelimit

import (
	"context"
	"testing"
	"time"

	"tradingcore/internal/clock"
	"tradingcore/internal/config"
)

func TestTokenBucketAllowsBurstUpToCapacity(t *testing.T) {
	t.Parallel()
	fake := clock.NewFake(time.Now())
	tb := NewTokenBucket(fake, 3, 1)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatalf("Wait() call %d: %v", i, err)
		}
	}
	if tb.Tokens() >= 1 {
		t.Errorf("Tokens() = %v, want < 1 after draining burst capacity", tb.Tokens())
	}
}

func TestTokenBucketRefillsOverTime(t *testing.T) {
	t.Parallel()
	fake := clock.NewFake(time.Now())
	tb := NewTokenBucket(fake, 1, 1) // 1 token/sec

	ctx := context.Background()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("first Wait(): %v", err)
	}

	fake.Advance(2 * time.Second)
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("Wait() after refill: %v", err)
	}
}

func TestTokenBucketWaitRespectsContextCancellation(t *testing.T) {
	t.Parallel()
	fake := clock.NewFake(time.Now())
	tb := NewTokenBucket(fake, 1, 0.001) // effectively never refills within the test

	ctx := context.Background()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("first Wait(): %v", err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tb.Wait(cancelCtx) }()

	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context.Canceled from Wait()")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait() did not return after context cancellation")
	}
}

func TestTokenBucketDoesNotExceedCapacityOnRefill(t *testing.T) {
	t.Parallel()
	fake := clock.NewFake(time.Now())
	tb := NewTokenBucket(fake, 2, 100)

	fake.Advance(time.Hour) // would refill far past capacity without clamping
	_ = tb.Wait(context.Background())

	if tb.Tokens() > 2 {
		t.Errorf("Tokens() = %v, want <= capacity 2", tb.Tokens())
	}
}

func TestNewAppliesDefaultsWhenConfigZeroValued(t *testing.T) {
	t.Parallel()
	fake := clock.NewFake(time.Now())
	l := New(fake, config.RateLimitConfig{})

	if l.Order == nil || l.Cancel == nil || l.Read == nil {
		t.Fatal("New() should construct all three buckets even with a zero-value config")
	}
	if l.Order.capacity != 20 {
		t.Errorf("default order burst = %v, want 20", l.Order.capacity)
	}
	if l.Cancel.capacity != 20 {
		t.Errorf("default cancel burst = %v, want 20", l.Cancel.capacity)
	}
}

func TestNewHonorsExplicitConfig(t *testing.T) {
	t.Parallel()
	fake := clock.NewFake(time.Now())
	l := New(fake, config.RateLimitConfig{
		OrderRatePerSec: 5, OrderBurst: 7,
		CancelRatePerSec: 3, CancelBurst: 4,
		ReadRatePerSec: 50, ReadBurst: 100,
	})

	if l.Order.capacity != 7 {
		t.Errorf("order burst = %v, want 7", l.Order.capacity)
	}
	if l.Cancel.capacity != 4 {
		t.Errorf("cancel burst = %v, want 4", l.Cancel.capacity)
	}
}

func TestWaitReadUsesXTimeRateLimiter(t *testing.T) {
	t.Parallel()
	fake := clock.NewFake(time.Now())
	l := New(fake, config.RateLimitConfig{ReadRatePerSec: 1000, ReadBurst: 1})

	if err := l.WaitRead(context.Background()); err != nil {
		t.Fatalf("WaitRead(): %v", err)
	}
}
