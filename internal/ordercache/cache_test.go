package ordercache

import (
	"testing"
	"time"

	"github.com/confidex/crank/internal/clock"
	"github.com/confidex/crank/internal/orderaccount"
)

func order(slot uint64) *orderaccount.Order {
	return &orderaccount.Order{OrderID: "o1", Slot: slot, Status: orderaccount.StatusActive}
}

func TestSetRejectsOlderSlot(t *testing.T) {
	// P3: strictly-older slot never overwrites strictly-newer
	clk := clock.NewFake(time.Unix(0, 0))
	c := New(clk, "program1", nil, Config{})

	if ok := c.Set("pda1", order(10), 10); !ok {
		t.Fatal("expected first write to succeed")
	}
	if ok := c.Set("pda1", order(5), 5); ok {
		t.Fatal("expected write with older slot to be rejected")
	}
	got, found := c.Get("pda1")
	if !found || got.Slot != 10 {
		t.Fatalf("expected cached slot to remain 10, got found=%v slot=%d", found, got.Slot)
	}
}

func TestSetAcceptsNewerSlot(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	c := New(clk, "program1", nil, Config{})

	c.Set("pda1", order(10), 10)
	if ok := c.Set("pda1", order(20), 20); !ok {
		t.Fatal("expected write with newer slot to succeed")
	}
	got, _ := c.Get("pda1")
	if got.Slot != 20 {
		t.Errorf("expected slot 20, got %d", got.Slot)
	}
}

func TestGetExpiresEntriesPastTTL(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	c := New(clk, "program1", nil, Config{MaxTTLMs: 1000})

	c.Set("pda1", order(1), 1)
	clk.Advance(2 * time.Second)

	if _, found := c.Get("pda1"); found {
		t.Fatal("expected expired entry to be evicted on read")
	}
}

func TestInvalidateRemovesEntry(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	c := New(clk, "program1", nil, Config{})
	c.Set("pda1", order(1), 1)
	c.Invalidate("pda1", InvalidateDelete)
	if _, found := c.Get("pda1"); found {
		t.Fatal("expected invalidated entry to be gone")
	}
}

func TestOnUpdateCallbackFires(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	c := New(clk, "program1", nil, Config{})
	var gotPDA string
	c.OnUpdate(func(pda string, o *orderaccount.Order, kind InvalidateKind) {
		gotPDA = pda
	})
	c.Set("pda1", order(1), 1)
	if gotPDA != "pda1" {
		t.Errorf("expected callback to fire with pda1, got %q", gotPDA)
	}
}

func TestNilDialerRunsPollingOnly(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	c := New(clk, "program1", nil, Config{})
	c.Start(nil)
	stats := c.GetStats()
	if !stats.PollingOnly {
		t.Fatal("expected polling-only mode with nil dialer")
	}
	if c.IsActive() {
		t.Fatal("expected cache to be inactive with nil dialer")
	}
}
