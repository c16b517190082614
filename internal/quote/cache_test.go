package quote

import (
	"testing"
	"time"

	"arb-core/pkg/broker"
)

func TestCacheFreshnessWindow(t *testing.T) {
	c := NewCache()

	fresh := broker.Quote{Symbol: "XAUUSD", Bid: 2399.8, Ask: 2400.1, ObservedAt: time.Now()}
	c.Set("mt4:XAUUSD", fresh)

	got, ok := c.GetFresh("mt4:XAUUSD", 5*time.Second)
	if !ok {
		t.Fatalf("fresh quote not returned")
	}
	if !got.FromCache {
		t.Fatalf("cached quote not marked FromCache")
	}
	if got.Bid != fresh.Bid {
		t.Fatalf("Bid=%v, expected %v", got.Bid, fresh.Bid)
	}

	stale := broker.Quote{Symbol: "GC", Bid: 2400.0, Ask: 2400.5, ObservedAt: time.Now().Add(-10 * time.Second)}
	c.Set("mt5:GC", stale)
	if _, ok := c.GetFresh("mt5:GC", 5*time.Second); ok {
		t.Fatalf("stale quote returned as fresh")
	}

	if _, ok := c.GetFresh("mt4:missing", 5*time.Second); ok {
		t.Fatalf("missing key returned a quote")
	}
}

func TestCacheCleanup(t *testing.T) {
	c := NewCache()

	c.Set("mt4:old", broker.Quote{ObservedAt: time.Now().Add(-time.Hour)})
	c.Set("mt4:new", broker.Quote{ObservedAt: time.Now()})
	if c.Len() != 2 {
		t.Fatalf("Len=%d, expected 2", c.Len())
	}

	removed := c.Cleanup(time.Minute)
	if removed != 1 {
		t.Fatalf("removed=%d, expected 1", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("Len=%d after cleanup, expected 1", c.Len())
	}
}
