package db

import (
	"context"
	"testing"
	"time"
)

func TestSeriesStorePremiumSamples(t *testing.T) {
	d := newTestDB(t)
	store := NewSeriesStore(d)
	ctx := context.Background()

	key := "mt5_mt4_GC_XAUUSD"
	base := time.Now().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		sample := PremiumSample{
			PairKey:     key,
			Timestamp:   base.Add(time.Duration(i) * time.Second),
			FutureBid:   2400.0 + float64(i),
			FutureAsk:   2400.5 + float64(i),
			SpotBid:     2399.8,
			SpotAsk:     2400.1,
			BuyPremium:  (2400.5 + float64(i)) - 2399.8,
			SellPremium: (2400.0 + float64(i)) - 2400.1,
		}
		if err := store.InsertPremiumSample(ctx, sample); err != nil {
			t.Fatalf("insert sample %d: %v", i, err)
		}
	}

	got, err := store.RecentPremiumSamples(ctx, key, 2)
	if err != nil {
		t.Fatalf("recent samples: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(samples)=%d, expected 2", len(got))
	}
	// Newest first.
	if got[0].FutureBid != 2402.0 {
		t.Fatalf("newest FutureBid=%v, expected 2402.0", got[0].FutureBid)
	}
	if got[1].FutureBid != 2401.0 {
		t.Fatalf("second FutureBid=%v, expected 2401.0", got[1].FutureBid)
	}
}

func TestSeriesStoreUnknownPair(t *testing.T) {
	d := newTestDB(t)
	store := NewSeriesStore(d)

	got, err := store.RecentPremiumSamples(context.Background(), "never_sampled", 10)
	if err != nil {
		t.Fatalf("recent samples for unknown pair: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("len(samples)=%d, expected 0", len(got))
	}
}

func TestSeriesStoreIsolatesPairs(t *testing.T) {
	d := newTestDB(t)
	store := NewSeriesStore(d)
	ctx := context.Background()

	a := PremiumSample{PairKey: "pair_a", Timestamp: time.Now(), BuyPremium: 1}
	b := PremiumSample{PairKey: "pair_b", Timestamp: time.Now(), BuyPremium: 2}
	if err := store.InsertPremiumSample(ctx, a); err != nil {
		t.Fatalf("insert a: %v", err)
	}
	if err := store.InsertPremiumSample(ctx, b); err != nil {
		t.Fatalf("insert b: %v", err)
	}

	got, err := store.RecentPremiumSamples(ctx, "pair_a", 10)
	if err != nil {
		t.Fatalf("recent a: %v", err)
	}
	if len(got) != 1 || got[0].BuyPremium != 1 {
		t.Fatalf("pair_a samples=%+v, expected exactly its own row", got)
	}
}

func TestSeriesStoreQuotePrune(t *testing.T) {
	d := newTestDB(t)
	store := NewSeriesStore(d)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		q := QuoteRow{Symbol: "XAUUSD", Bid: 2400 + float64(i), Ask: 2400.3 + float64(i), ObservedAt: time.Now()}
		if err := store.InsertQuote(ctx, "mt4", q); err != nil {
			t.Fatalf("insert quote %d: %v", i, err)
		}
	}
	if err := store.PruneQuotes(ctx, "mt4", 2); err != nil {
		t.Fatalf("prune: %v", err)
	}

	var n int
	if err := d.DB.QueryRow(`SELECT COUNT(1) FROM quotes_mt4`).Scan(&n); err != nil {
		t.Fatalf("count quotes: %v", err)
	}
	if n != 2 {
		t.Fatalf("quotes after prune=%d, expected 2", n)
	}
}

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"mt5_mt4_GC_XAUUSD", "mt5_mt4_gc_xauusd"},
		{"GC-DEC; DROP TABLE x", "gc_dec__drop_table_x"},
		{"Gold #1", "gold__1"},
	}
	for _, tt := range tests {
		if got := sanitizeKey(tt.in); got != tt.want {
			t.Fatalf("sanitizeKey(%q)=%q, expected %q", tt.in, got, tt.want)
		}
	}
}
