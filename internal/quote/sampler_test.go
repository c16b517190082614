package quote

import (
	"context"
	"testing"
	"time"

	"arb-core/pkg/db"
)

func newTestSeries(t *testing.T) *db.SeriesStore {
	t.Helper()
	database, err := db.NewMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return db.NewSeriesStore(database)
}

func TestSamplerTickAppendsSample(t *testing.T) {
	mt4gw := newFakeGateway()
	mt4gw.setQuote("XAUUSD", 2399.8, 2400.1)
	mt5gw := newFakeGateway()
	mt5gw.setQuote("GC", 2400.0, 2400.5)
	svc := newTestService(mt4gw, mt5gw, Config{})

	series := newTestSeries(t)
	s := NewSampler(svc, series, nil, SamplerConfig{})
	pair := testPair()
	u := &unit{pair: pair}

	s.tick(context.Background(), u)

	samples, err := series.RecentPremiumSamples(context.Background(), pair.SeriesKey(), 10)
	if err != nil {
		t.Fatalf("recent samples: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("len(samples)=%d, expected 1", len(samples))
	}
	got := samples[0]
	if want := 2400.5 - 2399.8; got.BuyPremium != want {
		t.Fatalf("BuyPremium=%v, expected %v", got.BuyPremium, want)
	}
	if want := 2400.0 - 2400.1; got.SellPremium != want {
		t.Fatalf("SellPremium=%v, expected %v", got.SellPremium, want)
	}

	lastSample, _ := u.snapshot()
	if lastSample.IsZero() {
		t.Fatalf("liveness timestamp not updated after tick")
	}
}

func TestSamplerTickSkipsWhenQuoteUnavailable(t *testing.T) {
	// No quotes scripted: both legs fail, expected during off-hours.
	svc := newTestService(newFakeGateway(), newFakeGateway(), Config{})
	series := newTestSeries(t)
	s := NewSampler(svc, series, nil, SamplerConfig{})
	pair := testPair()
	u := &unit{pair: pair}

	s.tick(context.Background(), u)

	samples, err := series.RecentPremiumSamples(context.Background(), pair.SeriesKey(), 10)
	if err != nil {
		t.Fatalf("recent samples: %v", err)
	}
	if len(samples) != 0 {
		t.Fatalf("len(samples)=%d after failed tick, expected 0", len(samples))
	}
	lastSample, _ := u.snapshot()
	if !lastSample.IsZero() {
		t.Fatalf("liveness timestamp updated despite failed tick")
	}
}

func TestSamplerRetiresIdleUnits(t *testing.T) {
	svc := newTestService(newFakeGateway(), newFakeGateway(), Config{})
	s := NewSampler(svc, newTestSeries(t), nil, SamplerConfig{
		Period:    time.Hour, // units must not tick during the test
		IdleAfter: 5 * time.Minute,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.base = ctx

	pair := testPair()
	s.Track(pair)
	if len(s.Status()) != 1 {
		t.Fatalf("units=%d after Track, expected 1", len(s.Status()))
	}

	// Backdate the demand timestamp past the idle window.
	s.mu.Lock()
	s.units[pair.ID].touched(time.Now().Add(-10 * time.Minute))
	s.mu.Unlock()

	s.supervise()
	if len(s.Status()) != 0 {
		t.Fatalf("units=%d after supervise, expected idle unit retired", len(s.Status()))
	}

	// Touch on a retired unit is a no-op; Track recreates it.
	s.Touch(pair.ID)
	if len(s.Status()) != 0 {
		t.Fatalf("Touch recreated a retired unit")
	}
	s.Track(pair)
	if len(s.Status()) != 1 {
		t.Fatalf("units=%d after re-Track, expected 1", len(s.Status()))
	}
	s.Stop()
}
