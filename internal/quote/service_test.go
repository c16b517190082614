package quote

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"arb-core/internal/session"
	"arb-core/pkg/broker"
	"arb-core/pkg/config"
	"arb-core/pkg/db"
)

// fakeGateway serves scripted quotes and counts venue calls.
type fakeGateway struct {
	mu         sync.Mutex
	quotes     map[string]broker.Quote
	quoteCalls int
	quoteErrs  []error // consumed one per call before serving quotes
	tradeable  bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{quotes: make(map[string]broker.Quote), tradeable: true}
}

func (g *fakeGateway) setQuote(symbol string, bid, ask float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quotes[symbol] = broker.Quote{Symbol: symbol, Bid: bid, Ask: ask, ObservedAt: time.Now()}
}

func (g *fakeGateway) ConnectDirect(ctx context.Context, account, secret, server string) (string, error) {
	return "token", nil
}

func (g *fakeGateway) DiscoverEndpoints(ctx context.Context, server string) ([]broker.Endpoint, error) {
	return nil, nil
}

func (g *fakeGateway) ConnectViaEndpoint(ctx context.Context, account, secret, host string, port int) (string, error) {
	return "token", nil
}

func (g *fakeGateway) GetQuote(ctx context.Context, token, symbol string) (broker.Quote, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quoteCalls++
	if len(g.quoteErrs) > 0 {
		err := g.quoteErrs[0]
		g.quoteErrs = g.quoteErrs[1:]
		return broker.Quote{}, err
	}
	q, ok := g.quotes[symbol]
	if !ok {
		return broker.Quote{}, &broker.BusinessError{Venue: broker.VenueMT4, Op: "getquote", Message: "unknown symbol"}
	}
	return q, nil
}

func (g *fakeGateway) IsTradeable(ctx context.Context, token, symbol string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tradeable, nil
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	return broker.OrderResult{}, errors.New("not implemented")
}

func (g *fakeGateway) CloseOrder(ctx context.Context, req broker.CloseRequest) (broker.CloseResult, error) {
	return broker.CloseResult{}, errors.New("not implemented")
}

func (g *fakeGateway) ListOpenPositions(ctx context.Context, token string) ([]broker.Position, error) {
	return nil, nil
}

func (g *fakeGateway) ListSymbols(ctx context.Context, token string) ([]string, error) {
	return nil, nil
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.quoteCalls
}

func testPair() config.Pair {
	return config.Pair{
		ID: "gold-a",
		Future: config.LegConfig{
			Venue: "mt5", Server: "Fut-Live", Account: "111", Secret: "s", Symbol: "GC",
		},
		Spot: config.LegConfig{
			Venue: "mt4", Server: "Spot-Live", Account: "222", Secret: "s", Symbol: "XAUUSD",
		},
	}
}

func newTestService(mt4gw, mt5gw broker.Gateway, cfg Config) *Service {
	registry := broker.NewRegistry()
	registry.Register(broker.VenueMT4, mt4gw)
	registry.Register(broker.VenueMT5, mt5gw)
	sessions := session.NewManager(registry, session.Config{})
	return NewService(NewCache(), sessions, registry, nil, cfg)
}

func TestPremiumFormulas(t *testing.T) {
	p := Premium{FutureBid: 2400.0, FutureAsk: 2400.5, SpotBid: 2399.8, SpotAsk: 2400.1}

	if got, want := p.Buy(), 2400.5-2399.8; got != want {
		t.Fatalf("Buy()=%v, expected %v", got, want)
	}
	if got, want := p.Sell(), 2400.0-2400.1; got != want {
		t.Fatalf("Sell()=%v, expected %v", got, want)
	}
	if p.For(broker.Buy) != p.Buy() {
		t.Fatalf("For(Buy)=%v, expected Buy()=%v", p.For(broker.Buy), p.Buy())
	}
	if p.For(broker.Sell) != p.Sell() {
		t.Fatalf("For(Sell)=%v, expected Sell()=%v", p.For(broker.Sell), p.Sell())
	}
}

func TestQuoteForPrefersCache(t *testing.T) {
	gw := newFakeGateway()
	gw.setQuote("XAUUSD", 2399.8, 2400.1)
	svc := newTestService(gw, newFakeGateway(), Config{Freshness: 5 * time.Second})
	leg := testPair().Spot
	ctx := context.Background()

	first, err := svc.QuoteFor(ctx, leg)
	if err != nil {
		t.Fatalf("first quote: %v", err)
	}
	if first.FromCache {
		t.Fatalf("first quote marked FromCache")
	}

	second, err := svc.QuoteFor(ctx, leg)
	if err != nil {
		t.Fatalf("second quote: %v", err)
	}
	if !second.FromCache {
		t.Fatalf("second quote not served from cache")
	}
	if gw.calls() != 1 {
		t.Fatalf("gateway calls=%d, expected 1", gw.calls())
	}
}

func TestQuoteForSkipsCacheWhenNotTradeable(t *testing.T) {
	gw := newFakeGateway()
	gw.setQuote("XAUUSD", 2399.8, 2400.1)
	gw.tradeable = false
	svc := newTestService(gw, newFakeGateway(), Config{Freshness: 5 * time.Second})
	leg := testPair().Spot
	ctx := context.Background()

	if _, err := svc.QuoteFor(ctx, leg); err != nil {
		t.Fatalf("first quote: %v", err)
	}
	if _, err := svc.QuoteFor(ctx, leg); err != nil {
		t.Fatalf("second quote: %v", err)
	}
	// Without the tradeable confirmation nothing is cached, so both calls
	// hit the venue.
	if gw.calls() != 2 {
		t.Fatalf("gateway calls=%d, expected 2", gw.calls())
	}
}

func TestQuoteForRetriesTransientFailures(t *testing.T) {
	gw := newFakeGateway()
	gw.setQuote("XAUUSD", 2399.8, 2400.1)
	gw.quoteErrs = []error{
		&broker.TransportError{Venue: broker.VenueMT4, Op: "getquote", Err: errors.New("timeout")},
	}
	svc := newTestService(gw, newFakeGateway(), Config{Freshness: time.Second, Retries: 2})

	q, err := svc.QuoteFor(context.Background(), testPair().Spot)
	if err != nil {
		t.Fatalf("quote after transient failure: %v", err)
	}
	if q.Bid != 2399.8 {
		t.Fatalf("Bid=%v, expected 2399.8", q.Bid)
	}
	if gw.calls() != 2 {
		t.Fatalf("gateway calls=%d, expected 2 (one failure, one success)", gw.calls())
	}
}

func TestQuoteForDoesNotRetryBusinessErrors(t *testing.T) {
	gw := newFakeGateway()
	gw.quoteErrs = []error{
		&broker.BusinessError{Venue: broker.VenueMT4, Op: "getquote", Message: "Market is closed"},
	}
	svc := newTestService(gw, newFakeGateway(), Config{Retries: 2})

	if _, err := svc.QuoteFor(context.Background(), testPair().Spot); err == nil {
		t.Fatalf("quote succeeded, expected business error")
	}
	if gw.calls() != 1 {
		t.Fatalf("gateway calls=%d, expected 1 (no retry)", gw.calls())
	}
}

func TestPruneStaleEnforcesRetention(t *testing.T) {
	database, err := db.NewMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	series := db.NewSeriesStore(database)

	registry := broker.NewRegistry()
	registry.Register(broker.VenueMT4, newFakeGateway())
	registry.Register(broker.VenueMT5, newFakeGateway())
	sessions := session.NewManager(registry, session.Config{})
	svc := NewService(NewCache(), sessions, registry, series, Config{QuoteKeep: 2})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		q := db.QuoteRow{Symbol: "XAUUSD", Bid: 2399.8, Ask: 2400.1, ObservedAt: time.Now()}
		if err := series.InsertQuote(ctx, "mt4", q); err != nil {
			t.Fatalf("insert quote %d: %v", i, err)
		}
	}
	svc.cache.Set("mt4:OLD", broker.Quote{Symbol: "OLD", ObservedAt: time.Now().Add(-time.Hour)})
	svc.cache.Set("mt4:XAUUSD", broker.Quote{Symbol: "XAUUSD", ObservedAt: time.Now()})

	svc.PruneStale(ctx)

	if got := svc.cache.Len(); got != 1 {
		t.Fatalf("cache Len=%d after prune, expected 1 (stale entry dropped)", got)
	}
	var rows int
	if err := database.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM quotes_mt4`).Scan(&rows); err != nil {
		t.Fatalf("count quote rows: %v", err)
	}
	if rows != 2 {
		t.Fatalf("quote rows=%d after prune, expected newest 2 kept", rows)
	}
}

func TestPremiumForPairsBothLegs(t *testing.T) {
	mt4gw := newFakeGateway()
	mt4gw.setQuote("XAUUSD", 2399.8, 2400.1)
	mt5gw := newFakeGateway()
	mt5gw.setQuote("GC", 2400.0, 2400.5)
	svc := newTestService(mt4gw, mt5gw, Config{})

	prem, err := svc.PremiumFor(context.Background(), testPair())
	if err != nil {
		t.Fatalf("premium: %v", err)
	}
	if prem.PairID != "gold-a" {
		t.Fatalf("PairID=%q, expected gold-a", prem.PairID)
	}
	if got, want := prem.Buy(), 2400.5-2399.8; got != want {
		t.Fatalf("Buy()=%v, expected %v", got, want)
	}
	if got, want := prem.Sell(), 2400.0-2400.1; got != want {
		t.Fatalf("Sell()=%v, expected %v", got, want)
	}
}
