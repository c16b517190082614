package matcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"arb-core/internal/events"
	"arb-core/internal/executor"
	"arb-core/internal/quote"
	"arb-core/internal/session"
	"arb-core/pkg/broker"
	"arb-core/pkg/config"
	"arb-core/pkg/db"
)

// fakeGateway serves a mutable quote per symbol so tests can steer the
// premium between ticks.
type fakeGateway struct {
	mu       sync.Mutex
	quotes   map[string]broker.Quote
	placeErr error
	onPlace  func()
	tickets  int64
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{quotes: make(map[string]broker.Quote)}
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
	q, ok := g.quotes[symbol]
	if !ok {
		return broker.Quote{}, &broker.BusinessError{Venue: broker.VenueMT4, Op: "getquote", Message: "no quote"}
	}
	return q, nil
}

func (g *fakeGateway) IsTradeable(ctx context.Context, token, symbol string) (bool, error) {
	return true, nil
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.placeErr != nil {
		return broker.OrderResult{}, g.placeErr
	}
	if g.onPlace != nil {
		g.onPlace()
	}
	g.tickets++
	return broker.OrderResult{Ticket: g.tickets}, nil
}

func (g *fakeGateway) CloseOrder(ctx context.Context, req broker.CloseRequest) (broker.CloseResult, error) {
	return broker.CloseResult{}, nil
}

func (g *fakeGateway) ListOpenPositions(ctx context.Context, token string) ([]broker.Position, error) {
	return nil, nil
}

func (g *fakeGateway) ListSymbols(ctx context.Context, token string) ([]string, error) {
	return nil, nil
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

type harness struct {
	m      *Matcher
	db     *db.Database
	bus    *events.Bus
	futGw  *fakeGateway
	spotGw *fakeGateway
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	database, err := db.NewMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	futGw := newFakeGateway()
	spotGw := newFakeGateway()

	registry := broker.NewRegistry()
	registry.Register(broker.VenueMT5, futGw)
	registry.Register(broker.VenueMT4, spotGw)
	sessions := session.NewManager(registry, session.Config{})
	// Nanosecond freshness so every tick sees the current scripted quote.
	quotes := quote.NewService(quote.NewCache(), sessions, registry, nil, quote.Config{Freshness: time.Nanosecond})
	exec := executor.New(database, nil, quotes, sessions, registry)
	bus := events.NewBus()

	return &harness{
		m:      New(database, quotes, exec, bus, nil, []config.Pair{testPair()}, cfg),
		db:     database,
		bus:    bus,
		futGw:  futGw,
		spotGw: spotGw,
	}
}

func (h *harness) createOrder(t *testing.T, o db.PendingOrder) {
	t.Helper()
	if o.Status == "" {
		o.Status = db.OrderPending
	}
	if o.TPMode == "" {
		o.TPMode = db.TPModeNone
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	if err := h.db.CreatePendingOrder(context.Background(), o); err != nil {
		t.Fatalf("create order: %v", err)
	}
}

func TestTriggered(t *testing.T) {
	tests := []struct {
		name      string
		direction broker.Direction
		current   float64
		target    float64
		want      bool
	}{
		{"buy below target", broker.Buy, 1.40, 1.50, true},
		{"buy at target", broker.Buy, 1.50, 1.50, true},
		{"buy above target", broker.Buy, 1.60, 1.50, false},
		{"sell above target", broker.Sell, 0.21, 0.20, true},
		{"sell at target", broker.Sell, 0.20, 0.20, true},
		{"sell below target", broker.Sell, 0.19, 0.20, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Triggered(tt.direction, tt.current, tt.target); got != tt.want {
				t.Fatalf("Triggered(%s, %v, %v)=%v, expected %v",
					tt.direction, tt.current, tt.target, got, tt.want)
			}
		})
	}
}

// Sell order at target 0.20 across sell premiums 0.18, 0.19, 0.21: only the
// third tick executes, consuming the order and opening one two-leg trade.
func TestSellOrderExecutesOnThirdTick(t *testing.T) {
	h := newHarness(t, Config{MaxDeviation: 0.10})
	ctx := context.Background()

	h.createOrder(t, db.PendingOrder{
		ID: "ord-1", PairID: "gold-a", Direction: "SELL",
		Volume: 1.0, TargetPremium: 0.20,
	})

	// sellPremium = futureBid - spotAsk; spot ask pinned at 2400.00.
	h.spotGw.setQuote("XAUUSD", 2399.80, 2400.00)

	for i, futBid := range []float64{2400.18, 2400.19, 2400.21} {
		h.futGw.setQuote("GC", futBid, futBid+0.50)
		time.Sleep(time.Millisecond) // let the nanosecond freshness lapse
		h.m.Tick(ctx)

		trades, err := h.db.ListActiveTrades(ctx, "")
		if err != nil {
			t.Fatalf("tick %d: list trades: %v", i, err)
		}
		if i < 2 && len(trades) != 0 {
			t.Fatalf("tick %d opened a trade at premium %.2f", i, futBid-2400.00)
		}
		if i == 2 && len(trades) != 1 {
			t.Fatalf("final tick: trades=%d, expected 1", len(trades))
		}
	}

	trades, _ := h.db.ListActiveTrades(ctx, "")
	trade := trades[0]
	if trade.Future.Ticket == 0 || trade.Spot.Ticket == 0 {
		t.Fatalf("trade missing a ticket: %+v", trade)
	}
	if diff := trade.ExecutionPremium - 0.21; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("ExecutionPremium=%v, expected 0.21", trade.ExecutionPremium)
	}

	// The consumed order row is removed, not archived.
	if _, err := h.db.GetPendingOrder(ctx, "ord-1"); err != db.ErrNotFound {
		t.Fatalf("consumed order lookup err=%v, expected ErrNotFound", err)
	}
}

func TestDeviationGuard(t *testing.T) {
	// Buy at target 1.50 with current premium 1.40: the trigger condition
	// holds (1.40 <= 1.50) but |1.40-1.50| = 0.10. Future ask 2401.40
	// against spot bid 2400.00.
	setQuotes := func(h *harness) {
		h.futGw.setQuote("GC", 2401.00, 2401.40)
		h.spotGw.setQuote("XAUUSD", 2400.00, 2400.30)
	}

	t.Run("outside tolerance waits", func(t *testing.T) {
		h := newHarness(t, Config{MaxDeviation: 0.05})
		ctx := context.Background()
		h.createOrder(t, db.PendingOrder{
			ID: "ord-1", PairID: "gold-a", Direction: "BUY",
			Volume: 1.0, TargetPremium: 1.50,
		})
		setQuotes(h)

		h.m.Tick(ctx)

		trades, _ := h.db.ListActiveTrades(ctx, "")
		if len(trades) != 0 {
			t.Fatalf("trade opened despite deviation 0.10 > 0.05")
		}
		got, err := h.db.GetPendingOrder(ctx, "ord-1")
		if err != nil {
			t.Fatalf("get order: %v", err)
		}
		if got.Status != db.OrderPending {
			t.Fatalf("status=%q, expected order still PENDING", got.Status)
		}
		if diff := got.LastPremium - 1.40; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("LastPremium=%v, expected the observed 1.40", got.LastPremium)
		}
	})

	t.Run("within tolerance executes", func(t *testing.T) {
		h := newHarness(t, Config{MaxDeviation: 0.10})
		ctx := context.Background()
		h.createOrder(t, db.PendingOrder{
			ID: "ord-1", PairID: "gold-a", Direction: "BUY",
			Volume: 1.0, TargetPremium: 1.50,
		})
		setQuotes(h)

		h.m.Tick(ctx)

		trades, _ := h.db.ListActiveTrades(ctx, "")
		if len(trades) != 1 {
			t.Fatalf("trades=%d with deviation 0.10 <= 0.10, expected 1", len(trades))
		}
	})
}

func TestExpiredOrderTransitions(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	// maxAge one hour, created 3601 seconds ago. Premium would trigger,
	// but expiry is checked first.
	h.createOrder(t, db.PendingOrder{
		ID: "ord-1", PairID: "gold-a", Direction: "SELL",
		Volume: 1.0, TargetPremium: 0.20,
		CreatedAt: time.Now().Add(-3601 * time.Second),
		MaxAgeMs:  3600000,
	})
	h.futGw.setQuote("GC", 2400.21, 2400.70)
	h.spotGw.setQuote("XAUUSD", 2399.80, 2400.00)

	h.m.Tick(ctx)

	got, err := h.db.GetPendingOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != db.OrderExpired {
		t.Fatalf("status=%q, expected EXPIRED", got.Status)
	}
	trades, _ := h.db.ListActiveTrades(ctx, "")
	if len(trades) != 0 {
		t.Fatalf("expired order still executed")
	}
}

func TestErrorBudgetParksOrder(t *testing.T) {
	h := newHarness(t, Config{MaxErrors: 10})
	ctx := context.Background()

	o := db.PendingOrder{
		ID: "ord-1", PairID: "gold-a", Direction: "SELL",
		Volume: 1.0, TargetPremium: 0.20, ErrorCount: 10,
	}
	h.createOrder(t, o)

	h.m.Tick(ctx)

	got, err := h.db.GetPendingOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != db.OrderError {
		t.Fatalf("status=%q, expected ERROR", got.Status)
	}
}

func TestFetchFailureIncrementsErrorCount(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	// No quotes scripted: the premium fetch fails.
	h.createOrder(t, db.PendingOrder{
		ID: "ord-1", PairID: "gold-a", Direction: "SELL",
		Volume: 1.0, TargetPremium: 0.20,
	})

	h.m.Tick(ctx)

	got, err := h.db.GetPendingOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != db.OrderPending {
		t.Fatalf("status=%q, expected still PENDING", got.Status)
	}
	if got.ErrorCount != 1 {
		t.Fatalf("ErrorCount=%d, expected 1", got.ErrorCount)
	}
}

func TestFailedOrderDeletionRaisesAlert(t *testing.T) {
	h := newHarness(t, Config{MaxDeviation: 0.10})
	ctx := context.Background()

	h.createOrder(t, db.PendingOrder{
		ID: "ord-1", PairID: "gold-a", Direction: "SELL",
		Volume: 1.0, TargetPremium: 0.20,
	})
	h.futGw.setQuote("GC", 2400.21, 2400.70)
	h.spotGw.setQuote("XAUUSD", 2399.80, 2400.00)

	// The pending_orders table vanishes mid-execution, so the consumed
	// order cannot be deleted after the trade opens.
	h.spotGw.onPlace = func() {
		if _, err := h.db.DB.Exec(`DROP TABLE pending_orders`); err != nil {
			t.Errorf("drop pending_orders: %v", err)
		}
	}

	alerts, unsub := h.bus.Subscribe(events.EventRiskAlert, 4)
	defer unsub()

	h.m.Tick(ctx)

	trades, err := h.db.ListActiveTrades(ctx, "")
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("trades=%d, expected the execution to have completed", len(trades))
	}

	select {
	case <-alerts:
	default:
		t.Fatalf("no risk alert after the consumed order could not be deleted")
	}
}

func TestExecutionFailureRevertsToPending(t *testing.T) {
	h := newHarness(t, Config{MaxDeviation: 0.10})
	ctx := context.Background()

	h.createOrder(t, db.PendingOrder{
		ID: "ord-1", PairID: "gold-a", Direction: "SELL",
		Volume: 1.0, TargetPremium: 0.20,
	})
	h.futGw.setQuote("GC", 2400.21, 2400.70)
	h.spotGw.setQuote("XAUUSD", 2399.80, 2400.00)
	h.futGw.placeErr = &broker.BusinessError{Venue: broker.VenueMT5, Op: "ordersend", Message: "Market is closed"}

	h.m.Tick(ctx)

	got, err := h.db.GetPendingOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != db.OrderPending {
		t.Fatalf("status=%q after failed execution, expected PENDING for retry", got.Status)
	}
	if got.ErrorCount != 1 {
		t.Fatalf("ErrorCount=%d, expected 1", got.ErrorCount)
	}
}
