// Package executor places the two correlated orders composing one logical
// arbitrage position and materializes the resulting active trade.
package executor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"arb-core/internal/events"
	"arb-core/internal/quote"
	"arb-core/internal/session"
	"arb-core/pkg/broker"
	"arb-core/pkg/config"
	"arb-core/pkg/db"
)

// closeSlippage is the slippage passed on close requests.
const closeSlippage = 5

// PartialExecutionError reports a two-leg execution that opened the future
// leg but failed to open the spot leg. The open leg is recorded for manual
// attention and never unwound automatically.
type PartialExecutionError struct {
	PairID    string
	OpenLeg   db.TradeLeg
	LegErr    error
	OrphanRef string
}

func (e *PartialExecutionError) Error() string {
	return fmt.Sprintf("partial execution on pair %s: future leg ticket %d open, spot leg failed: %v",
		e.PairID, e.OpenLeg.Ticket, e.LegErr)
}

func (e *PartialExecutionError) Unwrap() error { return e.LegErr }

// Executor opens and closes paired positions through the venue gateways.
type Executor struct {
	DB       *db.Database
	Bus      *events.Bus
	Quotes   *quote.Service
	Sessions *session.Manager
	Registry *broker.Registry
}

// New creates an executor.
func New(database *db.Database, bus *events.Bus, quotes *quote.Service, sessions *session.Manager, registry *broker.Registry) *Executor {
	return &Executor{
		DB:       database,
		Bus:      bus,
		Quotes:   quotes,
		Sessions: sessions,
		Registry: registry,
	}
}

// Request describes one two-leg execution.
type Request struct {
	Pair       config.Pair
	Direction  broker.Direction // direction of the future leg
	Volume     float64
	TakeProfit float64
	TPMode     string
	StopLoss   float64
}

// Execute opens the future leg first, then the spot leg in the opposite
// direction. Once the future leg's ticket is received the execution is
// committed: it either completes with both tickets or surfaces a
// PartialExecutionError. It is never cancelled midway.
func (e *Executor) Execute(ctx context.Context, req Request) (db.ActiveTrade, error) {
	pair := req.Pair

	prem, err := e.Quotes.PremiumFor(ctx, pair)
	if err != nil {
		return db.ActiveTrade{}, fmt.Errorf("executor: resolve premium: %w", err)
	}
	executionPremium := prem.For(req.Direction)

	futGw, futToken, err := e.resolveLeg(ctx, pair.Future)
	if err != nil {
		return db.ActiveTrade{}, err
	}
	spotGw, spotToken, err := e.resolveLeg(ctx, pair.Spot)
	if err != nil {
		return db.ActiveTrade{}, err
	}

	tradeID := uuid.NewString()

	// Leg 1: future side.
	futStart := time.Now()
	futRes, err := futGw.PlaceOrder(ctx, broker.OrderRequest{
		Token:   futToken,
		Symbol:  pair.Future.Symbol,
		Side:    req.Direction,
		Volume:  req.Volume,
		Comment: "arb:" + pair.ID,
	})
	futLatency := time.Since(futStart)
	if err != nil {
		// Nothing to unwind; fail cleanly.
		return db.ActiveTrade{}, fmt.Errorf("executor: future leg on %s: %w", pair.Future.Venue, err)
	}

	futLeg := db.TradeLeg{
		Venue:     pair.Future.Venue,
		Account:   pair.Future.Account,
		Ticket:    futRes.Ticket,
		Symbol:    pair.Future.Symbol,
		Direction: string(req.Direction),
		Volume:    req.Volume,
		OpenPrice: legOpenPrice(req.Direction, prem.FutureBid, prem.FutureAsk),
		LatencyMs: futLatency.Milliseconds(),
	}

	// Leg 2: spot side, opposite direction, tagged with leg 1's ticket.
	spotSide := req.Direction.Opposite()
	spotStart := time.Now()
	spotRes, err := spotGw.PlaceOrder(ctx, broker.OrderRequest{
		Token:   spotToken,
		Symbol:  pair.Spot.Symbol,
		Side:    spotSide,
		Volume:  req.Volume,
		Comment: fmt.Sprintf("arb:%s:hedge:%d", pair.ID, futRes.Ticket),
	})
	spotLatency := time.Since(spotStart)
	if err != nil {
		return db.ActiveTrade{}, e.recordOrphan(ctx, pair, futLeg, err)
	}

	spotLeg := db.TradeLeg{
		Venue:     pair.Spot.Venue,
		Account:   pair.Spot.Account,
		Ticket:    spotRes.Ticket,
		Symbol:    pair.Spot.Symbol,
		Direction: string(spotSide),
		Volume:    req.Volume,
		OpenPrice: legOpenPrice(spotSide, prem.SpotBid, prem.SpotAsk),
		LatencyMs: spotLatency.Milliseconds(),
	}

	tpMode := req.TPMode
	if tpMode == "" {
		tpMode = db.TPModeNone
	}
	trade := db.ActiveTrade{
		ID:               tradeID,
		PairID:           pair.ID,
		Direction:        string(req.Direction),
		Future:           futLeg,
		Spot:             spotLeg,
		ExecutionPremium: executionPremium,
		TakeProfit:       req.TakeProfit,
		TPMode:           tpMode,
		StopLoss:         req.StopLoss,
		Status:           db.TradeActive,
		OpenedAt:         time.Now(),
	}

	if err := e.DB.CreateActiveTrade(ctx, trade); err != nil {
		return db.ActiveTrade{}, fmt.Errorf("executor: persist trade: %w", err)
	}
	if err := e.DB.UpsertPairStats(ctx, db.PairStats{
		PairID:          pair.ID,
		FutureLatencyMs: futLeg.LatencyMs,
		SpotLatencyMs:   spotLeg.LatencyMs,
	}); err != nil {
		log.Printf("executor: record latency for %s: %v", pair.ID, err)
	}

	log.Printf("executor: opened trade %s on %s: future #%d (%dms) / spot #%d (%dms), premium %.5f",
		trade.ID, pair.ID, futLeg.Ticket, futLeg.LatencyMs, spotLeg.Ticket, spotLeg.LatencyMs, executionPremium)

	if e.Bus != nil {
		e.Bus.Publish(events.EventTradeOpened, trade)
	}
	return trade, nil
}

// recordOrphan persists the half-open future leg and raises the alarm.
func (e *Executor) recordOrphan(ctx context.Context, pair config.Pair, leg db.TradeLeg, cause error) error {
	orphan := db.OrphanLeg{
		ID:        uuid.NewString(),
		PairID:    pair.ID,
		Venue:     leg.Venue,
		Account:   leg.Account,
		Ticket:    leg.Ticket,
		Symbol:    leg.Symbol,
		Direction: leg.Direction,
		Volume:    leg.Volume,
		OpenPrice: leg.OpenPrice,
		Cause:     cause.Error(),
		CreatedAt: time.Now(),
	}
	if err := e.DB.CreateOrphanLeg(ctx, orphan); err != nil {
		log.Printf("executor: CRITICAL: failed to record orphan leg %d on %s: %v", leg.Ticket, pair.ID, err)
	}

	perr := &PartialExecutionError{PairID: pair.ID, OpenLeg: leg, LegErr: cause, OrphanRef: orphan.ID}
	log.Printf("executor: CRITICAL: %v", perr)
	if e.Bus != nil {
		e.Bus.Publish(events.EventOrphanLeg, orphan)
	}
	return perr
}

// LegClose is the outcome of closing one leg.
type LegClose struct {
	Leg    string // "future" or "spot"
	Ticket int64
	Profit float64
	Err    error
}

// CloseTrade closes both legs concurrently with a best-effort join: one
// leg's failure is reported but does not block the other's result. The
// returned profit sums whatever closes succeeded.
func (e *Executor) CloseTrade(ctx context.Context, pair config.Pair, trade db.ActiveTrade) (float64, []LegClose) {
	prem, premErr := e.Quotes.PremiumFor(ctx, pair)

	results := make([]LegClose, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		price := 0.0
		if premErr == nil {
			price = legClosePrice(broker.Direction(trade.Future.Direction), prem.FutureBid, prem.FutureAsk)
		}
		results[0] = e.closeLeg(ctx, pair.Future, trade.Future, price, "future")
	}()
	go func() {
		defer wg.Done()
		price := 0.0
		if premErr == nil {
			price = legClosePrice(broker.Direction(trade.Spot.Direction), prem.SpotBid, prem.SpotAsk)
		}
		results[1] = e.closeLeg(ctx, pair.Spot, trade.Spot, price, "spot")
	}()
	wg.Wait()

	total := 0.0
	for _, r := range results {
		if r.Err != nil {
			log.Printf("executor: close %s leg #%d of trade %s failed: %v", r.Leg, r.Ticket, trade.ID, r.Err)
			continue
		}
		total += r.Profit
	}
	return total, results
}

func (e *Executor) closeLeg(ctx context.Context, legCfg config.LegConfig, leg db.TradeLeg, price float64, name string) LegClose {
	out := LegClose{Leg: name, Ticket: leg.Ticket}

	gw, token, err := e.resolveLeg(ctx, legCfg)
	if err != nil {
		out.Err = err
		return out
	}

	res, err := gw.CloseOrder(ctx, broker.CloseRequest{
		Token:    token,
		Ticket:   leg.Ticket,
		Symbol:   leg.Symbol,
		Volume:   leg.Volume,
		Price:    price,
		Slippage: closeSlippage,
	})
	if err != nil {
		out.Err = err
		return out
	}
	out.Profit = res.Profit
	return out
}

// resolveLeg acquires the session and gateway for one leg.
func (e *Executor) resolveLeg(ctx context.Context, leg config.LegConfig) (broker.Gateway, string, error) {
	gw := e.Registry.For(broker.VenueKind(leg.Venue))
	if gw == nil {
		return nil, "", fmt.Errorf("executor: no gateway for venue %q", leg.Venue)
	}
	sess, err := e.Sessions.Acquire(ctx, leg.Credential())
	if err != nil {
		return nil, "", fmt.Errorf("executor: session for %s: %w", leg.Credential().Key(), err)
	}
	return gw, sess.Token, nil
}

// legOpenPrice is the price a leg actually opened at: the ask when it
// bought, the bid when it sold.
func legOpenPrice(side broker.Direction, bid, ask float64) float64 {
	if side == broker.Buy {
		return ask
	}
	return bid
}

// legClosePrice is the market side a leg closes against: the bid when it
// had bought, the ask when it had sold.
func legClosePrice(side broker.Direction, bid, ask float64) float64 {
	if side == broker.Buy {
		return bid
	}
	return ask
}
