// Package matcher evaluates live premiums against standing target orders
// and hands matches to the two-leg executor.
package matcher

import (
	"context"
	"log"
	"math"
	"time"

	"arb-core/internal/events"
	"arb-core/internal/executor"
	"arb-core/internal/quote"
	"arb-core/pkg/broker"
	"arb-core/pkg/config"
	"arb-core/pkg/db"
)

// Config tunes the matcher loop.
type Config struct {
	Period time.Duration
	// MaxDeviation is the largest |current - target| gap an order may be
	// executed at. A triggered order outside the gap waits for a closer
	// reading; this guards against a stale or anomalous single quote.
	MaxDeviation float64
	// MaxErrors is the consecutive-failure budget per order before it is
	// parked in ERROR status.
	MaxErrors int
}

// DefaultConfig returns the engine defaults: 5s period, 0.10 deviation,
// 10 errors.
func DefaultConfig() Config {
	return Config{
		Period:       5 * time.Second,
		MaxDeviation: 0.10,
		MaxErrors:    10,
	}
}

// Tracker lets the matcher keep the sampling units of evaluated pairs
// alive.
type Tracker interface {
	Touch(pairID string)
}

// Matcher drives the pending-order evaluation loop.
type Matcher struct {
	DB     *db.Database
	Quotes *quote.Service
	Exec   *executor.Executor
	Bus    *events.Bus
	Units  Tracker

	pairs map[string]config.Pair
	cfg   Config
}

// New creates a matcher over the configured pairs.
func New(database *db.Database, quotes *quote.Service, exec *executor.Executor, bus *events.Bus, units Tracker, pairs []config.Pair, cfg Config) *Matcher {
	def := DefaultConfig()
	if cfg.Period <= 0 {
		cfg.Period = def.Period
	}
	if cfg.MaxDeviation <= 0 {
		cfg.MaxDeviation = def.MaxDeviation
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = def.MaxErrors
	}

	byID := make(map[string]config.Pair, len(pairs))
	for _, p := range pairs {
		byID[p.ID] = p
	}
	return &Matcher{
		DB:     database,
		Quotes: quotes,
		Exec:   exec,
		Bus:    bus,
		Units:  units,
		pairs:  byID,
		cfg:    cfg,
	}
}

// Start runs the matcher loop until the context is cancelled. Ticks are
// never interrupted midway.
func (m *Matcher) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.Period)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Tick(ctx)
			}
		}
	}()
	log.Printf("matcher: started (period %s, max deviation %.3f)", m.cfg.Period, m.cfg.MaxDeviation)
}

// Tick evaluates every pending order once.
func (m *Matcher) Tick(ctx context.Context) {
	orders, err := m.DB.ListPendingOrders(ctx)
	if err != nil {
		log.Printf("matcher: list pending orders: %v", err)
		return
	}

	now := time.Now()
	for _, o := range orders {
		m.evaluate(ctx, o, now)
	}
}

func (m *Matcher) evaluate(ctx context.Context, o db.PendingOrder, now time.Time) {
	if o.Expired(now) {
		if err := m.DB.UpdateOrderStatus(ctx, o.ID, db.OrderExpired); err != nil {
			log.Printf("matcher: expire order %s: %v", o.ID, err)
			return
		}
		log.Printf("matcher: order %s expired after %s", o.ID, now.Sub(o.CreatedAt).Round(time.Second))
		if m.Bus != nil {
			m.Bus.Publish(events.EventOrderExpired, o)
		}
		return
	}

	if o.ErrorCount >= m.cfg.MaxErrors {
		if err := m.DB.UpdateOrderStatus(ctx, o.ID, db.OrderError); err != nil {
			log.Printf("matcher: park order %s: %v", o.ID, err)
		}
		log.Printf("matcher: order %s parked after %d consecutive errors", o.ID, o.ErrorCount)
		return
	}

	pair, ok := m.pairs[o.PairID]
	if !ok {
		m.recordFailure(ctx, o, "unknown pair "+o.PairID)
		return
	}

	if m.Units != nil {
		m.Units.Touch(pair.ID)
	}

	prem, err := m.Quotes.PremiumFor(ctx, pair)
	if err != nil {
		m.recordFailure(ctx, o, err.Error())
		return
	}

	direction := broker.Direction(o.Direction)
	current := prem.For(direction)

	if err := m.DB.RecordOrderObservation(ctx, o.ID, current); err != nil {
		log.Printf("matcher: record observation for %s: %v", o.ID, err)
	}

	if !Triggered(direction, current, o.TargetPremium) {
		return
	}

	if deviation := math.Abs(current - o.TargetPremium); deviation > m.cfg.MaxDeviation {
		log.Printf("matcher: order %s triggered at %.5f but deviation %.5f exceeds %.5f, waiting for a closer match",
			o.ID, current, deviation, m.cfg.MaxDeviation)
		return
	}

	// The status transition is the in-flight lock: only one tick may move
	// the row out of PENDING.
	locked, err := m.DB.MarkOrderExecuting(ctx, o.ID)
	if err != nil {
		log.Printf("matcher: lock order %s: %v", o.ID, err)
		return
	}
	if !locked {
		return
	}

	log.Printf("matcher: order %s triggered: %s premium %.5f vs target %.5f", o.ID, o.Direction, current, o.TargetPremium)

	trade, err := m.Exec.Execute(ctx, executor.Request{
		Pair:       pair,
		Direction:  direction,
		Volume:     o.Volume,
		TakeProfit: o.TakeProfit,
		TPMode:     o.TPMode,
		StopLoss:   o.StopLoss,
	})
	if err != nil {
		log.Printf("matcher: execute order %s: %v", o.ID, err)
		if uerr := m.DB.UpdateOrderStatus(ctx, o.ID, db.OrderPending); uerr != nil {
			log.Printf("matcher: unlock order %s: %v", o.ID, uerr)
		}
		if _, ierr := m.DB.IncrementOrderErrors(ctx, o.ID); ierr != nil {
			log.Printf("matcher: count error for %s: %v", o.ID, ierr)
		}
		return
	}

	// The order is consumed, not archived.
	if err := m.DB.DeletePendingOrder(ctx, o.ID); err != nil {
		// The trade is open but the row is stuck in EXECUTING, where no
		// loop will ever pick it up again. Needs manual attention.
		log.Printf("matcher: CRITICAL: trade %s opened but consumed order %s was not deleted: %v", trade.ID, o.ID, err)
		if m.Bus != nil {
			m.Bus.Publish(events.EventRiskAlert, map[string]any{
				"order_id": o.ID,
				"trade_id": trade.ID,
				"cause":    err.Error(),
			})
		}
	}
	if m.Bus != nil {
		m.Bus.Publish(events.EventOrderTrigger, trade)
	}
}

func (m *Matcher) recordFailure(ctx context.Context, o db.PendingOrder, cause string) {
	count, err := m.DB.IncrementOrderErrors(ctx, o.ID)
	if err != nil {
		log.Printf("matcher: count error for %s: %v", o.ID, err)
		return
	}
	log.Printf("matcher: order %s premium check failed (%d/%d): %s", o.ID, count, m.cfg.MaxErrors, cause)
}

// Triggered reports whether the current premium satisfies the order's
// target: buys trigger at or below target, sells at or above.
func Triggered(direction broker.Direction, current, target float64) bool {
	if direction == broker.Sell {
		return current >= target
	}
	return current <= target
}
