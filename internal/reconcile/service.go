// Package reconcile keeps the local active-trade set consistent with the
// venues' live position lists and closes trades whose profit target is met.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"arb-core/internal/events"
	"arb-core/internal/executor"
	"arb-core/internal/quote"
	"arb-core/internal/session"
	"arb-core/pkg/broker"
	"arb-core/pkg/config"
	"arb-core/pkg/db"
)

// Config tunes the two loops.
type Config struct {
	ReconcilePeriod  time.Duration
	TakeProfitPeriod time.Duration
}

// DefaultConfig returns the engine defaults: reconciliation every 60s,
// take-profit checks every 5s.
func DefaultConfig() Config {
	return Config{
		ReconcilePeriod:  60 * time.Second,
		TakeProfitPeriod: 5 * time.Second,
	}
}

// Service runs the reconciliation and take-profit loops.
type Service struct {
	DB       *db.Database
	Exec     *executor.Executor
	Quotes   *quote.Service
	Sessions *session.Manager
	Registry *broker.Registry
	Bus      *events.Bus

	pairs map[string]config.Pair
	cfg   Config
}

// New creates the service over the configured pairs.
func New(database *db.Database, exec *executor.Executor, quotes *quote.Service, sessions *session.Manager, registry *broker.Registry, bus *events.Bus, pairs []config.Pair, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.ReconcilePeriod <= 0 {
		cfg.ReconcilePeriod = def.ReconcilePeriod
	}
	if cfg.TakeProfitPeriod <= 0 {
		cfg.TakeProfitPeriod = def.TakeProfitPeriod
	}

	byID := make(map[string]config.Pair, len(pairs))
	for _, p := range pairs {
		byID[p.ID] = p
	}
	return &Service{
		DB:       database,
		Exec:     exec,
		Quotes:   quotes,
		Sessions: sessions,
		Registry: registry,
		Bus:      bus,
		pairs:    byID,
		cfg:      cfg,
	}
}

// Start launches both loops; they stop when the context is cancelled.
func (s *Service) Start(ctx context.Context) {
	go s.loop(ctx, s.cfg.ReconcilePeriod, s.ReconcileTick)
	go s.loop(ctx, s.cfg.TakeProfitPeriod, s.TakeProfitTick)
	log.Printf("reconcile: started (reconcile %s, take-profit %s)", s.cfg.ReconcilePeriod, s.cfg.TakeProfitPeriod)
}

func (s *Service) loop(ctx context.Context, period time.Duration, tick func(context.Context)) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// positionIndex caches one open-position listing per account for the
// duration of a tick, so N trades on the same account cost one venue call.
type positionIndex struct {
	svc     *Service
	byCred  map[string]map[int64]broker.Position
	failure map[string]error
}

func (s *Service) newPositionIndex() *positionIndex {
	return &positionIndex{
		svc:     s,
		byCred:  make(map[string]map[int64]broker.Position),
		failure: make(map[string]error),
	}
}

// positions returns the ticket-indexed open positions for one leg's account.
func (x *positionIndex) positions(ctx context.Context, leg config.LegConfig) (map[int64]broker.Position, error) {
	cred := leg.Credential()
	key := cred.Key()
	if err, ok := x.failure[key]; ok {
		return nil, err
	}
	if byTicket, ok := x.byCred[key]; ok {
		return byTicket, nil
	}

	gw := x.svc.Registry.For(broker.VenueKind(leg.Venue))
	if gw == nil {
		err := fmt.Errorf("reconcile: no gateway for venue %q", leg.Venue)
		x.failure[key] = err
		return nil, err
	}
	sess, err := x.svc.Sessions.Acquire(ctx, cred)
	if err != nil {
		x.failure[key] = err
		return nil, err
	}
	list, err := gw.ListOpenPositions(ctx, sess.Token)
	if err != nil {
		if broker.IsAuthError(err) {
			x.svc.Sessions.Invalidate(cred)
		}
		x.failure[key] = err
		return nil, err
	}

	byTicket := make(map[int64]broker.Position, len(list))
	for _, p := range list {
		byTicket[p.Ticket] = p
	}
	x.byCred[key] = byTicket
	return byTicket, nil
}

// ReconcileTick compares every active trade against the venues' live
// position lists.
func (s *Service) ReconcileTick(ctx context.Context) {
	trades, err := s.DB.ListActiveTrades(ctx, db.TradeActive)
	if err != nil {
		log.Printf("reconcile: list active trades: %v", err)
		return
	}
	if len(trades) == 0 {
		return
	}

	index := s.newPositionIndex()
	for _, t := range trades {
		s.reconcileTrade(ctx, index, t)
	}
}

func (s *Service) reconcileTrade(ctx context.Context, index *positionIndex, t db.ActiveTrade) {
	pair, ok := s.pairs[t.PairID]
	if !ok {
		log.Printf("reconcile: trade %s references unknown pair %s", t.ID, t.PairID)
		return
	}

	futPositions, err := index.positions(ctx, pair.Future)
	if err != nil {
		// Cannot judge this trade without the listing; next tick retries.
		return
	}
	spotPositions, err := index.positions(ctx, pair.Spot)
	if err != nil {
		return
	}

	_, futPresent := futPositions[t.Future.Ticket]
	_, spotPresent := spotPositions[t.Spot.Ticket]

	switch {
	case futPresent && spotPresent:
		return

	case !futPresent && !spotPresent:
		// Both legs were closed outside the engine.
		closePremium := 0.0
		if prem, perr := s.Quotes.PremiumFor(ctx, pair); perr == nil {
			closePremium = prem.For(broker.Direction(t.Direction))
		}
		s.migrate(ctx, t, closePremium, 0, db.CloseReasonExternal)
		log.Printf("reconcile: trade %s closed externally, migrated to history", t.ID)

	default:
		// One leg gone, one still live: the position is no longer hedged.
		if err := s.DB.UpdateTradeStatus(ctx, t.ID, db.TradePartiallyFilled); err != nil {
			log.Printf("reconcile: flag trade %s: %v", t.ID, err)
			return
		}
		side := "future"
		ticket := t.Future.Ticket
		if futPresent {
			side = "spot"
			ticket = t.Spot.Ticket
		}
		log.Printf("reconcile: CRITICAL: trade %s lost its %s leg #%d, manual attention required", t.ID, side, ticket)
		if s.Bus != nil {
			s.Bus.Publish(events.EventRiskAlert, map[string]any{
				"trade_id":    t.ID,
				"pair_id":     t.PairID,
				"missing_leg": side,
				"ticket":      ticket,
			})
		}
	}
}

// TakeProfitTick evaluates every monitored trade's profit target.
func (s *Service) TakeProfitTick(ctx context.Context) {
	trades, err := s.DB.ListMonitoredTrades(ctx)
	if err != nil {
		log.Printf("reconcile: list monitored trades: %v", err)
		return
	}
	if len(trades) == 0 {
		return
	}

	index := s.newPositionIndex()
	for _, t := range trades {
		s.checkTakeProfit(ctx, index, t)
	}
}

func (s *Service) checkTakeProfit(ctx context.Context, index *positionIndex, t db.ActiveTrade) {
	pair, ok := s.pairs[t.PairID]
	if !ok {
		return
	}

	futPositions, err := index.positions(ctx, pair.Future)
	if err != nil {
		return
	}
	spotPositions, err := index.positions(ctx, pair.Spot)
	if err != nil {
		return
	}

	futPos, futPresent := futPositions[t.Future.Ticket]
	spotPos, spotPresent := spotPositions[t.Spot.Ticket]
	if !futPresent || !spotPresent {
		// A vanished leg is the reconciliation loop's problem.
		return
	}

	prem, premErr := s.Quotes.PremiumFor(ctx, pair)
	currentPremium := 0.0
	if premErr == nil {
		currentPremium = prem.For(broker.Direction(t.Direction))
	}

	var triggered bool
	switch t.TPMode {
	case db.TPModePremium:
		if premErr != nil {
			return
		}
		if deficit := t.ExecutionPremium - currentPremium; deficit >= t.TakeProfit {
			triggered = true
			log.Printf("reconcile: trade %s hit premium target: deficit %.5f >= %.5f", t.ID, deficit, t.TakeProfit)
		}
	case db.TPModeAmount:
		if total := futPos.Profit + spotPos.Profit; total >= t.TakeProfit {
			triggered = true
			log.Printf("reconcile: trade %s hit amount target: %.2f >= %.2f", t.ID, total, t.TakeProfit)
		}
	default:
		return
	}
	if !triggered {
		return
	}

	profit, results := s.Exec.CloseTrade(ctx, pair, t)
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			log.Printf("reconcile: CRITICAL: trade %s %s leg #%d did not close: %v", t.ID, r.Leg, r.Ticket, r.Err)
		}
	}
	if failed == len(results) {
		// Both positions are still open on the venues; keep the trade
		// active and retry the close next tick.
		log.Printf("reconcile: trade %s: no leg closed, leaving active", t.ID)
		return
	}
	s.migrate(ctx, t, currentPremium, profit, db.CloseReasonTakeProfit)
}

// migrate moves a trade to history. Idempotent across loops: a concurrent
// migration of the same trade is absorbed silently.
func (s *Service) migrate(ctx context.Context, t db.ActiveTrade, closePremium, profit float64, reason string) {
	closed := db.ClosedTrade{
		TradeID:          t.ID,
		PairID:           t.PairID,
		Direction:        t.Direction,
		Volume:           t.Future.Volume,
		ExecutionPremium: t.ExecutionPremium,
		ClosePremium:     closePremium,
		Profit:           profit,
		Reason:           reason,
		OpenedAt:         t.OpenedAt,
		ClosedAt:         time.Now(),
	}
	err := s.DB.MigrateToClosed(ctx, closed)
	switch {
	case err == nil:
		if s.Bus != nil {
			s.Bus.Publish(events.EventTradeClosed, closed)
		}
	case errors.Is(err, db.ErrAlreadyClosed):
		// Another loop won the race; nothing left to do.
	default:
		log.Printf("reconcile: migrate trade %s: %v", t.ID, err)
	}
}
