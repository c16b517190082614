package quote

import (
	"context"
	"log"
	"sync"
	"time"

	"arb-core/internal/events"
	"arb-core/pkg/config"
	"arb-core/pkg/db"
)

// SamplerConfig tunes the sampling units and their supervisor.
type SamplerConfig struct {
	Period time.Duration
	// StallAfter is the age of the last sample beyond which a unit is
	// reported as stalled.
	StallAfter time.Duration
	// IdleAfter is how long a unit may go untouched before it is retired.
	IdleAfter time.Duration
	// SuperviseEvery is the supervisor cadence.
	SuperviseEvery time.Duration
}

// DefaultSamplerConfig returns the engine defaults: 1s sampling, stall
// warning after 30s, retirement after 5 idle minutes.
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		Period:         time.Second,
		StallAfter:     30 * time.Second,
		IdleAfter:      5 * time.Minute,
		SuperviseEvery: 15 * time.Second,
	}
}

// UnitStatus describes one sampling unit for status reporting.
type UnitStatus struct {
	PairID     string        `json:"pair_id"`
	LastSample time.Time     `json:"last_sample"`
	SampleAge  time.Duration `json:"sample_age"`
	Stalled    bool          `json:"stalled"`
}

type unit struct {
	pair   config.Pair
	cancel context.CancelFunc

	mu         sync.Mutex
	lastSample time.Time
	lastTouch  time.Time
}

func (u *unit) sampled(at time.Time) {
	u.mu.Lock()
	u.lastSample = at
	u.mu.Unlock()
}

func (u *unit) touched(at time.Time) {
	u.mu.Lock()
	u.lastTouch = at
	u.mu.Unlock()
}

func (u *unit) snapshot() (lastSample, lastTouch time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastSample, u.lastTouch
}

// Sampler runs one sampling unit per tracked pair, each appending premium
// samples to the pair's time series on a short fixed period.
type Sampler struct {
	svc    *Service
	series *db.SeriesStore
	bus    *events.Bus
	cfg    SamplerConfig

	mu    sync.Mutex
	units map[string]*unit
	base  context.Context

	wg sync.WaitGroup
}

// NewSampler creates a sampler.
func NewSampler(svc *Service, series *db.SeriesStore, bus *events.Bus, cfg SamplerConfig) *Sampler {
	def := DefaultSamplerConfig()
	if cfg.Period <= 0 {
		cfg.Period = def.Period
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = def.StallAfter
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = def.IdleAfter
	}
	if cfg.SuperviseEvery <= 0 {
		cfg.SuperviseEvery = def.SuperviseEvery
	}
	return &Sampler{
		svc:    svc,
		series: series,
		bus:    bus,
		cfg:    cfg,
		units:  make(map[string]*unit),
	}
}

// Start launches the supervisor; sampling units start via Track. The
// context also parents every unit, so cancelling it stops them all.
func (s *Sampler) Start(ctx context.Context) {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.SuperviseEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.supervise()
				s.svc.PruneStale(ctx)
			}
		}
	}()
}

// Stop cancels all units and waits for them to finish their current tick.
func (s *Sampler) Stop() {
	s.mu.Lock()
	for _, u := range s.units {
		u.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Track ensures a sampling unit exists for the pair and marks it as in
// demand.
func (s *Sampler) Track(pair config.Pair) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.units[pair.ID]; ok {
		u.touched(now)
		return
	}

	base := s.base
	if base == nil {
		base = context.Background()
	}
	unitCtx, cancel := context.WithCancel(base)
	u := &unit{pair: pair, cancel: cancel}
	u.touched(now)
	s.units[pair.ID] = u

	s.wg.Add(1)
	go s.run(unitCtx, u)
	log.Printf("sampler: tracking pair %s (%s vs %s)", pair.ID, pair.Future.Symbol, pair.Spot.Symbol)
}

// Touch marks a pair's unit as still in demand without creating one.
func (s *Sampler) Touch(pairID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.units[pairID]; ok {
		u.touched(time.Now())
	}
}

// run is one sampling unit loop. A tick is never cancelled midway; the
// venue client timeout bounds it and the next tick proceeds regardless.
func (s *Sampler) run(ctx context.Context, u *unit) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, u)
		}
	}
}

func (s *Sampler) tick(ctx context.Context, u *unit) {
	prem, err := s.svc.PremiumFor(ctx, u.pair)
	if err != nil {
		// Expected during off-hours; no sample, no escalation.
		return
	}

	sample := db.PremiumSample{
		PairKey:     u.pair.SeriesKey(),
		Timestamp:   prem.At,
		FutureBid:   prem.FutureBid,
		FutureAsk:   prem.FutureAsk,
		SpotBid:     prem.SpotBid,
		SpotAsk:     prem.SpotAsk,
		BuyPremium:  prem.Buy(),
		SellPremium: prem.Sell(),
	}
	if err := s.series.InsertPremiumSample(ctx, sample); err != nil {
		log.Printf("sampler: persist sample for %s: %v", u.pair.ID, err)
		return
	}

	u.sampled(prem.At)
	if s.bus != nil {
		s.bus.Publish(events.EventPremiumSample, sample)
	}
}

// supervise warns about stalled units and retires idle ones.
func (s *Sampler) supervise() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, u := range s.units {
		lastSample, lastTouch := u.snapshot()

		if now.Sub(lastTouch) > s.cfg.IdleAfter {
			u.cancel()
			delete(s.units, id)
			log.Printf("sampler: retired idle unit %s", id)
			continue
		}
		if !lastSample.IsZero() && now.Sub(lastSample) > s.cfg.StallAfter {
			log.Printf("sampler: unit %s stalled, no sample for %s", id, now.Sub(lastSample).Round(time.Second))
		}
	}
}

// Status reports all units' liveness.
func (s *Sampler) Status() []UnitStatus {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]UnitStatus, 0, len(s.units))
	for id, u := range s.units {
		lastSample, _ := u.snapshot()
		st := UnitStatus{PairID: id, LastSample: lastSample}
		if !lastSample.IsZero() {
			st.SampleAge = now.Sub(lastSample)
			st.Stalled = st.SampleAge > s.cfg.StallAfter
		}
		out = append(out, st)
	}
	return out
}
