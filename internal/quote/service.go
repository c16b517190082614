// Package quote resolves bid/ask observations through the shared cache and
// computes the premium between the future and spot legs of a tracked pair.
package quote

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"

	"arb-core/internal/session"
	"arb-core/pkg/broker"
	"arb-core/pkg/config"
	"arb-core/pkg/db"
)

// Premium is one paired observation of both legs.
type Premium struct {
	PairID    string
	FutureBid float64
	FutureAsk float64
	SpotBid   float64
	SpotAsk   float64
	At        time.Time
}

// Buy is the premium paid when opening a buy: future ask against spot bid.
func (p Premium) Buy() float64 { return p.FutureAsk - p.SpotBid }

// Sell is the premium received when opening a sell: future bid against
// spot ask.
func (p Premium) Sell() float64 { return p.FutureBid - p.SpotAsk }

// For returns the premium relevant to the given order direction.
func (p Premium) For(direction broker.Direction) float64 {
	if direction == broker.Sell {
		return p.Sell()
	}
	return p.Buy()
}

// Config tunes quote resolution.
type Config struct {
	// Freshness is the window within which a cached quote is reused
	// without a venue call.
	Freshness time.Duration
	// Retries bounds additional fetch attempts after a transient failure.
	Retries int
	// CacheRetention is the age past which a prune pass drops cache
	// entries that outlived the freshness window.
	CacheRetention time.Duration
	// QuoteKeep is how many persisted quote rows are retained per venue.
	QuoteKeep int
}

// DefaultConfig returns the engine defaults: 5s freshness, 2 retries,
// one minute of cache retention, 1000 quote rows per venue.
func DefaultConfig() Config {
	return Config{
		Freshness:      5 * time.Second,
		Retries:        2,
		CacheRetention: time.Minute,
		QuoteKeep:      1000,
	}
}

// Service fetches quotes cache-first and records them for short-term reuse.
type Service struct {
	cache    *Cache
	sessions *session.Manager
	registry *broker.Registry
	series   *db.SeriesStore
	cfg      Config
}

// NewService creates a quote service.
func NewService(cache *Cache, sessions *session.Manager, registry *broker.Registry, series *db.SeriesStore, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.Freshness <= 0 {
		cfg.Freshness = def.Freshness
	}
	if cfg.Retries < 0 {
		cfg.Retries = def.Retries
	}
	if cfg.CacheRetention <= 0 {
		cfg.CacheRetention = def.CacheRetention
	}
	if cfg.QuoteKeep <= 0 {
		cfg.QuoteKeep = def.QuoteKeep
	}
	return &Service{
		cache:    cache,
		sessions: sessions,
		registry: registry,
		series:   series,
		cfg:      cfg,
	}
}

func cacheKey(leg config.LegConfig) string {
	return leg.Venue + ":" + leg.Symbol
}

// QuoteFor resolves the current quote for one leg, preferring the shared
// cache. Fresh venue quotes are cached (and persisted) only when the
// instrument is confirmed tradeable at this moment.
func (s *Service) QuoteFor(ctx context.Context, leg config.LegConfig) (broker.Quote, error) {
	key := cacheKey(leg)
	if q, ok := s.cache.GetFresh(key, s.cfg.Freshness); ok {
		return q, nil
	}

	gw := s.registry.For(broker.VenueKind(leg.Venue))
	if gw == nil {
		return broker.Quote{}, fmt.Errorf("quote: no gateway for venue %q", leg.Venue)
	}

	cred := leg.Credential()
	sess, err := s.sessions.Acquire(ctx, cred)
	if err != nil {
		return broker.Quote{}, fmt.Errorf("quote %s: %w", key, err)
	}

	q, err := s.fetchWithRetry(ctx, gw, sess.Token, leg.Symbol)
	if err != nil {
		if broker.IsAuthError(err) {
			// Token went bad server-side; force a fresh login next time.
			s.sessions.Invalidate(cred)
		}
		return broker.Quote{}, fmt.Errorf("quote %s: %w", key, err)
	}

	tradeable, terr := gw.IsTradeable(ctx, sess.Token, leg.Symbol)
	if terr == nil && tradeable {
		s.cache.Set(key, q)
		if s.series != nil {
			if werr := s.series.InsertQuote(ctx, leg.Venue, db.QuoteRow{
				Symbol:     q.Symbol,
				Bid:        q.Bid,
				Ask:        q.Ask,
				ObservedAt: q.ObservedAt,
			}); werr != nil {
				log.Printf("quote: persist %s: %v", key, werr)
			}
		}
	}

	return q, nil
}

// fetchWithRetry performs the venue call with bounded retries on transient
// failures only.
func (s *Service) fetchWithRetry(ctx context.Context, gw broker.Gateway, token, symbol string) (broker.Quote, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = time.Second

	var (
		q   broker.Quote
		err error
	)
	for attempt := 0; ; attempt++ {
		q, err = gw.GetQuote(ctx, token, symbol)
		if err == nil || !broker.IsTransient(err) || attempt >= s.cfg.Retries {
			return q, err
		}
		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			return q, err
		}
		select {
		case <-ctx.Done():
			return broker.Quote{}, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// PruneStale drops cache entries and persisted quote rows that aged out of
// the reuse window. The quote tables exist for short-term reuse, not
// history.
func (s *Service) PruneStale(ctx context.Context) {
	if removed := s.cache.Cleanup(s.cfg.CacheRetention); removed > 0 {
		log.Printf("quote: pruned %d stale cache entries", removed)
	}
	if s.series == nil {
		return
	}
	for _, venue := range s.registry.Venues() {
		if err := s.series.PruneQuotes(ctx, string(venue), s.cfg.QuoteKeep); err != nil {
			log.Printf("quote: prune %s quotes: %v", venue, err)
		}
	}
}

// PremiumFor resolves both legs of a pair and pairs them into one premium
// observation.
func (s *Service) PremiumFor(ctx context.Context, pair config.Pair) (Premium, error) {
	fut, err := s.QuoteFor(ctx, pair.Future)
	if err != nil {
		return Premium{}, err
	}
	spot, err := s.QuoteFor(ctx, pair.Spot)
	if err != nil {
		return Premium{}, err
	}
	return Premium{
		PairID:    pair.ID,
		FutureBid: fut.Bid,
		FutureAsk: fut.Ask,
		SpotBid:   spot.Bid,
		SpotAsk:   spot.Ask,
		At:        time.Now(),
	}, nil
}
