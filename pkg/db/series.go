package db

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// SeriesStore is a keyed registry of append-only time-series tables: one
// premium table per tracked pair combination and one quote table per venue.
// Tables are created on first use and looked up thereafter, so business
// code never issues DDL.
type SeriesStore struct {
	db *Database

	mu      sync.Mutex
	ensured map[string]bool
}

// NewSeriesStore creates a registry over the database.
func NewSeriesStore(database *Database) *SeriesStore {
	return &SeriesStore{
		db:      database,
		ensured: make(map[string]bool),
	}
}

// sanitizeKey maps an arbitrary logical key onto a safe table-name suffix.
func sanitizeKey(key string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(key) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (s *SeriesStore) ensureTable(ctx context.Context, name, ddl string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ensured[name] {
		return nil
	}
	if _, err := s.db.DB.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure table %s: %w", name, err)
	}
	s.ensured[name] = true
	return nil
}

func premiumTable(pairKey string) string {
	return "premium_samples_" + sanitizeKey(pairKey)
}

func quoteTable(venueKey string) string {
	return "quotes_" + sanitizeKey(venueKey)
}

// InsertPremiumSample appends one sample to the pair's series.
func (s *SeriesStore) InsertPremiumSample(ctx context.Context, sample PremiumSample) error {
	table := premiumTable(sample.PairKey)
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL,
			fut_bid REAL NOT NULL,
			fut_ask REAL NOT NULL,
			spot_bid REAL NOT NULL,
			spot_ask REAL NOT NULL,
			buy_premium REAL NOT NULL,
			sell_premium REAL NOT NULL
		)`, table)
	if err := s.ensureTable(ctx, table, ddl); err != nil {
		return err
	}

	_, err := s.db.DB.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (ts, fut_bid, fut_ask, spot_bid, spot_ask, buy_premium, sell_premium)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, table),
		sample.Timestamp, sample.FutureBid, sample.FutureAsk,
		sample.SpotBid, sample.SpotAsk, sample.BuyPremium, sample.SellPremium)
	if err != nil {
		return fmt.Errorf("insert premium sample: %w", err)
	}
	return nil
}

// RecentPremiumSamples returns the newest samples for a pair, newest first.
func (s *SeriesStore) RecentPremiumSamples(ctx context.Context, pairKey string, limit int) ([]PremiumSample, error) {
	table := premiumTable(pairKey)

	s.mu.Lock()
	known := s.ensured[table]
	s.mu.Unlock()
	if !known {
		// No samples written yet this process; the table may still exist
		// from a previous run.
		var n int
		err := s.db.DB.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n)
		if err != nil {
			return nil, fmt.Errorf("lookup series table: %w", err)
		}
		if n == 0 {
			return nil, nil
		}
	}

	rows, err := s.db.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT ts, fut_bid, fut_ask, spot_bid, spot_ask, buy_premium, sell_premium
		FROM %s ORDER BY id DESC LIMIT ?`, table), limit)
	if err != nil {
		return nil, fmt.Errorf("query premium samples: %w", err)
	}
	defer rows.Close()

	var samples []PremiumSample
	for rows.Next() {
		sample := PremiumSample{PairKey: pairKey}
		if err := rows.Scan(&sample.Timestamp, &sample.FutureBid, &sample.FutureAsk,
			&sample.SpotBid, &sample.SpotAsk, &sample.BuyPremium, &sample.SellPremium); err != nil {
			return nil, fmt.Errorf("scan premium sample: %w", err)
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

// InsertQuote appends one observation to the venue's short-lived quote
// table.
func (s *SeriesStore) InsertQuote(ctx context.Context, venueKey string, q QuoteRow) error {
	table := quoteTable(venueKey)
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			bid REAL NOT NULL,
			ask REAL NOT NULL,
			observed_at DATETIME NOT NULL
		)`, table)
	if err := s.ensureTable(ctx, table, ddl); err != nil {
		return err
	}

	_, err := s.db.DB.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (symbol, bid, ask, observed_at) VALUES (?, ?, ?, ?)`, table),
		q.Symbol, q.Bid, q.Ask, q.ObservedAt)
	if err != nil {
		return fmt.Errorf("insert quote: %w", err)
	}
	return nil
}

// PruneQuotes deletes quote rows older than the cutoff; the quote tables
// exist for short-term reuse, not history.
func (s *SeriesStore) PruneQuotes(ctx context.Context, venueKey string, keep int) error {
	table := quoteTable(venueKey)

	s.mu.Lock()
	known := s.ensured[table]
	s.mu.Unlock()
	if !known {
		return nil
	}

	_, err := s.db.DB.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE id NOT IN (SELECT id FROM %s ORDER BY id DESC LIMIT ?)`,
		table, table), keep)
	if err != nil {
		return fmt.Errorf("prune quotes: %w", err)
	}
	return nil
}
