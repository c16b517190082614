package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"arb-core/pkg/broker"
)

// LegConfig is one side of a tracked pair: an account on a venue plus the
// instrument traded there.
type LegConfig struct {
	Venue   string `yaml:"venue"` // mt4 or mt5
	Server  string `yaml:"server"`
	Account string `yaml:"account"`
	Secret  string `yaml:"secret"`
	Symbol  string `yaml:"symbol"`
}

// Credential converts the leg into a broker credential.
func (l LegConfig) Credential() broker.Credential {
	return broker.Credential{
		Venue:   broker.VenueKind(l.Venue),
		Server:  l.Server,
		Account: l.Account,
		Secret:  l.Secret,
	}
}

// Pair is one tracked (future account, spot account, future instrument,
// spot instrument) combination.
type Pair struct {
	ID            string    `yaml:"id"`
	Future        LegConfig `yaml:"future"`
	Spot          LegConfig `yaml:"spot"`
	DefaultVolume float64   `yaml:"default_volume"`
}

// SeriesKey identifies the premium time series this pair feeds. All
// accounts trading the same venue/instrument combination share one series.
func (p Pair) SeriesKey() string {
	return fmt.Sprintf("%s_%s_%s_%s", p.Future.Venue, p.Spot.Venue, p.Future.Symbol, p.Spot.Symbol)
}

type pairsFile struct {
	Pairs []Pair `yaml:"pairs"`
}

// LoadPairs reads the tracked pair definitions from a YAML file.
func LoadPairs(path string) ([]Pair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pairs file: %w", err)
	}

	var f pairsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse pairs file: %w", err)
	}

	seen := make(map[string]bool, len(f.Pairs))
	for i, p := range f.Pairs {
		if p.ID == "" {
			return nil, fmt.Errorf("pair %d: id is required", i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("pair %q: duplicate id", p.ID)
		}
		seen[p.ID] = true
		for _, leg := range []LegConfig{p.Future, p.Spot} {
			switch broker.VenueKind(leg.Venue) {
			case broker.VenueMT4, broker.VenueMT5:
			default:
				return nil, fmt.Errorf("pair %q: unknown venue %q", p.ID, leg.Venue)
			}
			if leg.Account == "" || leg.Server == "" || leg.Symbol == "" {
				return nil, fmt.Errorf("pair %q: account, server and symbol are required", p.ID)
			}
		}
	}
	return f.Pairs, nil
}
