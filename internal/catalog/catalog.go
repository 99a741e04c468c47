package catalog

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"trading-aggregator/internal/downstream"
	"trading-aggregator/pkg/db"
)

// Spec is the static metadata for one instrument. The SL/TP calculator
// snaps prices to TickSize; the risk engine values positions with
// DollarPerPoint.
type Spec struct {
	Symbol         string  `json:"symbol"`
	TickSize       float64 `json:"tickSize"`
	TickValue      float64 `json:"tickValue"`
	DollarPerPoint float64 `json:"dollarPerPoint"`
}

// fallback is used for instruments the catalog has never seen, so an
// unknown symbol degrades to plausible micro-futures values instead of
// stalling the pipeline.
var fallback = Spec{TickSize: 0.25, TickValue: 1.25, DollarPerPoint: 5.0}

// seedSpecs are written on first run so a fresh install can trade the
// common CME index futures before the Connection Manager reports anything.
var seedSpecs = []Spec{
	{Symbol: "MES", TickSize: 0.25, TickValue: 1.25, DollarPerPoint: 5.0},
	{Symbol: "MNQ", TickSize: 0.25, TickValue: 0.50, DollarPerPoint: 2.0},
	{Symbol: "M2K", TickSize: 0.10, TickValue: 0.50, DollarPerPoint: 5.0},
	{Symbol: "MYM", TickSize: 1.00, TickValue: 0.50, DollarPerPoint: 0.5},
	{Symbol: "ES", TickSize: 0.25, TickValue: 12.50, DollarPerPoint: 50.0},
	{Symbol: "NQ", TickSize: 0.25, TickValue: 5.00, DollarPerPoint: 20.0},
	{Symbol: "RTY", TickSize: 0.10, TickValue: 5.00, DollarPerPoint: 50.0},
	{Symbol: "YM", TickSize: 1.00, TickValue: 5.00, DollarPerPoint: 5.0},
	{Symbol: "MGC", TickSize: 0.10, TickValue: 1.00, DollarPerPoint: 10.0},
	{Symbol: "CL", TickSize: 0.01, TickValue: 10.00, DollarPerPoint: 1000.0},
}

// Catalog is the read-mostly contract spec store: sqlite-backed, loaded at
// startup, optionally refreshed once from the Connection Manager.
type Catalog struct {
	mu     sync.RWMutex
	specs  map[string]Spec
	store  *db.Database
	logger zerolog.Logger
}

// Load opens the catalog from the database, seeding defaults when asked.
// tickOverrides (per-symbol config) win over stored rows.
func Load(store *db.Database, seedDefaults bool, tickOverrides map[string]float64) (*Catalog, error) {
	c := &Catalog{
		specs:  make(map[string]Spec),
		store:  store,
		logger: log.With().Str("component", "catalog").Logger(),
	}

	if seedDefaults {
		for _, s := range seedSpecs {
			if _, err := store.DB.Exec(
				`INSERT OR IGNORE INTO contract_specs (symbol, tick_size, tick_value, dollar_per_point) VALUES (?, ?, ?, ?)`,
				s.Symbol, s.TickSize, s.TickValue, s.DollarPerPoint,
			); err != nil {
				return nil, fmt.Errorf("seed contract %s: %w", s.Symbol, err)
			}
		}
	}

	rows, err := store.DB.Query(`SELECT symbol, tick_size, tick_value, dollar_per_point FROM contract_specs`)
	if err != nil {
		return nil, fmt.Errorf("load contract specs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s Spec
		if err := rows.Scan(&s.Symbol, &s.TickSize, &s.TickValue, &s.DollarPerPoint); err != nil {
			return nil, err
		}
		c.specs[s.Symbol] = s
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for symbol, tick := range tickOverrides {
		s, ok := c.specs[symbol]
		if !ok {
			s = fallback
			s.Symbol = symbol
			c.logger.Warn().Str("symbol", symbol).Msg("tick override for unknown instrument, using fallback metadata")
		}
		s.TickSize = tick
		c.specs[symbol] = s
	}

	c.logger.Info().Int("instruments", len(c.specs)).Msg("contract catalog loaded")
	return c, nil
}

// Lookup returns the spec for symbol, falling back to defaults for unknown
// instruments.
func (c *Catalog) Lookup(symbol string) Spec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.specs[symbol]; ok {
		return s
	}
	s := fallback
	s.Symbol = symbol
	return s
}

// Known reports whether the catalog holds real metadata for symbol.
func (c *Catalog) Known(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.specs[symbol]
	return ok
}

// Refresh merges contracts reported by the Connection Manager, persisting
// them for the next start. Config tick overrides are reapplied by the
// caller if needed; stored rows only change when the broker disagrees.
func (c *Catalog) Refresh(contracts []downstream.Contract) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ct := range contracts {
		if ct.Symbol == "" || ct.TickSize <= 0 {
			continue
		}
		s := Spec{
			Symbol:         ct.Symbol,
			TickSize:       ct.TickSize,
			TickValue:      ct.TickValue,
			DollarPerPoint: ct.DollarPerPoint,
		}
		c.specs[ct.Symbol] = s
		if _, err := c.store.DB.Exec(
			`INSERT INTO contract_specs (symbol, tick_size, tick_value, dollar_per_point, updated_at)
			 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			 ON CONFLICT(symbol) DO UPDATE SET
			   tick_size = excluded.tick_size,
			   tick_value = excluded.tick_value,
			   dollar_per_point = excluded.dollar_per_point,
			   updated_at = CURRENT_TIMESTAMP`,
			s.Symbol, s.TickSize, s.TickValue, s.DollarPerPoint,
		); err != nil {
			return fmt.Errorf("persist contract %s: %w", s.Symbol, err)
		}
	}
	c.logger.Info().Int("instruments", len(c.specs)).Msg("contract catalog refreshed")
	return nil
}

// Snapshot lists every known spec, sorted by symbol.
func (c *Catalog) Snapshot() []Spec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Spec, 0, len(c.specs))
	for _, s := range c.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
