package market

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// StaleAfter is how long a quote stays usable. Risk checks that read a
// price older than this treat the instrument as unquoted.
const StaleAfter = 30 * time.Second

// Tick is one market data update as carried on the bus.
type Tick struct {
	Instrument string  `json:"instrument"`
	Price      float64 `json:"price"`
	Bid        float64 `json:"bid,omitempty"`
	Ask        float64 `json:"ask,omitempty"`
	Timestamp  int64   `json:"timestamp"`
}

// PriceBook holds the last known price per instrument with TTL-based
// staleness. Updates never block: the book is a cache, not a journal.
type PriceBook struct {
	c *gocache.Cache
}

// NewPriceBook returns a book whose entries expire after ttl.
func NewPriceBook(ttl time.Duration) *PriceBook {
	if ttl <= 0 {
		ttl = StaleAfter
	}
	return &PriceBook{c: gocache.New(ttl, 2*ttl)}
}

// Update records the latest price for an instrument.
func (b *PriceBook) Update(tick Tick) {
	if tick.Instrument == "" {
		return
	}
	b.c.Set(tick.Instrument, tick, gocache.DefaultExpiration)
}

// Last returns the most recent non-stale price for instrument.
func (b *PriceBook) Last(instrument string) (float64, bool) {
	v, ok := b.c.Get(instrument)
	if !ok {
		return 0, false
	}
	return v.(Tick).Price, true
}

// Instruments reports how many instruments currently have a fresh quote.
func (b *PriceBook) Instruments() int {
	return b.c.ItemCount()
}
