package feeds

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PRICE CACHE - Last known mark price per outcome token
// ═══════════════════════════════════════════════════════════════════════════════

// PriceCache holds recent mark prices keyed by asset id. Reads report
// freshness so valuation can flag the break-even fallback. Bounded, with
// oldest entries evicted first once over twice the capacity.
type PriceCache struct {
	mu       sync.RWMutex
	capacity int
	maxAge   time.Duration
	marks    map[string]mark
	order    []string
	now      func() time.Time
}

type mark struct {
	price decimal.Decimal
	at    time.Time
}

// NewPriceCache creates a price cache. Marks older than maxAge are treated
// as missing.
func NewPriceCache(capacity int, maxAge time.Duration) *PriceCache {
	if capacity <= 0 {
		capacity = 4096
	}
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &PriceCache{
		capacity: capacity,
		maxAge:   maxAge,
		marks:    make(map[string]mark, 2*capacity),
		now:      time.Now,
	}
}

// Set records the latest mark price for an asset.
func (pc *PriceCache) Set(assetID string, price decimal.Decimal) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if _, exists := pc.marks[assetID]; !exists {
		pc.order = append(pc.order, assetID)
	}
	pc.marks[assetID] = mark{price: price, at: pc.now()}

	if len(pc.order) > 2*pc.capacity {
		evict := pc.order[:len(pc.order)-pc.capacity]
		for _, k := range evict {
			delete(pc.marks, k)
		}
		pc.order = append([]string(nil), pc.order[len(pc.order)-pc.capacity:]...)
	}
}

// Get returns the mark price for an asset. ok is false when the asset has
// no mark or the mark has gone stale; callers fall back to their own price
// and must flag that they did.
func (pc *PriceCache) Get(assetID string) (decimal.Decimal, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	m, exists := pc.marks[assetID]
	if !exists {
		return decimal.Zero, false
	}
	if pc.now().Sub(m.at) > pc.maxAge {
		return decimal.Zero, false
	}
	return m.price, true
}

// LivePrice returns the fresh mark for an asset or an error when none
// exists. Satisfies the risk gate's slippage-check lookup.
func (pc *PriceCache) LivePrice(_ context.Context, assetID string) (decimal.Decimal, error) {
	price, ok := pc.Get(assetID)
	if !ok {
		return decimal.Zero, fmt.Errorf("no fresh mark for asset %s", assetID)
	}
	return price, nil
}

// Len returns the number of cached marks.
func (pc *PriceCache) Len() int {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return len(pc.marks)
}
