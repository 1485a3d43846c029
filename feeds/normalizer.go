package feeds

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/copyflow/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// NORMALIZER - Raw feed observations → canonical TradeEvents, deduplicated
// ═══════════════════════════════════════════════════════════════════════════════
//
// The dedup cache here is a fast-path optimization against feed replays.
// It is NOT the system of record: the unique replica index in storage is
// the durable guard across restarts.
//
// ═══════════════════════════════════════════════════════════════════════════════

// RawObservation is one untyped trade observation from the external feed,
// validated exactly once at this boundary.
type RawObservation struct {
	TxID          string
	EventID       string
	Type          string // "TRADE", "REDEEM", "SPLIT", "MERGE"; "" means TRADE
	SourceAccount string
	AssetID       string
	ConditionID   string
	Side          string
	Shares        decimal.Decimal
	Price         decimal.Decimal
	Title         string
	Outcome       string
	EndDate       *time.Time
	Timestamp     time.Time
}

// Normalizer turns raw observations into TradeEvents and drops repeats.
type Normalizer struct {
	cache *DedupCache
	now   func() time.Time
}

// NewNormalizer creates a normalizer with a dedup cache of the given capacity.
func NewNormalizer(cacheCapacity int) *Normalizer {
	return &Normalizer{
		cache: NewDedupCache(cacheCapacity),
		now:   time.Now,
	}
}

// Observe validates and canonicalizes one raw observation. Returns nil for
// repeats, non-trade activity, and observations that fail validation.
func (n *Normalizer) Observe(raw RawObservation) *types.TradeEvent {
	if raw.Type != "" && raw.Type != "TRADE" {
		log.Debug().Str("type", raw.Type).Str("tx", raw.TxID).Msg("Skipping non-trade activity")
		return nil
	}

	side := types.Side(strings.ToUpper(raw.Side))
	if side != types.SideBuy && side != types.SideSell {
		log.Warn().Str("side", raw.Side).Str("tx", raw.TxID).Msg("Dropping trade with unknown side")
		return nil
	}
	if raw.Shares.LessThanOrEqual(decimal.Zero) {
		log.Warn().Str("tx", raw.TxID).Msg("Dropping trade with non-positive shares")
		return nil
	}
	if raw.Price.LessThanOrEqual(decimal.Zero) || raw.Price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		log.Warn().Str("tx", raw.TxID).Str("price", raw.Price.String()).Msg("Dropping trade with out-of-range price")
		return nil
	}
	if raw.SourceAccount == "" || raw.TxID == "" {
		return nil
	}

	key := types.DedupKey(raw.TxID, raw.EventID)
	if !n.cache.Admit(key, n.now()) {
		log.Debug().Str("key", key[:16]).Msg("Duplicate observation dropped")
		return nil
	}

	ts := raw.Timestamp
	if ts.IsZero() {
		ts = n.now()
	}

	return &types.TradeEvent{
		SourceAccount: raw.SourceAccount,
		AssetID:       raw.AssetID,
		ConditionID:   raw.ConditionID,
		Side:          side,
		Shares:        raw.Shares,
		Price:         raw.Price,
		Title:         raw.Title,
		Outcome:       raw.Outcome,
		EndDate:       raw.EndDate,
		Timestamp:     ts,
		DedupKey:      key,
	}
}

// DedupCache is a bounded recency set. Keys are kept in arrival order and
// the oldest are evicted once the set grows past twice its capacity.
type DedupCache struct {
	mu       sync.Mutex
	capacity int
	seen     map[string]time.Time
	order    []string
}

// NewDedupCache creates a cache that retains roughly capacity..2*capacity keys.
func NewDedupCache(capacity int) *DedupCache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &DedupCache{
		capacity: capacity,
		seen:     make(map[string]time.Time, 2*capacity),
	}
}

// Admit records the key and reports whether it was new.
func (c *DedupCache) Admit(key string, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.seen[key]; dup {
		return false
	}
	c.seen[key] = at
	c.order = append(c.order, key)

	if len(c.order) > 2*c.capacity {
		evict := c.order[:len(c.order)-c.capacity]
		for _, k := range evict {
			delete(c.seen, k)
		}
		c.order = append([]string(nil), c.order[len(c.order)-c.capacity:]...)
	}
	return true
}

// Len returns the number of retained keys.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
