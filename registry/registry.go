package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/copyflow/storage"
	"github.com/web3guy0/copyflow/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SUBSCRIPTION REGISTRY - Who follows whom, and under which risk policy
// ═══════════════════════════════════════════════════════════════════════════════
//
// Lookups are served from an in-memory cache so the per-event fan-out never
// waits on the database; mutations write through.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Registry struct {
	mu sync.RWMutex
	db *storage.Database

	// source account -> subscriptions following it
	bySource map[string][]types.Subscription
	// "subscriberID|sourceAccount" -> risk config ("" source = global)
	configs map[string]types.RiskConfig
}

// New loads all subscriptions and risk configs into the cache.
func New(db *storage.Database) (*Registry, error) {
	r := &Registry{
		db:       db,
		bySource: make(map[string][]types.Subscription),
		configs:  make(map[string]types.RiskConfig),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) reload() error {
	subs, err := r.db.GetAllSubscriptions()
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.bySource = make(map[string][]types.Subscription, len(subs))
	for _, s := range subs {
		sub := types.Subscription{
			SubscriberID:  s.SubscriberID,
			SourceAccount: s.SourceAccount,
			Mode:          types.Mode(s.Mode),
		}
		r.bySource[s.SourceAccount] = append(r.bySource[s.SourceAccount], sub)

		for _, scope := range []string{s.SourceAccount, ""} {
			key := s.SubscriberID + "|" + scope
			if _, cached := r.configs[key]; cached {
				continue
			}
			row, err := r.db.GetRiskConfig(s.SubscriberID, scope)
			if err != nil {
				return fmt.Errorf("load risk config: %w", err)
			}
			if row != nil {
				r.configs[key] = row.ToRiskConfig()
			}
		}
	}

	log.Info().Int("subscriptions", len(subs)).Msg("📒 Subscription registry loaded")
	return nil
}

// SubscribersOf returns every subscription following the source account.
func (r *Registry) SubscribersOf(sourceAccount string) []types.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.bySource[sourceAccount]
	out := make([]types.Subscription, len(subs))
	copy(out, subs)
	return out
}

// ConfigFor resolves the risk config for a subscriber and source account:
// the per-source override wins, then the global config. Subscribers with no
// config at all are disabled by default.
func (r *Registry) ConfigFor(subscriberID, sourceAccount string) types.RiskConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.configs[subscriberID+"|"+sourceAccount]; ok {
		return cfg
	}
	if cfg, ok := r.configs[subscriberID+"|"]; ok {
		return cfg
	}
	return types.RiskConfig{SubscriberID: subscriberID, Enabled: false}
}

// IsIgnored reports whether the market title matches any of the
// subscriber's ignore patterns. Case-insensitive substring match.
func (r *Registry) IsIgnored(subscriberID, sourceAccount, marketTitle string) bool {
	cfg := r.ConfigFor(subscriberID, sourceAccount)
	return MatchesIgnore(cfg.IgnorePatterns, marketTitle)
}

// MatchesIgnore is the bare pattern check, shared with the risk gate.
func MatchesIgnore(patterns []string, marketTitle string) bool {
	if len(patterns) == 0 {
		return false
	}
	title := strings.ToLower(marketTitle)
	for _, p := range patterns {
		p = strings.TrimSpace(strings.ToLower(p))
		if p != "" && strings.Contains(title, p) {
			return true
		}
	}
	return false
}

// Subscribe adds or updates a subscription. Write-through.
func (r *Registry) Subscribe(sub types.Subscription) error {
	if err := r.db.UpsertSubscription(&storage.Subscription{
		SubscriberID:  sub.SubscriberID,
		SourceAccount: sub.SourceAccount,
		Mode:          string(sub.Mode),
	}); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.bySource[sub.SourceAccount]
	for i, s := range subs {
		if s.SubscriberID == sub.SubscriberID {
			subs[i] = sub
			return nil
		}
	}
	r.bySource[sub.SourceAccount] = append(subs, sub)
	return nil
}

// Unsubscribe removes a subscription. The subscriber's ledger account is
// deactivated elsewhere; history is retained.
func (r *Registry) Unsubscribe(subscriberID, sourceAccount string) error {
	if err := r.db.DeleteSubscription(subscriberID, sourceAccount); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.bySource[sourceAccount]
	for i, s := range subs {
		if s.SubscriberID == subscriberID {
			r.bySource[sourceAccount] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// Copy percentage bounds. Enforced here, at the write boundary, so sizing
// can apply stored configs verbatim.
var (
	minCopyPercentage = decimal.NewFromInt(1)
	maxCopyPercentage = decimal.NewFromInt(200)
)

// validateRiskConfig rejects configs outside the accepted ranges before
// they reach storage.
func validateRiskConfig(cfg types.RiskConfig) error {
	if cfg.CopyPercentage.LessThan(minCopyPercentage) || cfg.CopyPercentage.GreaterThan(maxCopyPercentage) {
		return fmt.Errorf("copy percentage %s out of range %s-%s",
			cfg.CopyPercentage, minCopyPercentage, maxCopyPercentage)
	}
	caps := map[string]*decimal.Decimal{
		"max trade size": cfg.MaxTradeSize,
		"daily limit":    cfg.DailyLimit,
		"max per market": cfg.MaxPerMarket,
	}
	for name, limit := range caps {
		if limit != nil && limit.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("%s must be positive, got %s", name, limit)
		}
	}
	return nil
}

// SetRiskConfig validates and stores a risk config for a subscriber,
// per-source when cfg.SourceAccount is set, global otherwise. Write-through.
func (r *Registry) SetRiskConfig(cfg types.RiskConfig) error {
	if err := validateRiskConfig(cfg); err != nil {
		return err
	}
	if err := r.db.UpsertRiskConfig(&storage.RiskConfig{
		SubscriberID:   cfg.SubscriberID,
		SourceAccount:  cfg.SourceAccount,
		CopyPercentage: cfg.CopyPercentage,
		MaxTradeSize:   cfg.MaxTradeSize,
		DailyLimit:     cfg.DailyLimit,
		MaxPerMarket:   cfg.MaxPerMarket,
		Enabled:        cfg.Enabled,
		IgnorePatterns: storage.EncodePatterns(cfg.IgnorePatterns),
	}); err != nil {
		return fmt.Errorf("save risk config: %w", err)
	}

	r.mu.Lock()
	r.configs[cfg.SubscriberID+"|"+cfg.SourceAccount] = cfg
	r.mu.Unlock()
	return nil
}
