package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/copyflow/exec"
	"github.com/web3guy0/copyflow/ledger"
	"github.com/web3guy0/copyflow/registry"
	"github.com/web3guy0/copyflow/risk"
	"github.com/web3guy0/copyflow/storage"
	"github.com/web3guy0/copyflow/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Central replication orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow:
//   Feed → Registry fan-out → Sizing → Risk Gate → Router → Storage
//
// Events are consumed one at a time; the per-subscriber replicas of one
// event run concurrently and are joined before the next event is taken.
// Each replica claims a durable (subscriber, dedup key) row before doing
// anything else, so a duplicate delivery or a restart replay is refused by
// the database, not by in-memory state.
//
// ═══════════════════════════════════════════════════════════════════════════════

// staleAfter is how old a source trade may be before replication is
// pointless: the price has long moved on.
const staleAfter = 5 * time.Minute

// AssetResolver recovers a missing outcome-token id from market metadata.
// Called at most once per event.
type AssetResolver interface {
	ResolveAsset(ctx context.Context, conditionID, outcome string) (string, error)
}

type Engine struct {
	db       *storage.Database
	registry *registry.Registry
	sizer    *risk.Sizer
	gate     *risk.Gate
	ledger   *ledger.Ledger
	router   *exec.Router
	resolver AssetResolver
	now      func() time.Time

	// Stats
	eventsSeen  atomic.Int64
	replicas    atomic.Int64
	executed    atomic.Int64
	skipped     atomic.Int64
	failed      atomic.Int64
	duplicates  atomic.Int64
	staleEvents atomic.Int64
}

// NewEngine wires the replication pipeline. resolver may be nil.
func NewEngine(
	db *storage.Database,
	reg *registry.Registry,
	sizer *risk.Sizer,
	gate *risk.Gate,
	led *ledger.Ledger,
	router *exec.Router,
	resolver AssetResolver,
) *Engine {
	return &Engine{
		db:       db,
		registry: reg,
		sizer:    sizer,
		gate:     gate,
		ledger:   led,
		router:   router,
		resolver: resolver,
		now:      time.Now,
	}
}

// Run consumes trade events until the channel closes or the context ends.
func (e *Engine) Run(ctx context.Context, events <-chan *types.TradeEvent) {
	log.Info().Msg("🚀 Replication engine started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Replication engine stopped")
			return
		case ev, ok := <-events:
			if !ok {
				log.Info().Msg("Event feed closed, engine stopping")
				return
			}
			e.ProcessEvent(ctx, ev)
		}
	}
}

// ProcessEvent fans one source trade out to every subscriber of its source
// account and waits for all replicas to reach a terminal state.
func (e *Engine) ProcessEvent(ctx context.Context, ev *types.TradeEvent) {
	e.eventsSeen.Add(1)

	subs := e.registry.SubscribersOf(ev.SourceAccount)
	if len(subs) == 0 {
		return
	}

	log.Info().
		Str("source", shortAddr(ev.SourceAccount)).
		Str("side", string(ev.Side)).
		Str("value", ev.Value().StringFixed(2)).
		Str("market", ev.Title).
		Int("subscribers", len(subs)).
		Msg("📣 Source trade observed")

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub types.Subscription) {
			defer wg.Done()
			e.replicate(ctx, sub, ev)
		}(sub)
	}
	wg.Wait()
}

// replicate runs the full pipeline for one subscriber. Every path out of
// this function leaves a terminal replica record behind the claimed key.
func (e *Engine) replicate(ctx context.Context, sub types.Subscription, ev *types.TradeEvent) {
	// Claim the durable idempotency key first. Losing the claim means this
	// exact trade was already handled for this subscriber.
	err := e.db.CreatePendingReplica(&storage.ReplicaRecord{
		SubscriberID:  sub.SubscriberID,
		DedupKey:      ev.DedupKey,
		SourceAccount: ev.SourceAccount,
		ConditionID:   ev.ConditionID,
		AssetID:       ev.AssetID,
		Title:         ev.Title,
		Side:          string(ev.Side),
		SourcePrice:   ev.Price,
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateReplica) {
			e.duplicates.Add(1)
			log.Debug().
				Str("subscriber", sub.SubscriberID).
				Str("key", ev.DedupKey[:16]).
				Msg("Replica already recorded, dropping duplicate")
			return
		}
		e.failed.Add(1)
		log.Error().Err(err).Str("subscriber", sub.SubscriberID).Msg("Failed to claim replica record")
		return
	}
	e.replicas.Add(1)

	res := e.attempt(ctx, sub, ev)
	if err := e.db.FinalizeReplica(sub.SubscriberID, ev.DedupKey, res); err != nil {
		log.Error().Err(err).
			Str("subscriber", sub.SubscriberID).
			Msg("Failed to finalize replica record")
	}

	switch res.Status {
	case types.StatusExecuted:
		e.executed.Add(1)
	case types.StatusSkipped:
		e.skipped.Add(1)
		log.Debug().
			Str("subscriber", sub.SubscriberID).
			Str("reason", res.Reason).
			Str("market", ev.Title).
			Msg("Replica skipped")
	case types.StatusFailed:
		e.failed.Add(1)
		log.Warn().
			Str("subscriber", sub.SubscriberID).
			Str("reason", res.Reason).
			Str("market", ev.Title).
			Msg("⚠️ Replica failed")
	}
}

func (e *Engine) attempt(ctx context.Context, sub types.Subscription, ev *types.TradeEvent) types.Result {
	if age := e.now().Sub(ev.Timestamp); age > staleAfter {
		e.staleEvents.Add(1)
		return types.Skip(types.ReasonStale)
	}

	ev, res := e.resolveAsset(ctx, ev)
	if res != nil {
		return *res
	}

	cfg := e.registry.ConfigFor(sub.SubscriberID, ev.SourceAccount)

	switch ev.Side {
	case types.SideBuy:
		return e.attemptBuy(ctx, sub, ev, cfg)
	case types.SideSell:
		return e.attemptSell(ctx, sub, ev, cfg)
	}
	return types.Fail("unknown side " + string(ev.Side))
}

// resolveAsset fills in a missing outcome-token id through the resolver,
// once. An event that still lacks one is a data-integrity failure, not a
// policy skip, and is terminally failed.
func (e *Engine) resolveAsset(ctx context.Context, ev *types.TradeEvent) (*types.TradeEvent, *types.Result) {
	if ev.AssetID != "" {
		return ev, nil
	}
	if e.resolver == nil || ev.ConditionID == "" {
		res := types.Fail(types.ReasonMissingAsset)
		return ev, &res
	}

	assetID, err := e.resolver.ResolveAsset(ctx, ev.ConditionID, ev.Outcome)
	if err != nil || assetID == "" {
		log.Warn().Err(err).
			Str("condition", ev.ConditionID).
			Str("outcome", ev.Outcome).
			Msg("Asset resolution failed")
		res := types.Fail(types.ReasonMissingAsset)
		return ev, &res
	}

	resolved := *ev
	resolved.AssetID = assetID
	return &resolved, nil
}

func (e *Engine) attemptBuy(ctx context.Context, sub types.Subscription, ev *types.TradeEvent, cfg types.RiskConfig) types.Result {
	balance, err := e.ledger.Balance(sub.SubscriberID)
	if err != nil {
		if errors.Is(err, ledger.ErrNoAccount) {
			return types.Skip(types.ReasonDisabled)
		}
		return types.Fail(err.Error())
	}

	candidate, reason := e.sizer.SizeBuy(*ev, cfg, balance)
	if reason != "" {
		return types.Skip(reason)
	}

	// Publish the candidate on our pending record so concurrent replicas
	// on the same market see it when computing headroom.
	if err := e.db.SetReplicaRequestedSize(sub.SubscriberID, ev.DedupKey, candidate.Value); err != nil {
		return types.Fail(err.Error())
	}

	approval, err := e.gate.AdmitBuy(sub, *ev, cfg, candidate.Value)
	if err != nil {
		return types.Fail(err.Error())
	}
	if !approval.Approved {
		return types.Skip(approval.RejectionMsg)
	}
	size := approval.AdjustedSize

	if _, reason, err := e.gate.CheckSlippage(ctx, types.SideBuy, ev.AssetID, ev.Price); err != nil {
		return types.Fail(err.Error())
	} else if reason != "" {
		return types.Skip(reason)
	}

	return e.router.Execute(ctx, exec.Request{
		Subscriber: sub,
		Event:      ev,
		Size:       size,
		Limit:      e.gate.PriceLimit(types.SideBuy, ev.Price),
	})
}

func (e *Engine) attemptSell(ctx context.Context, sub types.Subscription, ev *types.TradeEvent, cfg types.RiskConfig) types.Result {
	held, err := e.ledger.HeldShares(sub.SubscriberID, ev.AssetID)
	if err != nil {
		return types.Fail(err.Error())
	}

	candidate, reason := e.sizer.SizeSell(*ev, cfg, held)
	if reason != "" {
		return types.Skip(reason)
	}

	approval := e.gate.AdmitSell(sub, *ev, cfg, candidate.Shares)
	if !approval.Approved {
		return types.Skip(approval.RejectionMsg)
	}

	if _, reason, err := e.gate.CheckSlippage(ctx, types.SideSell, ev.AssetID, ev.Price); err != nil {
		return types.Fail(err.Error())
	} else if reason != "" {
		return types.Skip(reason)
	}

	return e.router.Execute(ctx, exec.Request{
		Subscriber: sub,
		Event:      ev,
		Shares:     candidate.Shares,
		Limit:      e.gate.PriceLimit(types.SideSell, ev.Price),
	})
}

// Stats returns a snapshot of pipeline counters.
func (e *Engine) Stats() map[string]int64 {
	return map[string]int64{
		"events_seen":  e.eventsSeen.Load(),
		"replicas":     e.replicas.Load(),
		"executed":     e.executed.Load(),
		"skipped":      e.skipped.Load(),
		"failed":       e.failed.Load(),
		"duplicates":   e.duplicates.Load(),
		"stale_events": e.staleEvents.Load(),
	}
}

func shortAddr(addr string) string {
	if len(addr) > 10 {
		return addr[:10] + "..."
	}
	return addr
}
