package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/copyflow/exec"
	"github.com/web3guy0/copyflow/ledger"
	"github.com/web3guy0/copyflow/storage"
	"github.com/web3guy0/copyflow/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RESOLUTION RECONCILER - Settle positions in resolved markets
// ═══════════════════════════════════════════════════════════════════════════════
//
// Binary outcome tokens redeem at $1 (winner) or $0 (loser) once the market
// resolves. Nothing in the trade feed announces this, so a background sweep
// finds positions past their market end date, asks the resolution source
// once per market, and settles every holder through the ledger's forced
// full sell. Markets that have expired but not yet resolved are simply
// retried on the next sweep.
//
// The sweep runs once at startup to catch resolutions missed while the
// process was down.
//
// ═══════════════════════════════════════════════════════════════════════════════

const sweepInterval = 5 * time.Minute

// ResolutionSource answers whether a market has resolved and which outcome
// won. Backed by an external market-data collaborator.
type ResolutionSource interface {
	Resolution(ctx context.Context, conditionID string) (types.Resolution, error)
}

// Reconciler settles expired positions against market resolutions.
type Reconciler struct {
	db       *storage.Database
	ledger   *ledger.Ledger
	source   ResolutionSource
	notifier exec.Notifier
	interval time.Duration
	now      func() time.Time
}

// New creates a reconciler. notifier may be nil.
func New(db *storage.Database, led *ledger.Ledger, source ResolutionSource, notifier exec.Notifier) *Reconciler {
	return &Reconciler{
		db:       db,
		ledger:   led,
		source:   source,
		notifier: notifier,
		interval: sweepInterval,
		now:      time.Now,
	}
}

// Run sweeps immediately, then on a fixed interval until the context ends.
func (r *Reconciler) Run(ctx context.Context) {
	log.Info().Dur("interval", r.interval).Msg("🔄 Resolution reconciler started")

	r.Sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Resolution reconciler stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep settles every position whose market end date has passed and whose
// market has resolved. Returns the number of positions settled.
func (r *Reconciler) Sweep(ctx context.Context) int {
	expired, err := r.db.ListExpiredPositions(r.now())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list expired positions")
		return 0
	}
	if len(expired) == 0 {
		return 0
	}

	// One resolution lookup per market, however many holders it has.
	byCondition := make(map[string][]storage.Position)
	for _, pos := range expired {
		byCondition[pos.ConditionID] = append(byCondition[pos.ConditionID], pos)
	}

	settled := 0
	for conditionID, positions := range byCondition {
		if ctx.Err() != nil {
			return settled
		}

		res, err := r.source.Resolution(ctx, conditionID)
		if err != nil {
			log.Warn().Err(err).Str("condition", conditionID).Msg("Resolution lookup failed")
			continue
		}
		if !res.Resolved {
			continue
		}

		for _, pos := range positions {
			if r.settle(pos, res.WinningOutcome) {
				settled++
			}
		}
	}

	if settled > 0 {
		log.Info().Int("settled", settled).Msg("✅ Resolution sweep complete")
	}
	return settled
}

// settle redeems one position at its binary settlement price.
func (r *Reconciler) settle(pos storage.Position, winningOutcome string) bool {
	price := decimal.Zero
	if pos.Outcome == winningOutcome {
		price = decimal.NewFromInt(1)
	}

	sold, err := r.ledger.Redeem(pos.OwnerID, pos.AssetID, price)
	if err != nil {
		log.Error().Err(err).
			Str("owner", pos.OwnerID).
			Str("asset", pos.AssetID).
			Msg("Redemption failed")
		return false
	}

	proceeds := sold.Mul(price)
	won := price.IsPositive()
	log.Info().
		Str("owner", pos.OwnerID).
		Str("market", pos.Title).
		Str("outcome", pos.Outcome).
		Bool("won", won).
		Str("proceeds", proceeds.StringFixed(2)).
		Msg("💵 Position redeemed")

	if r.notifier != nil {
		r.notifier.NotifyRedemption(pos.OwnerID, pos.Title, proceeds)
	}
	return true
}
