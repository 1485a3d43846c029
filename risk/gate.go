package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/copyflow/registry"
	"github.com/web3guy0/copyflow/storage"
	"github.com/web3guy0/copyflow/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK GATE - Central approval before any money moves
// ═══════════════════════════════════════════════════════════════════════════════
//
// Sizing asks → Gate approves/shrinks/rejects → Router executes
//
// Check order (first failure short-circuits):
//   1. copy trading enabled (auto mode)
//   2. ignore-list match on market title
//   3. daily BUY cap
//   4. per-market BUY cap, counting recent in-flight replicas; partial
//      headroom shrinks the candidate instead of rejecting
//
// The slippage band is checked separately, just before execution, against
// the live price rather than the source's recorded price.
//
// ═══════════════════════════════════════════════════════════════════════════════

// pendingWindow bounds how far back in-flight replicas count against the
// per-market cap. Anything older has either finalized or leaked.
const pendingWindow = 5 * time.Minute

// LivePriceSource supplies the current market price for an outcome token.
type LivePriceSource interface {
	LivePrice(ctx context.Context, assetID string) (decimal.Decimal, error)
}

// Approval is the gate's answer to a sized candidate.
type Approval struct {
	Approved     bool
	AdjustedSize decimal.Decimal // gate may shrink to remaining headroom
	RejectionMsg string
}

func reject(msg string) Approval {
	return Approval{Approved: false, RejectionMsg: msg}
}

// Gate is the centralized risk approval system.
type Gate struct {
	db        *storage.Database
	prices    LivePriceSource
	tolerance decimal.Decimal // slippage band, e.g. 0.02
	now       func() time.Time
}

// NewGate creates the risk gate. tolerance is the allowed relative price
// drift between the source's price and the live price.
func NewGate(db *storage.Database, prices LivePriceSource, tolerance decimal.Decimal) *Gate {
	if tolerance.LessThanOrEqual(decimal.Zero) {
		tolerance = decimal.NewFromFloat(0.02)
	}
	return &Gate{
		db:        db,
		prices:    prices,
		tolerance: tolerance,
		now:       time.Now,
	}
}

// AdmitBuy runs the cap checks for a sized BUY candidate. A non-nil error
// means a cap sum could not be computed; the caller must treat that as a
// failed attempt, never as a business rejection or an approval.
func (g *Gate) AdmitBuy(sub types.Subscription, e types.TradeEvent, cfg types.RiskConfig, candidate decimal.Decimal) (Approval, error) {
	// 1. Copy trading toggled on. Paper and recommend replicas carry no
	// real risk, so the toggle only blocks auto mode.
	if sub.Mode == types.ModeAuto && !cfg.Enabled {
		return reject(types.ReasonDisabled), nil
	}

	// 2. Ignore list
	if registry.MatchesIgnore(cfg.IgnorePatterns, e.Title) {
		return reject(types.ReasonMarketIgnored), nil
	}

	// 3. Daily cap on executed BUY value
	if cfg.DailyLimit != nil {
		startOfDay := g.startOfDay()
		spent, err := g.db.SumExecutedBuysSince(sub.SubscriberID, startOfDay)
		if err != nil {
			return Approval{}, fmt.Errorf("daily cap query: %w", err)
		}
		if spent.Add(candidate).GreaterThan(*cfg.DailyLimit) {
			log.Debug().
				Str("subscriber", sub.SubscriberID).
				Str("spent", spent.StringFixed(2)).
				Str("candidate", candidate.StringFixed(2)).
				Str("limit", cfg.DailyLimit.StringFixed(2)).
				Msg("🚫 Daily limit would be exceeded")
			return reject(types.ReasonDailyLimit), nil
		}
	}

	// 4. Per-market cap, counting recent in-flight replicas on the same
	// market so two concurrent trades cannot both claim the headroom. The
	// candidate's own pending record, if one exists, is excluded by dedup
	// key in the query.
	if cfg.MaxPerMarket != nil {
		executed, err := g.db.SumExecutedBuysForMarket(sub.SubscriberID, e.ConditionID)
		if err != nil {
			return Approval{}, fmt.Errorf("market cap query: %w", err)
		}
		pending, err := g.db.SumPendingForMarket(sub.SubscriberID, e.ConditionID, e.DedupKey, g.now().Add(-pendingWindow))
		if err != nil {
			return Approval{}, fmt.Errorf("pending sum query: %w", err)
		}

		committed := executed.Add(pending)
		headroom := cfg.MaxPerMarket.Sub(committed)
		if headroom.LessThanOrEqual(decimal.Zero) {
			return reject(types.ReasonMarketLimit), nil
		}
		if headroom.LessThan(candidate) {
			log.Debug().
				Str("subscriber", sub.SubscriberID).
				Str("candidate", candidate.StringFixed(2)).
				Str("headroom", headroom.StringFixed(2)).
				Msg("📉 Candidate shrunk to market headroom")
			candidate = headroom
		}
	}

	return Approval{Approved: true, AdjustedSize: candidate}, nil
}

// AdmitSell runs the gate checks that apply to SELL replicas. The value
// caps track BUY exposure only; exits are not blocked by them.
func (g *Gate) AdmitSell(sub types.Subscription, e types.TradeEvent, cfg types.RiskConfig, candidateShares decimal.Decimal) Approval {
	if sub.Mode == types.ModeAuto && !cfg.Enabled {
		return reject(types.ReasonDisabled)
	}
	if registry.MatchesIgnore(cfg.IgnorePatterns, e.Title) {
		return reject(types.ReasonMarketIgnored)
	}
	return Approval{Approved: true, AdjustedSize: candidateShares}
}

// CheckSlippage verifies the live price against the slippage band just
// before execution. BUY tolerates paying up to sourcePrice*(1+tolerance);
// SELL tolerates receiving down to sourcePrice*(1-tolerance). A lookup
// failure is a non-committing error, not a rejection.
func (g *Gate) CheckSlippage(ctx context.Context, side types.Side, assetID string, sourcePrice decimal.Decimal) (decimal.Decimal, string, error) {
	if g.prices == nil {
		// No live feed configured; the source price stands.
		return sourcePrice, "", nil
	}
	live, err := g.prices.LivePrice(ctx, assetID)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("live price lookup: %w", err)
	}

	one := decimal.NewFromInt(1)
	switch side {
	case types.SideBuy:
		limit := sourcePrice.Mul(one.Add(g.tolerance))
		if live.GreaterThan(limit) {
			log.Debug().
				Str("asset", truncID(assetID)).
				Str("live", live.StringFixed(4)).
				Str("limit", limit.StringFixed(4)).
				Msg("🚫 Price moved above buy band")
			return live, types.ReasonPriceMoved, nil
		}
	case types.SideSell:
		limit := sourcePrice.Mul(one.Sub(g.tolerance))
		if live.LessThan(limit) {
			log.Debug().
				Str("asset", truncID(assetID)).
				Str("live", live.StringFixed(4)).
				Str("limit", limit.StringFixed(4)).
				Msg("🚫 Price moved below sell band")
			return live, types.ReasonPriceMoved, nil
		}
	}
	return live, "", nil
}

// PriceLimit returns the worst acceptable execution price for the band,
// passed to the adapter as the fill-or-kill limit.
func (g *Gate) PriceLimit(side types.Side, sourcePrice decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == types.SideBuy {
		return sourcePrice.Mul(one.Add(g.tolerance))
	}
	return sourcePrice.Mul(one.Sub(g.tolerance))
}

func (g *Gate) startOfDay() time.Time {
	now := g.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func truncID(id string) string {
	if len(id) > 16 {
		return id[:16] + "..."
	}
	return id
}
