package risk

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/copyflow/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIZING - How much of a source trade one subscriber replicates
// ═══════════════════════════════════════════════════════════════════════════════
//
// BUY sizing, in order:
//   1. maxTradeSize set  → copy 1:1 up to the cap (small whale trades copy
//      exactly, only large ones are clamped)
//   2. no maxTradeSize   → copyPercentage of the source value, bounded by
//      the same percentage of nothing more than the source value
//   3. never exceed available cash
//   4. reject below the exchange minimum order
//
// SELL sizing scales the source's sold shares by copyPercentage and never
// asks a subscriber to sell more than they hold.
//
// ═══════════════════════════════════════════════════════════════════════════════

var hundred = decimal.NewFromInt(100)

// Sizer computes replica sizes.
type Sizer struct {
	minOrder decimal.Decimal // exchange minimum order value
}

// NewSizer creates a sizer with the given minimum order value in USDC.
func NewSizer(minOrder decimal.Decimal) *Sizer {
	if minOrder.LessThanOrEqual(decimal.Zero) {
		minOrder = decimal.NewFromInt(1)
	}
	return &Sizer{minOrder: minOrder}
}

// BuyCandidate is a sized BUY replica: a USDC value to spend.
type BuyCandidate struct {
	Value decimal.Decimal
}

// SellCandidate is a sized SELL replica: a share quantity to sell.
type SellCandidate struct {
	Shares decimal.Decimal
}

// SizeBuy computes the USDC value to spend for one subscriber. A non-empty
// reason means the candidate was rejected.
func (s *Sizer) SizeBuy(e types.TradeEvent, cfg types.RiskConfig, balance decimal.Decimal) (BuyCandidate, string) {
	sourceValue := e.Value()

	var candidate decimal.Decimal
	if cfg.MaxTradeSize != nil {
		// Replicate 1:1, capping only oversized source trades.
		candidate = decimal.Min(sourceValue, *cfg.MaxTradeSize)
	} else {
		pct := cfg.CopyPercentage.Div(hundred)
		candidate = decimal.Min(sourceValue.Mul(pct), balance.Mul(pct))
	}

	// Never exceed available cash.
	candidate = decimal.Min(candidate, balance)

	if candidate.LessThan(s.minOrder) {
		return BuyCandidate{}, types.ReasonTooSmall
	}
	return BuyCandidate{Value: candidate}, ""
}

// SizeSell computes the share quantity to sell, capped at what the
// subscriber actually holds. The ledger independently enforces the same cap.
func (s *Sizer) SizeSell(e types.TradeEvent, cfg types.RiskConfig, heldShares decimal.Decimal) (SellCandidate, string) {
	if heldShares.LessThanOrEqual(decimal.Zero) {
		return SellCandidate{}, types.ReasonNoPosition
	}

	pct := cfg.CopyPercentage.Div(hundred)
	candidate := e.Shares.Mul(pct)
	candidate = decimal.Min(candidate, heldShares)

	if candidate.LessThanOrEqual(decimal.Zero) {
		return SellCandidate{}, types.ReasonTooSmall
	}
	return SellCandidate{Shares: candidate}, ""
}
