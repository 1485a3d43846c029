package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Side is the direction of a trade
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Mode is how a subscriber replicates a source account
type Mode string

const (
	ModePaper     Mode = "paper"     // simulate against the virtual ledger
	ModeRecommend Mode = "recommend" // notify only, no ledger mutation
	ModeAuto      Mode = "auto"      // real orders via the execution adapter
)

// ReplicaStatus is the lifecycle state of a replica attempt.
// pending is transient; the other three are terminal.
type ReplicaStatus string

const (
	StatusPending  ReplicaStatus = "pending"
	StatusExecuted ReplicaStatus = "executed"
	StatusSkipped  ReplicaStatus = "skipped"
	StatusFailed   ReplicaStatus = "failed"
)

// Rejection reasons recorded on terminal replica records. Expected business
// outcomes, not errors (see Result).
const (
	ReasonTooSmall          = "too small"
	ReasonNoPosition        = "no position"
	ReasonInsufficientFunds = "insufficient funds"
	ReasonDailyLimit        = "daily limit exceeded"
	ReasonMarketLimit       = "market limit reached"
	ReasonPriceMoved        = "price moved"
	ReasonNoLiquidity       = "no liquidity"
	ReasonMarketIgnored     = "market ignored"
	ReasonMissingAsset      = "missing asset reference"
	ReasonDisabled          = "copy trading disabled"
	ReasonStale             = "stale trade"
)

// TradeEvent is one canonical observed trade on a source account.
// Immutable once created by the normalizer.
type TradeEvent struct {
	SourceAccount string
	AssetID       string // outcome token id
	ConditionID   string // market condition id
	Side          Side
	Shares        decimal.Decimal
	Price         decimal.Decimal // 0..1
	Title         string
	Outcome       string
	EndDate       *time.Time // market close, when the feed carries it
	Timestamp     time.Time
	DedupKey      string
}

// Value returns the USDC notional of the source trade.
func (e TradeEvent) Value() decimal.Decimal {
	return e.Shares.Mul(e.Price)
}

// DedupKey derives a stable, collision-resistant key from the immutable
// transaction identifier and event id.
func DedupKey(txID, eventID string) string {
	sum := sha256.Sum256([]byte(txID + ":" + eventID))
	return hex.EncodeToString(sum[:])
}

// Subscription links a subscriber to a source account they follow.
type Subscription struct {
	SubscriberID  string
	SourceAccount string
	Mode          Mode
}

// RiskConfig is a subscriber's replication policy, either global or per
// source account. Optional caps are nil when unset.
type RiskConfig struct {
	SubscriberID   string
	SourceAccount  string          // "" = global default
	CopyPercentage decimal.Decimal // 1..200
	MaxTradeSize   *decimal.Decimal
	DailyLimit     *decimal.Decimal
	MaxPerMarket   *decimal.Decimal
	Enabled        bool
	IgnorePatterns []string // market-title substrings to skip
}

// WalletScore is supplied by the external discovery collaborator; used only
// as input when ranking candidate source accounts.
type WalletScore struct {
	Account  string
	Score    decimal.Decimal
	WinRate  decimal.Decimal
	TotalPnL decimal.Decimal
	ScoredAt time.Time
}

// Result is the outcome of one replica attempt, matched explicitly at call
// sites instead of branching on error shapes.
type Result struct {
	Status    ReplicaStatus
	Reason    string          // terminal reason when not executed
	FillSize  decimal.Decimal // actual USDC committed (BUY) or credited (SELL)
	FillPrice decimal.Decimal
	Shares    decimal.Decimal
	OrderRef  string
}

// Executed reports whether the attempt committed a fill.
func (r Result) Executed() bool { return r.Status == StatusExecuted }

// Skip builds a terminal skipped result.
func Skip(reason string) Result { return Result{Status: StatusSkipped, Reason: reason} }

// Fail builds a terminal failed result.
func Fail(reason string) Result { return Result{Status: StatusFailed, Reason: reason} }

// FillRequest is the outbound fill-or-kill order to the execution adapter.
type FillRequest struct {
	TokenID string
	Side    Side
	Amount  decimal.Decimal // USDC for BUY, shares for SELL
	Price   decimal.Decimal // limit derived from the slippage band
}

// FillResult is what the adapter reports back. FillShares/FillPrice are the
// actual fill, which may differ slightly from the request.
type FillResult struct {
	Success     bool
	NoLiquidity bool
	FillShares  decimal.Decimal
	FillPrice   decimal.Decimal
	OrderRef    string
	Err         string
}

// Resolution is the outcome of a market-resolution lookup.
type Resolution struct {
	ConditionID    string
	Resolved       bool
	WinningOutcome string
}
