package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/copyflow/storage"
)

// ═══════════════════════════════════════════════════════════════════════════════
// VIRTUAL LEDGER - Cash and positions for paper (and real-shadow) portfolios
// ═══════════════════════════════════════════════════════════════════════════════
//
// Invariants:
//   - cash >= 0 after every operation
//   - avgPrice is the shares-weighted average entry cost
//   - positions never hold zero or negative shares; dust below epsilon is
//     deleted, not kept
//
// All mutations for one owner are serialized behind a per-owner lock, so
// read-balance-then-write-balance is one atomic unit. Mutations on
// different owners proceed independently. The reconciler's redemptions go
// through the same path.
//
// ═══════════════════════════════════════════════════════════════════════════════

// dust threshold for deleting near-zero positions left by rounding
var epsilon = decimal.New(1, -6)

var (
	ErrNoAccount         = errors.New("no ledger account")
	ErrInactiveAccount   = errors.New("ledger account deactivated")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNoPosition        = errors.New("no position")
)

// MarkSource supplies recent mark prices for valuation. ok=false means no
// fresh mark exists and the caller falls back to entry price.
type MarkSource interface {
	Get(assetID string) (decimal.Decimal, bool)
}

// Asset identifies what a buy creates a position in.
type Asset struct {
	ID            string
	ConditionID   string
	Outcome       string
	Title         string
	SourceAccount string
	EndDate       *time.Time
}

// Valuation is a point-in-time portfolio value.
type Valuation struct {
	Cash           decimal.Decimal
	PositionsValue decimal.Decimal
	TotalValue     decimal.Decimal
	PnL            decimal.Decimal
	// FallbackAssets lists positions marked at entry price because no
	// fresh mark existed; their contribution is break-even by definition,
	// not real data.
	FallbackAssets []string
}

// Ledger owns cash balances and positions.
type Ledger struct {
	db    *storage.Database
	marks MarkSource

	mu     sync.Mutex
	owners map[string]*sync.Mutex
}

// New creates a ledger over the given store.
func New(db *storage.Database, marks MarkSource) *Ledger {
	return &Ledger{
		db:     db,
		marks:  marks,
		owners: make(map[string]*sync.Mutex),
	}
}

// ownerLock returns the mutex serializing mutations for one owner.
func (l *Ledger) ownerLock(ownerID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.owners[ownerID]
	if !ok {
		m = &sync.Mutex{}
		l.owners[ownerID] = m
	}
	return m
}

// ═══════════════════════════════════════════════════════════════════════════════
// ACCOUNT LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════════

// OpenAccount creates an account on opt-in, or reactivates a previously
// deactivated one keeping its history.
func (l *Ledger) OpenAccount(ownerID string, startingBalance decimal.Decimal) error {
	lock := l.ownerLock(ownerID)
	lock.Lock()
	defer lock.Unlock()

	acct, err := l.db.GetAccount(ownerID)
	if err != nil {
		return err
	}
	if acct != nil {
		if !acct.Active {
			acct.Active = true
			if err := l.db.SaveAccount(acct); err != nil {
				return err
			}
			log.Info().Str("owner", ownerID).Msg("Ledger account reactivated")
		}
		return nil
	}

	if err := l.db.CreateAccount(&storage.LedgerAccount{
		OwnerID:         ownerID,
		Cash:            startingBalance,
		StartingBalance: startingBalance,
		Active:          true,
	}); err != nil {
		return err
	}
	log.Info().
		Str("owner", ownerID).
		Str("balance", startingBalance.StringFixed(2)).
		Msg("💰 Ledger account opened")
	return nil
}

// DeactivateAccount marks an account inactive on opt-out. Data is retained.
func (l *Ledger) DeactivateAccount(ownerID string) error {
	lock := l.ownerLock(ownerID)
	lock.Lock()
	defer lock.Unlock()

	acct, err := l.db.GetAccount(ownerID)
	if err != nil {
		return err
	}
	if acct == nil {
		return ErrNoAccount
	}
	acct.Active = false
	return l.db.SaveAccount(acct)
}

// Balance returns the owner's available cash.
func (l *Ledger) Balance(ownerID string) (decimal.Decimal, error) {
	acct, err := l.db.GetAccount(ownerID)
	if err != nil {
		return decimal.Zero, err
	}
	if acct == nil {
		return decimal.Zero, ErrNoAccount
	}
	return acct.Cash, nil
}

// HeldShares returns the owner's share count for one asset, zero if none.
func (l *Ledger) HeldShares(ownerID, assetID string) (decimal.Decimal, error) {
	pos, err := l.db.GetPosition(ownerID, assetID)
	if err != nil {
		return decimal.Zero, err
	}
	if pos == nil {
		return decimal.Zero, nil
	}
	return pos.Shares, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// MUTATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// ApplyBuy debits cash and creates or blends the position. Rejects with
// ErrInsufficientFunds when cost exceeds cash: the invariant cash >= 0 is
// enforced here, independently of the sizing layer.
func (l *Ledger) ApplyBuy(ownerID string, asset Asset, shares, price decimal.Decimal) error {
	lock := l.ownerLock(ownerID)
	lock.Lock()
	defer lock.Unlock()

	acct, err := l.activeAccount(ownerID)
	if err != nil {
		return err
	}

	cost := shares.Mul(price)
	if acct.Cash.LessThan(cost) {
		return ErrInsufficientFunds
	}

	pos, err := l.db.GetPosition(ownerID, asset.ID)
	if err != nil {
		return err
	}

	if pos == nil {
		pos = &storage.Position{
			OwnerID:       ownerID,
			AssetID:       asset.ID,
			ConditionID:   asset.ConditionID,
			Outcome:       asset.Outcome,
			Title:         asset.Title,
			SourceAccount: asset.SourceAccount,
			EndDate:       asset.EndDate,
			Shares:        shares,
			AvgPrice:      price,
		}
	} else {
		// Shares-weighted average entry cost
		totalCost := pos.AvgPrice.Mul(pos.Shares).Add(cost)
		newShares := pos.Shares.Add(shares)
		pos.AvgPrice = totalCost.Div(newShares)
		pos.Shares = newShares
	}

	acct.Cash = acct.Cash.Sub(cost)
	if err := l.db.SaveAccount(acct); err != nil {
		return err
	}
	if err := l.db.SavePosition(pos); err != nil {
		return err
	}

	log.Debug().
		Str("owner", ownerID).
		Str("asset", shortID(asset.ID)).
		Str("shares", shares.StringFixed(2)).
		Str("price", price.StringFixed(4)).
		Str("cash", acct.Cash.StringFixed(2)).
		Msg("📈 Buy applied")

	l.appendSnapshot(acct)
	return nil
}

// ApplySell credits cash for min(requested, held) shares and reduces or
// deletes the position. An over-ask is not an error: the ledger upholds the
// sell-what-you-have contract independently of sizing. Returns the shares
// actually sold.
func (l *Ledger) ApplySell(ownerID, assetID string, requested, price decimal.Decimal) (decimal.Decimal, error) {
	return l.sell(ownerID, assetID, requested, price, true)
}

func (l *Ledger) sell(ownerID, assetID string, requested, price decimal.Decimal, requireActive bool) (decimal.Decimal, error) {
	lock := l.ownerLock(ownerID)
	lock.Lock()
	defer lock.Unlock()

	var acct *storage.LedgerAccount
	var err error
	if requireActive {
		acct, err = l.activeAccount(ownerID)
	} else {
		acct, err = l.account(ownerID)
	}
	if err != nil {
		return decimal.Zero, err
	}

	pos, err := l.db.GetPosition(ownerID, assetID)
	if err != nil {
		return decimal.Zero, err
	}
	if pos == nil || pos.Shares.LessThanOrEqual(decimal.Zero) {
		if pos != nil && pos.Shares.IsNegative() {
			// Broken invariant from elsewhere; abort loudly.
			log.Error().
				Str("owner", ownerID).
				Str("asset", shortID(assetID)).
				Str("shares", pos.Shares.String()).
				Msg("❌ INVARIANT VIOLATION: negative position shares")
			return decimal.Zero, fmt.Errorf("negative shares on %s/%s", ownerID, assetID)
		}
		return decimal.Zero, ErrNoPosition
	}

	sold := decimal.Min(requested, pos.Shares)
	proceeds := sold.Mul(price)

	acct.Cash = acct.Cash.Add(proceeds)
	pos.Shares = pos.Shares.Sub(sold)

	if err := l.db.SaveAccount(acct); err != nil {
		return decimal.Zero, err
	}
	if pos.Shares.LessThanOrEqual(epsilon) {
		if err := l.db.DeletePosition(pos); err != nil {
			return decimal.Zero, err
		}
	} else {
		if err := l.db.SavePosition(pos); err != nil {
			return decimal.Zero, err
		}
	}

	log.Debug().
		Str("owner", ownerID).
		Str("asset", shortID(assetID)).
		Str("sold", sold.StringFixed(2)).
		Str("price", price.StringFixed(4)).
		Str("cash", acct.Cash.StringFixed(2)).
		Msg("📉 Sell applied")

	l.appendSnapshot(acct)
	return sold, nil
}

// Redeem settles a resolved position: a forced full sell at the binary
// settlement price ($1 winner, $0 loser), through the same invariant path
// as a regular sell. Settlement is an exchange event, not a subscriber
// trade, so it also applies to deactivated accounts: the retained account
// receives the proceeds and the position is removed.
func (l *Ledger) Redeem(ownerID, assetID string, redemptionPrice decimal.Decimal) (decimal.Decimal, error) {
	held, err := l.HeldShares(ownerID, assetID)
	if err != nil {
		return decimal.Zero, err
	}
	if held.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrNoPosition
	}
	return l.sell(ownerID, assetID, held, redemptionPrice, false)
}

func (l *Ledger) account(ownerID string) (*storage.LedgerAccount, error) {
	acct, err := l.db.GetAccount(ownerID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, ErrNoAccount
	}
	return acct, nil
}

func (l *Ledger) activeAccount(ownerID string) (*storage.LedgerAccount, error) {
	acct, err := l.account(ownerID)
	if err != nil {
		return nil, err
	}
	if !acct.Active {
		return nil, ErrInactiveAccount
	}
	return acct, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// VALUATION & SNAPSHOTS
// ═══════════════════════════════════════════════════════════════════════════════

// Valuate computes cash + marked positions value and P&L against the
// starting balance. Positions without a fresh mark are valued at entry
// price and listed in FallbackAssets.
func (l *Ledger) Valuate(ownerID string) (Valuation, error) {
	acct, err := l.db.GetAccount(ownerID)
	if err != nil {
		return Valuation{}, err
	}
	if acct == nil {
		return Valuation{}, ErrNoAccount
	}

	positions, err := l.db.ListPositions(ownerID)
	if err != nil {
		return Valuation{}, err
	}

	v := Valuation{Cash: acct.Cash}
	for _, pos := range positions {
		markPrice, fresh := decimal.Zero, false
		if l.marks != nil {
			markPrice, fresh = l.marks.Get(pos.AssetID)
		}
		if !fresh {
			markPrice = pos.AvgPrice
			v.FallbackAssets = append(v.FallbackAssets, pos.AssetID)
		}
		v.PositionsValue = v.PositionsValue.Add(pos.Shares.Mul(markPrice))
	}

	v.TotalValue = v.Cash.Add(v.PositionsValue)
	v.PnL = v.TotalValue.Sub(acct.StartingBalance)
	return v, nil
}

// appendSnapshot records portfolio value after a mutation. Snapshot
// failures are logged, never propagated: the mutation already committed.
func (l *Ledger) appendSnapshot(acct *storage.LedgerAccount) {
	v, err := l.Valuate(acct.OwnerID)
	if err != nil {
		log.Warn().Err(err).Str("owner", acct.OwnerID).Msg("Snapshot valuation failed")
		return
	}
	if err := l.db.AppendSnapshot(&storage.Snapshot{
		OwnerID:        acct.OwnerID,
		TotalValue:     v.TotalValue,
		Cash:           v.Cash,
		PositionsValue: v.PositionsValue,
		PnL:            v.PnL,
	}); err != nil {
		log.Warn().Err(err).Str("owner", acct.OwnerID).Msg("Snapshot append failed")
	}
}

// SnapshotAll appends a snapshot for every owner with open positions or an
// account. Used by the interval snapshot task.
func (l *Ledger) SnapshotAll() {
	subs, err := l.db.GetAllSubscriptions()
	if err != nil {
		log.Warn().Err(err).Msg("Snapshot sweep failed to list subscribers")
		return
	}
	seen := make(map[string]bool, len(subs))
	for _, s := range subs {
		if seen[s.SubscriberID] {
			continue
		}
		seen[s.SubscriberID] = true
		acct, err := l.db.GetAccount(s.SubscriberID)
		if err != nil || acct == nil {
			continue
		}
		l.appendSnapshot(acct)
	}
}

// RunSnapshots appends snapshots on a fixed interval until the context is
// cancelled.
func (l *Ledger) RunSnapshots(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("📸 Snapshot loop started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.SnapshotAll()
		}
	}
}

func shortID(id string) string {
	if len(id) > 16 {
		return id[:16] + "..."
	}
	return id
}
