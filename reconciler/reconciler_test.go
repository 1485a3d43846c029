package reconciler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/copyflow/ledger"
	"github.com/web3guy0/copyflow/storage"
	"github.com/web3guy0/copyflow/types"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeSource struct {
	resolutions map[string]types.Resolution
	lookups     int
}

func (f *fakeSource) Resolution(_ context.Context, conditionID string) (types.Resolution, error) {
	f.lookups++
	if res, ok := f.resolutions[conditionID]; ok {
		return res, nil
	}
	return types.Resolution{}, fmt.Errorf("unknown condition %s", conditionID)
}

type captureNotifier struct {
	redemptions []string
}

func (c *captureNotifier) NotifyRecommendation(string, *types.TradeEvent, decimal.Decimal) {}
func (c *captureNotifier) NotifyFill(string, *types.TradeEvent, types.Result)             {}
func (c *captureNotifier) NotifyRedemption(subscriberID, title string, proceeds decimal.Decimal) {
	c.redemptions = append(c.redemptions, fmt.Sprintf("%s:%s", subscriberID, proceeds.StringFixed(0)))
}

type rig struct {
	db  *storage.Database
	led *ledger.Ledger
}

func newRig(t *testing.T) *rig {
	t.Helper()
	db, err := storage.NewInMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &rig{db: db, led: ledger.New(db, nil)}
}

// buyExpired opens an account and buys into a market that ended an hour ago.
func (r *rig) buyExpired(t *testing.T, owner, assetID, conditionID, outcome string) {
	t.Helper()
	if err := r.led.OpenAccount(owner, dec("1000")); err != nil {
		t.Fatalf("open account: %v", err)
	}
	ended := time.Now().Add(-time.Hour)
	err := r.led.ApplyBuy(owner, ledger.Asset{
		ID:          assetID,
		ConditionID: conditionID,
		Outcome:     outcome,
		Title:       "Expired market " + conditionID,
		EndDate:     &ended,
	}, dec("100"), dec("0.60"))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
}

func TestSweepSettlesWinnersAndLosers(t *testing.T) {
	r := newRig(t)
	r.buyExpired(t, "alice", "tokYes", "c1", "Yes")
	r.buyExpired(t, "bob", "tokNo", "c1", "No")

	source := &fakeSource{resolutions: map[string]types.Resolution{
		"c1": {ConditionID: "c1", Resolved: true, WinningOutcome: "Yes"},
	}}
	notifier := &captureNotifier{}
	rec := New(r.db, r.led, source, notifier)

	settled := rec.Sweep(context.Background())
	if settled != 2 {
		t.Fatalf("settled = %d, want 2", settled)
	}

	// Winner: 1000 - 60 + 100. Loser: 1000 - 60 + 0.
	aliceBal, _ := r.led.Balance("alice")
	if !aliceBal.Equal(dec("1040")) {
		t.Errorf("alice cash = %s, want 1040", aliceBal)
	}
	bobBal, _ := r.led.Balance("bob")
	if !bobBal.Equal(dec("940")) {
		t.Errorf("bob cash = %s, want 940", bobBal)
	}

	// Both positions removed.
	for owner, asset := range map[string]string{"alice": "tokYes", "bob": "tokNo"} {
		held, _ := r.led.HeldShares(owner, asset)
		if !held.IsZero() {
			t.Errorf("%s still holds %s shares", owner, held)
		}
	}

	// One lookup serves every holder of the market.
	if source.lookups != 1 {
		t.Errorf("lookups = %d, want 1", source.lookups)
	}
	if len(notifier.redemptions) != 2 {
		t.Errorf("redemption notices = %d, want 2", len(notifier.redemptions))
	}
}

func TestSweepRetriesUnresolvedMarkets(t *testing.T) {
	r := newRig(t)
	r.buyExpired(t, "alice", "tokYes", "c1", "Yes")

	source := &fakeSource{resolutions: map[string]types.Resolution{
		"c1": {ConditionID: "c1", Resolved: false},
	}}
	rec := New(r.db, r.led, source, nil)

	if settled := rec.Sweep(context.Background()); settled != 0 {
		t.Fatalf("settled = %d, want 0 for unresolved market", settled)
	}
	held, _ := r.led.HeldShares("alice", "tokYes")
	if !held.Equal(dec("100")) {
		t.Error("unresolved position must stay put")
	}

	// Resolution arrives; the next sweep settles.
	source.resolutions["c1"] = types.Resolution{ConditionID: "c1", Resolved: true, WinningOutcome: "Yes"}
	if settled := rec.Sweep(context.Background()); settled != 1 {
		t.Fatalf("settled = %d, want 1 after resolution", settled)
	}
}

func TestSweepIgnoresOpenMarkets(t *testing.T) {
	r := newRig(t)
	if err := r.led.OpenAccount("alice", dec("1000")); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Hour)
	err := r.led.ApplyBuy("alice", ledger.Asset{
		ID:          "tokYes",
		ConditionID: "c1",
		Outcome:     "Yes",
		EndDate:     &future,
	}, dec("100"), dec("0.60"))
	if err != nil {
		t.Fatal(err)
	}

	source := &fakeSource{resolutions: map[string]types.Resolution{}}
	rec := New(r.db, r.led, source, nil)

	if settled := rec.Sweep(context.Background()); settled != 0 {
		t.Fatalf("settled = %d, want 0", settled)
	}
	if source.lookups != 0 {
		t.Errorf("open market looked up %d times, want 0", source.lookups)
	}
}

func TestSweepSurvivesLookupFailures(t *testing.T) {
	r := newRig(t)
	r.buyExpired(t, "alice", "tokA", "missing", "Yes")
	r.buyExpired(t, "bob", "tokB", "c1", "Yes")

	source := &fakeSource{resolutions: map[string]types.Resolution{
		"c1": {ConditionID: "c1", Resolved: true, WinningOutcome: "Yes"},
	}}
	rec := New(r.db, r.led, source, nil)

	// The failing market is skipped; the resolvable one still settles.
	if settled := rec.Sweep(context.Background()); settled != 1 {
		t.Fatalf("settled = %d, want 1", settled)
	}
}
