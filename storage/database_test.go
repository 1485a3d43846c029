package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/copyflow/types"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := NewInMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func pendingReplica(subscriberID, dedupKey, conditionID string) *ReplicaRecord {
	return &ReplicaRecord{
		SubscriberID:  subscriberID,
		DedupKey:      dedupKey,
		SourceAccount: "0xwhale",
		ConditionID:   conditionID,
		AssetID:       "tok1",
		Title:         "Will it rain tomorrow?",
		Side:          string(types.SideBuy),
		SourcePrice:   dec("0.50"),
	}
}

func TestPendingReplicaClaimIsIdempotent(t *testing.T) {
	db := openTestDB(t)

	if err := db.CreatePendingReplica(pendingReplica("sub1", "k1", "c1")); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	err := db.CreatePendingReplica(pendingReplica("sub1", "k1", "c1"))
	if !errors.Is(err, ErrDuplicateReplica) {
		t.Fatalf("second claim err = %v, want ErrDuplicateReplica", err)
	}

	// Same key for a different subscriber is a distinct replica.
	if err := db.CreatePendingReplica(pendingReplica("sub2", "k1", "c1")); err != nil {
		t.Fatalf("other subscriber claim: %v", err)
	}
}

func TestDuplicateClaimBlockedAfterFinalize(t *testing.T) {
	db := openTestDB(t)

	if err := db.CreatePendingReplica(pendingReplica("sub1", "k1", "c1")); err != nil {
		t.Fatal(err)
	}
	res := types.Result{Status: types.StatusExecuted, FillSize: dec("50"), FillPrice: dec("0.50")}
	if err := db.FinalizeReplica("sub1", "k1", res); err != nil {
		t.Fatal(err)
	}

	// A terminal record still blocks re-claims.
	err := db.CreatePendingReplica(pendingReplica("sub1", "k1", "c1"))
	if !errors.Is(err, ErrDuplicateReplica) {
		t.Fatalf("claim after finalize err = %v, want ErrDuplicateReplica", err)
	}
}

func TestFinalizeReplicaOnlyFromPending(t *testing.T) {
	db := openTestDB(t)

	if err := db.CreatePendingReplica(pendingReplica("sub1", "k1", "c1")); err != nil {
		t.Fatal(err)
	}
	executed := types.Result{Status: types.StatusExecuted, FillSize: dec("50"), FillPrice: dec("0.50"), OrderRef: "paper"}
	if err := db.FinalizeReplica("sub1", "k1", executed); err != nil {
		t.Fatal(err)
	}

	// A second finalize must not overwrite the terminal state.
	skipped := types.Result{Status: types.StatusSkipped, Reason: types.ReasonTooSmall}
	if err := db.FinalizeReplica("sub1", "k1", skipped); err != nil {
		t.Fatal(err)
	}

	rec, err := db.GetReplica("sub1", "k1")
	if err != nil || rec == nil {
		t.Fatalf("get replica: rec=%v err=%v", rec, err)
	}
	if rec.Status != string(types.StatusExecuted) {
		t.Errorf("status = %s, want executed to stick", rec.Status)
	}
	if !rec.FillSize.Equal(dec("50")) {
		t.Errorf("fill size = %s, want 50", rec.FillSize)
	}
	if rec.ExecutedAt == nil {
		t.Error("executed replica missing executed_at")
	}
}

func TestRequestedSizeVisibleToPendingSum(t *testing.T) {
	db := openTestDB(t)
	cutoff := time.Now().Add(-5 * time.Minute)

	if err := db.CreatePendingReplica(pendingReplica("sub1", "k1", "c1")); err != nil {
		t.Fatal(err)
	}
	if err := db.SetReplicaRequestedSize("sub1", "k1", dec("45")); err != nil {
		t.Fatal(err)
	}

	total, err := db.SumPendingForMarket("sub1", "c1", "unrelated", cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if !total.Equal(dec("45")) {
		t.Errorf("pending sum = %s, want 45", total)
	}

	// The caller's own record is excluded by dedup key, so a replica never
	// counts against its own headroom.
	total, err = db.SumPendingForMarket("sub1", "c1", "k1", cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if !total.IsZero() {
		t.Errorf("pending sum excluding own key = %s, want 0", total)
	}

	// Finalizing drops the record out of the pending sum.
	if err := db.FinalizeReplica("sub1", "k1", types.Result{Status: types.StatusSkipped, Reason: types.ReasonTooSmall}); err != nil {
		t.Fatal(err)
	}
	total, err = db.SumPendingForMarket("sub1", "c1", "unrelated", cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if !total.IsZero() {
		t.Errorf("pending sum after finalize = %s, want 0", total)
	}
}

func TestExecutedBuySums(t *testing.T) {
	db := openTestDB(t)

	seed := func(key, condition, side string, fill string) {
		t.Helper()
		rec := pendingReplica("sub1", key, condition)
		rec.Side = side
		if err := db.CreatePendingReplica(rec); err != nil {
			t.Fatal(err)
		}
		res := types.Result{Status: types.StatusExecuted, FillSize: dec(fill), FillPrice: dec("0.50")}
		if err := db.FinalizeReplica("sub1", key, res); err != nil {
			t.Fatal(err)
		}
	}

	seed("k1", "c1", string(types.SideBuy), "40")
	seed("k2", "c1", string(types.SideBuy), "25")
	seed("k3", "c2", string(types.SideBuy), "30")
	seed("k4", "c1", string(types.SideSell), "100") // sells never count toward caps

	// Skipped records contribute nothing.
	if err := db.CreatePendingReplica(pendingReplica("sub1", "k5", "c1")); err != nil {
		t.Fatal(err)
	}
	if err := db.FinalizeReplica("sub1", "k5", types.Result{Status: types.StatusSkipped, Reason: types.ReasonTooSmall}); err != nil {
		t.Fatal(err)
	}

	since := time.Now().Add(-time.Hour)
	daily, err := db.SumExecutedBuysSince("sub1", since)
	if err != nil {
		t.Fatal(err)
	}
	if !daily.Equal(dec("95")) {
		t.Errorf("daily sum = %s, want 95", daily)
	}

	perMarket, err := db.SumExecutedBuysForMarket("sub1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if !perMarket.Equal(dec("65")) {
		t.Errorf("per-market sum = %s, want 65", perMarket)
	}

	// Another subscriber's spend is invisible.
	other, err := db.SumExecutedBuysSince("sub2", since)
	if err != nil {
		t.Fatal(err)
	}
	if !other.IsZero() {
		t.Errorf("sub2 sum = %s, want 0", other)
	}
}

func TestListExpiredPositions(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	seed := func(owner, asset string, end *time.Time) {
		t.Helper()
		err := db.SavePosition(&Position{
			OwnerID: owner, AssetID: asset, ConditionID: "c-" + asset,
			Outcome: "Yes", Shares: dec("10"), AvgPrice: dec("0.50"), EndDate: end,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	seed("alice", "expired1", &past)
	seed("bob", "expired2", &past)
	seed("alice", "open", &future)
	seed("alice", "undated", nil)

	expired, err := db.ListExpiredPositions(now)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 2 {
		t.Fatalf("expired count = %d, want 2", len(expired))
	}
	for _, pos := range expired {
		if pos.AssetID != "expired1" && pos.AssetID != "expired2" {
			t.Errorf("unexpected asset in expired set: %s", pos.AssetID)
		}
	}
}

func TestSubscriptionUpsertRoundTrip(t *testing.T) {
	db := openTestDB(t)

	if err := db.UpsertSubscription(&Subscription{SubscriberID: "sub1", SourceAccount: "0xwhale", Mode: string(types.ModePaper)}); err != nil {
		t.Fatal(err)
	}
	// Upsert with a new mode updates in place.
	if err := db.UpsertSubscription(&Subscription{SubscriberID: "sub1", SourceAccount: "0xwhale", Mode: string(types.ModeAuto)}); err != nil {
		t.Fatal(err)
	}

	subs, err := db.GetSubscriptionsBySource("0xwhale")
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 {
		t.Fatalf("subscriptions = %d, want 1", len(subs))
	}
	if subs[0].Mode != string(types.ModeAuto) {
		t.Errorf("mode = %s, want auto", subs[0].Mode)
	}

	if err := db.DeleteSubscription("sub1", "0xwhale"); err != nil {
		t.Fatal(err)
	}
	subs, err = db.GetSubscriptionsBySource("0xwhale")
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 0 {
		t.Errorf("subscriptions after delete = %d, want 0", len(subs))
	}
}

func TestRiskConfigScopes(t *testing.T) {
	db := openTestDB(t)

	global := &RiskConfig{
		SubscriberID:   "sub1",
		SourceAccount:  "",
		CopyPercentage: dec("100"),
		Enabled:        true,
	}
	if err := db.UpsertRiskConfig(global); err != nil {
		t.Fatal(err)
	}
	maxTrade := dec("50")
	scoped := &RiskConfig{
		SubscriberID:   "sub1",
		SourceAccount:  "0xwhale",
		CopyPercentage: dec("25"),
		MaxTradeSize:   &maxTrade,
		Enabled:        true,
		IgnorePatterns: EncodePatterns([]string{"sports", "celebrity"}),
	}
	if err := db.UpsertRiskConfig(scoped); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetRiskConfig("sub1", "0xwhale")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("scoped config missing")
	}
	cfg := got.ToRiskConfig()
	if !cfg.CopyPercentage.Equal(dec("25")) {
		t.Errorf("copy pct = %s, want 25", cfg.CopyPercentage)
	}
	if cfg.MaxTradeSize == nil || !cfg.MaxTradeSize.Equal(dec("50")) {
		t.Error("max trade size not preserved")
	}
	if len(cfg.IgnorePatterns) != 2 || cfg.IgnorePatterns[0] != "sports" {
		t.Errorf("ignore patterns = %v", cfg.IgnorePatterns)
	}

	// No row for an unknown scope; the caller falls back to global.
	got, err = db.GetRiskConfig("sub1", "0xother")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("expected nil for unconfigured scope")
	}

	// Re-upserting the scoped config replaces rather than duplicates.
	scoped2 := &RiskConfig{
		SubscriberID:   "sub1",
		SourceAccount:  "0xwhale",
		CopyPercentage: dec("10"),
		Enabled:        false,
	}
	if err := db.UpsertRiskConfig(scoped2); err != nil {
		t.Fatal(err)
	}
	got, err = db.GetRiskConfig("sub1", "0xwhale")
	if err != nil {
		t.Fatal(err)
	}
	if !got.CopyPercentage.Equal(dec("10")) || got.Enabled {
		t.Errorf("updated config = %+v", got)
	}
}

func TestAccountRoundTrip(t *testing.T) {
	db := openTestDB(t)

	if err := db.CreateAccount(&LedgerAccount{
		OwnerID: "alice", Cash: dec("1000"), StartingBalance: dec("1000"), Active: true,
	}); err != nil {
		t.Fatal(err)
	}

	acct, err := db.GetAccount("alice")
	if err != nil || acct == nil {
		t.Fatalf("get account: acct=%v err=%v", acct, err)
	}
	acct.Cash = dec("850")
	if err := db.SaveAccount(acct); err != nil {
		t.Fatal(err)
	}

	acct, err = db.GetAccount("alice")
	if err != nil {
		t.Fatal(err)
	}
	if !acct.Cash.Equal(dec("850")) {
		t.Errorf("cash = %s, want 850", acct.Cash)
	}

	missing, err := db.GetAccount("nobody")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for unknown account")
	}
}
