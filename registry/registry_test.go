package registry

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/copyflow/storage"
	"github.com/web3guy0/copyflow/types"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestRegistry(t *testing.T) (*Registry, *storage.Database) {
	t.Helper()
	db, err := storage.NewInMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	reg, err := New(db)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg, db
}

func TestSubscribeAndLookup(t *testing.T) {
	reg, _ := newTestRegistry(t)

	subs := []types.Subscription{
		{SubscriberID: "alice", SourceAccount: "0xwhale", Mode: types.ModePaper},
		{SubscriberID: "bob", SourceAccount: "0xwhale", Mode: types.ModeRecommend},
		{SubscriberID: "alice", SourceAccount: "0xother", Mode: types.ModePaper},
	}
	for _, s := range subs {
		if err := reg.Subscribe(s); err != nil {
			t.Fatalf("subscribe %+v: %v", s, err)
		}
	}

	got := reg.SubscribersOf("0xwhale")
	if len(got) != 2 {
		t.Fatalf("subscribers of whale = %d, want 2", len(got))
	}
	if len(reg.SubscribersOf("0xother")) != 1 {
		t.Error("subscribers of other source missing")
	}
	if len(reg.SubscribersOf("0xnobody")) != 0 {
		t.Error("unknown source should have no subscribers")
	}
}

func TestSubscribeModeChangeOverwrites(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if err := reg.Subscribe(types.Subscription{SubscriberID: "alice", SourceAccount: "0xwhale", Mode: types.ModePaper}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Subscribe(types.Subscription{SubscriberID: "alice", SourceAccount: "0xwhale", Mode: types.ModeAuto}); err != nil {
		t.Fatal(err)
	}

	got := reg.SubscribersOf("0xwhale")
	if len(got) != 1 {
		t.Fatalf("duplicate subscription rows: %d", len(got))
	}
	if got[0].Mode != types.ModeAuto {
		t.Errorf("mode = %s, want auto", got[0].Mode)
	}
}

func TestUnsubscribe(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if err := reg.Subscribe(types.Subscription{SubscriberID: "alice", SourceAccount: "0xwhale", Mode: types.ModePaper}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Unsubscribe("alice", "0xwhale"); err != nil {
		t.Fatal(err)
	}
	if len(reg.SubscribersOf("0xwhale")) != 0 {
		t.Error("unsubscribed account still listed")
	}
}

func TestConfigPrecedence(t *testing.T) {
	reg, _ := newTestRegistry(t)

	global := types.RiskConfig{SubscriberID: "alice", CopyPercentage: dec("100"), Enabled: true}
	perSource := types.RiskConfig{SubscriberID: "alice", SourceAccount: "0xwhale", CopyPercentage: dec("25"), Enabled: true}
	if err := reg.SetRiskConfig(global); err != nil {
		t.Fatal(err)
	}
	if err := reg.SetRiskConfig(perSource); err != nil {
		t.Fatal(err)
	}

	// Per-source override wins for its source.
	if got := reg.ConfigFor("alice", "0xwhale"); !got.CopyPercentage.Equal(dec("25")) {
		t.Errorf("whale config pct = %s, want 25", got.CopyPercentage)
	}
	// Other sources fall back to the global config.
	if got := reg.ConfigFor("alice", "0xother"); !got.CopyPercentage.Equal(dec("100")) {
		t.Errorf("fallback config pct = %s, want 100", got.CopyPercentage)
	}
	// Unknown subscribers are disabled by default.
	if got := reg.ConfigFor("nobody", "0xwhale"); got.Enabled {
		t.Error("unknown subscriber should be disabled by default")
	}
}

func TestConfigSurvivesReload(t *testing.T) {
	reg, db := newTestRegistry(t)

	if err := reg.Subscribe(types.Subscription{SubscriberID: "alice", SourceAccount: "0xwhale", Mode: types.ModePaper}); err != nil {
		t.Fatal(err)
	}
	cfg := types.RiskConfig{
		SubscriberID:   "alice",
		CopyPercentage: dec("50"),
		MaxTradeSize:   decPtr("25"),
		Enabled:        true,
		IgnorePatterns: []string{"sports"},
	}
	if err := reg.SetRiskConfig(cfg); err != nil {
		t.Fatal(err)
	}

	// A fresh registry over the same database sees everything.
	reg2, err := New(db)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reg2.SubscribersOf("0xwhale")) != 1 {
		t.Error("subscription lost across reload")
	}
	got := reg2.ConfigFor("alice", "0xwhale")
	if !got.CopyPercentage.Equal(dec("50")) {
		t.Errorf("pct = %s, want 50", got.CopyPercentage)
	}
	if got.MaxTradeSize == nil || !got.MaxTradeSize.Equal(dec("25")) {
		t.Error("max trade size lost across reload")
	}
	if len(got.IgnorePatterns) != 1 || got.IgnorePatterns[0] != "sports" {
		t.Errorf("ignore patterns = %v, want [sports]", got.IgnorePatterns)
	}
}

// The registry is the single write boundary for risk configs, so the range
// bounds are enforced here and sizing trusts stored values verbatim.
func TestSetRiskConfigValidation(t *testing.T) {
	reg, _ := newTestRegistry(t)

	tests := []struct {
		name string
		cfg  types.RiskConfig
		ok   bool
	}{
		{"minimum pct", types.RiskConfig{SubscriberID: "alice", CopyPercentage: dec("1")}, true},
		{"maximum pct", types.RiskConfig{SubscriberID: "alice", CopyPercentage: dec("200")}, true},
		{"zero pct", types.RiskConfig{SubscriberID: "alice", CopyPercentage: dec("0")}, false},
		{"negative pct", types.RiskConfig{SubscriberID: "alice", CopyPercentage: dec("-5")}, false},
		{"over maximum pct", types.RiskConfig{SubscriberID: "alice", CopyPercentage: dec("1000")}, false},
		{"zero daily limit", types.RiskConfig{SubscriberID: "alice", CopyPercentage: dec("100"), DailyLimit: decPtr("0")}, false},
		{"negative max trade", types.RiskConfig{SubscriberID: "alice", CopyPercentage: dec("100"), MaxTradeSize: decPtr("-10")}, false},
		{"negative market cap", types.RiskConfig{SubscriberID: "alice", CopyPercentage: dec("100"), MaxPerMarket: decPtr("-1")}, false},
		{"all caps positive", types.RiskConfig{SubscriberID: "alice", CopyPercentage: dec("100"), MaxTradeSize: decPtr("25"), DailyLimit: decPtr("100"), MaxPerMarket: decPtr("50")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.SetRiskConfig(tt.cfg)
			if tt.ok && err != nil {
				t.Errorf("rejected valid config: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("accepted out-of-range config")
			}
		})
	}

	// The rejected value never reaches the cache or sizing.
	if got := reg.ConfigFor("alice", ""); got.CopyPercentage.GreaterThan(dec("200")) {
		t.Errorf("out-of-range pct cached: %s", got.CopyPercentage)
	}
}

func TestMatchesIgnore(t *testing.T) {
	tests := []struct {
		patterns []string
		title    string
		want     bool
	}{
		{nil, "anything", false},
		{[]string{"sports"}, "Sports betting legalized?", true},
		{[]string{"NBA"}, "Will the nba finals go seven?", true},
		{[]string{" btc "}, "Will BTC close above 100k?", true},
		{[]string{"election"}, "Will BTC close above 100k?", false},
		{[]string{""}, "anything", false},
	}
	for _, tt := range tests {
		if got := MatchesIgnore(tt.patterns, tt.title); got != tt.want {
			t.Errorf("MatchesIgnore(%v, %q) = %v, want %v", tt.patterns, tt.title, got, tt.want)
		}
	}
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}
