package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/copyflow/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STORAGE - System of record for subscriptions, risk configs, ledgers, replicas
// ═══════════════════════════════════════════════════════════════════════════════
//
// The unique index on (subscriber_id, dedup_key) is the durable idempotency
// guard: the in-memory dedup cache in feeds/ is only a fast path.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrDuplicateReplica means a record already exists for (subscriber, dedupKey).
var ErrDuplicateReplica = errors.New("replica already recorded")

type Database struct {
	db *gorm.DB
}

// Models

type Subscription struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	SubscriberID  string `gorm:"uniqueIndex:idx_sub_source"`
	SourceAccount string `gorm:"uniqueIndex:idx_sub_source;index"`
	Mode          string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type RiskConfig struct {
	ID             uint             `gorm:"primaryKey;autoIncrement"`
	SubscriberID   string           `gorm:"uniqueIndex:idx_cfg_scope"`
	SourceAccount  string           `gorm:"uniqueIndex:idx_cfg_scope"` // "" = global default
	CopyPercentage decimal.Decimal  `gorm:"type:decimal(10,4)"`
	MaxTradeSize   *decimal.Decimal `gorm:"type:decimal(20,6)"`
	DailyLimit     *decimal.Decimal `gorm:"type:decimal(20,6)"`
	MaxPerMarket   *decimal.Decimal `gorm:"type:decimal(20,6)"`
	Enabled        bool
	IgnorePatterns string // JSON array of title substrings
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type LedgerAccount struct {
	OwnerID         string          `gorm:"primaryKey"`
	Cash            decimal.Decimal `gorm:"type:decimal(20,6)"`
	StartingBalance decimal.Decimal `gorm:"type:decimal(20,6)"`
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Position struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	OwnerID       string `gorm:"uniqueIndex:idx_owner_asset"`
	AssetID       string `gorm:"uniqueIndex:idx_owner_asset"`
	ConditionID   string `gorm:"index"`
	Outcome       string
	Title         string
	Shares        decimal.Decimal `gorm:"type:decimal(20,6)"`
	AvgPrice      decimal.Decimal `gorm:"type:decimal(10,6)"`
	SourceAccount string
	EndDate       *time.Time `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Snapshot struct {
	ID             uint            `gorm:"primaryKey;autoIncrement"`
	OwnerID        string          `gorm:"index"`
	TotalValue     decimal.Decimal `gorm:"type:decimal(20,6)"`
	Cash           decimal.Decimal `gorm:"type:decimal(20,6)"`
	PositionsValue decimal.Decimal `gorm:"type:decimal(20,6)"`
	PnL            decimal.Decimal `gorm:"type:decimal(20,6)"`
	CreatedAt      time.Time       `gorm:"index"`
}

type ReplicaRecord struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	SubscriberID  string `gorm:"uniqueIndex:idx_replica_key"`
	DedupKey      string `gorm:"uniqueIndex:idx_replica_key"`
	SourceAccount string
	ConditionID   string `gorm:"index"`
	AssetID       string
	Title         string
	Side          string
	RequestedSize decimal.Decimal `gorm:"type:decimal(20,6)"`
	FillSize      decimal.Decimal `gorm:"type:decimal(20,6)"`
	FillPrice     decimal.Decimal `gorm:"type:decimal(10,6)"`
	SourcePrice   decimal.Decimal `gorm:"type:decimal(10,6)"`
	Status        string          `gorm:"index"`
	OrderRef      string
	ErrorReason   string
	CreatedAt     time.Time `gorm:"index"`
	ExecutedAt    *time.Time
}

var allModels = []interface{}{
	&Subscription{}, &RiskConfig{}, &LedgerAccount{},
	&Position{}, &Snapshot{}, &ReplicaRecord{},
}

// New opens the database. Postgres when the path looks like a connection
// string, sqlite otherwise.
func New(dbPath string) (*Database, error) {
	var db *gorm.DB
	var err error

	gormCfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), gormCfg)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dbPath), gormCfg)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(allModels...); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

// NewInMemory opens a throwaway sqlite database, used by tests.
func NewInMemory() (*Database, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	// Every pooled connection would get its own empty in-memory database.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(allModels...); err != nil {
		return nil, err
	}
	return &Database{db: db}, nil
}

// Close releases the underlying connection pool.
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Subscription operations

func (d *Database) UpsertSubscription(sub *Subscription) error {
	var existing Subscription
	err := d.db.Where("subscriber_id = ? AND source_account = ?",
		sub.SubscriberID, sub.SourceAccount).First(&existing).Error
	if err == nil {
		existing.Mode = sub.Mode
		return d.db.Save(&existing).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return d.db.Create(sub).Error
}

func (d *Database) DeleteSubscription(subscriberID, sourceAccount string) error {
	return d.db.Where("subscriber_id = ? AND source_account = ?",
		subscriberID, sourceAccount).Delete(&Subscription{}).Error
}

func (d *Database) GetSubscriptionsBySource(sourceAccount string) ([]Subscription, error) {
	var subs []Subscription
	err := d.db.Where("source_account = ?", sourceAccount).Find(&subs).Error
	return subs, err
}

func (d *Database) GetAllSubscriptions() ([]Subscription, error) {
	var subs []Subscription
	err := d.db.Find(&subs).Error
	return subs, err
}

// Risk config operations

func (d *Database) UpsertRiskConfig(cfg *RiskConfig) error {
	var existing RiskConfig
	err := d.db.Where("subscriber_id = ? AND source_account = ?",
		cfg.SubscriberID, cfg.SourceAccount).First(&existing).Error
	if err == nil {
		cfg.ID = existing.ID
		cfg.CreatedAt = existing.CreatedAt
		return d.db.Save(cfg).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return d.db.Create(cfg).Error
}

// GetRiskConfig returns the config scoped to sourceAccount, or nil when no
// row exists for that scope. Fallback to the global scope ("") is the
// registry's job.
func (d *Database) GetRiskConfig(subscriberID, sourceAccount string) (*RiskConfig, error) {
	var cfg RiskConfig
	err := d.db.Where("subscriber_id = ? AND source_account = ?",
		subscriberID, sourceAccount).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ToRiskConfig converts the stored row to the shared type.
func (c *RiskConfig) ToRiskConfig() types.RiskConfig {
	var patterns []string
	if c.IgnorePatterns != "" {
		_ = json.Unmarshal([]byte(c.IgnorePatterns), &patterns)
	}
	return types.RiskConfig{
		SubscriberID:   c.SubscriberID,
		SourceAccount:  c.SourceAccount,
		CopyPercentage: c.CopyPercentage,
		MaxTradeSize:   c.MaxTradeSize,
		DailyLimit:     c.DailyLimit,
		MaxPerMarket:   c.MaxPerMarket,
		Enabled:        c.Enabled,
		IgnorePatterns: patterns,
	}
}

// EncodePatterns serializes ignore patterns for storage.
func EncodePatterns(patterns []string) string {
	if len(patterns) == 0 {
		return ""
	}
	data, _ := json.Marshal(patterns)
	return string(data)
}

// ═══════════════════════════════════════════════════════════════════════════════
// LEDGER ACCOUNTS & POSITIONS
// ═══════════════════════════════════════════════════════════════════════════════

func (d *Database) CreateAccount(acct *LedgerAccount) error {
	return d.db.Create(acct).Error
}

func (d *Database) GetAccount(ownerID string) (*LedgerAccount, error) {
	var acct LedgerAccount
	err := d.db.First(&acct, "owner_id = ?", ownerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (d *Database) SaveAccount(acct *LedgerAccount) error {
	return d.db.Save(acct).Error
}

func (d *Database) GetPosition(ownerID, assetID string) (*Position, error) {
	var pos Position
	err := d.db.Where("owner_id = ? AND asset_id = ?", ownerID, assetID).First(&pos).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

func (d *Database) SavePosition(pos *Position) error {
	return d.db.Save(pos).Error
}

func (d *Database) DeletePosition(pos *Position) error {
	return d.db.Delete(pos).Error
}

func (d *Database) ListPositions(ownerID string) ([]Position, error) {
	var positions []Position
	err := d.db.Where("owner_id = ?", ownerID).Find(&positions).Error
	return positions, err
}

// ListExpiredPositions returns every open position, across owners, whose
// market end time has passed. Used by the reconciler.
func (d *Database) ListExpiredPositions(now time.Time) ([]Position, error) {
	var positions []Position
	err := d.db.Where("end_date IS NOT NULL AND end_date <= ?", now).Find(&positions).Error
	return positions, err
}

func (d *Database) AppendSnapshot(snap *Snapshot) error {
	return d.db.Create(snap).Error
}

func (d *Database) GetSnapshots(ownerID string, limit int) ([]Snapshot, error) {
	var snaps []Snapshot
	err := d.db.Where("owner_id = ?", ownerID).
		Order("created_at DESC").Limit(limit).Find(&snaps).Error
	return snaps, err
}

// ═══════════════════════════════════════════════════════════════════════════════
// REPLICA RECORDS - Idempotency and cap accounting
// ═══════════════════════════════════════════════════════════════════════════════

// CreatePendingReplica inserts a pending record, relying on the unique
// (subscriber_id, dedup_key) index. Returns ErrDuplicateReplica when any
// record, terminal or pending, already exists for the pair.
func (d *Database) CreatePendingReplica(rec *ReplicaRecord) error {
	rec.Status = string(types.StatusPending)
	err := d.db.Create(rec).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateReplica
	}
	return err
}

// SetReplicaRequestedSize records the sized candidate on a pending
// replica, making it visible to concurrent per-market headroom checks.
func (d *Database) SetReplicaRequestedSize(subscriberID, dedupKey string, size decimal.Decimal) error {
	return d.db.Model(&ReplicaRecord{}).
		Where("subscriber_id = ? AND dedup_key = ?", subscriberID, dedupKey).
		Update("requested_size", size).Error
}

// FinalizeReplica transitions a pending record to its terminal state.
// A record that is already terminal is left untouched.
func (d *Database) FinalizeReplica(subscriberID, dedupKey string, res types.Result) error {
	updates := map[string]interface{}{
		"status":       string(res.Status),
		"error_reason": res.Reason,
		"fill_size":    res.FillSize,
		"fill_price":   res.FillPrice,
		"order_ref":    res.OrderRef,
	}
	if res.Status == types.StatusExecuted {
		now := time.Now()
		updates["executed_at"] = &now
	}
	return d.db.Model(&ReplicaRecord{}).
		Where("subscriber_id = ? AND dedup_key = ? AND status = ?",
			subscriberID, dedupKey, string(types.StatusPending)).
		Updates(updates).Error
}

func (d *Database) GetReplica(subscriberID, dedupKey string) (*ReplicaRecord, error) {
	var rec ReplicaRecord
	err := d.db.Where("subscriber_id = ? AND dedup_key = ?", subscriberID, dedupKey).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SumExecutedBuysSince totals executed BUY fill values for a subscriber
// since the given time. Feeds the daily cap.
func (d *Database) SumExecutedBuysSince(subscriberID string, since time.Time) (decimal.Decimal, error) {
	var result struct{ Total decimal.Decimal }
	err := d.db.Model(&ReplicaRecord{}).
		Select("COALESCE(SUM(fill_size), 0) as total").
		Where("subscriber_id = ? AND side = ? AND status = ? AND executed_at >= ?",
			subscriberID, string(types.SideBuy), string(types.StatusExecuted), since).
		Scan(&result).Error
	return result.Total, err
}

// SumExecutedBuysForMarket totals executed BUY fill values for a subscriber
// in one market. Feeds the per-market cap.
func (d *Database) SumExecutedBuysForMarket(subscriberID, conditionID string) (decimal.Decimal, error) {
	var result struct{ Total decimal.Decimal }
	err := d.db.Model(&ReplicaRecord{}).
		Select("COALESCE(SUM(fill_size), 0) as total").
		Where("subscriber_id = ? AND condition_id = ? AND side = ? AND status = ?",
			subscriberID, conditionID, string(types.SideBuy), string(types.StatusExecuted)).
		Scan(&result).Error
	return result.Total, err
}

// SumPendingForMarket totals requested sizes of still-pending BUY replicas
// for the same subscriber+market created after the cutoff, excluding the
// record identified by excludeDedupKey. Closes the race window against
// concurrent in-flight trades on one market without double-counting the
// caller's own claim.
func (d *Database) SumPendingForMarket(subscriberID, conditionID, excludeDedupKey string, createdAfter time.Time) (decimal.Decimal, error) {
	var result struct{ Total decimal.Decimal }
	err := d.db.Model(&ReplicaRecord{}).
		Select("COALESCE(SUM(requested_size), 0) as total").
		Where("subscriber_id = ? AND condition_id = ? AND side = ? AND status = ? AND created_at >= ? AND dedup_key <> ?",
			subscriberID, conditionID, string(types.SideBuy), string(types.StatusPending), createdAfter, excludeDedupKey).
		Scan(&result).Error
	return result.Total, err
}

func (d *Database) GetRecentReplicas(subscriberID string, limit int) ([]ReplicaRecord, error) {
	var recs []ReplicaRecord
	err := d.db.Where("subscriber_id = ?", subscriberID).
		Order("created_at DESC").Limit(limit).Find(&recs).Error
	return recs, err
}

// GetLatestReplicas returns the newest replica records across all
// subscribers.
func (d *Database) GetLatestReplicas(limit int) ([]ReplicaRecord, error) {
	var recs []ReplicaRecord
	err := d.db.Order("created_at DESC").Limit(limit).Find(&recs).Error
	return recs, err
}

// Stats operations

func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var subCount int64
	d.db.Model(&Subscription{}).Count(&subCount)
	stats["subscriptions"] = subCount

	var executed int64
	d.db.Model(&ReplicaRecord{}).Where("status = ?", string(types.StatusExecuted)).Count(&executed)
	stats["executed_replicas"] = executed

	var skipped int64
	d.db.Model(&ReplicaRecord{}).Where("status = ?", string(types.StatusSkipped)).Count(&skipped)
	stats["skipped_replicas"] = skipped

	var failed int64
	d.db.Model(&ReplicaRecord{}).Where("status = ?", string(types.StatusFailed)).Count(&failed)
	stats["failed_replicas"] = failed

	var openPositions int64
	d.db.Model(&Position{}).Count(&openPositions)
	stats["open_positions"] = openPositions

	return stats, nil
}
