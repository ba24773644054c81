package execution

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"fxpilot/internal/config"
	"fxpilot/internal/model"
)

// Order record statuses.
const (
	StatusPending  = "pending"
	StatusFilled   = "filled"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
)

// OrderRecord is one submission keyed by its client reference. Pending means
// the outcome at the broker is not yet known.
type OrderRecord struct {
	ID        uint   `gorm:"primaryKey"`
	ClientRef string `gorm:"size:40;not null;uniqueIndex"`
	AccountID string `gorm:"size:64;not null;index"`
	Strategy  string `gorm:"size:64;not null"`

	Instrument   string  `gorm:"size:16;not null"`
	Side         string  `gorm:"size:8;not null"`
	Units        float64 `gorm:"not null"`
	InitialUnits float64 `gorm:"not null"`
	EntryPrice   float64
	StopLoss     float64
	TakeProfit   float64
	TrailingStop float64
	RiskAmount   float64
	RealizedPL   float64

	Status           string `gorm:"size:16;not null;index"`
	TradeID          string `gorm:"size:64;index"`
	State            string `gorm:"size:24"`
	HoldExpired      bool
	Quarantined      bool
	QuarantineReason string
	Error            string

	SubmittedAt time.Time `gorm:"not null;index"`
	FilledAt    *time.Time
	ClosedAt    *time.Time
	UpdatedAt   time.Time
}

func (OrderRecord) TableName() string {
	return "order_records"
}

// Trade converts a filled record into a book trade.
func (r OrderRecord) Trade() model.Trade {
	t := model.Trade{
		ID:               r.TradeID,
		ClientRef:        r.ClientRef,
		AccountID:        r.AccountID,
		Strategy:         r.Strategy,
		Instrument:       r.Instrument,
		Side:             model.Side(r.Side),
		EntryPrice:       r.EntryPrice,
		InitialUnits:     r.InitialUnits,
		Units:            r.Units,
		StopLoss:         r.StopLoss,
		TakeProfit:       r.TakeProfit,
		State:            model.ProtectionState(r.State),
		TrailingStop:     r.TrailingStop,
		HoldExpired:      r.HoldExpired,
		Quarantined:      r.Quarantined,
		QuarantineReason: r.QuarantineReason,
		RealizedPL:       r.RealizedPL,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.FilledAt != nil {
		t.OpenedAt = *r.FilledAt
	}
	if r.ClosedAt != nil {
		t.ClosedAt = *r.ClosedAt
	}
	if t.State == "" {
		t.State = model.StateEntry
	}
	return t
}

// DayCount is one account's executions since a point in time.
type DayCount struct {
	Trades int
	Risk   float64
}

// Ledger persists order submissions and the protection state of the trades
// they opened.
type Ledger struct {
	db *gorm.DB
}

// OpenLedger opens the configured database and migrates the schema.
func OpenLedger(cfg config.LedgerConfig) (*Ledger, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "sqlite":
		if dir := filepath.Dir(cfg.DSN); dir != "." && cfg.DSN != ":memory:" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating ledger dir: %w", err)
			}
		}
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	return NewLedger(db)
}

// NewLedger wraps an open database and migrates the schema.
func NewLedger(db *gorm.DB) (*Ledger, error) {
	if err := db.AutoMigrate(&OrderRecord{}); err != nil {
		return nil, fmt.Errorf("migrating ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the underlying connection pool.
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Reserve inserts a pending record unless one with the same client reference
// exists, in which case the existing record is returned with created false.
func (l *Ledger) Reserve(ctx context.Context, rec OrderRecord) (OrderRecord, bool, error) {
	rec.Status = StatusPending
	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_ref"}},
		DoNothing: true,
	}).Create(&rec)
	if res.Error != nil {
		return OrderRecord{}, false, fmt.Errorf("reserving %s: %w", rec.ClientRef, res.Error)
	}
	if res.RowsAffected == 1 {
		return rec, true, nil
	}
	existing, err := l.Get(ctx, rec.ClientRef)
	if err != nil {
		return OrderRecord{}, false, err
	}
	return existing, false, nil
}

// ErrNoRecord is returned when a client reference is not in the ledger.
var ErrNoRecord = errors.New("execution: no ledger record")

// Get loads a record by client reference.
func (l *Ledger) Get(ctx context.Context, ref string) (OrderRecord, error) {
	var rec OrderRecord
	err := l.db.WithContext(ctx).Where("client_ref = ?", ref).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return OrderRecord{}, fmt.Errorf("%s: %w", ref, ErrNoRecord)
	}
	if err != nil {
		return OrderRecord{}, fmt.Errorf("loading %s: %w", ref, err)
	}
	return rec, nil
}

// MarkFilled records the trade opened by a submission.
func (l *Ledger) MarkFilled(ctx context.Context, t model.Trade) error {
	filled := t.OpenedAt
	return l.update(ctx, t.ClientRef, map[string]any{
		"status":        StatusFilled,
		"trade_id":      t.ID,
		"entry_price":   t.EntryPrice,
		"units":         t.Units,
		"initial_units": t.InitialUnits,
		"stop_loss":     t.StopLoss,
		"take_profit":   t.TakeProfit,
		"state":         string(t.State),
		"filled_at":     &filled,
		"error":         "",
	})
}

// MarkFailed records a final failure.
func (l *Ledger) MarkFailed(ctx context.Context, ref, status, reason string) error {
	return l.update(ctx, ref, map[string]any{"status": status, "error": reason})
}

// SaveTrade persists the mutable part of a trade: units, levels, protection
// state and quarantine.
func (l *Ledger) SaveTrade(ctx context.Context, t model.Trade) error {
	fields := map[string]any{
		"units":             t.Units,
		"stop_loss":         t.StopLoss,
		"take_profit":       t.TakeProfit,
		"trailing_stop":     t.TrailingStop,
		"state":             string(t.State),
		"hold_expired":      t.HoldExpired,
		"quarantined":       t.Quarantined,
		"quarantine_reason": t.QuarantineReason,
		"realized_pl":       t.RealizedPL,
	}
	if !t.ClosedAt.IsZero() {
		closed := t.ClosedAt
		fields["closed_at"] = &closed
	}
	return l.update(ctx, t.ClientRef, fields)
}

func (l *Ledger) update(ctx context.Context, ref string, fields map[string]any) error {
	res := l.db.WithContext(ctx).Model(&OrderRecord{}).Where("client_ref = ?", ref).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("updating %s: %w", ref, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s: %w", ref, ErrNoRecord)
	}
	return nil
}

// Pending returns submissions whose outcome is unknown.
func (l *Ledger) Pending(ctx context.Context) ([]OrderRecord, error) {
	var rows []OrderRecord
	if err := l.db.WithContext(ctx).Where("status = ?", StatusPending).Order("submitted_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("loading pending orders: %w", err)
	}
	return rows, nil
}

// OpenTrades returns filled records whose trade has not closed.
func (l *Ledger) OpenTrades(ctx context.Context) ([]model.Trade, error) {
	var rows []OrderRecord
	err := l.db.WithContext(ctx).
		Where("status = ? AND state <> ?", StatusFilled, string(model.StateClosed)).
		Order("filled_at").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("loading open trades: %w", err)
	}
	out := make([]model.Trade, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Trade())
	}
	return out, nil
}

// DailyCounts sums filled submissions per account since the given time.
func (l *Ledger) DailyCounts(ctx context.Context, since time.Time) (map[string]DayCount, error) {
	var rows []struct {
		AccountID string
		Trades    int
		Risk      float64
	}
	err := l.db.WithContext(ctx).Model(&OrderRecord{}).
		Select("account_id, COUNT(*) AS trades, COALESCE(SUM(risk_amount), 0) AS risk").
		Where("status = ? AND submitted_at >= ?", StatusFilled, since).
		Group("account_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("counting daily executions: %w", err)
	}
	out := make(map[string]DayCount, len(rows))
	for _, r := range rows {
		out[r.AccountID] = DayCount{Trades: r.Trades, Risk: r.Risk}
	}
	return out, nil
}

// Recent returns the newest records, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]OrderRecord, error) {
	var rows []OrderRecord
	if err := l.db.WithContext(ctx).Order("submitted_at DESC, id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("loading recent orders: %w", err)
	}
	return rows, nil
}
