package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/aristath/cryptosentinel/internal/engine"
	"github.com/rs/zerolog"
)

const timeLayout = time.RFC3339

// SignalStatus mirrors the §6 status column.
type SignalStatus string

const (
	StatusOpen   SignalStatus = "OPEN"
	StatusClosed SignalStatus = "CLOSED"
)

// Store is the concrete engine.PersistenceSink backed by sqlite. It also
// serves the outcome monitor's read/close path (§4.16).
type Store struct {
	db  *DB
	log zerolog.Logger
}

// New wraps db as a Store. Satisfies engine.PersistenceSink.
func New(db *DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log.With().Str("component", "persistence").Logger()}
}

var _ engine.PersistenceSink = (*Store)(nil)

// PersistSignal inserts a newly generated signal in OPEN status.
func (s *Store) PersistSignal(ctx context.Context, sig domain.Signal) error {
	timeframe := sig.Strategy + ":" + sig.Timeframe
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO signals
			(id, symbol, direction, timeframe, entry_min, entry_max, current_price,
			 stop_loss, target1, target2, target3, confidence, strength, risk_level,
			 reasoning, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'OPEN', ?, ?)`,
		sig.ID, sig.Symbol, string(sig.Direction), timeframe,
		sig.EntryMin, sig.EntryMax, sig.CurrentPrice, sig.StopLoss,
		sig.Target1, sig.Target2, sig.Target3, sig.Confidence,
		string(sig.Strength), string(sig.RiskLevel), sig.Reasoning,
		sig.CreatedAt.UTC().Format(timeLayout), sig.ExpiresAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("persist signal %s: %w", sig.ID, err)
	}
	return nil
}

// PersistTrigger appends a trigger audit row, generated or rejected.
func (s *Store) PersistTrigger(ctx context.Context, t engine.TriggerRecord) error {
	snapshot, err := json.Marshal(t.IndicatorSnapshot)
	if err != nil {
		return fmt.Errorf("marshal indicator snapshot: %w", err)
	}
	_, err = s.db.conn.ExecContext(ctx, `
		INSERT INTO triggers
			(symbol, strategy, reason, priority, market_price, change_1h_pct, volume_24h,
			 signal_generated, rejected, rejection_reason, reasoning, indicator_snapshot, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Symbol, t.Strategy, t.Reason, string(t.Priority), t.MarketPrice, t.Change1hPct, t.Volume24h,
		boolToInt(t.SignalGenerated), boolToInt(t.Rejected), t.RejectionReason, t.Reasoning,
		string(snapshot), t.At.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("persist trigger for %s: %w", t.Symbol, err)
	}
	return nil
}

// OpenSignal is the subset of a signals row the outcome monitor needs to
// evaluate the triple-barrier (§4.16).
type OpenSignal struct {
	ID         string
	Symbol     string
	Direction  domain.Direction
	EntryMin   float64
	EntryMax   float64
	StopLoss   float64
	Target1    float64
	Target2    float64
	Target3    float64
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// OpenSignals returns every signal still in OPEN status, for the outcome
// monitor's polling loop.
func (s *Store) OpenSignals(ctx context.Context) ([]OpenSignal, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT id, symbol, direction, entry_min, entry_max, stop_loss,
		       target1, target2, target3, created_at, expires_at
		FROM signals WHERE status = 'OPEN'`)
	if err != nil {
		return nil, fmt.Errorf("query open signals: %w", err)
	}
	defer rows.Close()

	var out []OpenSignal
	for rows.Next() {
		var o OpenSignal
		var direction, createdAt, expiresAt string
		if err := rows.Scan(&o.ID, &o.Symbol, &direction, &o.EntryMin, &o.EntryMax,
			&o.StopLoss, &o.Target1, &o.Target2, &o.Target3, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan open signal: %w", err)
		}
		o.Direction = domain.Direction(direction)
		o.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		o.ExpiresAt, _ = time.Parse(timeLayout, expiresAt)
		out = append(out, o)
	}
	return out, rows.Err()
}

// CloseSignal marks a signal CLOSED with its terminal outcome label.
func (s *Store) CloseSignal(ctx context.Context, id string, outcome string, at time.Time) error {
	res, err := s.db.conn.ExecContext(ctx,
		`UPDATE signals SET status = 'CLOSED', outcome = ?, closed_at = ? WHERE id = ? AND status = 'OPEN'`,
		outcome, at.UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("close signal %s: %w", id, err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
