package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/chartsnap/internal/capture"
)

// AlertStore persists alerts in Postgres. Terminal statuses are enforced in
// the UPDATE predicate so concurrent writers cannot reopen a settled alert.
type AlertStore struct {
	db    DB
	table string
}

// NewAlertStore constructs a store over db. table defaults to "alerts".
func NewAlertStore(db DB, table string) (*AlertStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, "alerts")
	if err != nil {
		return nil, err
	}
	return &AlertStore{db: db, table: table}, nil
}

// CreateAlert inserts alert and returns it with database timestamps.
func (s *AlertStore) CreateAlert(ctx context.Context, alert capture.Alert) (capture.Alert, error) {
	if alert.ID == "" {
		return capture.Alert{}, fmt.Errorf("alert id is required")
	}
	payload, err := json.Marshal(orEmpty(alert.Payload))
	if err != nil {
		return capture.Alert{}, fmt.Errorf("marshal payload: %w", err)
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	tenant_id,
	indicator,
	ticker,
	exchange,
	symbol,
	price,
	signal_type,
	direction,
	chart_id,
	message,
	payload,
	status,
	result_url,
	strategy,
	failure_reason,
	signal_ts
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
)
RETURNING created_at, updated_at`, s.table)

	err = s.db.QueryRow(ctx, query,
		alert.ID,
		alert.TenantID,
		alert.Indicator,
		alert.Ticker,
		alert.Exchange,
		alert.Symbol,
		alert.Price,
		alert.SignalType,
		alert.Direction,
		alert.ChartID,
		alert.Message,
		payload,
		string(alert.Status),
		alert.ResultURL,
		string(alert.Strategy),
		alert.FailureReason,
		alert.Timestamp,
	).Scan(&alert.CreatedAt, &alert.UpdatedAt)
	if err != nil {
		return capture.Alert{}, fmt.Errorf("insert alert: %w", err)
	}
	return alert, nil
}

// UpdateAlertStatus applies update unless the alert already settled.
func (s *AlertStore) UpdateAlertStatus(ctx context.Context, alertID string, update capture.AlertUpdate) error {
	query := fmt.Sprintf(`
UPDATE %s
SET status = $2,
	result_url = CASE WHEN $3 = '' THEN result_url ELSE $3 END,
	strategy = CASE WHEN $4 = '' THEN strategy ELSE $4 END,
	failure_reason = $5,
	updated_at = NOW()
WHERE id = $1
	AND status NOT IN ('completed', 'failed', 'skipped', 'rejected')`, s.table)

	tag, err := s.db.Exec(ctx, query,
		alertID,
		string(update.Status),
		update.ResultURL,
		string(update.Strategy),
		update.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("update alert status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRow(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, s.table), alertID).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return capture.ErrNotFound
	case err != nil:
		return fmt.Errorf("read alert status: %w", err)
	default:
		return capture.ErrTerminalState
	}
}

// GetAlert fetches an alert by ID.
func (s *AlertStore) GetAlert(ctx context.Context, alertID string) (capture.Alert, error) {
	query := fmt.Sprintf(`
SELECT id, tenant_id, indicator, ticker, exchange, symbol, price, signal_type,
	direction, chart_id, message, payload, status, result_url, strategy,
	failure_reason, signal_ts, created_at, updated_at
FROM %s
WHERE id = $1`, s.table)

	var (
		a        capture.Alert
		payload  []byte
		status   string
		strategy string
	)
	err := s.db.QueryRow(ctx, query, alertID).Scan(
		&a.ID,
		&a.TenantID,
		&a.Indicator,
		&a.Ticker,
		&a.Exchange,
		&a.Symbol,
		&a.Price,
		&a.SignalType,
		&a.Direction,
		&a.ChartID,
		&a.Message,
		&payload,
		&status,
		&a.ResultURL,
		&strategy,
		&a.FailureReason,
		&a.Timestamp,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return capture.Alert{}, capture.ErrNotFound
	}
	if err != nil {
		return capture.Alert{}, fmt.Errorf("select alert: %w", err)
	}
	a.Status = capture.AlertStatus(status)
	a.Strategy = capture.Strategy(strategy)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &a.Payload); err != nil {
			return capture.Alert{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	return a, nil
}

// Close releases the underlying pool.
func (s *AlertStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
