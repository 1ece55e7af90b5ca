package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/chartsnap/internal/capture"
)

const tenantColumns = `id, webhook_token, webhook_enabled, plan, default_chart_id,
	session_id_sealed, session_sign_sealed, credentials_valid, resolution,
	telegram_enabled, telegram_bot_token, telegram_chat_id, timezone,
	signals_quota, signals_used`

// TenantStore reads tenant configuration from Postgres.
type TenantStore struct {
	db    DB
	table string
}

// NewTenantStore constructs a store over db. table defaults to "tenants".
func NewTenantStore(db DB, table string) (*TenantStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, "tenants")
	if err != nil {
		return nil, err
	}
	return &TenantStore{db: db, table: table}, nil
}

// GetTenant fetches a tenant by ID.
func (s *TenantStore) GetTenant(ctx context.Context, tenantID string) (capture.Tenant, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, tenantColumns, s.table)
	return s.scanOne(s.db.QueryRow(ctx, query, tenantID))
}

// FindByWebhookToken resolves the tenant owning token.
func (s *TenantStore) FindByWebhookToken(ctx context.Context, token string) (capture.Tenant, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE webhook_token = $1`, tenantColumns, s.table)
	return s.scanOne(s.db.QueryRow(ctx, query, token))
}

// IncrementUsage bumps the tenant's monthly signal counter.
func (s *TenantStore) IncrementUsage(ctx context.Context, tenantID string) error {
	query := fmt.Sprintf(`UPDATE %s SET signals_used = signals_used + 1 WHERE id = $1`, s.table)
	tag, err := s.db.Exec(ctx, query, tenantID)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return capture.ErrNotFound
	}
	return nil
}

func (s *TenantStore) scanOne(row pgx.Row) (capture.Tenant, error) {
	var (
		t          capture.Tenant
		plan       string
		resolution string
	)
	err := row.Scan(
		&t.ID,
		&t.WebhookToken,
		&t.WebhookEnabled,
		&plan,
		&t.DefaultChartID,
		&t.Credentials.SessionID,
		&t.Credentials.SessionSign,
		&t.CredentialsValid,
		&resolution,
		&t.Notifications.Enabled,
		&t.Notifications.BotToken,
		&t.Notifications.ChatID,
		&t.Notifications.Timezone,
		&t.SignalsQuota,
		&t.SignalsUsed,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return capture.Tenant{}, capture.ErrNotFound
	}
	if err != nil {
		return capture.Tenant{}, fmt.Errorf("select tenant: %w", err)
	}
	t.Plan = capture.ParsePlan(plan)
	t.Resolution = capture.Resolution(resolution)
	return t, nil
}
