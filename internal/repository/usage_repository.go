package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/rkromero/PlataformaChatIA/internal/entities"
)

type UsageRepository struct {
	db DB
}

func NewUsageRepository(db DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// IncrementIfBelow counts one message for the period unless the counter
// already reached limit. It is a single statement, so concurrent callers
// can never push the counter past limit. When denied, current is the
// stored counter.
func (r *UsageRepository) IncrementIfBelow(ctx context.Context, tenantID, period string, limit int) (current int, allowed bool, err error) {
	err = r.db.QueryRow(ctx, `
		INSERT INTO usage_records (tenant_id, period, messages)
		SELECT $1, $2, 1 WHERE $3::int > 0
		ON CONFLICT (tenant_id, period)
		DO UPDATE SET messages = usage_records.messages + 1, updated_at = now()
		WHERE usage_records.messages < $3::int
		RETURNING messages
	`, tenantID, period, limit).Scan(&current)
	if err == nil {
		return current, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, eris.Wrap(err, "usage: increment")
	}

	current, err = r.Messages(ctx, tenantID, period)
	if err != nil {
		return 0, false, err
	}
	return current, false, nil
}

// Messages returns the counter for the period, 0 when no message was counted yet.
func (r *UsageRepository) Messages(ctx context.Context, tenantID, period string) (int, error) {
	var messages int
	err := r.db.QueryRow(ctx, `
		SELECT messages FROM usage_records WHERE tenant_id = $1 AND period = $2
	`, tenantID, period).Scan(&messages)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, eris.Wrap(err, "usage: read counter")
	}
	return messages, nil
}

// GetUsage returns the usage record for the period.
func (r *UsageRepository) GetUsage(ctx context.Context, tenantID, period string) (entities.UsageRecord, error) {
	messages, err := r.Messages(ctx, tenantID, period)
	if err != nil {
		return entities.UsageRecord{}, err
	}
	return entities.UsageRecord{TenantID: tenantID, Period: period, Messages: messages}, nil
}

// RecordDaily increments the per-day ledger.
func (r *UsageRepository) RecordDaily(ctx context.Context, tenantID, day string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO daily_usage (tenant_id, day, messages)
		VALUES ($1, $2::date, 1)
		ON CONFLICT (tenant_id, day)
		DO UPDATE SET messages = daily_usage.messages + 1
	`, tenantID, day)
	return eris.Wrap(err, "usage: record daily")
}

// ClaimThreshold marks a threshold notification as taken for the period.
// It returns false if it was already claimed, by this or another process.
func (r *UsageRepository) ClaimThreshold(ctx context.Context, tenantID, period string, threshold int) (bool, error) {
	var claimed int
	err := r.db.QueryRow(ctx, `
		INSERT INTO usage_notifications (tenant_id, period, threshold)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, period, threshold) DO NOTHING
		RETURNING threshold
	`, tenantID, period, threshold).Scan(&claimed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, eris.Wrap(err, "usage: claim threshold")
	}
	return true, nil
}

// ReleaseThreshold drops a claim so a later message retries the notification.
func (r *UsageRepository) ReleaseThreshold(ctx context.Context, tenantID, period string, threshold int) error {
	_, err := r.db.Exec(ctx, `
		DELETE FROM usage_notifications WHERE tenant_id = $1 AND period = $2 AND threshold = $3
	`, tenantID, period, threshold)
	return eris.Wrap(err, "usage: release threshold")
}
