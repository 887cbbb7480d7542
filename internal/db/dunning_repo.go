package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"fitpay/internal/types"
)

// ErrOpenSequenceExists is returned when a second non-terminal sequence is
// created for a subscription that already has one.
var ErrOpenSequenceExists = errors.New("subscription already has an open dunning sequence")

type DunningRepo struct {
	db     DBTX
	logger *slog.Logger
}

func NewDunningRepo(db DBTX, logger *slog.Logger) *DunningRepo {
	return &DunningRepo{db: db, logger: logger}
}

const dunningColumns = `id, organization_id, subscription_id, invoice_id, member_id, status,
	amount, currency, failure_reason, failed_at, retry_count, next_retry_at, last_retry_at,
	suspended, suspended_at, recovered_at, recovery_method, deactivated_at,
	csm_escalated, csm_escalated_at, csm_user_id, notes, claimed_until, version, created_at, updated_at`

func (r *DunningRepo) scan(row pgx.Row) (*types.DunningSequence, error) {
	var seq types.DunningSequence
	err := row.Scan(
		&seq.ID, &seq.OrganizationID, &seq.SubscriptionID, &seq.InvoiceID, &seq.MemberID, &seq.Status,
		&seq.Amount, &seq.Currency, &seq.FailureReason, &seq.FailedAt, &seq.RetryCount,
		&seq.NextRetryAt, &seq.LastRetryAt,
		&seq.Suspended, &seq.SuspendedAt, &seq.RecoveredAt, &seq.RecoveryMethod, &seq.DeactivatedAt,
		&seq.CSMEscalated, &seq.CSMEscalatedAt, &seq.CSMUserID, &seq.Notes,
		&seq.ClaimedUntil, &seq.Version, &seq.CreatedAt, &seq.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &seq, nil
}

func (r *DunningRepo) wrapScan(row pgx.Row) (*types.DunningSequence, error) {
	seq, err := r.scan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSequence, "dunning sequence not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDatabase, "querying dunning sequence", err)
	}
	return seq, nil
}

func (r *DunningRepo) FindByID(ctx context.Context, id uuid.UUID) (*types.DunningSequence, error) {
	return r.wrapScan(r.db.QueryRow(ctx,
		`SELECT `+dunningColumns+` FROM dunning_sequences WHERE id = $1`, id))
}

// FindOpenBySubscription returns the subscription's non-terminal sequence,
// or (nil, nil) when there is none.
func (r *DunningRepo) FindOpenBySubscription(ctx context.Context, subscriptionID uuid.UUID) (*types.DunningSequence, error) {
	seq, err := r.scan(r.db.QueryRow(ctx,
		`SELECT `+dunningColumns+` FROM dunning_sequences
		 WHERE subscription_id = $1 AND status IN ($2, $3)`,
		subscriptionID, types.DunningActive, types.DunningSuspended))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDatabase, "querying dunning sequence", err)
	}
	return seq, nil
}

// FindOpenByInvoice returns the non-terminal sequence tracking an invoice,
// or (nil, nil).
func (r *DunningRepo) FindOpenByInvoice(ctx context.Context, invoiceID uuid.UUID) (*types.DunningSequence, error) {
	seq, err := r.scan(r.db.QueryRow(ctx,
		`SELECT `+dunningColumns+` FROM dunning_sequences
		 WHERE invoice_id = $1 AND status IN ($2, $3)`,
		invoiceID, types.DunningActive, types.DunningSuspended))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDatabase, "querying dunning sequence", err)
	}
	return seq, nil
}

func (r *DunningRepo) Create(ctx context.Context, seq *types.DunningSequence) error {
	_, err := r.db.Exec(ctx, `INSERT INTO dunning_sequences
		(id, organization_id, subscription_id, invoice_id, member_id, status,
		 amount, currency, failure_reason, failed_at, retry_count, next_retry_at,
		 suspended, csm_escalated, notes, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1, now(), now())`,
		seq.ID, seq.OrganizationID, seq.SubscriptionID, seq.InvoiceID, seq.MemberID, seq.Status,
		seq.Amount, seq.Currency, seq.FailureReason, seq.FailedAt, seq.RetryCount, seq.NextRetryAt,
		seq.Suspended, seq.CSMEscalated, seq.Notes)
	if err != nil {
		if isUniqueViolation(err, "idx_dunning_open_per_subscription") {
			return ErrOpenSequenceExists
		}
		return types.NewAppError(types.ErrCodeInternalDatabase, "inserting dunning sequence", err)
	}
	seq.Version = 1
	return nil
}

// Update persists all mutable fields under optimistic locking.
func (r *DunningRepo) Update(ctx context.Context, seq *types.DunningSequence) error {
	tag, err := r.db.Exec(ctx, `UPDATE dunning_sequences SET
		status = $1, retry_count = $2, next_retry_at = $3, last_retry_at = $4,
		suspended = $5, suspended_at = $6, recovered_at = $7, recovery_method = $8,
		deactivated_at = $9, csm_escalated = $10, csm_escalated_at = $11, csm_user_id = $12,
		notes = $13, claimed_until = $14, version = version + 1, updated_at = now()
		WHERE id = $15 AND version = $16`,
		seq.Status, seq.RetryCount, seq.NextRetryAt, seq.LastRetryAt,
		seq.Suspended, seq.SuspendedAt, seq.RecoveredAt, seq.RecoveryMethod,
		seq.DeactivatedAt, seq.CSMEscalated, seq.CSMEscalatedAt, seq.CSMUserID,
		seq.Notes, seq.ClaimedUntil, seq.ID, seq.Version)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDatabase, "updating dunning sequence", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "dunning sequence version conflict", "sequence_id", seq.ID)
		return types.NewAppError(types.ErrCodeConflictConcurrentEdit,
			"dunning sequence was modified concurrently", nil)
	}
	seq.Version++
	return nil
}

// claimDue claims up to limit sequences matching cond, extending
// claimed_until so concurrent sweepers skip them. SKIP LOCKED keeps
// sweepers from serializing on each other.
func (r *DunningRepo) claimDue(ctx context.Context, cond string, now time.Time, ttl time.Duration, limit int, args ...any) ([]types.DunningSequence, error) {
	sql := `UPDATE dunning_sequences SET claimed_until = $1, updated_at = now()
		WHERE id IN (
			SELECT id FROM dunning_sequences
			WHERE ` + cond + ` AND (claimed_until IS NULL OR claimed_until < $2)
			ORDER BY failed_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + dunningColumns
	fullArgs := append([]any{now.Add(ttl), now, limit}, args...)

	rows, err := r.db.Query(ctx, sql, fullArgs...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDatabase, "claiming dunning sequences", err)
	}
	defer rows.Close()

	var out []types.DunningSequence
	for rows.Next() {
		seq, err := r.scan(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDatabase, "scanning dunning sequence", err)
		}
		out = append(out, *seq)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDatabase, "iterating dunning sequences", err)
	}
	return out, nil
}

// ClaimSuspensionDue claims active, unsuspended sequences whose failure is
// at least suspensionDays old.
func (r *DunningRepo) ClaimSuspensionDue(ctx context.Context, now time.Time, suspensionDays int, ttl time.Duration, limit int) ([]types.DunningSequence, error) {
	cutoff := now.AddDate(0, 0, -suspensionDays)
	return r.claimDue(ctx,
		`status = $4 AND suspended = FALSE AND failed_at <= $5`,
		now, ttl, limit, types.DunningActive, cutoff)
}

// ClaimDeactivationDue claims suspended sequences whose failure is at
// least deactivationDays old.
func (r *DunningRepo) ClaimDeactivationDue(ctx context.Context, now time.Time, deactivationDays int, ttl time.Duration, limit int) ([]types.DunningSequence, error) {
	cutoff := now.AddDate(0, 0, -deactivationDays)
	return r.claimDue(ctx,
		`status = $4 AND failed_at <= $5`,
		now, ttl, limit, types.DunningSuspended, cutoff)
}

// ClaimRetryDue claims active sequences whose next retry time has passed.
func (r *DunningRepo) ClaimRetryDue(ctx context.Context, now time.Time, ttl time.Duration, limit int) ([]types.DunningSequence, error) {
	return r.claimDue(ctx,
		`status = $4 AND next_retry_at IS NOT NULL AND next_retry_at <= $5`,
		now, ttl, limit, types.DunningActive, now)
}

// ReleaseClaim clears the claim so another sweeper can pick the row up,
// used when processing a claimed sequence fails.
func (r *DunningRepo) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`UPDATE dunning_sequences SET claimed_until = NULL, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDatabase, "releasing dunning claim", err)
	}
	return nil
}

// Stats returns total and recovered sequence counts for the recovery rate
// metric.
func (r *DunningRepo) Stats(ctx context.Context) (total, recovered int64, err error) {
	err = r.db.QueryRow(ctx, `SELECT count(*), count(*) FILTER (WHERE status = $1)
		FROM dunning_sequences`, types.DunningRecovered).Scan(&total, &recovered)
	if err != nil {
		return 0, 0, types.NewAppError(types.ErrCodeInternalDatabase, "querying dunning stats", err)
	}
	return total, recovered, nil
}
