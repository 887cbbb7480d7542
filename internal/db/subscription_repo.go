package db

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"fitpay/internal/types"
)

// Subscription statuses.
const (
	SubscriptionActive    = "ACTIVE"
	SubscriptionSuspended = "SUSPENDED"
	SubscriptionCancelled = "CANCELLED"
)

// SubscriptionRepo controls member access tied to a subscription. It is
// the dunning engine's access controller.
type SubscriptionRepo struct {
	db     DBTX
	logger *slog.Logger
}

func NewSubscriptionRepo(db DBTX, logger *slog.Logger) *SubscriptionRepo {
	return &SubscriptionRepo{db: db, logger: logger}
}

func (r *SubscriptionRepo) setStatus(ctx context.Context, id uuid.UUID, from []string, to, tsColumn string) error {
	sql := `UPDATE subscriptions SET status = $1, updated_at = now()`
	if tsColumn != "" {
		sql += `, ` + tsColumn + ` = now()`
	}
	sql += ` WHERE id = $2 AND status = ANY($3)`

	tag, err := r.db.Exec(ctx, sql, to, id, from)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDatabase, "updating subscription status", err)
	}
	if tag.RowsAffected() == 0 {
		// Already in the target state or cancelled; both are fine for
		// the idempotent sweeps driving these transitions.
		r.logger.DebugContext(ctx, "subscription status unchanged",
			"subscription_id", id, "target", to)
	}
	return nil
}

func (r *SubscriptionRepo) SuspendAccess(ctx context.Context, id uuid.UUID) error {
	return r.setStatus(ctx, id, []string{SubscriptionActive}, SubscriptionSuspended, "suspended_at")
}

func (r *SubscriptionRepo) ReinstateAccess(ctx context.Context, id uuid.UUID) error {
	return r.setStatus(ctx, id, []string{SubscriptionSuspended}, SubscriptionActive, "")
}

func (r *SubscriptionRepo) DeactivateSubscription(ctx context.Context, id uuid.UUID) error {
	return r.setStatus(ctx, id, []string{SubscriptionActive, SubscriptionSuspended}, SubscriptionCancelled, "cancelled_at")
}
