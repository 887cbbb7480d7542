// Package dunning tracks recovery of failed recurring payments: scheduled
// retries, access suspension, subscription deactivation and CSM
// escalation, with recovery closing the sequence from any path.
package dunning

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fitpay/internal/config"
	"fitpay/internal/types"
)

// Repo is the persistence the engine needs. A subscription has at most
// one open (ACTIVE or SUSPENDED) sequence; Create enforces that.
type Repo interface {
	FindByID(ctx context.Context, id uuid.UUID) (*types.DunningSequence, error)
	FindOpenBySubscription(ctx context.Context, subscriptionID uuid.UUID) (*types.DunningSequence, error)
	FindOpenByInvoice(ctx context.Context, invoiceID uuid.UUID) (*types.DunningSequence, error)
	Create(ctx context.Context, seq *types.DunningSequence) error
	Update(ctx context.Context, seq *types.DunningSequence) error
	Stats(ctx context.Context) (total, recovered int64, err error)
}

// AccessController gates the member's facility access while payment is
// outstanding.
type AccessController interface {
	SuspendAccess(ctx context.Context, subscriptionID uuid.UUID) error
	ReinstateAccess(ctx context.Context, subscriptionID uuid.UUID) error
	DeactivateSubscription(ctx context.Context, subscriptionID uuid.UUID) error
}

// Notifier delivers member and staff notifications for sequence
// transitions. Delivery is best effort; state changes never wait on it.
type Notifier interface {
	DunningEvent(ctx context.Context, seq *types.DunningSequence, event string) error
}

// Notifier event names.
const (
	EventPaymentFailed = "payment_failed"
	EventRetryFailed   = "retry_failed"
	EventSuspended     = "suspended"
	EventDeactivated   = "deactivated"
	EventRecovered     = "recovered"
	EventEscalated     = "escalated"
)

// FailureInput describes one failed recurring payment.
type FailureInput struct {
	OrganizationID uuid.UUID
	SubscriptionID uuid.UUID
	InvoiceID      uuid.UUID
	MemberID       uuid.UUID
	Amount         int64
	Currency       string
	Reason         string
}

type Engine struct {
	repo     Repo
	access   AccessController
	notifier Notifier
	cfg      config.DunningConfig
	logger   *slog.Logger
	nowFn    func() time.Time
}

func NewEngine(repo Repo, access AccessController, notifier Notifier, cfg config.DunningConfig, logger *slog.Logger) *Engine {
	if repo == nil {
		panic("dunning: nil repo")
	}
	return &Engine{
		repo:     repo,
		access:   access,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		nowFn:    time.Now,
	}
}

// RecordFailure opens a sequence for the failed payment. When the
// subscription already has an open sequence the new failure extends it
// instead: the failed invoice, amount and reason move to the latest
// failure, and a retry is scheduled when the schedule still has room.
func (e *Engine) RecordFailure(ctx context.Context, in FailureInput) (*types.DunningSequence, error) {
	existing, err := e.repo.FindOpenBySubscription(ctx, in.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return e.extendSequence(ctx, existing, in)
	}

	now := e.nowFn().UTC()
	next := now.AddDate(0, 0, e.cfg.RetryDays[0])
	seq := &types.DunningSequence{
		ID:             uuid.New(),
		OrganizationID: in.OrganizationID,
		SubscriptionID: in.SubscriptionID,
		InvoiceID:      in.InvoiceID,
		MemberID:       in.MemberID,
		Status:         types.DunningActive,
		Amount:         in.Amount,
		Currency:       in.Currency,
		FailureReason:  in.Reason,
		FailedAt:       now,
		NextRetryAt:    &next,
	}
	if err := e.repo.Create(ctx, seq); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "dunning sequence opened",
		"sequence_id", seq.ID,
		"subscription_id", seq.SubscriptionID,
		"invoice_id", seq.InvoiceID,
		"amount", types.FormatAmount(seq.Amount),
		"next_retry_at", next,
	)
	e.notify(ctx, seq, EventPaymentFailed)
	return seq, nil
}

// extendSequence folds a repeat failure into the open sequence. A spent
// retry schedule stays spent; the suspension sweep handles what retries
// could not.
func (e *Engine) extendSequence(ctx context.Context, seq *types.DunningSequence, in FailureInput) (*types.DunningSequence, error) {
	now := e.nowFn().UTC()
	seq.InvoiceID = in.InvoiceID
	seq.Amount = in.Amount
	seq.Currency = in.Currency
	seq.FailureReason = in.Reason
	seq.Notes = appendNote(seq.Notes, now, "repeat failure: "+in.Reason)
	if seq.Status == types.DunningActive && seq.NextRetryAt == nil &&
		seq.RetryCount < e.cfg.MaxRetries && seq.RetryCount < len(e.cfg.RetryDays) {
		next := now.AddDate(0, 0, e.cfg.RetryDays[seq.RetryCount])
		seq.NextRetryAt = &next
	}
	if err := e.repo.Update(ctx, seq); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "dunning sequence extended",
		"sequence_id", seq.ID,
		"subscription_id", seq.SubscriptionID,
		"invoice_id", seq.InvoiceID,
		"amount", types.FormatAmount(seq.Amount),
	)
	e.notify(ctx, seq, EventPaymentFailed)
	return seq, nil
}

// RecordRetryResult applies the outcome of one scheduled retry attempt.
// Retries are driven by the sweep job, not by the engine itself.
func (e *Engine) RecordRetryResult(ctx context.Context, seq *types.DunningSequence, approved bool, detail string) error {
	if seq.Status.Terminal() {
		// The settlement path recovered the sequence while the retry
		// was in flight; nothing left to record.
		return nil
	}
	if approved {
		return e.recover(ctx, seq, "automatic_retry")
	}

	now := e.nowFn().UTC()
	seq.RetryCount++
	seq.LastRetryAt = &now
	seq.ClaimedUntil = nil
	if seq.RetryCount < e.cfg.MaxRetries && seq.RetryCount < len(e.cfg.RetryDays) {
		next := seq.FailedAt.AddDate(0, 0, e.cfg.RetryDays[seq.RetryCount])
		if !next.After(now) {
			next = now.Add(24 * time.Hour)
		}
		seq.NextRetryAt = &next
	} else {
		seq.NextRetryAt = nil
	}
	if detail != "" {
		seq.Notes = appendNote(seq.Notes, now, "retry failed: "+detail)
	}
	if err := e.repo.Update(ctx, seq); err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "dunning retry failed",
		"sequence_id", seq.ID, "retry_count", seq.RetryCount, "next_retry_at", seq.NextRetryAt)
	e.notify(ctx, seq, EventRetryFailed)
	return nil
}

// Suspend pauses the member's access once the failure has aged past the
// suspension threshold without recovery.
func (e *Engine) Suspend(ctx context.Context, seq *types.DunningSequence) error {
	if seq.Status.Terminal() || seq.Suspended {
		return nil
	}
	now := e.nowFn().UTC()
	seq.Status = types.DunningSuspended
	seq.Suspended = true
	seq.SuspendedAt = &now
	seq.NextRetryAt = nil
	seq.ClaimedUntil = nil
	if err := e.repo.Update(ctx, seq); err != nil {
		return err
	}

	if e.access != nil {
		if err := e.access.SuspendAccess(ctx, seq.SubscriptionID); err != nil {
			e.logger.ErrorContext(ctx, "failed to suspend member access",
				"sequence_id", seq.ID, "subscription_id", seq.SubscriptionID, "error", err)
		}
	}
	e.logger.InfoContext(ctx, "dunning sequence suspended", "sequence_id", seq.ID)
	e.notify(ctx, seq, EventSuspended)
	return nil
}

// Deactivate closes a suspended sequence and cancels the subscription
// after the deactivation threshold. Terminal; only a new payment starts
// over. An active sequence must pass through suspension first.
func (e *Engine) Deactivate(ctx context.Context, seq *types.DunningSequence) error {
	if seq.Status != types.DunningSuspended {
		return nil
	}
	now := e.nowFn().UTC()
	seq.Status = types.DunningDeactivated
	seq.DeactivatedAt = &now
	seq.NextRetryAt = nil
	seq.ClaimedUntil = nil
	if err := e.repo.Update(ctx, seq); err != nil {
		return err
	}

	if e.access != nil {
		if err := e.access.DeactivateSubscription(ctx, seq.SubscriptionID); err != nil {
			e.logger.ErrorContext(ctx, "failed to deactivate subscription",
				"sequence_id", seq.ID, "subscription_id", seq.SubscriptionID, "error", err)
		}
	}
	e.logger.InfoContext(ctx, "dunning sequence deactivated", "sequence_id", seq.ID)
	e.notify(ctx, seq, EventDeactivated)
	return nil
}

// InvoiceRecovered closes the open sequence tracking an invoice after the
// invoice got paid through any channel. No-op when nothing is open.
func (e *Engine) InvoiceRecovered(ctx context.Context, invoiceID uuid.UUID, method string) error {
	seq, err := e.repo.FindOpenByInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}
	if seq == nil {
		return nil
	}
	return e.recover(ctx, seq, method)
}

// EscalateToCSM flags the sequence for a customer success follow-up. A
// sequence escalates at most once; repeat calls are no-ops.
func (e *Engine) EscalateToCSM(ctx context.Context, sequenceID, csmUserID uuid.UUID) (*types.DunningSequence, error) {
	seq, err := e.repo.FindByID(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	if seq.CSMEscalated {
		return seq, nil
	}
	if seq.Status.Terminal() {
		return nil, types.NewAppError(types.ErrCodeConflictSequenceClosed,
			"cannot escalate a closed dunning sequence", nil)
	}

	now := e.nowFn().UTC()
	seq.CSMEscalated = true
	seq.CSMEscalatedAt = &now
	seq.CSMUserID = &csmUserID
	if err := e.repo.Update(ctx, seq); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "dunning sequence escalated",
		"sequence_id", seq.ID, "csm_user_id", csmUserID)
	e.notify(ctx, seq, EventEscalated)
	return seq, nil
}

// ResolveManually closes the sequence on a staff member's say-so, e.g.
// after a cash payment at the front desk.
func (e *Engine) ResolveManually(ctx context.Context, sequenceID uuid.UUID, notes string) (*types.DunningSequence, error) {
	seq, err := e.repo.FindByID(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	if seq.Status.Terminal() {
		return nil, types.NewAppError(types.ErrCodeConflictSequenceClosed,
			"dunning sequence is already closed", nil)
	}
	if notes != "" {
		seq.Notes = appendNote(seq.Notes, e.nowFn().UTC(), notes)
	}
	if err := e.recover(ctx, seq, "manual"); err != nil {
		return nil, err
	}
	return seq, nil
}

// RecoveryRate returns the fraction of all sequences that ended recovered.
func (e *Engine) RecoveryRate(ctx context.Context) (rate float64, total int64, err error) {
	total, recovered, err := e.repo.Stats(ctx)
	if err != nil {
		return 0, 0, err
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(recovered) / float64(total), total, nil
}

// recover closes the sequence as recovered and reinstates access if it
// was suspended. Terminal sequences stay untouched.
func (e *Engine) recover(ctx context.Context, seq *types.DunningSequence, method string) error {
	if seq.Status.Terminal() {
		return nil
	}
	now := e.nowFn().UTC()
	wasSuspended := seq.Suspended

	seq.Status = types.DunningRecovered
	seq.RecoveredAt = &now
	seq.RecoveryMethod = method
	seq.NextRetryAt = nil
	seq.ClaimedUntil = nil
	if err := e.repo.Update(ctx, seq); err != nil {
		return err
	}

	if wasSuspended && e.access != nil {
		if err := e.access.ReinstateAccess(ctx, seq.SubscriptionID); err != nil {
			e.logger.ErrorContext(ctx, "failed to reinstate member access",
				"sequence_id", seq.ID, "subscription_id", seq.SubscriptionID, "error", err)
		}
	}
	e.logger.InfoContext(ctx, "dunning sequence recovered",
		"sequence_id", seq.ID, "method", method)
	e.notify(ctx, seq, EventRecovered)
	return nil
}

func (e *Engine) notify(ctx context.Context, seq *types.DunningSequence, event string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.DunningEvent(ctx, seq, event); err != nil {
		e.logger.WarnContext(ctx, "dunning notification failed",
			"sequence_id", seq.ID, "event", event, "error", err)
	}
}

func appendNote(existing string, at time.Time, note string) string {
	line := at.Format(time.RFC3339) + " " + note
	if existing == "" {
		return line
	}
	return existing + "\n" + line
}
