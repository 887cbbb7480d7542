package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"fitpay/internal/db"
	"fitpay/internal/dunning"
	"fitpay/internal/notify"
	"fitpay/internal/types"
)

// Raw callback payloads are kept for reconciliation, then pruned.
const webhookEventRetention = 90 * 24 * time.Hour

// Handlers holds the task handler dependencies for the worker process.
type Handlers struct {
	sweeper  *dunning.Sweeper
	invoices *db.InvoiceRepo
	events   *db.EventRepo
	gate     *notify.DedupGate
	sender   notify.Sender
	logger   *slog.Logger
}

func NewHandlers(
	sweeper *dunning.Sweeper,
	invoices *db.InvoiceRepo,
	events *db.EventRepo,
	gate *notify.DedupGate,
	sender notify.Sender,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		sweeper:  sweeper,
		invoices: invoices,
		events:   events,
		gate:     gate,
		sender:   sender,
		logger:   logger,
	}
}

// Register binds every handler to its task type on the worker.
func (h *Handlers) Register(w *Worker) {
	w.Handle(TypeDunningRetrySweep, h.HandleRetrySweep)
	w.Handle(TypeDunningSuspensionSweep, h.HandleSuspensionSweep)
	w.Handle(TypeDunningDeactivationSweep, h.HandleDeactivationSweep)
	w.Handle(TypeInvoiceOverdueScan, h.HandleOverdueScan)
	w.Handle(TypeWebhookEventPrune, h.HandleEventPrune)
	w.Handle(TypeInvoiceSettled, h.HandleInvoiceSettled)
	w.Handle(TypeNotificationSend, h.HandleNotification)
}

// CronSchedule is the recurring schedule for the worker. Sweeps run on
// the dedicated queue so a burst of notifications cannot delay them.
func CronSchedule() []CronRegistration {
	sweepOpts := []asynq.Option{asynq.Queue("sweeps"), asynq.MaxRetry(0)}
	return []CronRegistration{
		{Spec: "@every 15m", Task: NewDunningRetrySweepTask(), Opts: sweepOpts},
		{Spec: "30 1 * * *", Task: NewDunningSuspensionSweepTask(), Opts: sweepOpts},
		{Spec: "45 1 * * *", Task: NewDunningDeactivationSweepTask(), Opts: sweepOpts},
		{Spec: "0 1 * * *", Task: NewInvoiceOverdueScanTask(), Opts: sweepOpts},
		{Spec: "0 4 * * 0", Task: NewWebhookEventPruneTask(), Opts: sweepOpts},
	}
}

func (h *Handlers) HandleRetrySweep(ctx context.Context, _ *asynq.Task) error {
	_, err := h.sweeper.RunRetrySweep(ctx)
	return err
}

func (h *Handlers) HandleSuspensionSweep(ctx context.Context, _ *asynq.Task) error {
	_, err := h.sweeper.RunSuspensionSweep(ctx)
	return err
}

func (h *Handlers) HandleDeactivationSweep(ctx context.Context, _ *asynq.Task) error {
	_, err := h.sweeper.RunDeactivationSweep(ctx)
	return err
}

func (h *Handlers) HandleOverdueScan(ctx context.Context, _ *asynq.Task) error {
	n, err := h.invoices.MarkOverdue(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if n > 0 {
		h.logger.InfoContext(ctx, "invoices marked overdue", "count", n)
	}
	return nil
}

func (h *Handlers) HandleEventPrune(ctx context.Context, _ *asynq.Task) error {
	n, err := h.events.PruneBefore(ctx, time.Now().UTC().Add(-webhookEventRetention))
	if err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "webhook events pruned", "count", n)
	return nil
}

// HandleInvoiceSettled sends the payment confirmation to the member.
func (h *Handlers) HandleInvoiceSettled(ctx context.Context, t *asynq.Task) error {
	var p InvoiceSettledPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshaling invoice settled payload: %v: %w", err, asynq.SkipRetry)
	}
	inv, err := h.invoices.FindByID(ctx, p.InvoiceID)
	if err != nil {
		return err
	}

	msg := notify.Message{
		MemberID:      inv.MemberID,
		Kind:          "payment_confirmation",
		Subject:       "Payment received",
		Body:          fmt.Sprintf("We received your payment of %s %s for invoice %s.", types.FormatAmount(p.Amount), p.Currency, inv.InvoiceNumber),
		ReferenceID:   inv.ID,
		ReferenceType: "invoice",
	}
	return h.deliver(ctx, msg)
}

func (h *Handlers) HandleNotification(ctx context.Context, t *asynq.Task) error {
	var p NotificationPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshaling notification payload: %v: %w", err, asynq.SkipRetry)
	}
	return h.deliver(ctx, p.Message)
}

func (h *Handlers) deliver(ctx context.Context, msg notify.Message) error {
	if h.gate != nil && !h.gate.ShouldSend(ctx, msg) {
		h.logger.DebugContext(ctx, "notification suppressed by dedup gate",
			"kind", msg.Kind, "member_id", msg.MemberID)
		return nil
	}
	return h.sender.Send(ctx, msg)
}
