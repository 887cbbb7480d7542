// Package jobs runs the asynchronous side of settlement: scheduled
// dunning sweeps, post-settlement fanout and notification delivery, all on
// asynq over Redis.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"fitpay/internal/notify"
)

// Task type names. Queue-visible, so renaming one orphans in-flight tasks.
const (
	TypeDunningRetrySweep        = "dunning:retry_sweep"
	TypeDunningSuspensionSweep   = "dunning:suspension_sweep"
	TypeDunningDeactivationSweep = "dunning:deactivation_sweep"
	TypeInvoiceOverdueScan       = "invoice:overdue_scan"
	TypeWebhookEventPrune        = "webhook:event_prune"
	TypeInvoiceSettled           = "invoice:settled"
	TypeNotificationSend         = "notify:send"
)

// InvoiceSettledPayload fans out after a settlement commits.
type InvoiceSettledPayload struct {
	InvoiceID uuid.UUID `json:"invoice_id"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
}

// NotificationPayload wraps one message for queued delivery.
type NotificationPayload struct {
	Message notify.Message `json:"message"`
}

func NewInvoiceSettledTask(p InvoiceSettledPayload) (*asynq.Task, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshaling invoice settled payload: %w", err)
	}
	return asynq.NewTask(TypeInvoiceSettled, raw,
		asynq.MaxRetry(5), asynq.Timeout(time.Minute)), nil
}

func NewNotificationTask(msg notify.Message) (*asynq.Task, error) {
	raw, err := json.Marshal(NotificationPayload{Message: msg})
	if err != nil {
		return nil, fmt.Errorf("marshaling notification payload: %w", err)
	}
	return asynq.NewTask(TypeNotificationSend, raw,
		asynq.MaxRetry(3), asynq.Timeout(30*time.Second)), nil
}

func NewDunningRetrySweepTask() *asynq.Task {
	return asynq.NewTask(TypeDunningRetrySweep, nil, asynq.MaxRetry(0), asynq.Timeout(10*time.Minute))
}

func NewDunningSuspensionSweepTask() *asynq.Task {
	return asynq.NewTask(TypeDunningSuspensionSweep, nil, asynq.MaxRetry(0), asynq.Timeout(10*time.Minute))
}

func NewDunningDeactivationSweepTask() *asynq.Task {
	return asynq.NewTask(TypeDunningDeactivationSweep, nil, asynq.MaxRetry(0), asynq.Timeout(10*time.Minute))
}

func NewInvoiceOverdueScanTask() *asynq.Task {
	return asynq.NewTask(TypeInvoiceOverdueScan, nil, asynq.MaxRetry(0), asynq.Timeout(5*time.Minute))
}

func NewWebhookEventPruneTask() *asynq.Task {
	return asynq.NewTask(TypeWebhookEventPrune, nil, asynq.MaxRetry(0), asynq.Timeout(5*time.Minute))
}
