package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"fitpay/internal/notify"
	"fitpay/internal/types"
)

// Enqueuer pushes tasks onto the queue. It backs the settlement
// coordinator's side effects and the dunning engine's notifier, keeping
// slow or flaky deliveries out of the request path.
type Enqueuer struct {
	client *asynq.Client
	logger *slog.Logger
}

func NewEnqueuer(client *asynq.Client, logger *slog.Logger) *Enqueuer {
	return &Enqueuer{client: client, logger: logger}
}

// InvoiceSettled queues the post-settlement fanout.
func (e *Enqueuer) InvoiceSettled(ctx context.Context, invoiceID uuid.UUID, amount int64, currency string) error {
	task, err := NewInvoiceSettledTask(InvoiceSettledPayload{
		InvoiceID: invoiceID, Amount: amount, Currency: currency,
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalQueue, "building invoice settled task", err)
	}
	if _, err := e.client.EnqueueContext(ctx, task); err != nil {
		return types.NewAppError(types.ErrCodeInternalQueue, "enqueueing invoice settled task", err)
	}
	return nil
}

// DunningEvent queues the member notification for a sequence transition.
func (e *Enqueuer) DunningEvent(ctx context.Context, seq *types.DunningSequence, event string) error {
	msg, ok := dunningMessage(seq, event)
	if !ok {
		return nil
	}
	task, err := NewNotificationTask(msg)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalQueue, "building notification task", err)
	}
	if _, err := e.client.EnqueueContext(ctx, task); err != nil {
		return types.NewAppError(types.ErrCodeInternalQueue, "enqueueing notification task", err)
	}
	return nil
}

func dunningMessage(seq *types.DunningSequence, event string) (notify.Message, bool) {
	amount := types.FormatAmount(seq.Amount) + " " + seq.Currency
	msg := notify.Message{
		MemberID:      seq.MemberID,
		Kind:          "dunning_" + event,
		ReferenceID:   seq.ID,
		ReferenceType: "dunning_sequence",
	}
	switch event {
	case "payment_failed":
		msg.Subject = "Payment failed"
		msg.Body = fmt.Sprintf("Your payment of %s could not be processed. We will retry automatically.", amount)
	case "retry_failed":
		msg.Subject = "Payment retry failed"
		msg.Body = fmt.Sprintf("We tried to collect %s again without success. Please update your payment method.", amount)
	case "suspended":
		msg.Subject = "Membership access suspended"
		msg.Body = fmt.Sprintf("Your access is suspended until the outstanding payment of %s is settled.", amount)
	case "deactivated":
		msg.Subject = "Membership deactivated"
		msg.Body = fmt.Sprintf("Your membership was deactivated after the payment of %s remained outstanding.", amount)
	case "recovered":
		msg.Subject = "Payment received"
		msg.Body = fmt.Sprintf("Your payment of %s was received. Welcome back!", amount)
	case "escalated":
		// Staff-facing, routed through the CSM channel rather than the
		// member.
		if seq.CSMUserID == nil {
			return notify.Message{}, false
		}
		msg.MemberID = *seq.CSMUserID
		msg.Kind = "dunning_escalated"
		msg.Subject = "Dunning escalation assigned"
		msg.Body = fmt.Sprintf("A dunning sequence over %s needs a personal follow-up.", amount)
	default:
		return notify.Message{}, false
	}
	return msg, true
}
