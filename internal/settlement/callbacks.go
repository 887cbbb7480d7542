package settlement

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"fitpay/internal/dunning"
	"fitpay/internal/gateway"
	"fitpay/internal/types"
)

// InvoiceFinder resolves invoices from the correlation references carried
// by provider callbacks.
type InvoiceFinder interface {
	FindByID(ctx context.Context, id uuid.UUID) (*types.Invoice, error)
	FindByWalletTransactionID(ctx context.Context, transactionID string) (*types.Invoice, error)
	FindByBillNumber(ctx context.Context, billNumber string) (*types.Invoice, error)
	FindByBNPLOrderID(ctx context.Context, orderID string) (*types.Invoice, error)
	UpdateProviderRefs(ctx context.Context, inv *types.Invoice) error
}

// BNPLCapturer drives the authorize-then-capture sequence an approved BNPL
// order requires before any money moves.
type BNPLCapturer interface {
	AuthorizeOrder(ctx context.Context, orderID string) error
	CaptureOrder(ctx context.Context, orderID string, amount int64, currency string) (string, error)
}

// FailureRecorder opens or advances a dunning sequence for a failed
// recurring payment.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, in dunning.FailureInput) (*types.DunningSequence, error)
}

// Result is what callback processing hands back to the HTTP layer.
type Result struct {
	Disposition string                   `json:"disposition"`
	Outcome     *types.SettlementOutcome `json:"outcome,omitempty"`
}

const (
	DispositionSettled   = "settled"
	DispositionDuplicate = "duplicate"
	DispositionRecorded  = "recorded"
	DispositionIgnored   = "ignored"
)

// Processor turns verified callback events into settlements or dunning
// activity.
type Processor struct {
	invoices    InvoiceFinder
	coordinator *Coordinator
	capturer    BNPLCapturer
	dunning     FailureRecorder
	logger      *slog.Logger
}

func NewProcessor(invoices InvoiceFinder, coordinator *Coordinator, capturer BNPLCapturer, failures FailureRecorder, logger *slog.Logger) *Processor {
	return &Processor{
		invoices:    invoices,
		coordinator: coordinator,
		capturer:    capturer,
		dunning:     failures,
		logger:      logger,
	}
}

// Process applies one verified callback event. Events for unknown
// transactions fail with not_found; terminal non-payment events are
// recorded against the invoice without touching its balance.
func (p *Processor) Process(ctx context.Context, ev *gateway.CallbackEvent) (*Result, error) {
	inv, err := p.resolveInvoice(ctx, ev)
	if err != nil {
		return nil, err
	}

	switch {
	case ev.Status.Settles():
		return p.settle(ctx, inv, ev)
	case ev.Status == gateway.StatusPending:
		return p.recordProgress(ctx, inv, ev)
	default:
		return p.recordFailure(ctx, inv, ev)
	}
}

func (p *Processor) resolveInvoice(ctx context.Context, ev *gateway.CallbackEvent) (*types.Invoice, error) {
	if ev.InvoiceID != uuid.Nil {
		return p.invoices.FindByID(ctx, ev.InvoiceID)
	}
	switch ev.Provider {
	case types.MethodWallet:
		return p.invoices.FindByWalletTransactionID(ctx, ev.CorrelationRef)
	case types.MethodBillPay:
		return p.invoices.FindByBillNumber(ctx, ev.CorrelationRef)
	case types.MethodBNPL:
		// BNPL checkouts carry our invoice ID as the order reference;
		// fall back to the order ID for events after the first.
		if id, err := uuid.Parse(ev.CorrelationRef); err == nil {
			return p.invoices.FindByID(ctx, id)
		}
		return p.invoices.FindByBNPLOrderID(ctx, ev.ProviderTxRef)
	default:
		return nil, types.NewAppError(types.ErrCodeNotFoundInvoice,
			"callback carries no invoice correlation", nil)
	}
}

func (p *Processor) settle(ctx context.Context, inv *types.Invoice, ev *gateway.CallbackEvent) (*Result, error) {
	amount := ev.Amount
	if amount == 0 {
		amount = inv.RemainingBalance()
	}
	ref := ev.ProviderTxRef

	// An approved BNPL order has not moved money yet. Authorize and
	// capture first; the capture reference becomes the settlement key so
	// webhook redeliveries deduplicate against the same capture.
	if ev.Provider == types.MethodBNPL {
		captureRef, err := p.captureBNPL(ctx, inv, ev, amount)
		if err != nil {
			return nil, err
		}
		ref = captureRef
	}

	outcome, err := p.coordinator.RecordSettlement(ctx, Input{
		Provider:      ev.Provider,
		ProviderTxRef: ref,
		InvoiceID:     inv.ID,
		Amount:        amount,
		Currency:      ev.Currency,
	})
	if err != nil {
		return nil, err
	}
	disposition := DispositionSettled
	if outcome.Duplicate {
		disposition = DispositionDuplicate
	}
	return &Result{Disposition: disposition, Outcome: outcome}, nil
}

func (p *Processor) captureBNPL(ctx context.Context, inv *types.Invoice, ev *gateway.CallbackEvent, amount int64) (string, error) {
	if p.capturer == nil {
		return "", types.NewAppError(types.ErrCodeGatewayNotConfigured, "bnpl capture is not configured", nil)
	}
	orderID := ev.ProviderTxRef

	if inv.BNPL.OrderID != orderID {
		inv.BNPL.OrderID = orderID
		inv.BNPL.Status = ev.RawEventType
		if err := p.invoices.UpdateProviderRefs(ctx, inv); err != nil {
			return "", err
		}
	}

	if err := p.capturer.AuthorizeOrder(ctx, orderID); err != nil {
		return "", err
	}
	captureRef, err := p.capturer.CaptureOrder(ctx, orderID, amount, inv.Currency)
	if err != nil {
		return "", err
	}
	p.logger.InfoContext(ctx, "bnpl order captured",
		"invoice_id", inv.ID, "order_id", orderID, "capture_ref", captureRef)
	return captureRef, nil
}

// recordProgress stores a non-terminal status change (e.g. a BNPL order
// confirmation) on the invoice correlation block.
func (p *Processor) recordProgress(ctx context.Context, inv *types.Invoice, ev *gateway.CallbackEvent) (*Result, error) {
	changed := false
	switch ev.Provider {
	case types.MethodBNPL:
		if inv.BNPL.Status != ev.RawEventType {
			inv.BNPL.Status = ev.RawEventType
			changed = true
		}
		if ev.ProviderTxRef != "" && inv.BNPL.OrderID == "" {
			inv.BNPL.OrderID = ev.ProviderTxRef
			changed = true
		}
	case types.MethodBillPay:
		if inv.BillPay.Status != ev.RawEventType {
			inv.BillPay.Status = ev.RawEventType
			changed = true
		}
	}
	if changed {
		if err := p.invoices.UpdateProviderRefs(ctx, inv); err != nil {
			return nil, err
		}
	}
	return &Result{Disposition: DispositionRecorded}, nil
}

// recordFailure notes a terminal non-payment outcome and, for recurring
// invoices, opens a dunning sequence.
func (p *Processor) recordFailure(ctx context.Context, inv *types.Invoice, ev *gateway.CallbackEvent) (*Result, error) {
	p.logger.InfoContext(ctx, "payment not completed",
		"invoice_id", inv.ID,
		"provider", ev.Provider,
		"status", ev.Status,
		"message", ev.Message,
	)

	switch ev.Provider {
	case types.MethodBNPL:
		inv.BNPL.Status = ev.RawEventType
	case types.MethodBillPay:
		inv.BillPay.Status = ev.RawEventType
	}
	if err := p.invoices.UpdateProviderRefs(ctx, inv); err != nil {
		p.logger.WarnContext(ctx, "failed to record provider status", "invoice_id", inv.ID, "error", err)
	}

	if p.dunning != nil && inv.SubscriptionID != nil {
		_, err := p.dunning.RecordFailure(ctx, dunning.FailureInput{
			OrganizationID: inv.OrganizationID,
			SubscriptionID: *inv.SubscriptionID,
			InvoiceID:      inv.ID,
			MemberID:       inv.MemberID,
			Amount:         inv.RemainingBalance(),
			Currency:       inv.Currency,
			Reason:         string(ev.Status) + ": " + ev.Message,
		})
		if err != nil {
			p.logger.ErrorContext(ctx, "failed to record dunning failure",
				"invoice_id", inv.ID, "error", err)
		}
	}
	return &Result{Disposition: DispositionRecorded}, nil
}
