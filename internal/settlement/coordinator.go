// Package settlement applies verified payment outcomes to invoices. All
// four gateways converge here: one transaction per settlement, one ledger
// row per provider transaction reference, replays answered with the
// original outcome.
package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fitpay/internal/types"
)

// ErrDuplicateRef signals that a settlement row already exists for the
// provider reference. The ledger implementation translates its unique
// constraint violation into this sentinel.
var ErrDuplicateRef = errors.New("provider reference already settled")

// Tx is the per-transaction view of the ledger the coordinator needs.
type Tx interface {
	FindSettlementByRef(ctx context.Context, provider types.PaymentMethod, ref string) (*types.SettlementRecord, error)
	InvoiceForUpdate(ctx context.Context, id uuid.UUID) (*types.Invoice, error)
	ApplySettlement(ctx context.Context, inv *types.Invoice) error
	InsertSettlement(ctx context.Context, rec *types.SettlementRecord) error
}

// Ledger runs a function inside one database transaction.
type Ledger interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// SideEffects receives post-commit notifications. Failures here are
// logged, never propagated; the settlement is already durable.
type SideEffects interface {
	InvoiceSettled(ctx context.Context, invoiceID uuid.UUID, amount int64, currency string) error
}

// RecoveryHook lets the dunning engine close an open sequence when its
// invoice gets paid through any channel.
type RecoveryHook interface {
	InvoiceRecovered(ctx context.Context, invoiceID uuid.UUID, method string) error
}

// Input is one settlement attempt against an invoice.
type Input struct {
	Provider      types.PaymentMethod
	ProviderTxRef string
	InvoiceID     uuid.UUID
	Amount        int64
	Currency      string
}

type Coordinator struct {
	ledger   Ledger
	effects  SideEffects
	recovery RecoveryHook
	logger   *slog.Logger
	nowFn    func() time.Time
}

func NewCoordinator(ledger Ledger, effects SideEffects, recovery RecoveryHook, logger *slog.Logger) *Coordinator {
	if ledger == nil {
		panic("settlement: nil ledger")
	}
	return &Coordinator{
		ledger:   ledger,
		effects:  effects,
		recovery: recovery,
		logger:   logger,
		nowFn:    time.Now,
	}
}

// RecordSettlement credits a verified payment to its invoice. The whole
// check-and-apply runs in one transaction holding the invoice row lock:
//
//   - a reference already settled returns the prior outcome unchanged
//   - a PAID invoice never takes another credit
//   - the amount must match the remaining balance within one minor unit
//
// Replays are therefore safe at any point: before the insert they see the
// row lock, after it they see the ledger row.
func (c *Coordinator) RecordSettlement(ctx context.Context, in Input) (*types.SettlementOutcome, error) {
	if in.ProviderTxRef == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "settlement requires a provider reference", nil)
	}
	if in.Amount <= 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidAmount, "settlement amount must be positive", nil)
	}

	var outcome *types.SettlementOutcome
	var settledInvoice *types.Invoice

	err := c.ledger.InTx(ctx, func(tx Tx) error {
		prior, err := tx.FindSettlementByRef(ctx, in.Provider, in.ProviderTxRef)
		if err != nil {
			return err
		}
		if prior != nil {
			inv, err := tx.InvoiceForUpdate(ctx, prior.InvoiceID)
			if err != nil {
				return err
			}
			outcome = duplicateOutcome(prior, inv)
			return nil
		}

		inv, err := tx.InvoiceForUpdate(ctx, in.InvoiceID)
		if err != nil {
			return err
		}
		if inv.Status == types.InvoicePaid {
			return types.NewAppError(types.ErrCodeConflictInvoicePaid,
				"invoice is already fully paid", nil).
				WithDetails("invoice_id", inv.ID.String())
		}
		if !inv.Status.Payable() {
			return types.NewAppError(types.ErrCodeConflictInvoiceState,
				"invoice status "+string(inv.Status)+" does not accept payments", nil)
		}
		if in.Currency != "" && in.Currency != inv.Currency {
			return types.NewAppError(types.ErrCodeConflictAmountMismatch,
				"settlement currency does not match invoice", nil).
				WithDetails("invoice_currency", inv.Currency).
				WithDetails("settlement_currency", in.Currency)
		}

		remaining := inv.RemainingBalance()
		if !types.AmountWithinTolerance(in.Amount, remaining) {
			c.logger.WarnContext(ctx, "settlement amount mismatch, flagged for reconciliation",
				"invoice_id", inv.ID,
				"provider", in.Provider,
				"provider_tx_ref", in.ProviderTxRef,
				"expected", types.FormatAmount(remaining),
				"received", types.FormatAmount(in.Amount),
			)
			return types.NewAppError(types.ErrCodeConflictAmountMismatch,
				"settlement amount does not match invoice balance", nil).
				WithDetails("expected", types.FormatAmount(remaining)).
				WithDetails("received", types.FormatAmount(in.Amount))
		}

		now := c.nowFn().UTC()
		inv.PaidAmount += in.Amount
		if inv.PaidAmount+types.AmountTolerance >= inv.TotalAmount {
			inv.Status = types.InvoicePaid
			inv.PaidDate = &now
		} else {
			inv.Status = types.InvoicePartiallyPaid
		}
		if err := tx.ApplySettlement(ctx, inv); err != nil {
			return err
		}

		rec := &types.SettlementRecord{
			ID:            uuid.New(),
			Provider:      in.Provider,
			ProviderTxRef: in.ProviderTxRef,
			InvoiceID:     inv.ID,
			Amount:        in.Amount,
			Currency:      inv.Currency,
			InvoiceStatus: inv.Status,
			AppliedAt:     now,
		}
		if err := tx.InsertSettlement(ctx, rec); err != nil {
			// ErrDuplicateRef here means a concurrent delivery of the
			// same reference won the race; the transaction aborts and
			// the winner's outcome is replayed below.
			return err
		}

		settledInvoice = inv
		outcome = &types.SettlementOutcome{
			InvoiceID:     inv.ID,
			InvoiceStatus: inv.Status,
			PaidAmount:    inv.PaidAmount,
			ProviderTxRef: in.ProviderTxRef,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateRef) {
			return c.replayOutcome(ctx, in)
		}
		return nil, err
	}

	if settledInvoice != nil {
		c.afterSettle(ctx, settledInvoice, in)
	}
	return outcome, nil
}

// replayOutcome re-reads the ledger after a duplicate-insert race and
// returns the winning transaction's outcome.
func (c *Coordinator) replayOutcome(ctx context.Context, in Input) (*types.SettlementOutcome, error) {
	var outcome *types.SettlementOutcome
	err := c.ledger.InTx(ctx, func(tx Tx) error {
		prior, err := tx.FindSettlementByRef(ctx, in.Provider, in.ProviderTxRef)
		if err != nil {
			return err
		}
		if prior == nil {
			return types.NewAppError(types.ErrCodeInternalDatabase,
				"settlement vanished after duplicate insert", nil)
		}
		inv, err := tx.InvoiceForUpdate(ctx, prior.InvoiceID)
		if err != nil {
			return err
		}
		outcome = duplicateOutcome(prior, inv)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (c *Coordinator) afterSettle(ctx context.Context, inv *types.Invoice, in Input) {
	c.logger.InfoContext(ctx, "settlement applied",
		"invoice_id", inv.ID,
		"provider", in.Provider,
		"provider_tx_ref", in.ProviderTxRef,
		"amount", types.FormatAmount(in.Amount),
		"status", inv.Status,
	)
	if c.effects != nil {
		if err := c.effects.InvoiceSettled(ctx, inv.ID, in.Amount, inv.Currency); err != nil {
			c.logger.ErrorContext(ctx, "settlement side effects failed",
				"invoice_id", inv.ID, "error", err)
		}
	}
	if c.recovery != nil && inv.SubscriptionID != nil && inv.Status == types.InvoicePaid {
		if err := c.recovery.InvoiceRecovered(ctx, inv.ID, "payment_callback"); err != nil {
			c.logger.ErrorContext(ctx, "dunning recovery hook failed",
				"invoice_id", inv.ID, "error", err)
		}
	}
}

// duplicateOutcome reports a replayed reference. The invoice is re-read
// so PaidAmount and InvoiceStatus reflect the invoice, not the single
// settlement that the reference originally credited.
func duplicateOutcome(rec *types.SettlementRecord, inv *types.Invoice) *types.SettlementOutcome {
	return &types.SettlementOutcome{
		Duplicate:     true,
		InvoiceID:     inv.ID,
		InvoiceStatus: inv.Status,
		PaidAmount:    inv.PaidAmount,
		ProviderTxRef: rec.ProviderTxRef,
	}
}
