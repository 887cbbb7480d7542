package jobs

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"fitpay/internal/db"
	"fitpay/internal/gateway"
	"fitpay/internal/settlement"
	"fitpay/internal/types"
)

// CardCharger collects dunning retries through token-based card charges
// against the invoice's original PayTabs transaction. Approved charges are
// settled before the disposition is reported, so the dunning engine only
// ever sees invoices whose money has actually moved.
type CardCharger struct {
	cards       *gateway.PayTabsAdapter
	invoices    *db.InvoiceRepo
	coordinator *settlement.Coordinator
	logger      *slog.Logger
}

func NewCardCharger(cards *gateway.PayTabsAdapter, invoices *db.InvoiceRepo, coordinator *settlement.Coordinator, logger *slog.Logger) *CardCharger {
	return &CardCharger{
		cards:       cards,
		invoices:    invoices,
		coordinator: coordinator,
		logger:      logger,
	}
}

// ChargeInvoice attempts a charge and reports (approved, detail). A
// transport or provider outage comes back as err so the sweep releases
// the claim instead of burning a retry.
func (c *CardCharger) ChargeInvoice(ctx context.Context, invoiceID uuid.UUID) (bool, string, error) {
	inv, err := c.invoices.FindByID(ctx, invoiceID)
	if err != nil {
		return false, "", err
	}
	if inv.Status == types.InvoicePaid {
		// Paid through another channel since the sequence opened.
		return true, "invoice already paid", nil
	}
	if !inv.Status.Payable() {
		return false, "invoice no longer accepts payments", nil
	}
	if inv.Card.TranRef == "" {
		return false, "no stored card transaction to charge", nil
	}

	v, err := c.cards.ChargeRecurring(ctx, inv)
	if err != nil {
		return false, "", err
	}
	if !v.Status.Settles() {
		return false, v.Message, nil
	}

	outcome, err := c.coordinator.RecordSettlement(ctx, settlement.Input{
		Provider:      types.MethodCard,
		ProviderTxRef: v.ProviderTxRef,
		InvoiceID:     inv.ID,
		Amount:        v.Amount,
		Currency:      v.Currency,
	})
	if err != nil {
		// The provider approved but we could not record it. Surface as
		// an error so the claim is released and the replay path settles
		// it idempotently on the next sweep.
		return false, "", err
	}

	c.logger.InfoContext(ctx, "dunning retry charge settled",
		"invoice_id", inv.ID, "provider_tx_ref", v.ProviderTxRef, "duplicate", outcome.Duplicate)
	return true, "charged " + types.FormatAmount(v.Amount), nil
}
