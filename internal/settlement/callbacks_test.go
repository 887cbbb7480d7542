package settlement

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fitpay/internal/dunning"
	"fitpay/internal/gateway"
	"fitpay/internal/types"
)

type fakeInvoices struct {
	byID      map[uuid.UUID]*types.Invoice
	byWalletT map[string]*types.Invoice
	byBill    map[string]*types.Invoice
	byOrder   map[string]*types.Invoice
	updates   int
}

func newFakeInvoices(invs ...*types.Invoice) *fakeInvoices {
	f := &fakeInvoices{
		byID:      make(map[uuid.UUID]*types.Invoice),
		byWalletT: make(map[string]*types.Invoice),
		byBill:    make(map[string]*types.Invoice),
		byOrder:   make(map[string]*types.Invoice),
	}
	for _, inv := range invs {
		f.byID[inv.ID] = inv
		if inv.Wallet.TransactionID != "" {
			f.byWalletT[inv.Wallet.TransactionID] = inv
		}
		if inv.BillPay.BillNumber != "" {
			f.byBill[inv.BillPay.BillNumber] = inv
		}
		if inv.BNPL.OrderID != "" {
			f.byOrder[inv.BNPL.OrderID] = inv
		}
	}
	return f
}

func (f *fakeInvoices) FindByID(_ context.Context, id uuid.UUID) (*types.Invoice, error) {
	if inv, ok := f.byID[id]; ok {
		return inv, nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundInvoice, "invoice not found", nil)
}

func (f *fakeInvoices) FindByWalletTransactionID(_ context.Context, txID string) (*types.Invoice, error) {
	if inv, ok := f.byWalletT[txID]; ok {
		return inv, nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundInvoice, "invoice not found", nil)
}

func (f *fakeInvoices) FindByBillNumber(_ context.Context, billNumber string) (*types.Invoice, error) {
	if inv, ok := f.byBill[billNumber]; ok {
		return inv, nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundInvoice, "invoice not found", nil)
}

func (f *fakeInvoices) FindByBNPLOrderID(_ context.Context, orderID string) (*types.Invoice, error) {
	if inv, ok := f.byOrder[orderID]; ok {
		return inv, nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundInvoice, "invoice not found", nil)
}

func (f *fakeInvoices) UpdateProviderRefs(_ context.Context, inv *types.Invoice) error {
	f.updates++
	if inv.BNPL.OrderID != "" {
		f.byOrder[inv.BNPL.OrderID] = inv
	}
	return nil
}

type fakeCapturer struct {
	authorized []string
	captured   []string
	captureID  string
}

func (f *fakeCapturer) AuthorizeOrder(_ context.Context, orderID string) error {
	f.authorized = append(f.authorized, orderID)
	return nil
}

func (f *fakeCapturer) CaptureOrder(_ context.Context, orderID string, _ int64, _ string) (string, error) {
	f.captured = append(f.captured, orderID)
	return f.captureID, nil
}

type fakeFailures struct {
	recorded []dunning.FailureInput
}

func (f *fakeFailures) RecordFailure(_ context.Context, in dunning.FailureInput) (*types.DunningSequence, error) {
	f.recorded = append(f.recorded, in)
	return &types.DunningSequence{ID: uuid.New(), Status: types.DunningActive}, nil
}

func newProcessorForTest(invoices *fakeInvoices, ledger *fakeLedger, capturer *fakeCapturer, failures *fakeFailures) *Processor {
	coordinator := newCoordinatorForTest(ledger, nil, nil)
	return NewProcessor(invoices, coordinator, capturer, failures, testLogger())
}

func TestProcessWalletApprovedSettles(t *testing.T) {
	inv := issuedInvoice(50000, 0)
	inv.Wallet.TransactionID = "stc-tx-1"
	invoices := newFakeInvoices(inv)
	ledger := newFakeLedger(inv)
	p := newProcessorForTest(invoices, ledger, nil, nil)

	res, err := p.Process(context.Background(), &gateway.CallbackEvent{
		Provider:       types.MethodWallet,
		Status:         gateway.StatusApproved,
		ProviderTxRef:  "stc-pay-9",
		CorrelationRef: "stc-tx-1",
		Amount:         50000,
		Currency:       "SAR",
	})
	require.NoError(t, err)
	assert.Equal(t, DispositionSettled, res.Disposition)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, types.InvoicePaid, res.Outcome.InvoiceStatus)
	assert.Equal(t, types.InvoicePaid, ledger.invoices[inv.ID].Status)
}

func TestProcessZeroAmountUsesRemainingBalance(t *testing.T) {
	inv := issuedInvoice(50000, 20000)
	inv.BillPay.BillNumber = "90100000042"
	invoices := newFakeInvoices(inv)
	ledger := newFakeLedger(inv)
	p := newProcessorForTest(invoices, ledger, nil, nil)

	res, err := p.Process(context.Background(), &gateway.CallbackEvent{
		Provider:       types.MethodBillPay,
		Status:         gateway.StatusApproved,
		ProviderTxRef:  "BANK-1",
		CorrelationRef: "90100000042",
	})
	require.NoError(t, err)
	assert.Equal(t, DispositionSettled, res.Disposition)
	assert.Equal(t, int64(50000), res.Outcome.PaidAmount)
}

func TestProcessBNPLApprovedAuthorizesAndCaptures(t *testing.T) {
	inv := issuedInvoice(50000, 0)
	invoices := newFakeInvoices(inv)
	ledger := newFakeLedger(inv)
	capturer := &fakeCapturer{captureID: "cap-1"}
	p := newProcessorForTest(invoices, ledger, capturer, nil)

	res, err := p.Process(context.Background(), &gateway.CallbackEvent{
		Provider:       types.MethodBNPL,
		Status:         gateway.StatusApproved,
		ProviderTxRef:  "ord-1",
		CorrelationRef: inv.ID.String(),
		Amount:         50000,
		Currency:       "SAR",
		RawEventType:   "order_approved",
	})
	require.NoError(t, err)
	assert.Equal(t, DispositionSettled, res.Disposition)

	assert.Equal(t, []string{"ord-1"}, capturer.authorized)
	assert.Equal(t, []string{"ord-1"}, capturer.captured)
	assert.Equal(t, "ord-1", inv.BNPL.OrderID, "order id is persisted before capture")

	_, ok := ledger.settlements[refKey(types.MethodBNPL, "cap-1")]
	assert.True(t, ok, "the capture reference is the settlement key")
}

func TestProcessBNPLRedeliveryIsDuplicate(t *testing.T) {
	inv := issuedInvoice(50000, 0)
	invoices := newFakeInvoices(inv)
	ledger := newFakeLedger(inv)
	capturer := &fakeCapturer{captureID: "cap-1"}
	p := newProcessorForTest(invoices, ledger, capturer, nil)

	ev := &gateway.CallbackEvent{
		Provider:       types.MethodBNPL,
		Status:         gateway.StatusApproved,
		ProviderTxRef:  "ord-1",
		CorrelationRef: inv.ID.String(),
		Amount:         50000,
		RawEventType:   "order_approved",
	}
	first, err := p.Process(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, DispositionSettled, first.Disposition)

	// Redelivery resolves via the stored order id; the capture yields the
	// same reference and dedupes in the ledger.
	redelivery := &gateway.CallbackEvent{
		Provider:      types.MethodBNPL,
		Status:        gateway.StatusApproved,
		ProviderTxRef: "ord-1",
		Amount:        50000,
		RawEventType:  "order_approved",
	}
	second, err := p.Process(context.Background(), redelivery)
	require.NoError(t, err)
	assert.Equal(t, DispositionDuplicate, second.Disposition)
	assert.Len(t, ledger.settlements, 1)
}

func TestProcessDeclinedOpensDunning(t *testing.T) {
	inv := issuedInvoice(50000, 0)
	inv.Wallet.TransactionID = "stc-tx-1"
	invoices := newFakeInvoices(inv)
	failures := &fakeFailures{}
	p := newProcessorForTest(invoices, newFakeLedger(inv), nil, failures)

	res, err := p.Process(context.Background(), &gateway.CallbackEvent{
		Provider:       types.MethodWallet,
		Status:         gateway.StatusDeclined,
		CorrelationRef: "stc-tx-1",
		Message:        "insufficient funds",
	})
	require.NoError(t, err)
	assert.Equal(t, DispositionRecorded, res.Disposition)

	require.Len(t, failures.recorded, 1)
	rec := failures.recorded[0]
	assert.Equal(t, *inv.SubscriptionID, rec.SubscriptionID)
	assert.Equal(t, inv.ID, rec.InvoiceID)
	assert.Equal(t, int64(50000), rec.Amount)
	assert.Contains(t, rec.Reason, "insufficient funds")
}

func TestProcessDeclinedWithoutSubscriptionSkipsDunning(t *testing.T) {
	inv := issuedInvoice(50000, 0)
	inv.SubscriptionID = nil
	invoices := newFakeInvoices(inv)
	failures := &fakeFailures{}
	p := newProcessorForTest(invoices, newFakeLedger(inv), nil, failures)

	res, err := p.Process(context.Background(), &gateway.CallbackEvent{
		Provider:  types.MethodCard,
		Status:    gateway.StatusDeclined,
		InvoiceID: inv.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, DispositionRecorded, res.Disposition)
	assert.Empty(t, failures.recorded, "one-off invoices never enter dunning")
}

func TestProcessPendingRecordsProgress(t *testing.T) {
	inv := issuedInvoice(50000, 0)
	inv.BNPL.OrderID = "ord-1"
	invoices := newFakeInvoices(inv)
	p := newProcessorForTest(invoices, newFakeLedger(inv), nil, nil)

	res, err := p.Process(context.Background(), &gateway.CallbackEvent{
		Provider:      types.MethodBNPL,
		Status:        gateway.StatusPending,
		ProviderTxRef: "ord-1",
		RawEventType:  "order_confirmed",
	})
	require.NoError(t, err)
	assert.Equal(t, DispositionRecorded, res.Disposition)
	assert.Equal(t, "order_confirmed", inv.BNPL.Status)
	assert.Equal(t, 1, invoices.updates)
	assert.Equal(t, int64(0), inv.PaidAmount, "a pending event never credits")
}

func TestProcessUnknownTransaction(t *testing.T) {
	p := newProcessorForTest(newFakeInvoices(), newFakeLedger(), nil, nil)

	_, err := p.Process(context.Background(), &gateway.CallbackEvent{
		Provider:       types.MethodWallet,
		Status:         gateway.StatusApproved,
		CorrelationRef: "never-seen",
	})
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeNotFoundInvoice, appErr.Code)
}
