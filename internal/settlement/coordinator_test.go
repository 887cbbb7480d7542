package settlement

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fitpay/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLedger is an in-memory Ledger with transactional semantics: writes
// inside InTx only commit when the function returns nil.
type fakeLedger struct {
	invoices    map[uuid.UUID]types.Invoice
	settlements map[string]types.SettlementRecord

	// insertDuplicate forces the next InsertSettlement to report a
	// duplicate, simulating a lost race with a concurrent delivery.
	insertDuplicate *types.SettlementRecord
}

func newFakeLedger(invs ...*types.Invoice) *fakeLedger {
	l := &fakeLedger{
		invoices:    make(map[uuid.UUID]types.Invoice),
		settlements: make(map[string]types.SettlementRecord),
	}
	for _, inv := range invs {
		l.invoices[inv.ID] = *inv
	}
	return l
}

func refKey(provider types.PaymentMethod, ref string) string {
	return string(provider) + "|" + ref
}

type fakeTx struct {
	ledger     *fakeLedger
	stagedInvs map[uuid.UUID]types.Invoice
	stagedRecs []types.SettlementRecord
}

func (l *fakeLedger) InTx(_ context.Context, fn func(tx Tx) error) error {
	tx := &fakeTx{ledger: l, stagedInvs: make(map[uuid.UUID]types.Invoice)}
	if err := fn(tx); err != nil {
		return err
	}
	for id, inv := range tx.stagedInvs {
		l.invoices[id] = inv
	}
	for _, rec := range tx.stagedRecs {
		l.settlements[refKey(rec.Provider, rec.ProviderTxRef)] = rec
	}
	return nil
}

func (t *fakeTx) FindSettlementByRef(_ context.Context, provider types.PaymentMethod, ref string) (*types.SettlementRecord, error) {
	if rec, ok := t.ledger.settlements[refKey(provider, ref)]; ok {
		out := rec
		return &out, nil
	}
	return nil, nil
}

func (t *fakeTx) InvoiceForUpdate(_ context.Context, id uuid.UUID) (*types.Invoice, error) {
	inv, ok := t.ledger.invoices[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundInvoice, "invoice not found", nil)
	}
	out := inv
	return &out, nil
}

func (t *fakeTx) ApplySettlement(_ context.Context, inv *types.Invoice) error {
	t.stagedInvs[inv.ID] = *inv
	return nil
}

func (t *fakeTx) InsertSettlement(_ context.Context, rec *types.SettlementRecord) error {
	if t.ledger.insertDuplicate != nil {
		// The winner's commit carries both the ledger row and the
		// invoice credit.
		dup := *t.ledger.insertDuplicate
		t.ledger.settlements[refKey(dup.Provider, dup.ProviderTxRef)] = dup
		if inv, ok := t.ledger.invoices[dup.InvoiceID]; ok {
			inv.PaidAmount += dup.Amount
			inv.Status = dup.InvoiceStatus
			t.ledger.invoices[dup.InvoiceID] = inv
		}
		t.ledger.insertDuplicate = nil
		return ErrDuplicateRef
	}
	if _, ok := t.ledger.settlements[refKey(rec.Provider, rec.ProviderTxRef)]; ok {
		return ErrDuplicateRef
	}
	t.stagedRecs = append(t.stagedRecs, *rec)
	return nil
}

type fakeEffects struct {
	settled []uuid.UUID
}

func (f *fakeEffects) InvoiceSettled(_ context.Context, invoiceID uuid.UUID, _ int64, _ string) error {
	f.settled = append(f.settled, invoiceID)
	return nil
}

type fakeRecovery struct {
	recovered []uuid.UUID
	methods   []string
}

func (f *fakeRecovery) InvoiceRecovered(_ context.Context, invoiceID uuid.UUID, method string) error {
	f.recovered = append(f.recovered, invoiceID)
	f.methods = append(f.methods, method)
	return nil
}

func issuedInvoice(total, paid int64) *types.Invoice {
	subID := uuid.New()
	status := types.InvoiceIssued
	if paid > 0 {
		status = types.InvoicePartiallyPaid
	}
	return &types.Invoice{
		ID:             uuid.New(),
		OrganizationID: uuid.New(),
		MemberID:       uuid.New(),
		SubscriptionID: &subID,
		InvoiceNumber:  "INV-1",
		Status:         status,
		TotalAmount:    total,
		PaidAmount:     paid,
		Currency:       "SAR",
	}
}

func newCoordinatorForTest(ledger Ledger, effects SideEffects, recovery RecoveryHook) *Coordinator {
	c := NewCoordinator(ledger, effects, recovery, testLogger())
	c.nowFn = func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) }
	return c
}

func TestRecordSettlementExactAmount(t *testing.T) {
	inv := issuedInvoice(50000, 0)
	ledger := newFakeLedger(inv)
	effects := &fakeEffects{}
	recovery := &fakeRecovery{}
	c := newCoordinatorForTest(ledger, effects, recovery)

	outcome, err := c.RecordSettlement(context.Background(), Input{
		Provider:      types.MethodCard,
		ProviderTxRef: "TST1",
		InvoiceID:     inv.ID,
		Amount:        50000,
		Currency:      "SAR",
	})
	require.NoError(t, err)

	assert.False(t, outcome.Duplicate)
	assert.Equal(t, types.InvoicePaid, outcome.InvoiceStatus)
	assert.Equal(t, int64(50000), outcome.PaidAmount)

	stored := ledger.invoices[inv.ID]
	assert.Equal(t, types.InvoicePaid, stored.Status)
	assert.Equal(t, int64(50000), stored.PaidAmount)
	require.NotNil(t, stored.PaidDate)

	assert.Equal(t, []uuid.UUID{inv.ID}, effects.settled)
	assert.Equal(t, []uuid.UUID{inv.ID}, recovery.recovered)
	assert.Equal(t, []string{"payment_callback"}, recovery.methods)
}

func TestRecordSettlementWithinTolerance(t *testing.T) {
	// 500.01 against a 500.00 invoice is accepted.
	inv := issuedInvoice(50000, 0)
	ledger := newFakeLedger(inv)
	c := newCoordinatorForTest(ledger, nil, nil)

	outcome, err := c.RecordSettlement(context.Background(), Input{
		Provider:      types.MethodWallet,
		ProviderTxRef: "stc-1",
		InvoiceID:     inv.ID,
		Amount:        50001,
	})
	require.NoError(t, err)
	assert.Equal(t, types.InvoicePaid, outcome.InvoiceStatus)
}

func TestRecordSettlementBeyondToleranceRejected(t *testing.T) {
	// 500.02 against a 500.00 invoice is rejected and nothing changes.
	inv := issuedInvoice(50000, 0)
	ledger := newFakeLedger(inv)
	c := newCoordinatorForTest(ledger, nil, nil)

	_, err := c.RecordSettlement(context.Background(), Input{
		Provider:      types.MethodWallet,
		ProviderTxRef: "stc-1",
		InvoiceID:     inv.ID,
		Amount:        50002,
	})
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeConflictAmountMismatch, appErr.Code)
	assert.Equal(t, "500.00", appErr.Details["expected"])
	assert.Equal(t, "500.02", appErr.Details["received"])

	stored := ledger.invoices[inv.ID]
	assert.Equal(t, int64(0), stored.PaidAmount, "a rejected settlement must not credit")
	assert.Empty(t, ledger.settlements)
}

func TestRecordSettlementReplayReturnsPriorOutcome(t *testing.T) {
	inv := issuedInvoice(50000, 0)
	ledger := newFakeLedger(inv)
	effects := &fakeEffects{}
	c := newCoordinatorForTest(ledger, effects, nil)

	in := Input{
		Provider:      types.MethodCard,
		ProviderTxRef: "TST1",
		InvoiceID:     inv.ID,
		Amount:        50000,
	}
	first, err := c.RecordSettlement(context.Background(), in)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := c.RecordSettlement(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, inv.ID, second.InvoiceID)
	assert.Equal(t, types.InvoicePaid, second.InvoiceStatus)
	assert.Equal(t, int64(50000), second.PaidAmount)

	stored := ledger.invoices[inv.ID]
	assert.Equal(t, int64(50000), stored.PaidAmount, "replay must not double-credit")
	assert.Len(t, ledger.settlements, 1)
	assert.Len(t, effects.settled, 1, "side effects fire once")
}

func TestRecordSettlementReplayReportsInvoicePaidAmount(t *testing.T) {
	// The invoice carried a prior partial credit, so the settlement
	// amount and the invoice paid amount differ on replay.
	inv := issuedInvoice(50000, 20000)
	ledger := newFakeLedger(inv)
	c := newCoordinatorForTest(ledger, nil, nil)

	in := Input{
		Provider:      types.MethodBillPay,
		ProviderTxRef: "BANK-7",
		InvoiceID:     inv.ID,
		Amount:        30000,
	}
	first, err := c.RecordSettlement(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), first.PaidAmount)

	second, err := c.RecordSettlement(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, int64(50000), second.PaidAmount,
		"the replay reports the invoice total, not the settlement amount")
	assert.Equal(t, types.InvoicePaid, second.InvoiceStatus)
}

func TestRecordSettlementPaidInvoiceRejectsNewReference(t *testing.T) {
	inv := issuedInvoice(50000, 0)
	inv.Status = types.InvoicePaid
	inv.PaidAmount = 50000
	ledger := newFakeLedger(inv)
	c := newCoordinatorForTest(ledger, nil, nil)

	_, err := c.RecordSettlement(context.Background(), Input{
		Provider:      types.MethodCard,
		ProviderTxRef: "TST-OTHER",
		InvoiceID:     inv.ID,
		Amount:        50000,
	})
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeConflictInvoicePaid, appErr.Code)
	assert.Equal(t, int64(50000), ledger.invoices[inv.ID].PaidAmount)
}

func TestRecordSettlementRemainingBalanceAfterPartial(t *testing.T) {
	inv := issuedInvoice(50000, 20000)
	ledger := newFakeLedger(inv)
	c := newCoordinatorForTest(ledger, nil, nil)

	outcome, err := c.RecordSettlement(context.Background(), Input{
		Provider:      types.MethodBillPay,
		ProviderTxRef: "BANK-1",
		InvoiceID:     inv.ID,
		Amount:        30000,
	})
	require.NoError(t, err)
	assert.Equal(t, types.InvoicePaid, outcome.InvoiceStatus)
	assert.Equal(t, int64(50000), outcome.PaidAmount)
}

func TestRecordSettlementCurrencyMismatch(t *testing.T) {
	inv := issuedInvoice(50000, 0)
	ledger := newFakeLedger(inv)
	c := newCoordinatorForTest(ledger, nil, nil)

	_, err := c.RecordSettlement(context.Background(), Input{
		Provider:      types.MethodCard,
		ProviderTxRef: "TST1",
		InvoiceID:     inv.ID,
		Amount:        50000,
		Currency:      "USD",
	})
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeConflictAmountMismatch, appErr.Code)
}

func TestRecordSettlementValidatesInput(t *testing.T) {
	c := newCoordinatorForTest(newFakeLedger(), nil, nil)

	_, err := c.RecordSettlement(context.Background(), Input{Amount: 100})
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationMissingField, appErr.Code)

	_, err = c.RecordSettlement(context.Background(), Input{ProviderTxRef: "x", Amount: 0})
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationInvalidAmount, appErr.Code)
}

func TestRecordSettlementConcurrentInsertRace(t *testing.T) {
	inv := issuedInvoice(50000, 0)
	ledger := newFakeLedger(inv)

	// The other delivery wins between our dedup check and insert.
	ledger.insertDuplicate = &types.SettlementRecord{
		ID:            uuid.New(),
		Provider:      types.MethodCard,
		ProviderTxRef: "TST1",
		InvoiceID:     inv.ID,
		Amount:        50000,
		Currency:      "SAR",
		InvoiceStatus: types.InvoicePaid,
	}
	c := newCoordinatorForTest(ledger, nil, nil)

	outcome, err := c.RecordSettlement(context.Background(), Input{
		Provider:      types.MethodCard,
		ProviderTxRef: "TST1",
		InvoiceID:     inv.ID,
		Amount:        50000,
	})
	require.NoError(t, err)
	assert.True(t, outcome.Duplicate)
	assert.Equal(t, types.InvoicePaid, outcome.InvoiceStatus)
	assert.Equal(t, int64(50000), outcome.PaidAmount)
}
