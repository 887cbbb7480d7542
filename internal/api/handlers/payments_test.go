package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fitpay/internal/core"
	"fitpay/internal/gateway"
	"fitpay/internal/settlement"
	"fitpay/internal/types"
)

type fakeInvoiceStore struct {
	invoices map[uuid.UUID]*types.Invoice
	updates  int
}

func (f *fakeInvoiceStore) FindByID(_ context.Context, id uuid.UUID) (*types.Invoice, error) {
	if inv, ok := f.invoices[id]; ok {
		return inv, nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundInvoice, "invoice not found", nil)
}

func (f *fakeInvoiceStore) UpdateProviderRefs(_ context.Context, _ *types.Invoice) error {
	f.updates++
	return nil
}

type fakeMemberStore struct {
	member *types.Member
}

func (f *fakeMemberStore) FindByID(_ context.Context, _ uuid.UUID) (*types.Member, error) {
	return f.member, nil
}

type fakeWallet struct {
	ref string
	err error
	otp string
}

func (f *fakeWallet) Confirm(_ context.Context, _ *types.Invoice, otp string) (string, error) {
	f.otp = otp
	if f.err != nil {
		return "", f.err
	}
	return f.ref, nil
}

type fakeAdapter struct {
	method     types.PaymentMethod
	configured bool
	red        *gateway.Redirection
}

func (f *fakeAdapter) Method() types.PaymentMethod { return f.method }
func (f *fakeAdapter) Configured() bool            { return f.configured }

func (f *fakeAdapter) Initiate(_ context.Context, _ *types.Invoice, _ *types.Member, _ gateway.InitiateOptions) (*gateway.Redirection, error) {
	return f.red, nil
}

func (f *fakeAdapter) Verify(_ context.Context, _ string) (*gateway.Verification, error) {
	return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "not implemented", nil)
}

func (f *fakeAdapter) ParseCallback(_ []byte, _ gateway.CallbackHeader) (*gateway.CallbackEvent, error) {
	return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "not implemented", nil)
}

// walletLedger is a single-invoice in-memory settlement.Ledger for the
// synchronous wallet confirmation path.
type walletLedger struct {
	invoice     *types.Invoice
	settlements map[string]*types.SettlementRecord
}

type walletLedgerTx struct{ l *walletLedger }

func (l *walletLedger) InTx(_ context.Context, fn func(tx settlement.Tx) error) error {
	return fn(walletLedgerTx{l})
}

func (t walletLedgerTx) FindSettlementByRef(_ context.Context, _ types.PaymentMethod, ref string) (*types.SettlementRecord, error) {
	return t.l.settlements[ref], nil
}

func (t walletLedgerTx) InvoiceForUpdate(_ context.Context, _ uuid.UUID) (*types.Invoice, error) {
	return t.l.invoice, nil
}

func (t walletLedgerTx) ApplySettlement(_ context.Context, _ *types.Invoice) error { return nil }

func (t walletLedgerTx) InsertSettlement(_ context.Context, rec *types.SettlementRecord) error {
	if t.l.settlements == nil {
		t.l.settlements = make(map[string]*types.SettlementRecord)
	}
	t.l.settlements[rec.ProviderTxRef] = rec
	return nil
}

func paymentsTestInvoice() *types.Invoice {
	return &types.Invoice{
		ID:            uuid.New(),
		MemberID:      uuid.New(),
		InvoiceNumber: "INV-2026-0042",
		Status:        types.InvoiceIssued,
		TotalAmount:   50000,
		Currency:      "SAR",
	}
}

func newPaymentsRouterForTest(inv *types.Invoice, card *fakeAdapter, bnpl BNPLOptions, wallet WalletConfirmer) (chi.Router, *fakeInvoiceStore) {
	logger := testLogger()
	invoices := &fakeInvoiceStore{invoices: map[uuid.UUID]*types.Invoice{inv.ID: inv}}
	members := &fakeMemberStore{member: &types.Member{ID: inv.MemberID, FirstName: "Nora", LastName: "AlSalem"}}

	adapters := []gateway.Adapter{}
	if card != nil {
		adapters = append(adapters, card)
	}
	coordinator := settlement.NewCoordinator(&walletLedger{invoice: inv}, nil, nil, logger)

	h := NewPaymentsHandler(gateway.NewRouter(adapters...), invoices, members,
		coordinator, &fakeProcessor{}, wallet, bnpl, core.NewValidator(), logger)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r, invoices
}

func TestInitiatePaymentStoresCorrelation(t *testing.T) {
	inv := paymentsTestInvoice()
	card := &fakeAdapter{
		method:     types.MethodCard,
		configured: true,
		red: &gateway.Redirection{
			Provider:    types.MethodCard,
			ProviderRef: "TST2109001",
			RedirectURL: "https://secure.example.com/pay/TST2109001",
		},
	}
	router, invoices := newPaymentsRouterForTest(inv, card, nil, nil)

	body := []byte(`{"method":"paytabs"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/invoices/"+inv.ID.String()+"/payments", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "TST2109001", inv.Card.TranRef)
	assert.Equal(t, 1, invoices.updates)
}

func TestInitiatePaymentRejectsUnknownMethod(t *testing.T) {
	inv := paymentsTestInvoice()
	router, _ := newPaymentsRouterForTest(inv, nil, nil, nil)

	body := []byte(`{"method":"cash"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/invoices/"+inv.ID.String()+"/payments", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInitiatePaymentRejectsUnpayableInvoice(t *testing.T) {
	inv := paymentsTestInvoice()
	inv.Status = types.InvoiceCancelled
	card := &fakeAdapter{method: types.MethodCard, configured: true}
	router, _ := newPaymentsRouterForTest(inv, card, nil, nil)

	body := []byte(`{"method":"paytabs"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/invoices/"+inv.ID.String()+"/payments", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)

	var resp core.APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(types.ErrCodeConflictInvoiceState), resp.Error.Code)
}

func TestInitiatePaymentUnknownInvoice(t *testing.T) {
	router, _ := newPaymentsRouterForTest(paymentsTestInvoice(), nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/invoices/"+uuid.NewString()+"/payments",
		bytes.NewReader([]byte(`{"method":"paytabs"}`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfirmWalletPaymentSettles(t *testing.T) {
	inv := paymentsTestInvoice()
	inv.Wallet.TransactionID = "stc-tx-1"
	inv.Wallet.OTPReference = "otp-ref-1"
	wallet := &fakeWallet{ref: "stc-pay-9"}
	router, _ := newPaymentsRouterForTest(inv, nil, nil, wallet)

	body := []byte(`{"otp":"123456"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/invoices/"+inv.ID.String()+"/payments/wallet/confirm", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "123456", wallet.otp)
	assert.Equal(t, "stc-pay-9", inv.Wallet.PaymentReference)
	assert.Equal(t, types.InvoicePaid, inv.Status)

	var resp struct {
		Success bool                     `json:"success"`
		Data    types.SettlementOutcome `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, types.InvoicePaid, resp.Data.InvoiceStatus)
}

func TestConfirmWalletPaymentDeclined(t *testing.T) {
	inv := paymentsTestInvoice()
	inv.Wallet.OTPReference = "otp-ref-1"
	wallet := &fakeWallet{err: types.NewAppError(types.ErrCodePaymentDeclined, "wallet payment was not approved", nil)}
	router, _ := newPaymentsRouterForTest(inv, nil, nil, wallet)

	body := []byte(`{"otp":"000000"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/invoices/"+inv.ID.String()+"/payments/wallet/confirm", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, int64(0), inv.PaidAmount)
}

func TestCaptureBNPLOrderManually(t *testing.T) {
	processor := &fakeProcessor{result: &settlement.Result{Disposition: settlement.DispositionSettled}}
	h := NewPaymentsHandler(gateway.NewRouter(), &fakeInvoiceStore{}, &fakeMemberStore{},
		nil, processor, nil, nil, core.NewValidator(), testLogger())
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodPost, "/v1/payments/bnpl/orders/ord-1/capture", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, processor.events, 1)
	ev := processor.events[0]
	assert.Equal(t, types.MethodBNPL, ev.Provider)
	assert.Equal(t, gateway.StatusApproved, ev.Status)
	assert.Equal(t, "ord-1", ev.ProviderTxRef)
}

type fakeBNPLOptions struct {
	plans []gateway.PaymentOption
}

func (f *fakeBNPLOptions) PaymentOptions(_ int64) []gateway.PaymentOption { return f.plans }

func TestPaymentOptionsSkipsIneligibleBNPL(t *testing.T) {
	inv := paymentsTestInvoice()
	card := &fakeAdapter{method: types.MethodCard, configured: true}
	bnpl := &fakeAdapter{method: types.MethodBNPL, configured: true}

	logger := testLogger()
	invoices := &fakeInvoiceStore{invoices: map[uuid.UUID]*types.Invoice{inv.ID: inv}}
	h := NewPaymentsHandler(gateway.NewRouter(card, bnpl), invoices, &fakeMemberStore{},
		nil, nil, nil, &fakeBNPLOptions{plans: nil}, core.NewValidator(), logger)
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodGet, "/v1/invoices/"+inv.ID.String()+"/payments/options", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Amount  int64 `json:"amount"`
			Methods []struct {
				Method types.PaymentMethod `json:"method"`
			} `json:"methods"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(50000), resp.Data.Amount)
	require.Len(t, resp.Data.Methods, 1, "bnpl is hidden when no plan qualifies")
	assert.Equal(t, types.MethodCard, resp.Data.Methods[0].Method)
}
