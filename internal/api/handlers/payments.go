// Package handlers exposes the payment, webhook and dunning HTTP surface.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"fitpay/internal/core"
	"fitpay/internal/gateway"
	"fitpay/internal/settlement"
	"fitpay/internal/types"
)

// InvoiceStore is the invoice access the payment endpoints need.
type InvoiceStore interface {
	FindByID(ctx context.Context, id uuid.UUID) (*types.Invoice, error)
	UpdateProviderRefs(ctx context.Context, inv *types.Invoice) error
}

// MemberStore resolves the payer for checkout details.
type MemberStore interface {
	FindByID(ctx context.Context, id uuid.UUID) (*types.Member, error)
}

// WalletConfirmer completes an OTP-confirmed wallet payment.
type WalletConfirmer interface {
	Confirm(ctx context.Context, inv *types.Invoice, otp string) (string, error)
}

// BNPLOptions lists the instalment plans an amount qualifies for.
type BNPLOptions interface {
	PaymentOptions(amount int64) []gateway.PaymentOption
}

type PaymentsHandler struct {
	router      *gateway.Router
	invoices    InvoiceStore
	members     MemberStore
	coordinator *settlement.Coordinator
	processor   CallbackProcessor
	wallet      WalletConfirmer
	bnplOptions BNPLOptions
	validator   *core.Validator
	logger      *slog.Logger
}

func NewPaymentsHandler(
	router *gateway.Router,
	invoices InvoiceStore,
	members MemberStore,
	coordinator *settlement.Coordinator,
	processor CallbackProcessor,
	wallet WalletConfirmer,
	bnplOptions BNPLOptions,
	validator *core.Validator,
	logger *slog.Logger,
) *PaymentsHandler {
	return &PaymentsHandler{
		router:      router,
		invoices:    invoices,
		members:     members,
		coordinator: coordinator,
		processor:   processor,
		wallet:      wallet,
		bnplOptions: bnplOptions,
		validator:   validator,
		logger:      logger,
	}
}

func (h *PaymentsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/v1/invoices/{invoiceID}", func(r chi.Router) {
		r.Post("/payments", h.InitiatePayment)
		r.Post("/payments/wallet/confirm", h.ConfirmWalletPayment)
		r.Get("/payments/options", h.PaymentOptions)
	})
	r.Post("/v1/payments/bnpl/orders/{orderID}/capture", h.CaptureBNPLOrder)
}

type initiatePaymentRequest struct {
	Method       string `json:"method" validate:"required"`
	MobileNumber string `json:"mobile_number,omitempty"`
	Instalments  int    `json:"instalments,omitempty" validate:"omitempty,oneof=1 3 4"`
}

// InitiatePayment starts a payment on the chosen rail for the invoice's
// remaining balance and persists the provider correlation references.
func (h *PaymentsHandler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	inv, err := h.loadInvoice(w, r)
	if err != nil {
		return
	}

	var req initiatePaymentRequest
	if err := core.DecodeJSON(r, &req); err != nil {
		core.Error(w, h.logger, err)
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		core.Error(w, h.logger, err)
		return
	}
	method, err := types.ParsePaymentMethod(req.Method)
	if err != nil {
		core.Error(w, h.logger, err)
		return
	}
	if !inv.Status.Payable() {
		core.Error(w, h.logger, types.NewAppError(types.ErrCodeConflictInvoiceState,
			"invoice status "+string(inv.Status)+" does not accept payments", nil))
		return
	}

	adapter, err := h.router.Adapter(method)
	if err != nil {
		core.Error(w, h.logger, err)
		return
	}
	member, err := h.members.FindByID(ctx, inv.MemberID)
	if err != nil {
		core.Error(w, h.logger, err)
		return
	}

	red, err := adapter.Initiate(ctx, inv, member, gateway.InitiateOptions{
		MobileNumber: req.MobileNumber,
		Instalments:  req.Instalments,
	})
	if err != nil {
		core.Error(w, h.logger, err)
		return
	}

	h.recordCorrelation(inv, red)
	if err := h.invoices.UpdateProviderRefs(ctx, inv); err != nil {
		core.Error(w, h.logger, err)
		return
	}

	core.JSON(w, http.StatusCreated, red)
}

func (h *PaymentsHandler) recordCorrelation(inv *types.Invoice, red *gateway.Redirection) {
	switch red.Provider {
	case types.MethodCard:
		inv.Card.TranRef = red.ProviderRef
	case types.MethodWallet:
		inv.Wallet.TransactionID = red.ProviderRef
		inv.Wallet.OTPReference = red.OTPReference
	case types.MethodBillPay:
		inv.BillPay.BillNumber = red.BillNumber
		inv.BillPay.BillAccount = red.BillAccount
		inv.BillPay.ExpiresAt = red.BillExpires
	case types.MethodBNPL:
		inv.BNPL.CheckoutID = red.ProviderRef
		inv.BNPL.Instalments = red.Instalments
	}
}

type confirmWalletRequest struct {
	OTP string `json:"otp" validate:"required,min=4,max=10"`
}

// ConfirmWalletPayment completes the wallet flow with the member's OTP and
// settles the invoice synchronously on approval.
func (h *PaymentsHandler) ConfirmWalletPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	inv, err := h.loadInvoice(w, r)
	if err != nil {
		return
	}

	var req confirmWalletRequest
	if err := core.DecodeJSON(r, &req); err != nil {
		core.Error(w, h.logger, err)
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		core.Error(w, h.logger, err)
		return
	}

	paymentRef, err := h.wallet.Confirm(ctx, inv, req.OTP)
	if err != nil {
		core.Error(w, h.logger, err)
		return
	}

	inv.Wallet.PaymentReference = paymentRef
	if err := h.invoices.UpdateProviderRefs(ctx, inv); err != nil {
		h.logger.WarnContext(ctx, "failed to store wallet payment reference",
			"invoice_id", inv.ID, "error", err)
	}

	outcome, err := h.coordinator.RecordSettlement(ctx, settlement.Input{
		Provider:      types.MethodWallet,
		ProviderTxRef: paymentRef,
		InvoiceID:     inv.ID,
		Amount:        inv.RemainingBalance(),
		Currency:      inv.Currency,
	})
	if err != nil {
		core.Error(w, h.logger, err)
		return
	}
	core.JSON(w, http.StatusOK, outcome)
}

// CaptureBNPLOrder re-drives authorize and capture for an approved BNPL
// order whose callback never completed, settling the invoice on success.
// Safe to repeat: the capture reference dedupes in the settlement ledger.
func (h *PaymentsHandler) CaptureBNPLOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		core.Error(w, h.logger, types.NewAppError(types.ErrCodeValidationMissingField,
			"order id is required", nil))
		return
	}

	result, err := h.processor.Process(r.Context(), &gateway.CallbackEvent{
		Provider:      types.MethodBNPL,
		Status:        gateway.StatusApproved,
		ProviderTxRef: orderID,
		RawEventType:  "manual_capture",
	})
	if err != nil {
		core.Error(w, h.logger, err)
		return
	}
	h.logger.InfoContext(r.Context(), "bnpl order captured manually",
		"order_id", orderID, "disposition", result.Disposition)
	core.JSON(w, http.StatusOK, result)
}

// PaymentOptions lists configured methods, with instalment plans where
// the amount qualifies.
func (h *PaymentsHandler) PaymentOptions(w http.ResponseWriter, r *http.Request) {
	inv, err := h.loadInvoice(w, r)
	if err != nil {
		return
	}

	type methodOption struct {
		Method      types.PaymentMethod     `json:"method"`
		Instalments []gateway.PaymentOption `json:"instalment_plans,omitempty"`
	}
	out := struct {
		Amount   int64          `json:"amount"`
		Currency string         `json:"currency"`
		Methods  []methodOption `json:"methods"`
	}{
		Amount:   inv.RemainingBalance(),
		Currency: inv.Currency,
	}
	for _, m := range h.router.AvailableMethods() {
		opt := methodOption{Method: m}
		if m == types.MethodBNPL && h.bnplOptions != nil {
			opt.Instalments = h.bnplOptions.PaymentOptions(inv.RemainingBalance())
			if len(opt.Instalments) == 0 {
				// Amount outside the BNPL bounds; the method is not
				// offered at all.
				continue
			}
		}
		out.Methods = append(out.Methods, opt)
	}
	core.JSON(w, http.StatusOK, out)
}

// loadInvoice parses the path ID and loads the invoice, writing the error
// response itself when either step fails.
func (h *PaymentsHandler) loadInvoice(w http.ResponseWriter, r *http.Request) (*types.Invoice, error) {
	id, err := uuid.Parse(chi.URLParam(r, "invoiceID"))
	if err != nil {
		appErr := types.NewAppError(types.ErrCodeValidationInvalidField, "invalid invoice id", err)
		core.Error(w, h.logger, appErr)
		return nil, appErr
	}
	inv, err := h.invoices.FindByID(r.Context(), id)
	if err != nil {
		core.Error(w, h.logger, err)
		return nil, err
	}
	return inv, nil
}
