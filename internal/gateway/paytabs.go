package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"fitpay/internal/config"
	"fitpay/internal/types"
)

// PayTabs hosted payment pages for card and Mada. Initiation creates a
// page the member is redirected to; the outcome arrives on the server
// callback, authenticated by an HMAC signature over the canonical string
// tran_ref + cart_amount + cart_currency + response_status keyed with the
// profile server key.

// PayTabs response_status codes.
const (
	payTabsApproved = "A"
	payTabsDeclined = "D"
	payTabsError    = "E"
	payTabsHold     = "H"
	payTabsPending  = "P"
	payTabsVoided   = "V"
)

type PayTabsAdapter struct {
	cfg             config.PayTabsConfig
	client          *Client
	callbackURL     string
	returnURL       string
	allowUnverified bool
	logger          *slog.Logger
}

func NewPayTabsAdapter(cfg config.PayTabsConfig, publicBaseURL string, allowUnverified bool, logger *slog.Logger) *PayTabsAdapter {
	return &PayTabsAdapter{
		cfg:             cfg,
		client:          NewClient("paytabs", 30*time.Second, DefaultRetryPolicy(), logger),
		callbackURL:     publicBaseURL + "/v1/webhooks/paytabs",
		returnURL:       publicBaseURL + "/v1/payments/return",
		allowUnverified: allowUnverified,
		logger:          logger,
	}
}

func (a *PayTabsAdapter) Method() types.PaymentMethod { return types.MethodCard }

func (a *PayTabsAdapter) Configured() bool { return a.cfg.Configured() }

type payTabsCustomer struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Street1 string `json:"street1,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Country string `json:"country,omitempty"`
	Zip     string `json:"zip,omitempty"`
}

type payTabsPageRequest struct {
	ProfileID       string          `json:"profile_id"`
	TranType        string          `json:"tran_type"`
	TranClass       string          `json:"tran_class"`
	CartID          string          `json:"cart_id"`
	CartDescription string          `json:"cart_description"`
	CartCurrency    string          `json:"cart_currency"`
	CartAmount      string          `json:"cart_amount"`
	Callback        string          `json:"callback,omitempty"`
	Return          string          `json:"return,omitempty"`
	Customer        payTabsCustomer `json:"customer_details"`
	HideShipping    bool            `json:"hide_shipping"`
	UDF1            string          `json:"udf1"`
	UDF2            string          `json:"udf2"`
	TranRef         string          `json:"tran_ref,omitempty"`
}

type payTabsPaymentResult struct {
	ResponseStatus  string `json:"response_status"`
	ResponseCode    string `json:"response_code"`
	ResponseMessage string `json:"response_message"`
}

type payTabsPageResponse struct {
	TranRef       string               `json:"tran_ref"`
	RedirectURL   string               `json:"redirect_url"`
	CartID        string               `json:"cart_id"`
	CartAmount    string               `json:"cart_amount"`
	CartCurrency  string               `json:"cart_currency"`
	PaymentResult payTabsPaymentResult `json:"payment_result"`
	Code          int                  `json:"code"`
	Message       string               `json:"message"`
}

func (a *PayTabsAdapter) Initiate(ctx context.Context, inv *types.Invoice, member *types.Member, _ InitiateOptions) (*Redirection, error) {
	if !a.Configured() {
		return nil, types.NewAppError(types.ErrCodeGatewayNotConfigured, "paytabs is not configured", nil)
	}

	req := payTabsPageRequest{
		ProfileID:       a.cfg.ProfileID,
		TranType:        "sale",
		TranClass:       "ecom",
		CartID:          inv.InvoiceNumber,
		CartDescription: "Invoice " + inv.InvoiceNumber,
		CartCurrency:    inv.Currency,
		CartAmount:      types.FormatAmount(inv.RemainingBalance()),
		Callback:        a.callbackURL,
		Return:          a.returnURL,
		Customer: payTabsCustomer{
			Name:    member.FullName(),
			Email:   member.Email,
			Phone:   member.Phone,
			Street1: member.Street,
			City:    member.City,
			State:   member.Region,
			Country: member.CountryCode,
			Zip:     member.PostalCode,
		},
		HideShipping: true,
		UDF1:         inv.ID.String(),
		UDF2:         inv.MemberID.String(),
	}

	var resp payTabsPageResponse
	if err := a.post(ctx, "/payment/request", req, &resp); err != nil {
		return nil, err
	}
	if resp.TranRef == "" || resp.RedirectURL == "" {
		return nil, types.NewAppError(types.ErrCodeUpstreamBadResponse,
			"paytabs did not return a payment page", nil).WithDetails("message", resp.Message)
	}

	a.logger.InfoContext(ctx, "paytabs page created",
		"invoice_id", inv.ID, "tran_ref", resp.TranRef)

	return &Redirection{
		Provider:    types.MethodCard,
		ProviderRef: resp.TranRef,
		RedirectURL: resp.RedirectURL,
	}, nil
}

type payTabsQueryRequest struct {
	ProfileID string `json:"profile_id"`
	TranRef   string `json:"tran_ref"`
}

func (a *PayTabsAdapter) Verify(ctx context.Context, tranRef string) (*Verification, error) {
	var resp payTabsPageResponse
	if err := a.post(ctx, "/payment/query", payTabsQueryRequest{ProfileID: a.cfg.ProfileID, TranRef: tranRef}, &resp); err != nil {
		return nil, err
	}
	amount, err := types.ParseAmount(resp.CartAmount)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamBadResponse, "paytabs returned an unparsable amount", err)
	}
	return &Verification{
		Provider:      types.MethodCard,
		ProviderTxRef: resp.TranRef,
		Status:        payTabsStatus(resp.PaymentResult.ResponseStatus),
		Amount:        amount,
		Currency:      resp.CartCurrency,
		Message:       resp.PaymentResult.ResponseMessage,
	}, nil
}

// ChargeRecurring runs a token-based charge against a previously approved
// transaction reference. Used by dunning retries; no member interaction.
func (a *PayTabsAdapter) ChargeRecurring(ctx context.Context, inv *types.Invoice) (*Verification, error) {
	if !a.Configured() {
		return nil, types.NewAppError(types.ErrCodeGatewayNotConfigured, "paytabs is not configured", nil)
	}
	if inv.Card.TranRef == "" {
		return nil, types.NewAppError(types.ErrCodeGatewayNotEligible,
			"invoice has no prior card transaction to charge against", nil)
	}

	req := payTabsPageRequest{
		ProfileID:       a.cfg.ProfileID,
		TranType:        "sale",
		TranClass:       "recurring",
		CartID:          inv.InvoiceNumber,
		CartDescription: "Recurring charge for invoice " + inv.InvoiceNumber,
		CartCurrency:    inv.Currency,
		CartAmount:      types.FormatAmount(inv.RemainingBalance()),
		TranRef:         inv.Card.TranRef,
		UDF1:            inv.ID.String(),
		UDF2:            inv.MemberID.String(),
	}

	var resp payTabsPageResponse
	if err := a.post(ctx, "/payment/request", req, &resp); err != nil {
		return nil, err
	}
	return &Verification{
		Provider:      types.MethodCard,
		ProviderTxRef: resp.TranRef,
		Status:        payTabsStatus(resp.PaymentResult.ResponseStatus),
		Amount:        inv.RemainingBalance(),
		Currency:      inv.Currency,
		Message:       resp.PaymentResult.ResponseMessage,
	}, nil
}

type payTabsCallback struct {
	TranRef       string               `json:"tran_ref"`
	CartID        string               `json:"cart_id"`
	CartAmount    string               `json:"cart_amount"`
	CartCurrency  string               `json:"cart_currency"`
	PaymentResult payTabsPaymentResult `json:"payment_result"`
	UDF1          string               `json:"udf1"`
	UDF2          string               `json:"udf2"`
}

func (a *PayTabsAdapter) ParseCallback(body []byte, header CallbackHeader) (*CallbackEvent, error) {
	var cb payTabsCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationMalformedEvent, "malformed paytabs callback", err)
	}
	if cb.TranRef == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMalformedEvent, "paytabs callback missing tran_ref", nil)
	}

	if err := a.verifyCallbackSignature(&cb, header); err != nil {
		return nil, err
	}

	invoiceID, err := uuid.Parse(cb.UDF1)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationMalformedEvent,
			"paytabs callback udf1 is not an invoice id", err)
	}
	amount, err := types.ParseAmount(cb.CartAmount)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationMalformedEvent,
			"paytabs callback amount is unparsable", err)
	}

	return &CallbackEvent{
		Provider:      types.MethodCard,
		Status:        payTabsStatus(cb.PaymentResult.ResponseStatus),
		InvoiceID:     invoiceID,
		ProviderTxRef: cb.TranRef,
		Amount:        amount,
		Currency:      cb.CartCurrency,
		Message:       cb.PaymentResult.ResponseMessage,
		RawEventType:  cb.PaymentResult.ResponseStatus,
	}, nil
}

func (a *PayTabsAdapter) verifyCallbackSignature(cb *payTabsCallback, header CallbackHeader) error {
	if !a.Configured() {
		if a.allowUnverified {
			a.logger.Warn("accepting unverified paytabs callback", "tran_ref", cb.TranRef)
			return nil
		}
		return types.NewAppError(types.ErrCodeGatewayNotConfigured, "paytabs is not configured", nil)
	}
	if header.Signature == "" {
		return types.NewAppError(types.ErrCodeSignatureMissing, "paytabs callback missing signature", nil)
	}
	expected := SignFields(a.cfg.ServerKey.Unmask(),
		cb.TranRef, cb.CartAmount, cb.CartCurrency, cb.PaymentResult.ResponseStatus)
	if !VerifySignature(header.Signature, expected) {
		return types.NewAppError(types.ErrCodeSignatureInvalid, "paytabs callback signature mismatch", nil).
			WithDetails("tran_ref", cb.TranRef)
	}
	return nil
}

func (a *PayTabsAdapter) post(ctx context.Context, path string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "encoding paytabs request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "building paytabs request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", a.cfg.ServerKey.Unmask())

	status, body, err := a.client.Do(req)
	if err != nil {
		return err
	}
	if status >= 400 {
		return types.NewAppError(types.ErrCodeUpstreamGatewayError,
			fmt.Sprintf("paytabs returned status %d", status), nil).
			WithDetails("body", string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamBadResponse, "decoding paytabs response", err)
	}
	return nil
}

func payTabsStatus(code string) CallbackStatus {
	switch code {
	case payTabsApproved:
		return StatusApproved
	case payTabsDeclined:
		return StatusDeclined
	case payTabsHold:
		return StatusHold
	case payTabsPending:
		return StatusPending
	case payTabsVoided:
		return StatusVoided
	case payTabsError:
		return StatusError
	default:
		return StatusError
	}
}
