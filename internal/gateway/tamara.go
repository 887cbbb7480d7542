package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"fitpay/internal/config"
	"fitpay/internal/types"
)

// Tamara buy-now-pay-later. Initiation creates a checkout session the
// member completes on Tamara's page. Approval arrives as an order_approved
// event; funds only move once the order is authorized and captured, so the
// capture reference is the settlement idempotency key.

// Tamara webhook event types.
const (
	tamaraOrderApproved  = "order_approved"
	tamaraOrderConfirmed = "order_confirmed"
	tamaraOrderDeclined  = "order_declined"
	tamaraOrderExpired   = "order_expired"
	tamaraOrderCanceled  = "order_canceled"
)

// Instalment counts above payInFullThreshold are not offered.
const payInFullThreshold int64 = 200000 // 2000.00 SAR in minor units

type TamaraAdapter struct {
	cfg             config.TamaraConfig
	client          *Client
	publicBaseURL   string
	allowUnverified bool
	logger          *slog.Logger
}

func NewTamaraAdapter(cfg config.TamaraConfig, publicBaseURL string, allowUnverified bool, logger *slog.Logger) *TamaraAdapter {
	return &TamaraAdapter{
		cfg:             cfg,
		client:          NewClient("tamara", 30*time.Second, DefaultRetryPolicy(), logger),
		publicBaseURL:   publicBaseURL,
		allowUnverified: allowUnverified,
		logger:          logger,
	}
}

func (a *TamaraAdapter) Method() types.PaymentMethod { return types.MethodBNPL }

func (a *TamaraAdapter) Configured() bool { return a.cfg.Configured() }

// PaymentOption describes one instalment plan available for an amount.
type PaymentOption struct {
	Instalments     int   `json:"instalments"`
	AmountPerCycle  int64 `json:"amount_per_cycle"`
	CycleLengthDays int   `json:"cycle_length_days"`
}

// PaymentOptions lists the plans the amount qualifies for. An amount
// outside the configured bounds qualifies for nothing.
func (a *TamaraAdapter) PaymentOptions(amount int64) []PaymentOption {
	if amount < a.cfg.MinAmount || amount > a.cfg.MaxAmount {
		return nil
	}
	opts := []PaymentOption{
		{Instalments: 1, AmountPerCycle: amount, CycleLengthDays: 30},
	}
	if amount <= payInFullThreshold {
		opts = append(opts,
			PaymentOption{Instalments: 3, AmountPerCycle: amount / 3, CycleLengthDays: 30},
			PaymentOption{Instalments: 4, AmountPerCycle: amount / 4, CycleLengthDays: 30},
		)
	}
	return opts
}

func (a *TamaraAdapter) checkEligibility(amount int64, instalments int) error {
	if amount < a.cfg.MinAmount || amount > a.cfg.MaxAmount {
		return types.NewAppError(types.ErrCodeGatewayNotEligible,
			fmt.Sprintf("amount must be between %s and %s for instalment payments",
				types.FormatAmount(a.cfg.MinAmount), types.FormatAmount(a.cfg.MaxAmount)), nil)
	}
	switch instalments {
	case 0, 1:
		return nil
	case 3, 4:
		if amount > payInFullThreshold {
			return types.NewAppError(types.ErrCodeGatewayNotEligible,
				"amount exceeds the instalment plan limit", nil)
		}
		return nil
	default:
		return types.NewAppError(types.ErrCodeGatewayNotEligible,
			fmt.Sprintf("unsupported instalment count %d", instalments), nil)
	}
}

type tamaraMoney struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type tamaraConsumer struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	PhoneNumber string `json:"phone_number"`
	Email       string `json:"email"`
}

type tamaraAddress struct {
	Line1       string `json:"line1"`
	City        string `json:"city"`
	Region      string `json:"region,omitempty"`
	CountryCode string `json:"country_code"`
}

type tamaraItem struct {
	ReferenceID string      `json:"reference_id"`
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	SKU         string      `json:"sku"`
	Quantity    int         `json:"quantity"`
	TotalAmount tamaraMoney `json:"total_amount"`
}

type tamaraMerchantURL struct {
	Success      string `json:"success"`
	Failure      string `json:"failure"`
	Cancel       string `json:"cancel"`
	Notification string `json:"notification"`
}

type tamaraCheckoutRequest struct {
	OrderReferenceID string            `json:"order_reference_id"`
	TotalAmount      tamaraMoney       `json:"total_amount"`
	Description      string            `json:"description"`
	CountryCode      string            `json:"country_code"`
	PaymentType      string            `json:"payment_type"`
	Instalments      int               `json:"instalments,omitempty"`
	Consumer         tamaraConsumer    `json:"consumer"`
	BillingAddress   tamaraAddress     `json:"billing_address"`
	ShippingAddress  tamaraAddress     `json:"shipping_address"`
	Items            []tamaraItem      `json:"items"`
	MerchantURL      tamaraMerchantURL `json:"merchant_url"`
}

type tamaraCheckoutResponse struct {
	CheckoutID  string `json:"checkout_id"`
	CheckoutURL string `json:"checkout_url"`
	OrderID     string `json:"order_id"`
	Message     string `json:"message"`
}

func (a *TamaraAdapter) Initiate(ctx context.Context, inv *types.Invoice, member *types.Member, opts InitiateOptions) (*Redirection, error) {
	if !a.Configured() {
		return nil, types.NewAppError(types.ErrCodeGatewayNotConfigured, "tamara is not configured", nil)
	}
	amount := inv.RemainingBalance()
	if err := a.checkEligibility(amount, opts.Instalments); err != nil {
		return nil, err
	}
	instalments := opts.Instalments
	if instalments == 0 {
		instalments = 3
		if amount > payInFullThreshold {
			instalments = 1
		}
	}

	countryCode := member.CountryCode
	if countryCode == "" {
		countryCode = "SA"
	}
	address := tamaraAddress{
		Line1:       member.Street,
		City:        member.City,
		Region:      member.Region,
		CountryCode: countryCode,
	}
	money := tamaraMoney{Amount: types.FormatAmount(amount), Currency: inv.Currency}

	req := tamaraCheckoutRequest{
		OrderReferenceID: inv.ID.String(),
		TotalAmount:      money,
		Description:      "Invoice " + inv.InvoiceNumber,
		CountryCode:      countryCode,
		PaymentType:      "PAY_BY_INSTALMENTS",
		Instalments:      instalments,
		Consumer: tamaraConsumer{
			FirstName:   member.FirstName,
			LastName:    member.LastName,
			PhoneNumber: member.Phone,
			Email:       member.Email,
		},
		BillingAddress:  address,
		ShippingAddress: address,
		Items: []tamaraItem{{
			ReferenceID: inv.InvoiceNumber,
			Name:        "Membership invoice " + inv.InvoiceNumber,
			Type:        "Digital",
			SKU:         inv.InvoiceNumber,
			Quantity:    1,
			TotalAmount: money,
		}},
		MerchantURL: tamaraMerchantURL{
			Success:      a.publicBaseURL + "/v1/payments/return",
			Failure:      a.publicBaseURL + "/v1/payments/return",
			Cancel:       a.publicBaseURL + "/v1/payments/return",
			Notification: a.publicBaseURL + "/v1/webhooks/tamara",
		},
	}

	var resp tamaraCheckoutResponse
	if err := a.post(ctx, "/checkout", req, &resp); err != nil {
		return nil, err
	}
	if resp.CheckoutID == "" || resp.CheckoutURL == "" {
		return nil, types.NewAppError(types.ErrCodeUpstreamBadResponse,
			"tamara did not return a checkout session", nil).WithDetails("message", resp.Message)
	}

	a.logger.InfoContext(ctx, "tamara checkout created",
		"invoice_id", inv.ID, "checkout_id", resp.CheckoutID)

	return &Redirection{
		Provider:    types.MethodBNPL,
		ProviderRef: resp.CheckoutID,
		RedirectURL: resp.CheckoutURL,
		Instalments: instalments,
	}, nil
}

type tamaraOrderResponse struct {
	OrderID     string      `json:"order_id"`
	Status      string      `json:"status"`
	TotalAmount tamaraMoney `json:"total_amount"`
	Message     string      `json:"message"`
}

// AuthorizeOrder acknowledges an approved order. Tamara requires this
// before capture; orders left unauthorized expire back to the member.
func (a *TamaraAdapter) AuthorizeOrder(ctx context.Context, orderID string) error {
	var resp tamaraOrderResponse
	if err := a.post(ctx, "/orders/"+orderID+"/authorise", struct{}{}, &resp); err != nil {
		return err
	}
	if !strings.EqualFold(resp.Status, "authorised") && !strings.EqualFold(resp.Status, "fully_captured") {
		return types.NewAppError(types.ErrCodeUpstreamGatewayError,
			"tamara order authorization failed", nil).
			WithDetails("order_id", orderID).WithDetails("status", resp.Status)
	}
	return nil
}

type tamaraCaptureRequest struct {
	OrderID     string      `json:"order_id"`
	TotalAmount tamaraMoney `json:"total_amount"`
}

type tamaraCaptureResponse struct {
	CaptureID string `json:"capture_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// CaptureOrder draws down the authorized amount. The returned capture ID
// is the reference under which the settlement is recorded.
func (a *TamaraAdapter) CaptureOrder(ctx context.Context, orderID string, amount int64, currency string) (string, error) {
	req := tamaraCaptureRequest{
		OrderID:     orderID,
		TotalAmount: tamaraMoney{Amount: types.FormatAmount(amount), Currency: currency},
	}
	var resp tamaraCaptureResponse
	if err := a.post(ctx, "/payments/capture", req, &resp); err != nil {
		return "", err
	}
	if resp.CaptureID == "" {
		return "", types.NewAppError(types.ErrCodeUpstreamBadResponse,
			"tamara capture returned no capture id", nil).
			WithDetails("order_id", orderID).WithDetails("message", resp.Message)
	}
	return resp.CaptureID, nil
}

func (a *TamaraAdapter) Verify(ctx context.Context, orderID string) (*Verification, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/orders/"+orderID, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "building tamara request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIToken.Unmask())

	status, body, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, types.NewAppError(types.ErrCodeNotFoundOrder, "tamara order not found", nil)
	}
	if status >= 400 {
		return nil, types.NewAppError(types.ErrCodeUpstreamGatewayError,
			fmt.Sprintf("tamara returned status %d", status), nil)
	}

	var resp tamaraOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamBadResponse, "decoding tamara response", err)
	}
	amount := int64(0)
	if resp.TotalAmount.Amount != "" {
		if amount, err = types.ParseAmount(resp.TotalAmount.Amount); err != nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamBadResponse, "tamara returned an unparsable amount", err)
		}
	}
	return &Verification{
		Provider:      types.MethodBNPL,
		ProviderTxRef: resp.OrderID,
		Status:        tamaraOrderStatus(resp.Status),
		Amount:        amount,
		Currency:      resp.TotalAmount.Currency,
		Message:       resp.Message,
	}, nil
}

type tamaraWebhook struct {
	OrderID          string      `json:"order_id"`
	OrderReferenceID string      `json:"order_reference_id"`
	EventType        string      `json:"event_type"`
	TotalAmount      tamaraMoney `json:"total_amount"`
}

func (a *TamaraAdapter) ParseCallback(body []byte, header CallbackHeader) (*CallbackEvent, error) {
	if err := a.verifyCallbackAuth(body, header); err != nil {
		return nil, err
	}

	var cb tamaraWebhook
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationMalformedEvent, "malformed tamara webhook", err)
	}
	if cb.OrderID == "" || cb.EventType == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMalformedEvent, "tamara webhook missing order_id or event_type", nil)
	}
	amount := int64(0)
	if cb.TotalAmount.Amount != "" {
		var err error
		if amount, err = types.ParseAmount(cb.TotalAmount.Amount); err != nil {
			return nil, types.NewAppError(types.ErrCodeValidationMalformedEvent, "tamara webhook amount is unparsable", err)
		}
	}

	return &CallbackEvent{
		Provider:       types.MethodBNPL,
		Status:         tamaraEventStatus(cb.EventType),
		ProviderTxRef:  cb.OrderID,
		CorrelationRef: cb.OrderReferenceID,
		Amount:         amount,
		Currency:       cb.TotalAmount.Currency,
		RawEventType:   cb.EventType,
	}, nil
}

func (a *TamaraAdapter) verifyCallbackAuth(body []byte, header CallbackHeader) error {
	if !a.cfg.NotificationKey.IsSet() {
		if a.allowUnverified {
			a.logger.Warn("accepting unverified tamara webhook")
			return nil
		}
		return types.NewAppError(types.ErrCodeGatewayNotConfigured, "tamara webhook key is not configured", nil)
	}
	if header.Signature == "" {
		return types.NewAppError(types.ErrCodeSignatureMissing, "tamara webhook missing signature", nil)
	}
	expected := SignBody(a.cfg.NotificationKey.Unmask(), body)
	if !VerifySignature(header.Signature, expected) {
		return types.NewAppError(types.ErrCodeSignatureInvalid, "tamara webhook signature mismatch", nil)
	}
	return nil
}

func (a *TamaraAdapter) post(ctx context.Context, path string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "encoding tamara request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "building tamara request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIToken.Unmask())

	status, body, err := a.client.Do(req)
	if err != nil {
		return err
	}
	if status >= 400 {
		return types.NewAppError(types.ErrCodeUpstreamGatewayError,
			fmt.Sprintf("tamara returned status %d", status), nil).
			WithDetails("body", string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamBadResponse, "decoding tamara response", err)
	}
	return nil
}

func tamaraEventStatus(eventType string) CallbackStatus {
	switch eventType {
	case tamaraOrderApproved:
		return StatusApproved
	case tamaraOrderConfirmed:
		return StatusPending
	case tamaraOrderDeclined:
		return StatusDeclined
	case tamaraOrderExpired:
		return StatusExpired
	case tamaraOrderCanceled:
		return StatusCancelled
	default:
		return StatusError
	}
}

func tamaraOrderStatus(s string) CallbackStatus {
	switch strings.ToLower(s) {
	case "approved", "authorised", "fully_captured":
		return StatusApproved
	case "declined":
		return StatusDeclined
	case "expired":
		return StatusExpired
	case "canceled", "cancelled":
		return StatusCancelled
	case "new", "processing":
		return StatusPending
	default:
		return StatusError
	}
}
