package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fitpay/internal/config"
	"fitpay/internal/types"
)

// STC Pay mobile wallet. Initiation pushes an OTP to the member's wallet
// app; the payment completes either synchronously via Confirm or
// asynchronously via callback. Every request to the provider carries
// X-API-Key, X-Timestamp and X-Signature headers, the signature being an
// HMAC over the exact JSON body.

// STC Pay callback statuses.
const (
	stcCompleted = "COMPLETED"
	stcFailed    = "FAILED"
	stcCancelled = "CANCELLED"
	stcExpired   = "EXPIRED"
)

type STCPayAdapter struct {
	cfg             config.STCPayConfig
	client          *Client
	allowUnverified bool
	logger          *slog.Logger
	nowFn           func() time.Time
}

func NewSTCPayAdapter(cfg config.STCPayConfig, allowUnverified bool, logger *slog.Logger) *STCPayAdapter {
	return &STCPayAdapter{
		cfg:             cfg,
		client:          NewClient("stcpay", 30*time.Second, DefaultRetryPolicy(), logger),
		allowUnverified: allowUnverified,
		logger:          logger,
		nowFn:           time.Now,
	}
}

func (a *STCPayAdapter) Method() types.PaymentMethod { return types.MethodWallet }

func (a *STCPayAdapter) Configured() bool { return a.cfg.Configured() }

// NormalizeSaudiMobile rewrites local mobile formats (05xxxxxxxx,
// 5xxxxxxxx, +9665xxxxxxxx) to the bare 9665xxxxxxxx form the wallet API
// expects.
func NormalizeSaudiMobile(mobile string) (string, error) {
	var digits strings.Builder
	for _, r := range mobile {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	switch {
	case strings.HasPrefix(d, "9665") && len(d) == 12:
		return d, nil
	case strings.HasPrefix(d, "05") && len(d) == 10:
		return "966" + d[1:], nil
	case strings.HasPrefix(d, "5") && len(d) == 9:
		return "966" + d, nil
	default:
		return "", types.NewAppError(types.ErrCodeValidationInvalidMobile,
			"mobile number is not a valid Saudi mobile", nil)
	}
}

type stcAuthorizeRequest struct {
	MerchantID      string `json:"merchant_id"`
	BranchID        string `json:"branch_id"`
	MobileNumber    string `json:"mobile_number"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	BillNumber      string `json:"bill_number"`
	ReferenceNumber string `json:"reference_number"`
	Timestamp       string `json:"timestamp"`
}

type stcAuthorizeResponse struct {
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	OTPReference  string `json:"otp_reference"`
	OTPExpirySec  int    `json:"otp_expiry_seconds"`
	Message       string `json:"message"`
}

func (a *STCPayAdapter) Initiate(ctx context.Context, inv *types.Invoice, _ *types.Member, opts InitiateOptions) (*Redirection, error) {
	if !a.Configured() {
		return nil, types.NewAppError(types.ErrCodeGatewayNotConfigured, "stcpay is not configured", nil)
	}
	mobile, err := NormalizeSaudiMobile(opts.MobileNumber)
	if err != nil {
		return nil, err
	}

	req := stcAuthorizeRequest{
		MerchantID:      a.cfg.MerchantID,
		BranchID:        a.cfg.BranchID,
		MobileNumber:    mobile,
		Amount:          types.FormatAmount(inv.RemainingBalance()),
		Currency:        inv.Currency,
		BillNumber:      inv.InvoiceNumber,
		ReferenceNumber: inv.ID.String(),
		Timestamp:       a.nowFn().UTC().Format(time.RFC3339),
	}

	var resp stcAuthorizeResponse
	if err := a.post(ctx, "/v1/directPayment/authorize", req, &resp); err != nil {
		return nil, err
	}
	if !strings.EqualFold(resp.Status, "SUCCESS") || resp.OTPReference == "" {
		return nil, types.NewAppError(types.ErrCodeUpstreamGatewayError,
			"stcpay did not accept the payment request", nil).WithDetails("message", resp.Message)
	}

	a.logger.InfoContext(ctx, "stcpay otp issued",
		"invoice_id", inv.ID, "transaction_id", resp.TransactionID)

	return &Redirection{
		Provider:     types.MethodWallet,
		ProviderRef:  resp.TransactionID,
		OTPReference: resp.OTPReference,
		OTPExpirySec: resp.OTPExpirySec,
	}, nil
}

type stcConfirmRequest struct {
	MerchantID   string `json:"merchant_id"`
	OTPReference string `json:"otp_reference"`
	OTPValue     string `json:"otp_value"`
	Timestamp    string `json:"timestamp"`
}

type stcConfirmResponse struct {
	Status           string `json:"status"`
	PaymentReference string `json:"payment_reference"`
	Message          string `json:"message"`
}

// Confirm completes an initiated wallet payment with the OTP the member
// received. A wrong or expired OTP comes back as payment_declined.
func (a *STCPayAdapter) Confirm(ctx context.Context, inv *types.Invoice, otp string) (string, error) {
	if inv.Wallet.OTPReference == "" {
		return "", types.NewAppError(types.ErrCodeConflictInvoiceState,
			"invoice has no pending wallet payment", nil)
	}
	req := stcConfirmRequest{
		MerchantID:   a.cfg.MerchantID,
		OTPReference: inv.Wallet.OTPReference,
		OTPValue:     otp,
		Timestamp:    a.nowFn().UTC().Format(time.RFC3339),
	}
	var resp stcConfirmResponse
	if err := a.post(ctx, "/v1/directPayment/confirm", req, &resp); err != nil {
		return "", err
	}
	if !strings.EqualFold(resp.Status, "SUCCESS") || resp.PaymentReference == "" {
		return "", types.NewAppError(types.ErrCodePaymentDeclined,
			"wallet payment was not approved", nil).WithDetails("message", resp.Message)
	}
	return resp.PaymentReference, nil
}

type stcStatusRequest struct {
	MerchantID    string `json:"merchant_id"`
	TransactionID string `json:"transaction_id"`
	Timestamp     string `json:"timestamp"`
}

type stcStatusResponse struct {
	Status           string `json:"status"`
	PaymentReference string `json:"payment_reference"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	Message          string `json:"message"`
}

func (a *STCPayAdapter) Verify(ctx context.Context, transactionID string) (*Verification, error) {
	req := stcStatusRequest{
		MerchantID:    a.cfg.MerchantID,
		TransactionID: transactionID,
		Timestamp:     a.nowFn().UTC().Format(time.RFC3339),
	}
	var resp stcStatusResponse
	if err := a.post(ctx, "/v1/directPayment/status", req, &resp); err != nil {
		return nil, err
	}
	amount := int64(0)
	if resp.Amount != "" {
		var err error
		if amount, err = types.ParseAmount(resp.Amount); err != nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamBadResponse, "stcpay returned an unparsable amount", err)
		}
	}
	ref := resp.PaymentReference
	if ref == "" {
		ref = transactionID
	}
	return &Verification{
		Provider:      types.MethodWallet,
		ProviderTxRef: ref,
		Status:        stcStatus(resp.Status),
		Amount:        amount,
		Currency:      resp.Currency,
		Message:       resp.Message,
	}, nil
}

type stcCallback struct {
	TransactionID    string `json:"transaction_id"`
	PaymentReference string `json:"payment_reference"`
	Status           string `json:"status"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	Message          string `json:"message"`
}

func (a *STCPayAdapter) ParseCallback(body []byte, header CallbackHeader) (*CallbackEvent, error) {
	if err := a.verifyCallbackAuth(body, header); err != nil {
		return nil, err
	}

	var cb stcCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationMalformedEvent, "malformed stcpay callback", err)
	}
	if cb.TransactionID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMalformedEvent, "stcpay callback missing transaction_id", nil)
	}
	amount := int64(0)
	if cb.Amount != "" {
		var err error
		if amount, err = types.ParseAmount(cb.Amount); err != nil {
			return nil, types.NewAppError(types.ErrCodeValidationMalformedEvent, "stcpay callback amount is unparsable", err)
		}
	}
	ref := cb.PaymentReference
	if ref == "" {
		ref = cb.TransactionID
	}

	return &CallbackEvent{
		Provider:       types.MethodWallet,
		Status:         stcStatus(cb.Status),
		ProviderTxRef:  ref,
		CorrelationRef: cb.TransactionID,
		Amount:         amount,
		Currency:       cb.Currency,
		Message:        cb.Message,
		RawEventType:   cb.Status,
	}, nil
}

func (a *STCPayAdapter) verifyCallbackAuth(body []byte, header CallbackHeader) error {
	if !a.Configured() {
		if a.allowUnverified {
			a.logger.Warn("accepting unverified stcpay callback")
			return nil
		}
		return types.NewAppError(types.ErrCodeGatewayNotConfigured, "stcpay is not configured", nil)
	}
	if header.Signature == "" {
		return types.NewAppError(types.ErrCodeSignatureMissing, "stcpay callback missing signature", nil)
	}
	expected := SignBody(a.cfg.APISecret.Unmask(), body)
	if !VerifySignature(header.Signature, expected) {
		return types.NewAppError(types.ErrCodeSignatureInvalid, "stcpay callback signature mismatch", nil)
	}
	return nil
}

func (a *STCPayAdapter) post(ctx context.Context, path string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "encoding stcpay request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "building stcpay request", err)
	}
	ts := strconv.FormatInt(a.nowFn().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", a.cfg.APIKey.Unmask())
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", SignBody(a.cfg.APISecret.Unmask(), raw))

	status, body, err := a.client.Do(req)
	if err != nil {
		return err
	}
	if status >= 400 {
		return types.NewAppError(types.ErrCodeUpstreamGatewayError,
			fmt.Sprintf("stcpay returned status %d", status), nil).
			WithDetails("body", string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamBadResponse, "decoding stcpay response", err)
	}
	return nil
}

func stcStatus(s string) CallbackStatus {
	switch strings.ToUpper(s) {
	case stcCompleted, "SUCCESS":
		return StatusApproved
	case stcFailed:
		return StatusDeclined
	case stcCancelled:
		return StatusCancelled
	case stcExpired:
		return StatusExpired
	case "PENDING":
		return StatusPending
	default:
		return StatusError
	}
}
