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

// Sadad bank bill presentment. Initiation registers a bill the member pays
// from any Saudi bank channel; the payment arrives days later on a
// callback. Bill generation is idempotent per invoice: a second initiation
// returns the existing bill instead of registering a new one.

// Sadad callback statuses.
const (
	sadadPaid      = "PAID"
	sadadExpired   = "EXPIRED"
	sadadCancelled = "CANCELLED"
)

type SadadAdapter struct {
	cfg             config.SadadConfig
	client          *Client
	allowUnverified bool
	logger          *slog.Logger
	nowFn           func() time.Time
}

func NewSadadAdapter(cfg config.SadadConfig, allowUnverified bool, logger *slog.Logger) *SadadAdapter {
	return &SadadAdapter{
		cfg:             cfg,
		client:          NewClient("sadad", 30*time.Second, DefaultRetryPolicy(), logger),
		allowUnverified: allowUnverified,
		logger:          logger,
		nowFn:           time.Now,
	}
}

func (a *SadadAdapter) Method() types.PaymentMethod { return types.MethodBillPay }

func (a *SadadAdapter) Configured() bool { return a.cfg.Configured() }

// billNumber derives a deterministic, human-dictatable bill number from
// the biller code, the current epoch and the invoice ID digits.
func (a *SadadAdapter) billNumber(inv *types.Invoice) string {
	epoch := a.nowFn().Unix() % 100000000
	var digits strings.Builder
	for _, r := range inv.ID.String() {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
			if digits.Len() == 6 {
				break
			}
		}
	}
	return fmt.Sprintf("%s%08d%s", a.cfg.BillerCode, epoch, digits.String())
}

type sadadBillRequest struct {
	BillerCode   string `json:"biller_code"`
	BillNumber   string `json:"bill_number"`
	BillAccount  string `json:"bill_account"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	CustomerName string `json:"customer_name"`
	CustomerID   string `json:"customer_id,omitempty"`
	DueDate      string `json:"due_date"`
	ExpiryDate   string `json:"expiry_date"`
	Description  string `json:"description"`
}

type sadadBillResponse struct {
	Status      string `json:"status"`
	BillNumber  string `json:"bill_number"`
	BillAccount string `json:"bill_account"`
	ExpiryDate  string `json:"expiry_date"`
	Message     string `json:"message"`
}

func (a *SadadAdapter) Initiate(ctx context.Context, inv *types.Invoice, member *types.Member, _ InitiateOptions) (*Redirection, error) {
	if !a.Configured() {
		return nil, types.NewAppError(types.ErrCodeGatewayNotConfigured, "sadad is not configured", nil)
	}

	// An invoice gets at most one bill. Re-initiation returns the bill
	// already registered with the bank network.
	if inv.BillPay.BillNumber != "" {
		return &Redirection{
			Provider:    types.MethodBillPay,
			ProviderRef: inv.BillPay.BillNumber,
			BillNumber:  inv.BillPay.BillNumber,
			BillAccount: inv.BillPay.BillAccount,
			BillerCode:  a.cfg.BillerCode,
			BillExpires: inv.BillPay.ExpiresAt,
		}, nil
	}

	now := a.nowFn().UTC()
	expiry := now.AddDate(0, 0, a.cfg.BillValidityDays)
	billNumber := a.billNumber(inv)

	req := sadadBillRequest{
		BillerCode:   a.cfg.BillerCode,
		BillNumber:   billNumber,
		BillAccount:  inv.MemberID.String(),
		Amount:       types.FormatAmount(inv.RemainingBalance()),
		Currency:     inv.Currency,
		CustomerName: member.FullName(),
		CustomerID:   member.NationalID,
		DueDate:      now.Format("2006-01-02"),
		ExpiryDate:   expiry.Format("2006-01-02"),
		Description:  "Invoice " + inv.InvoiceNumber,
	}

	var resp sadadBillResponse
	if err := a.post(ctx, "/v1/bills", req, &resp); err != nil {
		return nil, err
	}
	if !strings.EqualFold(resp.Status, "SUCCESS") || resp.BillNumber == "" {
		return nil, types.NewAppError(types.ErrCodeUpstreamGatewayError,
			"sadad did not register the bill", nil).WithDetails("message", resp.Message)
	}

	a.logger.InfoContext(ctx, "sadad bill registered",
		"invoice_id", inv.ID, "bill_number", resp.BillNumber)

	return &Redirection{
		Provider:    types.MethodBillPay,
		ProviderRef: resp.BillNumber,
		BillNumber:  resp.BillNumber,
		BillAccount: resp.BillAccount,
		BillerCode:  a.cfg.BillerCode,
		BillExpires: &expiry,
	}, nil
}

type sadadStatusResponse struct {
	Status        string `json:"status"`
	BillNumber    string `json:"bill_number"`
	PaidAmount    string `json:"paid_amount"`
	Currency      string `json:"currency"`
	BankReference string `json:"bank_payment_reference"`
	Message       string `json:"message"`
}

func (a *SadadAdapter) Verify(ctx context.Context, billNumber string) (*Verification, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.cfg.BaseURL+"/v1/bills/"+billNumber, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "building sadad request", err)
	}
	a.sign(req, nil)

	status, body, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, types.NewAppError(types.ErrCodeNotFoundOrder, "sadad bill not found", nil)
	}
	if status >= 400 {
		return nil, types.NewAppError(types.ErrCodeUpstreamGatewayError,
			fmt.Sprintf("sadad returned status %d", status), nil)
	}

	var resp sadadStatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamBadResponse, "decoding sadad response", err)
	}
	amount := int64(0)
	if resp.PaidAmount != "" {
		if amount, err = types.ParseAmount(resp.PaidAmount); err != nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamBadResponse, "sadad returned an unparsable amount", err)
		}
	}
	ref := resp.BankReference
	if ref == "" {
		ref = resp.BillNumber
	}
	return &Verification{
		Provider:      types.MethodBillPay,
		ProviderTxRef: ref,
		Status:        sadadStatus(resp.Status),
		Amount:        amount,
		Currency:      resp.Currency,
		Message:       resp.Message,
	}, nil
}

// CancelBill withdraws an unpaid bill from the bank network, e.g. when the
// invoice is cancelled or paid through another method.
func (a *SadadAdapter) CancelBill(ctx context.Context, billNumber string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		a.cfg.BaseURL+"/v1/bills/"+billNumber, nil)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "building sadad request", err)
	}
	a.sign(req, nil)

	status, body, err := a.client.Do(req)
	if err != nil {
		return err
	}
	if status >= 400 && status != http.StatusNotFound {
		return types.NewAppError(types.ErrCodeUpstreamGatewayError,
			fmt.Sprintf("sadad bill cancellation returned status %d", status), nil).
			WithDetails("body", string(body))
	}
	return nil
}

type sadadCallback struct {
	BillNumber    string `json:"bill_number"`
	Status        string `json:"status"`
	PaidAmount    string `json:"paid_amount"`
	Currency      string `json:"currency"`
	BankReference string `json:"bank_payment_reference"`
	PaidAt        string `json:"paid_at"`
}

func (a *SadadAdapter) ParseCallback(body []byte, header CallbackHeader) (*CallbackEvent, error) {
	if err := a.verifyCallbackAuth(body, header); err != nil {
		return nil, err
	}

	var cb sadadCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationMalformedEvent, "malformed sadad callback", err)
	}
	if cb.BillNumber == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMalformedEvent, "sadad callback missing bill_number", nil)
	}
	amount := int64(0)
	if cb.PaidAmount != "" {
		var err error
		if amount, err = types.ParseAmount(cb.PaidAmount); err != nil {
			return nil, types.NewAppError(types.ErrCodeValidationMalformedEvent, "sadad callback amount is unparsable", err)
		}
	}
	ref := cb.BankReference
	if ref == "" {
		ref = cb.BillNumber
	}

	return &CallbackEvent{
		Provider:       types.MethodBillPay,
		Status:         sadadStatus(cb.Status),
		ProviderTxRef:  ref,
		CorrelationRef: cb.BillNumber,
		Amount:         amount,
		Currency:       cb.Currency,
		RawEventType:   cb.Status,
	}, nil
}

func (a *SadadAdapter) verifyCallbackAuth(body []byte, header CallbackHeader) error {
	if !a.Configured() {
		if a.allowUnverified {
			a.logger.Warn("accepting unverified sadad callback")
			return nil
		}
		return types.NewAppError(types.ErrCodeGatewayNotConfigured, "sadad is not configured", nil)
	}
	if header.Signature == "" {
		return types.NewAppError(types.ErrCodeSignatureMissing, "sadad callback missing signature", nil)
	}
	expected := SignBody(a.cfg.APISecret.Unmask(), body)
	if !VerifySignature(header.Signature, expected) {
		return types.NewAppError(types.ErrCodeSignatureInvalid, "sadad callback signature mismatch", nil)
	}
	return nil
}

func (a *SadadAdapter) sign(req *http.Request, body []byte) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", a.cfg.APIKey.Unmask())
	req.Header.Set("X-Timestamp", strconv.FormatInt(a.nowFn().Unix(), 10))
	req.Header.Set("X-Signature", SignBody(a.cfg.APISecret.Unmask(), body))
}

func (a *SadadAdapter) post(ctx context.Context, path string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "encoding sadad request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "building sadad request", err)
	}
	a.sign(req, raw)

	status, body, err := a.client.Do(req)
	if err != nil {
		return err
	}
	if status >= 400 {
		return types.NewAppError(types.ErrCodeUpstreamGatewayError,
			fmt.Sprintf("sadad returned status %d", status), nil).
			WithDetails("body", string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamBadResponse, "decoding sadad response", err)
	}
	return nil
}

func sadadStatus(s string) CallbackStatus {
	switch strings.ToUpper(s) {
	case sadadPaid:
		return StatusApproved
	case sadadExpired:
		return StatusExpired
	case sadadCancelled:
		return StatusCancelled
	case "PENDING", "UNPAID":
		return StatusPending
	default:
		return StatusError
	}
}
