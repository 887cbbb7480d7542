// Package gateway adapts external payment providers to one initiation and
// callback contract. Each provider (PayTabs cards, STC Pay wallet, Sadad
// bill-pay, Tamara instalments) implements Adapter; the Router picks the
// adapter for a payment method and refuses methods whose credentials are
// not configured.
package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"

	"fitpay/internal/types"
)

// CallbackStatus is the provider-neutral disposition of an asynchronous
// callback after signature verification and parsing.
type CallbackStatus string

const (
	StatusApproved  CallbackStatus = "approved"
	StatusDeclined  CallbackStatus = "declined"
	StatusError     CallbackStatus = "error"
	StatusHold      CallbackStatus = "hold"
	StatusPending   CallbackStatus = "pending"
	StatusVoided    CallbackStatus = "voided"
	StatusExpired   CallbackStatus = "expired"
	StatusCancelled CallbackStatus = "cancelled"
)

// Settles reports whether the status credits the invoice.
func (s CallbackStatus) Settles() bool { return s == StatusApproved }

// InitiateOptions carries method-specific inputs for payment initiation.
type InitiateOptions struct {
	// MobileNumber is required for wallet payments; normalized to the
	// Saudi 966 format before it reaches the provider.
	MobileNumber string
	// Instalments selects the BNPL plan (3, 4, or 30-day single payment).
	Instalments int
}

// Redirection is what initiation hands back to the client. Which fields
// are set depends on the method: cards and BNPL get a redirect URL, the
// wallet gets an OTP reference, bill-pay gets bank bill coordinates.
type Redirection struct {
	Provider    types.PaymentMethod `json:"provider"`
	ProviderRef string              `json:"provider_ref"`
	RedirectURL string              `json:"redirect_url,omitempty"`

	OTPReference string `json:"otp_reference,omitempty"`
	OTPExpirySec int    `json:"otp_expiry_seconds,omitempty"`

	BillNumber  string     `json:"bill_number,omitempty"`
	BillAccount string     `json:"bill_account,omitempty"`
	BillerCode  string     `json:"biller_code,omitempty"`
	BillExpires *time.Time `json:"bill_expires_at,omitempty"`

	Instalments int `json:"instalments,omitempty"`
}

// CallbackEvent is a verified, parsed provider callback. ProviderTxRef is
// the settlement idempotency key; CorrelationRef locates the invoice when
// the payload does not carry our invoice ID directly.
type CallbackEvent struct {
	Provider       types.PaymentMethod
	Status         CallbackStatus
	InvoiceID      uuid.UUID
	ProviderTxRef  string
	CorrelationRef string
	Amount         int64
	Currency       string
	Message        string
	RawEventType   string
}

// Verification is the result of an active status query against a provider.
type Verification struct {
	Provider      types.PaymentMethod
	ProviderTxRef string
	Status        CallbackStatus
	Amount        int64
	Currency      string
	Message       string
}

// Adapter is the per-provider contract. Implementations must be safe for
// concurrent use.
type Adapter interface {
	Method() types.PaymentMethod
	Configured() bool

	// Initiate starts a payment for the invoice's remaining balance and
	// records nothing; the caller persists the returned references.
	Initiate(ctx context.Context, inv *types.Invoice, member *types.Member, opts InitiateOptions) (*Redirection, error)

	// Verify queries the provider for the current state of a transaction.
	Verify(ctx context.Context, providerRef string) (*Verification, error)

	// ParseCallback authenticates and decodes a raw callback body. It
	// must reject the payload before trusting any field when the
	// signature is missing or wrong.
	ParseCallback(body []byte, header CallbackHeader) (*CallbackEvent, error)
}

// CallbackHeader carries the authentication material delivered alongside a
// callback body.
type CallbackHeader struct {
	Signature string
	APIKey    string
	Timestamp string
	Token     string
}

// Router dispatches payment operations to the adapter registered for a
// method.
type Router struct {
	adapters map[types.PaymentMethod]Adapter
}

func NewRouter(adapters ...Adapter) *Router {
	m := make(map[types.PaymentMethod]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Method()] = a
	}
	return &Router{adapters: m}
}

// Adapter returns the adapter for the method, failing when the method is
// unknown or its provider is not configured.
func (r *Router) Adapter(method types.PaymentMethod) (Adapter, error) {
	a, ok := r.adapters[method]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidMethod,
			"no gateway registered for method "+string(method), nil)
	}
	if !a.Configured() {
		return nil, types.NewAppError(types.ErrCodeGatewayNotConfigured,
			"gateway "+string(method)+" is not configured", nil)
	}
	return a, nil
}

// CallbackAdapter returns the adapter without the configuration gate.
// Callback verification is the adapter's own call: an unconfigured
// provider rejects callbacks unless the sandbox bypass is on.
func (r *Router) CallbackAdapter(method types.PaymentMethod) (Adapter, error) {
	a, ok := r.adapters[method]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidMethod,
			"no gateway registered for method "+string(method), nil)
	}
	return a, nil
}

// AvailableMethods lists the methods whose providers are configured.
func (r *Router) AvailableMethods() []types.PaymentMethod {
	out := make([]types.PaymentMethod, 0, len(r.adapters))
	for m, a := range r.adapters {
		if a.Configured() {
			out = append(out, m)
		}
	}
	return out
}
