package types

import (
	"time"

	"github.com/google/uuid"
)

// PaymentMethod names a supported payment rail. Each value maps to exactly
// one gateway adapter.
type PaymentMethod string

const (
	MethodCard    PaymentMethod = "paytabs" // card and Mada via PayTabs hosted page
	MethodWallet  PaymentMethod = "stcpay"  // STC Pay mobile wallet with OTP confirmation
	MethodBillPay PaymentMethod = "sadad"   // Sadad bank bill presentment
	MethodBNPL    PaymentMethod = "tamara"  // Tamara buy-now-pay-later instalments
)

// ParsePaymentMethod validates a client-supplied method string.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch m := PaymentMethod(s); m {
	case MethodCard, MethodWallet, MethodBillPay, MethodBNPL:
		return m, nil
	default:
		return "", NewAppError(ErrCodeValidationInvalidMethod, "unknown payment method: "+s, nil)
	}
}

type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "DRAFT"
	InvoiceIssued        InvoiceStatus = "ISSUED"
	InvoicePartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	InvoicePaid          InvoiceStatus = "PAID"
	InvoiceOverdue       InvoiceStatus = "OVERDUE"
	InvoiceCancelled     InvoiceStatus = "CANCELLED"
	InvoiceRefunded      InvoiceStatus = "REFUNDED"
)

// Payable reports whether the invoice may receive a settlement.
func (s InvoiceStatus) Payable() bool {
	switch s {
	case InvoiceIssued, InvoiceOverdue, InvoicePartiallyPaid:
		return true
	default:
		return false
	}
}

// CardCorrelation stores the PayTabs transaction reference issued when a
// hosted payment page is created. Recurring retries reuse it as the token
// for token-based charges.
type CardCorrelation struct {
	TranRef string `json:"tran_ref,omitempty"`
}

// WalletCorrelation stores STC Pay references. TransactionID correlates
// asynchronous callbacks; PaymentReference is set once the wallet confirms.
type WalletCorrelation struct {
	TransactionID    string `json:"transaction_id,omitempty"`
	OTPReference     string `json:"otp_reference,omitempty"`
	PaymentReference string `json:"payment_reference,omitempty"`
}

// BillPayCorrelation stores the Sadad bill issued for an invoice. A bill is
// generated at most once per invoice; BillNumber is the idempotency anchor.
type BillPayCorrelation struct {
	BillNumber  string     `json:"bill_number,omitempty"`
	BillAccount string     `json:"bill_account,omitempty"`
	Status      string     `json:"status,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// BNPLCorrelation stores Tamara checkout and order references. OrderID is
// assigned by the provider on approval and drives authorize/capture.
type BNPLCorrelation struct {
	CheckoutID  string `json:"checkout_id,omitempty"`
	OrderID     string `json:"order_id,omitempty"`
	Instalments int    `json:"instalments,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Invoice is the settlement aggregate. TotalAmount and PaidAmount are minor
// units in Currency. Version backs optimistic locking on every mutation.
type Invoice struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	MemberID       uuid.UUID
	SubscriptionID *uuid.UUID
	InvoiceNumber  string
	Status         InvoiceStatus
	TotalAmount    int64
	PaidAmount     int64
	Currency       string
	DueDate        *time.Time
	PaidDate       *time.Time
	Card           CardCorrelation
	Wallet         WalletCorrelation
	BillPay        BillPayCorrelation
	BNPL           BNPLCorrelation
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RemainingBalance is the amount still owed, never negative.
func (i *Invoice) RemainingBalance() int64 {
	r := i.TotalAmount - i.PaidAmount
	if r < 0 {
		return 0
	}
	return r
}

// Member carries the payer details gateways require for checkout and
// billing descriptors.
type Member struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	FirstName      string
	LastName       string
	Email          string
	Phone          string
	NationalID     string
	Street         string
	City           string
	Region         string
	PostalCode     string
	CountryCode    string
}

func (m *Member) FullName() string {
	if m.FirstName == "" {
		return m.LastName
	}
	if m.LastName == "" {
		return m.FirstName
	}
	return m.FirstName + " " + m.LastName
}

// SettlementRecord is the immutable ledger row written once per accepted
// settlement. The (Provider, ProviderTxRef) pair is unique; replays of the
// same provider transaction hit that constraint and return the prior
// outcome instead of crediting twice.
type SettlementRecord struct {
	ID            uuid.UUID
	Provider      PaymentMethod
	ProviderTxRef string
	InvoiceID     uuid.UUID
	Amount        int64
	Currency      string
	InvoiceStatus InvoiceStatus
	AppliedAt     time.Time
}

// SettlementOutcome reports what a settlement attempt did. Duplicate marks
// an idempotent replay; the remaining fields always describe the invoice
// state after the original (or current) application.
type SettlementOutcome struct {
	Duplicate     bool          `json:"duplicate"`
	InvoiceID     uuid.UUID     `json:"invoice_id"`
	InvoiceStatus InvoiceStatus `json:"invoice_status"`
	PaidAmount    int64         `json:"paid_amount"`
	ProviderTxRef string        `json:"provider_tx_ref"`
}

type DunningStatus string

const (
	DunningActive      DunningStatus = "ACTIVE"
	DunningSuspended   DunningStatus = "SUSPENDED"
	DunningRecovered   DunningStatus = "RECOVERED"
	DunningDeactivated DunningStatus = "DEACTIVATED"
)

// Terminal reports whether the sequence can no longer change state.
func (s DunningStatus) Terminal() bool {
	return s == DunningRecovered || s == DunningDeactivated
}

// DunningSequence tracks recovery of one failed recurring payment. A
// subscription has at most one non-terminal sequence at a time.
type DunningSequence struct {
	ID             uuid.UUID     `json:"id"`
	OrganizationID uuid.UUID     `json:"organization_id"`
	SubscriptionID uuid.UUID     `json:"subscription_id"`
	InvoiceID      uuid.UUID     `json:"invoice_id"`
	MemberID       uuid.UUID     `json:"member_id"`
	Status         DunningStatus `json:"status"`
	Amount         int64         `json:"amount"`
	Currency       string        `json:"currency"`
	FailureReason  string        `json:"failure_reason"`
	FailedAt       time.Time     `json:"failed_at"`
	RetryCount     int           `json:"retry_count"`
	NextRetryAt    *time.Time    `json:"next_retry_at,omitempty"`
	LastRetryAt    *time.Time    `json:"last_retry_at,omitempty"`
	Suspended      bool          `json:"suspended"`
	SuspendedAt    *time.Time    `json:"suspended_at,omitempty"`
	RecoveredAt    *time.Time    `json:"recovered_at,omitempty"`
	RecoveryMethod string        `json:"recovery_method,omitempty"`
	DeactivatedAt  *time.Time    `json:"deactivated_at,omitempty"`
	CSMEscalated   bool          `json:"csm_escalated"`
	CSMEscalatedAt *time.Time    `json:"csm_escalated_at,omitempty"`
	CSMUserID      *uuid.UUID    `json:"csm_user_id,omitempty"`
	Notes          string        `json:"notes,omitempty"`
	ClaimedUntil   *time.Time    `json:"-"`
	Version        int64         `json:"-"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}
