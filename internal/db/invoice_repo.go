package db

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"fitpay/internal/types"
)

type InvoiceRepo struct {
	db     DBTX
	logger *slog.Logger
}

func NewInvoiceRepo(db DBTX, logger *slog.Logger) *InvoiceRepo {
	return &InvoiceRepo{db: db, logger: logger}
}

// WithTx returns a copy of the repo bound to the given transaction.
func (r *InvoiceRepo) WithTx(tx pgx.Tx) *InvoiceRepo {
	return &InvoiceRepo{db: tx, logger: r.logger}
}

const invoiceColumns = `id, organization_id, member_id, subscription_id, invoice_number,
	status, total_amount, paid_amount, currency, due_date, paid_date,
	card_ref, wallet_ref, billpay_ref, bnpl_ref, version, created_at, updated_at`

func (r *InvoiceRepo) scan(row pgx.Row) (*types.Invoice, error) {
	var inv types.Invoice
	var cardRef, walletRef, billpayRef, bnplRef []byte
	err := row.Scan(
		&inv.ID, &inv.OrganizationID, &inv.MemberID, &inv.SubscriptionID, &inv.InvoiceNumber,
		&inv.Status, &inv.TotalAmount, &inv.PaidAmount, &inv.Currency, &inv.DueDate, &inv.PaidDate,
		&cardRef, &walletRef, &billpayRef, &bnplRef, &inv.Version, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundInvoice, "invoice not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDatabase, "querying invoice", err)
	}
	for _, pair := range []struct {
		raw []byte
		dst any
	}{
		{cardRef, &inv.Card},
		{walletRef, &inv.Wallet},
		{billpayRef, &inv.BillPay},
		{bnplRef, &inv.BNPL},
	} {
		if len(pair.raw) > 0 {
			if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
				return nil, types.NewAppError(types.ErrCodeInternalDatabase, "decoding invoice provider refs", err)
			}
		}
	}
	return &inv, nil
}

func (r *InvoiceRepo) FindByID(ctx context.Context, id uuid.UUID) (*types.Invoice, error) {
	row := r.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	return r.scan(row)
}

// FindByIDForUpdate locks the invoice row for the duration of the
// enclosing transaction. Settlement application must hold this lock.
func (r *InvoiceRepo) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*types.Invoice, error) {
	row := r.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, id)
	return r.scan(row)
}

func (r *InvoiceRepo) FindByWalletTransactionID(ctx context.Context, transactionID string) (*types.Invoice, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE wallet_ref ->> 'transaction_id' = $1`, transactionID)
	return r.scan(row)
}

func (r *InvoiceRepo) FindByBillNumber(ctx context.Context, billNumber string) (*types.Invoice, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE billpay_ref ->> 'bill_number' = $1`, billNumber)
	return r.scan(row)
}

func (r *InvoiceRepo) FindByBNPLOrderID(ctx context.Context, orderID string) (*types.Invoice, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE bnpl_ref ->> 'order_id' = $1`, orderID)
	return r.scan(row)
}

// UpdateProviderRefs persists the correlation blocks under optimistic
// locking. A version miss means a concurrent writer won and the caller
// should re-read.
func (r *InvoiceRepo) UpdateProviderRefs(ctx context.Context, inv *types.Invoice) error {
	refs := make([][]byte, 0, 4)
	for _, v := range []any{inv.Card, inv.Wallet, inv.BillPay, inv.BNPL} {
		raw, err := json.Marshal(v)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "encoding provider refs", err)
		}
		refs = append(refs, raw)
	}
	return r.execVersioned(ctx, inv, `UPDATE invoices
		SET card_ref = $1, wallet_ref = $2, billpay_ref = $3, bnpl_ref = $4,
			version = version + 1, updated_at = now()
		WHERE id = $5 AND version = $6`,
		refs[0], refs[1], refs[2], refs[3], inv.ID, inv.Version)
}

// ApplySettlementState writes the post-settlement balance and status. The
// caller holds the row lock, so the version check is belt and braces.
func (r *InvoiceRepo) ApplySettlementState(ctx context.Context, inv *types.Invoice) error {
	return r.execVersioned(ctx, inv, `UPDATE invoices
		SET paid_amount = $1, status = $2, paid_date = $3, version = version + 1, updated_at = now()
		WHERE id = $4 AND version = $5`,
		inv.PaidAmount, inv.Status, inv.PaidDate, inv.ID, inv.Version)
}

// MarkOverdue flips issued invoices past their due date to OVERDUE and
// returns how many changed.
func (r *InvoiceRepo) MarkOverdue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `UPDATE invoices
		SET status = $1, version = version + 1, updated_at = now()
		WHERE status = $2 AND due_date IS NOT NULL AND due_date < $3`,
		types.InvoiceOverdue, types.InvoiceIssued, now)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDatabase, "marking invoices overdue", err)
	}
	return tag.RowsAffected(), nil
}

func (r *InvoiceRepo) execVersioned(ctx context.Context, inv *types.Invoice, sql string, args ...any) error {
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDatabase, "updating invoice", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "invoice version conflict", "invoice_id", inv.ID, "version", inv.Version)
		return types.NewAppError(types.ErrCodeConflictConcurrentEdit,
			"invoice was modified concurrently", nil)
	}
	inv.Version++
	return nil
}
