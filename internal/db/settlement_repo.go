package db

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"fitpay/internal/types"
)

// ErrDuplicateSettlement is returned when an insert hits the unique
// (provider, provider_tx_ref) constraint. Callers treat it as an
// idempotent replay, not a failure.
var ErrDuplicateSettlement = errors.New("settlement already recorded for provider reference")

type SettlementRepo struct {
	db     DBTX
	logger *slog.Logger
}

func NewSettlementRepo(db DBTX, logger *slog.Logger) *SettlementRepo {
	return &SettlementRepo{db: db, logger: logger}
}

func (r *SettlementRepo) WithTx(tx pgx.Tx) *SettlementRepo {
	return &SettlementRepo{db: tx, logger: r.logger}
}

const settlementColumns = `id, provider, provider_tx_ref, invoice_id, amount, currency, invoice_status, applied_at`

func (r *SettlementRepo) scan(row pgx.Row) (*types.SettlementRecord, error) {
	var rec types.SettlementRecord
	err := row.Scan(&rec.ID, &rec.Provider, &rec.ProviderTxRef, &rec.InvoiceID,
		&rec.Amount, &rec.Currency, &rec.InvoiceStatus, &rec.AppliedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindByProviderRef returns the settlement recorded under the provider
// reference, or (nil, nil) when none exists.
func (r *SettlementRepo) FindByProviderRef(ctx context.Context, provider types.PaymentMethod, ref string) (*types.SettlementRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE provider = $1 AND provider_tx_ref = $2`,
		provider, ref)
	rec, err := r.scan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDatabase, "querying settlement", err)
	}
	return rec, nil
}

func (r *SettlementRepo) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]types.SettlementRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE invoice_id = $1 ORDER BY applied_at`, invoiceID)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDatabase, "listing settlements", err)
	}
	defer rows.Close()

	var out []types.SettlementRecord
	for rows.Next() {
		rec, err := r.scan(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDatabase, "scanning settlement", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDatabase, "iterating settlements", err)
	}
	return out, nil
}

// Insert writes the settlement row. A duplicate provider reference comes
// back as ErrDuplicateSettlement.
func (r *SettlementRepo) Insert(ctx context.Context, rec *types.SettlementRecord) error {
	_, err := r.db.Exec(ctx, `INSERT INTO settlements
		(id, provider, provider_tx_ref, invoice_id, amount, currency, invoice_status, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.Provider, rec.ProviderTxRef, rec.InvoiceID,
		rec.Amount, rec.Currency, rec.InvoiceStatus, rec.AppliedAt)
	if err != nil {
		if isUniqueViolation(err, "settlements_provider_ref_key") {
			return ErrDuplicateSettlement
		}
		return types.NewAppError(types.ErrCodeInternalDatabase, "inserting settlement", err)
	}
	return nil
}
