package db

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fitpay/internal/settlement"
	"fitpay/internal/types"
)

// Ledger adapts the invoice and settlement repositories to the settlement
// coordinator's transactional contract.
type Ledger struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewLedger(pool *pgxpool.Pool, logger *slog.Logger) *Ledger {
	return &Ledger{pool: pool, logger: logger}
}

func (l *Ledger) InTx(ctx context.Context, fn func(tx settlement.Tx) error) error {
	return pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		return fn(&ledgerTx{
			invoices:    NewInvoiceRepo(tx, l.logger),
			settlements: NewSettlementRepo(tx, l.logger),
		})
	})
}

type ledgerTx struct {
	invoices    *InvoiceRepo
	settlements *SettlementRepo
}

func (t *ledgerTx) FindSettlementByRef(ctx context.Context, provider types.PaymentMethod, ref string) (*types.SettlementRecord, error) {
	return t.settlements.FindByProviderRef(ctx, provider, ref)
}

func (t *ledgerTx) InvoiceForUpdate(ctx context.Context, id uuid.UUID) (*types.Invoice, error) {
	return t.invoices.FindByIDForUpdate(ctx, id)
}

func (t *ledgerTx) ApplySettlement(ctx context.Context, inv *types.Invoice) error {
	return t.invoices.ApplySettlementState(ctx, inv)
}

func (t *ledgerTx) InsertSettlement(ctx context.Context, rec *types.SettlementRecord) error {
	err := t.settlements.Insert(ctx, rec)
	if errors.Is(err, ErrDuplicateSettlement) {
		return settlement.ErrDuplicateRef
	}
	return err
}
