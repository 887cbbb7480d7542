package db

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"fitpay/internal/types"
)

// EventRepo is the audit store for raw callback bodies. Payloads are
// gzipped at rest; they are written once and only read during incident
// investigation or manual reconciliation.
type EventRepo struct {
	db     DBTX
	logger *slog.Logger
}

func NewEventRepo(db DBTX, logger *slog.Logger) *EventRepo {
	return &EventRepo{db: db, logger: logger}
}

// Insert stores one callback delivery. externalRef is whatever provider
// reference could be pulled from the payload, possibly empty.
func (r *EventRepo) Insert(ctx context.Context, provider types.PaymentMethod, externalRef string, payload []byte) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "compressing callback payload", err)
	}
	if err := gz.Close(); err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "compressing callback payload", err)
	}

	_, err := r.db.Exec(ctx, `INSERT INTO webhook_events (id, provider, external_ref, payload_gz)
		VALUES ($1, $2, $3, $4)`,
		uuid.New(), provider, externalRef, buf.Bytes())
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDatabase, "inserting webhook event", err)
	}
	return nil
}

// Fetch decompresses and returns one stored payload.
func (r *EventRepo) Fetch(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var compressed []byte
	err := r.db.QueryRow(ctx, `SELECT payload_gz FROM webhook_events WHERE id = $1`, id).Scan(&compressed)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDatabase, "querying webhook event", err)
	}
	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "decompressing callback payload", err)
	}
	defer gz.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(gz); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "decompressing callback payload", err)
	}
	return buf.Bytes(), nil
}

// PruneBefore deletes events older than cutoff and reports how many went.
func (r *EventRepo) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM webhook_events WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDatabase, "pruning webhook events", err)
	}
	return tag.RowsAffected(), nil
}
