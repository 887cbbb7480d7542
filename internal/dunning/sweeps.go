package dunning

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fitpay/internal/config"
	"fitpay/internal/types"
)

// SweepRepo claims batches of due sequences. Claims are leases: a claimed
// row is invisible to other sweepers until the claim expires or is
// released, so overlapping sweep runs never double-process.
type SweepRepo interface {
	ClaimRetryDue(ctx context.Context, now time.Time, ttl time.Duration, limit int) ([]types.DunningSequence, error)
	ClaimSuspensionDue(ctx context.Context, now time.Time, suspensionDays int, ttl time.Duration, limit int) ([]types.DunningSequence, error)
	ClaimDeactivationDue(ctx context.Context, now time.Time, deactivationDays int, ttl time.Duration, limit int) ([]types.DunningSequence, error)
	ReleaseClaim(ctx context.Context, id uuid.UUID) error
}

// Charger attempts to collect an outstanding invoice without member
// interaction. Implementations settle the invoice themselves on approval
// and report only the disposition here.
type Charger interface {
	ChargeInvoice(ctx context.Context, invoiceID uuid.UUID) (approved bool, detail string, err error)
}

// SweepStats summarizes one sweep run.
type SweepStats struct {
	Claimed   int
	Processed int
	Failed    int
}

/// Sweeper runs the periodic dunning passes: retry charges, access
// suspension and subscription deactivation.
type Sweeper struct {
	repo    SweepRepo
	engine  *Engine
	charger Charger
	cfg     config.DunningConfig
	logger  *slog.Logger
	nowFn   func() time.Time
}

func NewSweeper(repo SweepRepo, engine *Engine, charger Charger, cfg config.DunningConfig, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		repo:    repo,
		engine:  engine,
		charger: charger,
		cfg:     cfg,
		logger:  logger,
		nowFn:   time.Now,
	}
}

// RunRetrySweep charges every sequence whose scheduled retry is due.
func (s *Sweeper) RunRetrySweep(ctx context.Context) (SweepStats, error) {
	due, err := s.repo.ClaimRetryDue(ctx, s.nowFn().UTC(), s.cfg.ClaimTTL, s.cfg.SweepBatchSize)
	if err != nil {
		return SweepStats{}, err
	}
	stats := SweepStats{Claimed: len(due)}

	for i := range due {
		seq := &due[i]
		if err := s.retryOne(ctx, seq); err != nil {
			stats.Failed++
			s.logger.ErrorContext(ctx, "dunning retry failed to process",
				"sequence_id", seq.ID, "error", err)
			s.release(ctx, seq.ID)
			continue
		}
		stats.Processed++
	}
	s.logSweep(ctx, "retry", stats)
	return stats, nil
}

func (s *Sweeper) retryOne(ctx context.Context, seq *types.DunningSequence) error {
	if s.charger == nil {
		return types.NewAppError(types.ErrCodeGatewayNotConfigured,
			"no charger configured for dunning retries", nil)
	}
	approved, detail, err := s.charger.ChargeInvoice(ctx, seq.InvoiceID)
	if err != nil {
		// A transport-level failure is not a decline; release the claim
		// and let the next sweep try again.
		return err
	}
	return s.engine.RecordRetryResult(ctx, seq, approved, detail)
}

// RunSuspensionSweep suspends access for sequences older than the
// suspension threshold.
func (s *Sweeper) RunSuspensionSweep(ctx context.Context) (SweepStats, error) {
	due, err := s.repo.ClaimSuspensionDue(ctx, s.nowFn().UTC(), s.cfg.SuspensionDays, s.cfg.ClaimTTL, s.cfg.SweepBatchSize)
	if err != nil {
		return SweepStats{}, err
	}
	stats := SweepStats{Claimed: len(due)}

	for i := range due {
		seq := &due[i]
		if err := s.engine.Suspend(ctx, seq); err != nil {
			stats.Failed++
			s.logger.ErrorContext(ctx, "dunning suspension failed",
				"sequence_id", seq.ID, "error", err)
			s.release(ctx, seq.ID)
			continue
		}
		stats.Processed++
	}
	s.logSweep(ctx, "suspension", stats)
	return stats, nil
}

// RunDeactivationSweep deactivates subscriptions whose suspended
// sequences aged past the deactivation threshold.
func (s *Sweeper) RunDeactivationSweep(ctx context.Context) (SweepStats, error) {
	due, err := s.repo.ClaimDeactivationDue(ctx, s.nowFn().UTC(), s.cfg.DeactivationDays, s.cfg.ClaimTTL, s.cfg.SweepBatchSize)
	if err != nil {
		return SweepStats{}, err
	}
	stats := SweepStats{Claimed: len(due)}

	for i := range due {
		seq := &due[i]
		if err := s.engine.Deactivate(ctx, seq); err != nil {
			stats.Failed++
			s.logger.ErrorContext(ctx, "dunning deactivation failed",
				"sequence_id", seq.ID, "error", err)
			s.release(ctx, seq.ID)
			continue
		}
		stats.Processed++
	}
	s.logSweep(ctx, "deactivation", stats)
	return stats, nil
}

func (s *Sweeper) release(ctx context.Context, id uuid.UUID) {
	if err := s.repo.ReleaseClaim(ctx, id); err != nil {
		s.logger.WarnContext(ctx, "failed to release dunning claim", "sequence_id", id, "error", err)
	}
}

func (s *Sweeper) logSweep(ctx context.Context, kind string, stats SweepStats) {
	if stats.Claimed == 0 {
		return
	}
	s.logger.InfoContext(ctx, "dunning sweep finished",
		"sweep", kind, "claimed", stats.Claimed, "processed", stats.Processed, "failed", stats.Failed)
}
