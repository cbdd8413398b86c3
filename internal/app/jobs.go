/**
 * @description
 * Scheduled job implementations for the escrow-service.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/transfa/escrow-service/internal/domain"
)

const expiryJobTimeout = 5 * time.Minute

// ExpirySweeper runs one pass over expired held transfers.
type ExpirySweeper interface {
	ExpireSweep(ctx context.Context) (domain.ExpirySweepResult, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	sweeper ExpirySweeper
	logger  *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(sweeper ExpirySweeper, logger *slog.Logger) *Jobs {
	return &Jobs{
		sweeper: sweeper,
		logger:  logger,
	}
}

// ProcessTransferExpiry refunds or freezes held transfers whose claim window closed.
func (j *Jobs) ProcessTransferExpiry() {
	j.logger.Info("starting transfer expiry job")
	ctx, cancel := context.WithTimeout(context.Background(), expiryJobTimeout)
	defer cancel()

	result, err := j.sweeper.ExpireSweep(ctx)
	if err != nil {
		j.logger.Error("transfer expiry job failed", "error", err, "evaluated", result.Evaluated)
		return
	}
	if result.Evaluated == 0 {
		j.logger.Info("no expired transfers to process")
		return
	}

	j.logger.Info("transfer expiry job finished",
		"evaluated", result.Evaluated,
		"expired", result.Expired,
		"frozen", result.Frozen,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
}
