package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/packfinderz-settlement/internal/settlement"
	"github.com/angelmondragon/packfinderz-settlement/pkg/db/models"
	pkgerrors "github.com/angelmondragon/packfinderz-settlement/pkg/errors"
	"github.com/angelmondragon/packfinderz-settlement/pkg/logger"
)

const defaultPendingAge = 10 * time.Minute

// PendingPurchaseJobParams configure the sweep that re-drives purchases whose
// capture never settled.
type PendingPurchaseJobParams struct {
	Logger    *logger.Logger
	Purchases pendingPurchaseReader
	Finalizer purchaseFinalizer
	Age       time.Duration
	BatchSize int
}

type pendingPurchaseReader interface {
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.PurchaseRecord, error)
}

type purchaseFinalizer interface {
	Finalize(ctx context.Context, purchaseID uuid.UUID) (*settlement.Outcome, error)
}

// NewPendingPurchaseJob builds the pending purchase sweep.
func NewPendingPurchaseJob(params PendingPurchaseJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Purchases == nil {
		return nil, fmt.Errorf("purchase reader required")
	}
	if params.Finalizer == nil {
		return nil, fmt.Errorf("finalizer required")
	}
	age := params.Age
	if age <= 0 {
		age = defaultPendingAge
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &pendingPurchaseJob{
		logg:      params.Logger,
		purchases: params.Purchases,
		finalizer: params.Finalizer,
		age:       age,
		batch:     batch,
		now:       time.Now,
	}, nil
}

type pendingPurchaseJob struct {
	logg      *logger.Logger
	purchases pendingPurchaseReader
	finalizer purchaseFinalizer
	age       time.Duration
	batch     int
	now       func() time.Time
}

func (j *pendingPurchaseJob) Name() string { return JobPendingPurchaseSweep }

func (j *pendingPurchaseJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.age)
	records, err := j.purchases.ListPendingBefore(ctx, cutoff, j.batch)
	if err != nil {
		return fmt.Errorf("query pending purchases: %w", err)
	}

	var errs error
	tally := map[string]int{}
	for _, record := range records {
		recordCtx := j.logg.WithHoldRef(j.logg.WithPurchaseID(ctx, record.ID.String()), record.HoldRef)
		outcome, err := j.finalizer.Finalize(recordCtx, record.ID)
		switch {
		case err == nil:
			tally[string(outcome.Status)]++
		case stillPending(err):
			// The next cycle or the webhook settles it.
			tally[string(settlement.FinalizePending)]++
			j.logg.Warn(recordCtx, fmt.Sprintf("purchase still pending: %v", err))
		default:
			tally["error"]++
			errs = multierr.Append(errs, fmt.Errorf("finalize purchase %s: %w", record.ID, err))
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":      cutoff,
		"scanned":     len(records),
		"completed":   tally[string(settlement.FinalizeCompleted)],
		"compensated": tally[string(settlement.FinalizeCompensated)],
		"failed":      tally[string(settlement.FinalizeFailed)],
		"pending":     tally[string(settlement.FinalizePending)],
		"errors":      tally["error"],
	})
	j.logg.Info(logCtx, "pending purchase sweep complete")
	return errs
}

func stillPending(err error) bool {
	return pkgerrors.IsCode(err, pkgerrors.CodeCaptureAmbiguous) ||
		pkgerrors.IsCode(err, pkgerrors.CodeProcessorUnavailable) ||
		pkgerrors.IsCode(err, pkgerrors.CodeHoldNotReady)
}
