package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/packfinderz-settlement/pkg/db/models"
	"github.com/angelmondragon/packfinderz-settlement/pkg/enums"
	"github.com/angelmondragon/packfinderz-settlement/pkg/logger"
)

const defaultStaleHoldTTL = 24 * time.Hour

// StaleHoldJobParams configure the sweep that releases holds no purchase was
// ever committed against.
type StaleHoldJobParams struct {
	Logger    *logger.Logger
	Holds     staleHoldReader
	Releaser  staleHoldReleaser
	TTL       time.Duration
	BatchSize int
}

type staleHoldReader interface {
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.HoldAuthorization, error)
}

type staleHoldReleaser interface {
	ReleaseStaleHold(ctx context.Context, hold models.HoldAuthorization) (enums.HoldStatus, error)
}

func NewStaleHoldJob(params StaleHoldJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Holds == nil {
		return nil, fmt.Errorf("hold reader required")
	}
	if params.Releaser == nil {
		return nil, fmt.Errorf("hold releaser required")
	}
	ttl := params.TTL
	if ttl <= 0 {
		ttl = defaultStaleHoldTTL
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &staleHoldJob{
		logg:     params.Logger,
		holds:    params.Holds,
		releaser: params.Releaser,
		ttl:      ttl,
		batch:    batch,
		now:      time.Now,
	}, nil
}

type staleHoldJob struct {
	logg     *logger.Logger
	holds    staleHoldReader
	releaser staleHoldReleaser
	ttl      time.Duration
	batch    int
	now      func() time.Time
}

func (j *staleHoldJob) Name() string { return JobStaleHoldSweep }

func (j *staleHoldJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.ttl)
	holds, err := j.holds.ListStale(ctx, cutoff, j.batch)
	if err != nil {
		return fmt.Errorf("query stale holds: %w", err)
	}

	var errs error
	released := 0
	for _, hold := range holds {
		status, err := j.releaser.ReleaseStaleHold(ctx, hold)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("release hold %s: %w", hold.HoldRef, err))
			continue
		}
		if status == enums.HoldStatusCanceled && hold.Status != enums.HoldStatusCanceled {
			released++
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":   cutoff,
		"scanned":  len(holds),
		"released": released,
		"failures": len(multierr.Errors(errs)),
	})
	j.logg.Info(logCtx, "stale hold sweep complete")
	return errs
}
