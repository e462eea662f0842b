package cron

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/packfinderz-settlement/pkg/logger"
	"github.com/angelmondragon/packfinderz-settlement/pkg/metrics"
)

type fakeLock struct {
	held     bool
	releases int
}

func (f *fakeLock) Acquire(context.Context) (bool, error) {
	if f.held {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeLock) Release(context.Context) error {
	f.held = false
	f.releases++
	return nil
}

type testJob struct {
	name string
	err  error
	runs int
}

func (t *testJob) Name() string { return t.name }

func (t *testJob) Run(context.Context) error {
	t.runs++
	return t.err
}

func newTestService(t *testing.T, lock Lock, jobs ...Job) (*Service, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	jobMetrics := metrics.NewCronJobMetrics(reg)
	service, err := NewService(ServiceParams{
		Logger:   logger.New(logger.Options{ServiceName: "cron-test"}),
		Registry: NewRegistry(jobs...),
		Lock:     lock,
		Metrics:  jobMetrics,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	return service, reg
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, job string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "job" && label.GetValue() == job {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestServiceRunCycleRunsAllJobsEvenOnFailure(t *testing.T) {
	sweep := &testJob{name: "pending-purchase-sweep", err: errors.New("boom")}
	retention := &testJob{name: "outbox-retention"}
	lock := &fakeLock{}
	service, reg := newTestService(t, lock, sweep, retention)

	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if sweep.runs != 1 || retention.runs != 1 {
		t.Fatalf("expected each job to run once, got sweep=%d retention=%d", sweep.runs, retention.runs)
	}
	if lock.releases != 1 {
		t.Fatalf("expected lock released once, got %d", lock.releases)
	}
	if got := counterValue(t, reg, "settlement_cron_job_failure_total", "pending-purchase-sweep"); got != 1 {
		t.Fatalf("expected one recorded failure, got %v", got)
	}
	if got := counterValue(t, reg, "settlement_cron_job_success_total", "outbox-retention"); got != 1 {
		t.Fatalf("expected one recorded success, got %v", got)
	}
}

func TestServiceRunCycleSkipsWhenLockHeldElsewhere(t *testing.T) {
	job := &testJob{name: "stale-hold-sweep"}
	lock := &fakeLock{held: true}
	service, _ := newTestService(t, lock, job)

	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if job.runs != 0 {
		t.Fatalf("expected job skipped, ran %d", job.runs)
	}
	if lock.releases != 0 {
		t.Fatalf("expected foreign lock left alone")
	}
}

func TestServiceRunStopsOnCancel(t *testing.T) {
	job := &testJob{name: "pending-purchase-sweep"}
	service, _ := newTestService(t, &fakeLock{}, job)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := service.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if job.runs != 1 {
		t.Fatalf("expected the initial cycle to run once, ran %d", job.runs)
	}
}

func TestNewServiceRequiresLock(t *testing.T) {
	_, err := NewService(ServiceParams{Logger: logger.New(logger.Options{ServiceName: "cron-test"})})
	if err == nil {
		t.Fatal("expected error without lock")
	}
}
