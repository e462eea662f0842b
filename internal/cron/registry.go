package cron

import (
	"context"
	"fmt"
)

// Settlement sweep names. They label cron metrics and log lines.
const (
	JobPendingPurchaseSweep = "pending-purchase-sweep"
	JobStaleHoldSweep       = "stale-hold-sweep"
	JobOutboxRetention      = "outbox-retention"
)

// Job is one sweep run by the cron worker under the reconciler lock.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Registry holds the sweeps in run order. Names are unique so one cycle never
// re-drives the same purchases twice.
type Registry struct {
	jobs  []Job
	names map[string]struct{}
}

// NewRegistry builds a registry from jobs, skipping nils and repeated names.
func NewRegistry(jobs ...Job) *Registry {
	registry := &Registry{names: map[string]struct{}{}}
	for _, job := range jobs {
		_ = registry.Register(job)
	}
	return registry
}

// Register appends job. A nil job is ignored.
func (r *Registry) Register(job Job) error {
	if job == nil {
		return nil
	}
	if r.names == nil {
		r.names = map[string]struct{}{}
	}
	name := job.Name()
	if _, dup := r.names[name]; dup {
		return fmt.Errorf("cron job %q already registered", name)
	}
	r.names[name] = struct{}{}
	r.jobs = append(r.jobs, job)
	return nil
}

// Jobs returns the registered jobs in the order they were added.
func (r *Registry) Jobs() []Job {
	jobs := make([]Job, len(r.jobs))
	copy(jobs, r.jobs)
	return jobs
}

// Names lists job names in run order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.jobs))
	for _, job := range r.jobs {
		names = append(names, job.Name())
	}
	return names
}
