// Package processortest provides an in-memory processor for tests.
package processortest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/angelmondragon/packfinderz-settlement/internal/processor"
	"github.com/angelmondragon/packfinderz-settlement/pkg/enums"
)

var ErrUnknownHold = errors.New("processortest: unknown hold")

// Fake implements processor.Client. Holds created through CreateHold start in
// requires_capture. Error fields are returned by the matching call until reset.
type Fake struct {
	mu sync.Mutex

	holds   map[string]*processor.Hold
	keys    map[string]string
	seq     int
	Refunds []string

	CreateErr   error
	CaptureErr  error
	CancelErr   error
	RefundErr   error
	RetrieveErr error
	// RetrieveErrs is consumed one entry per Retrieve call before RetrieveErr.
	RetrieveErrs []error
	// CaptureApplied moves the hold to succeeded even when CaptureErr is set,
	// simulating a capture whose response was lost.
	CaptureApplied bool
	// CaptureHook runs against the stored hold on every Capture call, before
	// CaptureErr is consulted.
	CaptureHook func(hold *processor.Hold)

	CreateCalls   int
	CaptureCalls  int
	CancelCalls   int
	RefundCalls   int
	RetrieveCalls int
}

var _ processor.Client = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		holds: map[string]*processor.Hold{},
		keys:  map[string]string{},
	}
}

// Put registers a hold directly, bypassing CreateHold.
func (f *Fake) Put(hold processor.Hold) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := hold
	copied.Metadata = copyMetadata(hold.Metadata)
	f.holds[hold.Ref] = &copied
}

func (f *Fake) SetStatus(ref string, status enums.HoldStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hold, ok := f.holds[ref]; ok {
		hold.Status = status
	}
}

// Hold returns a copy of the stored hold.
func (f *Fake) Hold(ref string) (processor.Hold, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hold, ok := f.holds[ref]
	if !ok {
		return processor.Hold{}, false
	}
	return snapshot(hold), true
}

func (f *Fake) CreateHold(_ context.Context, req processor.CreateHoldRequest) (*processor.Hold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateCalls++
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	if ref, ok := f.keys[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		copied := snapshot(f.holds[ref])
		return &copied, nil
	}
	f.seq++
	hold := &processor.Hold{
		Ref:              fmt.Sprintf("pi_fake_%d", f.seq),
		Status:           enums.HoldStatusRequiresCapture,
		AmountCents:      req.AmountCents,
		CapturableCents:  req.AmountCents,
		PlatformFeeCents: req.PlatformFeeCents,
		ClientSecret:     fmt.Sprintf("pi_fake_%d_secret", f.seq),
		Metadata:         copyMetadata(req.Metadata),
	}
	f.holds[hold.Ref] = hold
	if req.IdempotencyKey != "" {
		f.keys[req.IdempotencyKey] = hold.Ref
	}
	copied := snapshot(hold)
	return &copied, nil
}

func (f *Fake) Capture(_ context.Context, holdRef, _ string) (*processor.Hold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CaptureCalls++
	hold, ok := f.holds[holdRef]
	if !ok {
		return nil, ErrUnknownHold
	}
	if f.CaptureHook != nil {
		f.CaptureHook(hold)
	}
	if f.CaptureErr != nil {
		if f.CaptureApplied {
			hold.Status = enums.HoldStatusSucceeded
		}
		return nil, f.CaptureErr
	}
	if hold.Status == enums.HoldStatusSucceeded {
		copied := snapshot(hold)
		return &copied, nil
	}
	if hold.Status != enums.HoldStatusRequiresCapture {
		return nil, &processor.DeclinedError{Reason: "payment_intent_unexpected_state"}
	}
	hold.Status = enums.HoldStatusSucceeded
	hold.CapturableCents = 0
	copied := snapshot(hold)
	return &copied, nil
}

func (f *Fake) Cancel(_ context.Context, holdRef, _ string) (*processor.Hold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CancelCalls++
	if f.CancelErr != nil {
		return nil, f.CancelErr
	}
	hold, ok := f.holds[holdRef]
	if !ok {
		return nil, ErrUnknownHold
	}
	if hold.Status == enums.HoldStatusSucceeded {
		return nil, &processor.DeclinedError{Reason: "payment_intent_unexpected_state"}
	}
	hold.Status = enums.HoldStatusCanceled
	hold.CapturableCents = 0
	copied := snapshot(hold)
	return &copied, nil
}

func (f *Fake) Refund(_ context.Context, holdRef, _ string) (*processor.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RefundCalls++
	if f.RefundErr != nil {
		return nil, f.RefundErr
	}
	if _, ok := f.holds[holdRef]; !ok {
		return nil, ErrUnknownHold
	}
	f.Refunds = append(f.Refunds, holdRef)
	return &processor.Refund{Ref: "re_" + holdRef, Status: "succeeded"}, nil
}

func (f *Fake) Retrieve(_ context.Context, holdRef string) (*processor.Hold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RetrieveCalls++
	if len(f.RetrieveErrs) > 0 {
		err := f.RetrieveErrs[0]
		f.RetrieveErrs = f.RetrieveErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.RetrieveErr != nil {
		return nil, f.RetrieveErr
	}
	hold, ok := f.holds[holdRef]
	if !ok {
		return nil, ErrUnknownHold
	}
	copied := snapshot(hold)
	return &copied, nil
}

func snapshot(hold *processor.Hold) processor.Hold {
	copied := *hold
	copied.Metadata = copyMetadata(hold.Metadata)
	return copied
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
