package alerts

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-settlement/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-settlement/pkg/errors"
	"github.com/angelmondragon/packfinderz-settlement/pkg/logger"
	"github.com/angelmondragon/packfinderz-settlement/pkg/metrics"
	"github.com/angelmondragon/packfinderz-settlement/pkg/outbox"
	"github.com/angelmondragon/packfinderz-settlement/pkg/outbox/payloads"
)

// Reason classifies why a purchase needs an operator.
type Reason string

const (
	ReasonRefundFailed            Reason = "refund_failed"
	ReasonCancelFailed            Reason = "cancel_failed"
	ReasonCompensationWriteFailed Reason = "compensation_write_failed"
	ReasonCapturedWithoutRecord   Reason = "captured_without_record"
)

// ManualIntervention describes a condition automation could not resolve
// after funds may have moved.
type ManualIntervention struct {
	Reason     Reason
	HoldRef    string
	PurchaseID *uuid.UUID
	UnitID     *uuid.UUID
	Detail     string
	Err        error
}

// Error converts the alert into the MANUAL_INTERVENTION_REQUIRED error
// returned to callers.
func (m ManualIntervention) Error() error {
	return pkgerrors.Wrap(pkgerrors.CodeManualIntervention, m.Err, m.Detail).
		WithDetails(map[string]any{"reason": m.Reason, "hold_ref": m.HoldRef})
}

// Sink receives manual-intervention alerts.
type Sink interface {
	Raise(ctx context.Context, alert ManualIntervention)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type OutboxSinkParams struct {
	DB      txRunner
	Outbox  outbox.Emitter
	Logger  *logger.Logger
	Metrics *metrics.SettlementMetrics
}

// OutboxSink logs, counts and durably queues alerts for the alerts topic.
type OutboxSink struct {
	db      txRunner
	outbox  outbox.Emitter
	logg    *logger.Logger
	metrics *metrics.SettlementMetrics
}

func NewOutboxSink(params OutboxSinkParams) (*OutboxSink, error) {
	if params.DB == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Outbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "outbox emitter required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &OutboxSink{
		db:      params.DB,
		outbox:  params.Outbox,
		logg:    params.Logger,
		metrics: params.Metrics,
	}, nil
}

// Raise never fails the caller. A failed outbox write is logged on top of the
// alert so the condition still reaches log-based alerting.
func (s *OutboxSink) Raise(ctx context.Context, alert ManualIntervention) {
	fields := map[string]any{
		"alert":    string(enums.EventManualInterventionRequired),
		"reason":   string(alert.Reason),
		"hold_ref": alert.HoldRef,
	}
	if alert.PurchaseID != nil {
		fields["purchase_id"] = alert.PurchaseID.String()
	}
	if alert.UnitID != nil {
		fields["unit_id"] = alert.UnitID.String()
	}
	logCtx := s.logg.WithFields(ctx, fields)
	s.logg.Error(logCtx, alert.Detail, alert.Err)
	s.metrics.IncManualIntervention(string(alert.Reason))

	payload := payloads.ManualInterventionEvent{
		Reason:     string(alert.Reason),
		HoldRef:    alert.HoldRef,
		PurchaseID: alert.PurchaseID,
		UnitID:     alert.UnitID,
		Detail:     alert.Detail,
	}
	if alert.Err != nil {
		payload.Error = alert.Err.Error()
	}
	aggregateID := uuid.NewSHA1(uuid.NameSpaceURL, []byte("hold:"+alert.HoldRef))
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventManualInterventionRequired,
			AggregateType: enums.AggregateHold,
			AggregateID:   aggregateID,
			Actor:         &outbox.ActorRef{Role: outbox.RoleSystem},
			Data:          payload,
		})
	})
	if err != nil {
		s.logg.Error(logCtx, "failed to queue manual intervention alert", err)
	}
}
