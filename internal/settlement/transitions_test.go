package settlement

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/packfinderz-settlement/internal/alerts"
	"github.com/angelmondragon/packfinderz-settlement/pkg/db/models"
	"github.com/angelmondragon/packfinderz-settlement/pkg/enums"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		signal Signal
		status enums.PaymentStatus
		want   Action
	}{
		{SignalCaptured, enums.PaymentStatusPending, ActionComplete},
		{SignalCaptured, enums.PaymentStatusCompleted, ActionNoop},
		{SignalCaptured, enums.PaymentStatusFailed, ActionNoop},
		{SignalCaptureFailed, enums.PaymentStatusPending, ActionFail},
		{SignalCaptureFailed, enums.PaymentStatusCompleted, ActionNoop},
		{SignalCanceled, enums.PaymentStatusPending, ActionRelease},
		{SignalCanceled, enums.PaymentStatusCompleted, ActionNoop},
		{SignalCanceled, enums.PaymentStatusFailed, ActionNoop},
		{SignalCaptureDeclined, enums.PaymentStatusPending, ActionRelease},
		{SignalCaptureDeclined, enums.PaymentStatusCompleted, ActionNoop},
		{SignalRefunded, enums.PaymentStatusPending, ActionFail},
		{SignalRefunded, enums.PaymentStatusCompleted, ActionFail},
		{SignalRefunded, enums.PaymentStatusFailed, ActionNoop},
	}
	for _, tc := range tests {
		t.Run(string(tc.signal)+"/"+string(tc.status), func(t *testing.T) {
			assert.Equal(t, tc.want, Decide(tc.signal, tc.status))
		})
	}
}

func TestReconcileMissingRecordIsNoop(t *testing.T) {
	h := newHarness(t)
	for _, signal := range []Signal{SignalCaptured, SignalCaptureFailed, SignalCanceled, SignalRefunded} {
		result, err := h.svc.Reconcile(context.Background(), Transition{HoldRef: "pi_unknown", Signal: signal})
		require.NoError(t, err)
		assert.Equal(t, ActionNoop, result.Action)
		assert.Nil(t, result.Purchase)
	}
	assert.Equal(t, enums.UnitStatusAvailable, h.unitStatus())
}

func TestCapturedWebhookBeforeSynchronousCapture(t *testing.T) {
	h := newHarness(t)
	ref := h.authorizedHold(h.buyerID, 1000)
	record := h.commit(h.buyerID, ref)
	h.proc.SetStatus(ref, enums.HoldStatusSucceeded)

	for i := 0; i < 2; i++ {
		_, err := h.svc.Reconcile(context.Background(), Transition{HoldRef: ref, Signal: SignalCaptured, HoldStatus: enums.HoldStatusSucceeded})
		require.NoError(t, err)
	}
	outcome, err := h.svc.Finalize(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, FinalizeCompleted, outcome.Status)

	assert.Zero(t, h.proc.CaptureCalls)
	assert.Equal(t, int64(1), h.eventCount(enums.EventPurchaseCompleted))
	assert.Equal(t, enums.UnitStatusSold, h.unitStatus())
	h.assertCoupled()
}

func TestCapturedWebhookAfterSynchronousCapture(t *testing.T) {
	h := newHarness(t)
	ref := h.authorizedHold(h.buyerID, 1000)
	record := h.commit(h.buyerID, ref)

	outcome, err := h.svc.Finalize(context.Background(), record.ID)
	require.NoError(t, err)
	require.Equal(t, FinalizeCompleted, outcome.Status)
	completedAt := h.purchaseByHold(ref).CompletedAt

	for i := 0; i < 3; i++ {
		result, err := h.svc.Reconcile(context.Background(), Transition{HoldRef: ref, Signal: SignalCaptured})
		require.NoError(t, err)
		assert.Equal(t, ActionNoop, result.Action)
	}
	assert.Equal(t, int64(1), h.eventCount(enums.EventPurchaseCompleted))
	assert.Equal(t, completedAt.Unix(), h.purchaseByHold(ref).CompletedAt.Unix())
	h.assertCoupled()
}

func TestCanceledWebhook(t *testing.T) {
	t.Run("pending purchase is released", func(t *testing.T) {
		h := newHarness(t)
		ref := h.authorizedHold(h.buyerID, 1000)
		h.commit(h.buyerID, ref)

		result, err := h.svc.Reconcile(context.Background(), Transition{HoldRef: ref, Signal: SignalCanceled, HoldStatus: enums.HoldStatusCanceled})
		require.NoError(t, err)
		assert.Equal(t, ActionRelease, result.Action)
		assert.Nil(t, h.purchaseByHold(ref))
		assert.Equal(t, enums.UnitStatusAvailable, h.unitStatus())

		mirror, err := h.holds.FindByRef(context.Background(), ref)
		require.NoError(t, err)
		assert.Equal(t, enums.HoldStatusCanceled, mirror.Status)
		h.assertCoupled()
	})

	t.Run("completed purchase is untouched", func(t *testing.T) {
		h := newHarness(t)
		ref := h.authorizedHold(h.buyerID, 1000)
		record := h.commit(h.buyerID, ref)
		_, err := h.svc.Finalize(context.Background(), record.ID)
		require.NoError(t, err)

		result, err := h.svc.Reconcile(context.Background(), Transition{HoldRef: ref, Signal: SignalCanceled})
		require.NoError(t, err)
		assert.Equal(t, ActionNoop, result.Action)
		assert.Equal(t, enums.PaymentStatusCompleted, h.purchaseByHold(ref).PaymentStatus)
		assert.Equal(t, enums.UnitStatusSold, h.unitStatus())
	})
}

func TestRefundedWebhookFailsCompletedPurchase(t *testing.T) {
	h := newHarness(t)
	ref := h.authorizedHold(h.buyerID, 1000)
	record := h.commit(h.buyerID, ref)
	_, err := h.svc.Finalize(context.Background(), record.ID)
	require.NoError(t, err)

	result, err := h.svc.Reconcile(context.Background(), Transition{HoldRef: ref, Signal: SignalRefunded, Reason: "charge refunded"})
	require.NoError(t, err)
	assert.Equal(t, ActionFail, result.Action)
	assert.Equal(t, enums.PaymentStatusCompleted, result.Previous)

	stored := h.purchaseByHold(ref)
	assert.Equal(t, enums.PaymentStatusFailed, stored.PaymentStatus)
	require.NotNil(t, stored.FailureReason)
	assert.Equal(t, "charge refunded", *stored.FailureReason)
	assert.Equal(t, enums.UnitStatusAvailable, h.unitStatus())

	again, err := h.svc.Reconcile(context.Background(), Transition{HoldRef: ref, Signal: SignalRefunded})
	require.NoError(t, err)
	assert.Equal(t, ActionNoop, again.Action)
	assert.Equal(t, int64(1), h.eventCount(enums.EventPurchaseFailed))
	h.assertCoupled()
}

// A capture-failed delivery keeps the purchase as a FAILED audit row instead
// of deleting it. The unit is freed either way, so it can be bought again.
func TestCaptureTimeoutThenCaptureFailedWebhookKeepsFailedRecord(t *testing.T) {
	h := newHarness(t)
	ref := h.authorizedHold(h.buyerID, 1000)
	record := h.commit(h.buyerID, ref)
	h.proc.CaptureErr = errTimeout
	h.proc.RetrieveErrs = []error{nil, errTimeout}

	outcome, err := h.svc.Finalize(context.Background(), record.ID)
	require.Error(t, err)
	require.Equal(t, FinalizePending, outcome.Status)
	assert.Equal(t, enums.UnitStatusReserved, h.unitStatus())

	result, err := h.svc.Reconcile(context.Background(), Transition{
		HoldRef:    ref,
		Signal:     SignalCaptureFailed,
		HoldStatus: enums.HoldStatusRequiresPaymentMethod,
	})
	require.NoError(t, err)
	assert.Equal(t, ActionFail, result.Action)
	kept := h.purchaseByHold(ref)
	require.NotNil(t, kept, "record is kept, not deleted")
	assert.Equal(t, enums.PaymentStatusFailed, kept.PaymentStatus)
	require.NotNil(t, kept.FailureReason)
	assert.Equal(t, enums.UnitStatusAvailable, h.unitStatus())
	assert.Equal(t, int64(1), h.eventCount(enums.EventPurchaseFailed))
	assert.Zero(t, h.eventCount(enums.EventPurchaseReleased))
	h.assertCoupled()

	// The freed unit takes a new purchase alongside the failed row.
	nextBuyer := uuid.New()
	h.commit(nextBuyer, h.authorizedHold(nextBuyer, 1000))
	assert.Equal(t, enums.UnitStatusReserved, h.unitStatus())
	h.assertCoupled()

	// A later finalize from the pending sweep sees the terminal record.
	h.proc.CaptureErr = nil
	outcome, err = h.svc.Finalize(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, FinalizeFailed, outcome.Status)
}

func TestReconcileCorrectsDriftedUnit(t *testing.T) {
	h := newHarness(t)
	ref := h.authorizedHold(h.buyerID, 1000)
	h.commit(h.buyerID, ref)
	require.NoError(t, h.db.Model(&models.SellableUnit{}).Where("id = ?", h.unit.ID).
		Update("status", enums.UnitStatusAvailable).Error)

	_, err := h.svc.Reconcile(context.Background(), Transition{HoldRef: ref, Signal: SignalCaptured})
	require.NoError(t, err)
	assert.Equal(t, enums.UnitStatusSold, h.unitStatus())
	assert.Contains(t, h.logs.String(), "unit status drifted")
}

func TestReleaseStaleHold(t *testing.T) {
	t.Run("open hold is canceled", func(t *testing.T) {
		h := newHarness(t)
		ref := h.authorizedHold(h.buyerID, 1000)
		mirror, err := h.holds.FindByRef(context.Background(), ref)
		require.NoError(t, err)

		status, err := h.svc.ReleaseStaleHold(context.Background(), *mirror)
		require.NoError(t, err)
		assert.Equal(t, enums.HoldStatusCanceled, status)
		hold, _ := h.proc.Hold(ref)
		assert.Equal(t, enums.HoldStatusCanceled, hold.Status)
	})

	t.Run("captured hold without purchase is refunded and raised", func(t *testing.T) {
		h := newHarness(t)
		ref := h.authorizedHold(h.buyerID, 1000)
		h.proc.SetStatus(ref, enums.HoldStatusSucceeded)
		mirror, err := h.holds.FindByRef(context.Background(), ref)
		require.NoError(t, err)

		status, err := h.svc.ReleaseStaleHold(context.Background(), *mirror)
		require.NoError(t, err)
		assert.Equal(t, enums.HoldStatusSucceeded, status)
		assert.Equal(t, []string{ref}, h.proc.Refunds)
		assert.Equal(t, []alerts.Reason{alerts.ReasonCapturedWithoutRecord}, h.alerts.reasons())
	})

	t.Run("hold backing a purchase is skipped", func(t *testing.T) {
		h := newHarness(t)
		ref := h.authorizedHold(h.buyerID, 1000)
		h.commit(h.buyerID, ref)
		mirror, err := h.holds.FindByRef(context.Background(), ref)
		require.NoError(t, err)

		_, err = h.svc.ReleaseStaleHold(context.Background(), *mirror)
		require.NoError(t, err)
		assert.Zero(t, h.proc.CancelCalls)
		assert.Equal(t, 1, h.proc.RetrieveCalls, "only the commit retrieved the hold")
	})
}
