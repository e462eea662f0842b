package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/packfinderz-settlement/internal/fees"
	"github.com/angelmondragon/packfinderz-settlement/internal/inventory"
	"github.com/angelmondragon/packfinderz-settlement/internal/processor/processortest"
	"github.com/angelmondragon/packfinderz-settlement/internal/sellers"
	"github.com/angelmondragon/packfinderz-settlement/internal/settlement"
	"github.com/angelmondragon/packfinderz-settlement/pkg/config"
	pkgdb "github.com/angelmondragon/packfinderz-settlement/pkg/db"
	"github.com/angelmondragon/packfinderz-settlement/pkg/db/models"
	"github.com/angelmondragon/packfinderz-settlement/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-settlement/pkg/errors"
	"github.com/angelmondragon/packfinderz-settlement/pkg/logger"
)

type fakePendingReader struct {
	records []models.PurchaseRecord
	cutoff  time.Time
	limit   int
	err     error
}

func (f *fakePendingReader) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.PurchaseRecord, error) {
	f.cutoff = cutoff
	f.limit = limit
	return f.records, f.err
}

type fakeFinalizer struct {
	results map[uuid.UUID]error
	calls   []uuid.UUID
}

func (f *fakeFinalizer) Finalize(ctx context.Context, purchaseID uuid.UUID) (*settlement.Outcome, error) {
	f.calls = append(f.calls, purchaseID)
	if err := f.results[purchaseID]; err != nil {
		return &settlement.Outcome{Status: settlement.FinalizePending}, err
	}
	return &settlement.Outcome{Status: settlement.FinalizeCompleted}, nil
}

func newPendingJob(t *testing.T, reader *fakePendingReader, finalizer *fakeFinalizer) *pendingPurchaseJob {
	t.Helper()
	jobIface, err := NewPendingPurchaseJob(PendingPurchaseJobParams{
		Logger:    logger.New(logger.Options{ServiceName: "test"}),
		Purchases: reader,
		Finalizer: finalizer,
		Age:       15 * time.Minute,
		BatchSize: 25,
	})
	if err != nil {
		t.Fatalf("NewPendingPurchaseJob: %v", err)
	}
	return jobIface.(*pendingPurchaseJob)
}

func TestPendingPurchaseJobFinalizesEveryRecord(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	first, second := uuid.New(), uuid.New()
	reader := &fakePendingReader{records: []models.PurchaseRecord{{ID: first, HoldRef: "pi_1"}, {ID: second, HoldRef: "pi_2"}}}
	finalizer := &fakeFinalizer{}
	job := newPendingJob(t, reader, finalizer)
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := now.Add(-15 * time.Minute); !reader.cutoff.Equal(want) {
		t.Fatalf("expected cutoff %s, got %s", want, reader.cutoff)
	}
	if reader.limit != 25 {
		t.Fatalf("expected batch size 25, got %d", reader.limit)
	}
	if len(finalizer.calls) != 2 || finalizer.calls[0] != first || finalizer.calls[1] != second {
		t.Fatalf("unexpected finalize calls %v", finalizer.calls)
	}
}

func TestPendingPurchaseJobToleratesUnresolvedCaptures(t *testing.T) {
	ambiguous, outage := uuid.New(), uuid.New()
	reader := &fakePendingReader{records: []models.PurchaseRecord{{ID: ambiguous}, {ID: outage}}}
	finalizer := &fakeFinalizer{results: map[uuid.UUID]error{
		ambiguous: pkgerrors.New(pkgerrors.CodeCaptureAmbiguous, "capture outcome unknown"),
		outage:    pkgerrors.New(pkgerrors.CodeProcessorUnavailable, "retrieve hold"),
	}}
	job := newPendingJob(t, reader, finalizer)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("expected pending outcomes to be tolerated, got %v", err)
	}
}

func TestPendingPurchaseJobCombinesFailures(t *testing.T) {
	broken, fine, alerted := uuid.New(), uuid.New(), uuid.New()
	reader := &fakePendingReader{records: []models.PurchaseRecord{{ID: broken}, {ID: fine}, {ID: alerted}}}
	finalizer := &fakeFinalizer{results: map[uuid.UUID]error{
		broken:  pkgerrors.New(pkgerrors.CodeDependency, "load purchase"),
		alerted: pkgerrors.New(pkgerrors.CodeManualIntervention, "refund failed"),
	}}
	job := newPendingJob(t, reader, finalizer)

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("expected combined error")
	}
	if len(finalizer.calls) != 3 {
		t.Fatalf("expected every record attempted, got %d", len(finalizer.calls))
	}
	if !pkgerrors.IsCode(err, pkgerrors.CodeDependency) && !pkgerrors.IsCode(err, pkgerrors.CodeManualIntervention) {
		t.Fatalf("expected wrapped finalize errors, got %v", err)
	}
}

func TestPendingPurchaseJobPropagatesQueryError(t *testing.T) {
	job := newPendingJob(t, &fakePendingReader{err: errors.New("db down")}, &fakeFinalizer{})
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestPendingPurchaseJobFailsPurchasesRejectedAtCapture(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open("file:sweep_"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&models.SellableUnit{},
		&models.SellerPayoutAccount{},
		&models.PurchaseRecord{},
		&models.HoldAuthorization{},
		&models.OutboxEvent{},
	))
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "test"})
	proc := processortest.New()
	components, err := settlement.Wire(settlement.WireParams{
		DB:        pkgdb.FromConn(conn),
		Processor: proc,
		Logger:    logg,
		Config: config.SettlementConfig{
			PlatformFeeBps:       fees.DefaultPlatformFeeBps,
			AmountToleranceCents: 1,
			IdempotencyBucket:    10 * time.Minute,
			ProcessorTimeout:     time.Second,
			CaptureTimeout:       time.Second,
		},
	})
	require.NoError(t, err)

	sellerID, buyerID := uuid.New(), uuid.New()
	require.NoError(t, sellers.NewRepository(conn).Create(ctx, &models.SellerPayoutAccount{
		SellerID:           sellerID,
		ProcessorAccountID: "acct_seller",
		ChargesEnabled:     true,
		PayoutsEnabled:     true,
	}))
	unit := models.SellableUnit{OwnerID: sellerID, Title: "Bulk pack", UnitPriceCents: 500, Quantity: 2}
	require.NoError(t, inventory.NewRepository(conn).Create(ctx, &unit))

	handle, err := components.Service.Authorize(ctx, settlement.AuthorizeInput{UnitID: unit.ID, BuyerID: buyerID, AmountCents: 1000})
	require.NoError(t, err)
	committed, err := components.Service.Commit(ctx, settlement.CommitInput{UnitID: unit.ID, BuyerID: buyerID, HoldRef: handle.Ref})
	require.NoError(t, err)
	// The capture was rejected and its payment_failed delivery never arrived.
	proc.SetStatus(handle.Ref, enums.HoldStatusRequiresPaymentMethod)

	jobIface, err := NewPendingPurchaseJob(PendingPurchaseJobParams{
		Logger:    logg,
		Purchases: components.Purchases,
		Finalizer: components.Service,
	})
	require.NoError(t, err)
	job := jobIface.(*pendingPurchaseJob)
	job.now = func() time.Time { return time.Now().Add(time.Hour) }

	require.NoError(t, job.Run(ctx))

	record, err := components.Purchases.FindByID(ctx, committed.Purchase.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, enums.PaymentStatusFailed, record.PaymentStatus)

	var stored models.SellableUnit
	require.NoError(t, conn.First(&stored, "id = ?", unit.ID).Error)
	assert.Equal(t, enums.UnitStatusAvailable, stored.Status)

	// Nothing is left for the next cycle.
	remaining, err := components.Purchases.ListPendingBefore(ctx, job.now(), 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
