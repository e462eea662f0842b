package settlement

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/packfinderz-settlement/internal/alerts"
	"github.com/angelmondragon/packfinderz-settlement/internal/fees"
	"github.com/angelmondragon/packfinderz-settlement/internal/inventory"
	"github.com/angelmondragon/packfinderz-settlement/internal/processor"
	"github.com/angelmondragon/packfinderz-settlement/internal/processor/processortest"
	"github.com/angelmondragon/packfinderz-settlement/internal/purchases"
	"github.com/angelmondragon/packfinderz-settlement/internal/sellers"
	"github.com/angelmondragon/packfinderz-settlement/pkg/config"
	pkgdb "github.com/angelmondragon/packfinderz-settlement/pkg/db"
	"github.com/angelmondragon/packfinderz-settlement/pkg/db/models"
	"github.com/angelmondragon/packfinderz-settlement/pkg/enums"
	"github.com/angelmondragon/packfinderz-settlement/pkg/logger"
	"github.com/angelmondragon/packfinderz-settlement/pkg/outbox"
)

type harness struct {
	t         *testing.T
	db        *gorm.DB
	svc       *Service
	proc      *processortest.Fake
	alerts    *recordingSink
	purchases purchases.Repository
	holds     purchases.HoldRepository
	logs      *bytes.Buffer
	sellerID  uuid.UUID
	buyerID   uuid.UUID
	unit      models.SellableUnit
}

func newHarness(t *testing.T, opts ...func(*ServiceParams)) *harness {
	t.Helper()
	dsn := "file:settlement_" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
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
	// One connection makes concurrent transactions queue, the way row locks
	// serialize them on Postgres. It also deadlocks any query that escapes tx.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	h := &harness{
		t:        t,
		db:       conn,
		proc:     processortest.New(),
		alerts:   &recordingSink{},
		logs:     &bytes.Buffer{},
		sellerID: uuid.New(),
		buyerID:  uuid.New(),
	}
	h.purchases = purchases.NewRepository(conn)
	h.holds = purchases.NewHoldRepository(conn)

	ctx := context.Background()
	sellerRepo := sellers.NewRepository(conn)
	require.NoError(t, sellerRepo.Create(ctx, &models.SellerPayoutAccount{
		SellerID:           h.sellerID,
		ProcessorAccountID: "acct_seller",
		ChargesEnabled:     true,
		PayoutsEnabled:     true,
	}))
	sellerSvc, err := sellers.NewService(sellerRepo)
	require.NoError(t, err)

	units := inventory.NewRepository(conn)
	h.unit = models.SellableUnit{OwnerID: h.sellerID, Title: "Bulk pack", UnitPriceCents: 500, Quantity: 2}
	require.NoError(t, units.Create(ctx, &h.unit))

	calc, err := fees.NewCalculator(fees.DefaultPlatformFeeBps)
	require.NoError(t, err)
	logg := logger.New(logger.Options{ServiceName: "settlement-test", Output: h.logs})

	params := ServiceParams{
		DB:        pkgdb.FromConn(conn),
		Units:     units,
		Purchases: h.purchases,
		Holds:     h.holds,
		Sellers:   sellerSvc,
		Processor: h.proc,
		Fees:      calc,
		Outbox:    outbox.NewService(outbox.NewRepository(conn), logg),
		Alerts:    h.alerts,
		Logger:    logg,
		Config: config.SettlementConfig{
			PlatformFeeBps:       fees.DefaultPlatformFeeBps,
			AmountToleranceCents: 1,
			IdempotencyBucket:    10 * time.Minute,
			ProcessorTimeout:     time.Second,
			CaptureTimeout:       time.Second,
		},
	}
	for _, opt := range opts {
		opt(&params)
	}
	h.svc, err = NewService(params)
	require.NoError(t, err)
	return h
}

// authorizedHold registers a requires_capture hold for buyer on the unit.
func (h *harness) authorizedHold(buyerID uuid.UUID, amount int64) string {
	h.t.Helper()
	handle, err := h.svc.Authorize(context.Background(), AuthorizeInput{
		UnitID:      h.unit.ID,
		BuyerID:     buyerID,
		AmountCents: amount,
	})
	require.NoError(h.t, err)
	return handle.Ref
}

func (h *harness) commit(buyerID uuid.UUID, holdRef string) *models.PurchaseRecord {
	h.t.Helper()
	result, err := h.svc.Commit(context.Background(), CommitInput{
		UnitID:  h.unit.ID,
		BuyerID: buyerID,
		HoldRef: holdRef,
	})
	require.NoError(h.t, err)
	return result.Purchase
}

func (h *harness) unitStatus() enums.UnitStatus {
	h.t.Helper()
	var unit models.SellableUnit
	require.NoError(h.t, h.db.First(&unit, "id = ?", h.unit.ID).Error)
	return unit.Status
}

func (h *harness) setPrice(cents int64) {
	h.t.Helper()
	require.NoError(h.t, h.db.Model(&models.SellableUnit{}).
		Where("id = ?", h.unit.ID).
		Update("unit_price_cents", cents).Error)
}

func (h *harness) purchaseByHold(ref string) *models.PurchaseRecord {
	h.t.Helper()
	record, err := h.purchases.FindByHoldRef(context.Background(), ref)
	require.NoError(h.t, err)
	return record
}

func (h *harness) eventCount(eventType enums.OutboxEventType) int64 {
	h.t.Helper()
	var count int64
	require.NoError(h.t, h.db.Model(&models.OutboxEvent{}).Where("event_type = ?", eventType).Count(&count).Error)
	return count
}

// assertCoupled checks that unit status and purchase records agree:
// SOLD iff a COMPLETED record exists, RESERVED iff a PENDING record exists.
func (h *harness) assertCoupled() {
	h.t.Helper()
	var records []models.PurchaseRecord
	require.NoError(h.t, h.db.Where("unit_id = ?", h.unit.ID).Find(&records).Error)
	var pending, completed int
	for _, record := range records {
		switch record.PaymentStatus {
		case enums.PaymentStatusPending:
			pending++
		case enums.PaymentStatusCompleted:
			completed++
		}
	}
	assert.LessOrEqual(h.t, pending+completed, 1, "at most one live purchase per unit")
	switch h.unitStatus() {
	case enums.UnitStatusSold:
		assert.Equal(h.t, 1, completed)
		assert.Zero(h.t, pending)
	case enums.UnitStatusReserved:
		assert.Equal(h.t, 1, pending)
		assert.Zero(h.t, completed)
	case enums.UnitStatusAvailable:
		assert.Zero(h.t, pending)
		assert.Zero(h.t, completed)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	raised []alerts.ManualIntervention
}

func (r *recordingSink) Raise(_ context.Context, alert alerts.ManualIntervention) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raised = append(r.raised, alert)
}

func (r *recordingSink) reasons() []alerts.Reason {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]alerts.Reason, 0, len(r.raised))
	for _, alert := range r.raised {
		out = append(out, alert.Reason)
	}
	return out
}

// failingTx fails every transaction once armed.
type failingTx struct {
	inner interface {
		WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	}
	armed bool
}

func (f *failingTx) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if f.armed {
		return errors.New("database unavailable")
	}
	return f.inner.WithTx(ctx, fn)
}

var errTimeout = errors.New("i/o timeout")

var errDeclined = &processor.DeclinedError{Reason: "card_declined"}
