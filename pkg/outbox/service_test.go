package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/packfinderz-settlement/pkg/db/models"
	"github.com/angelmondragon/packfinderz-settlement/pkg/enums"
)

func TestEmitWritesEnvelope(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(NewRepository(db), nil)
	aggregateID := uuid.New()
	buyer := uuid.New()

	err := db.Transaction(func(tx *gorm.DB) error {
		return svc.Emit(context.Background(), tx, DomainEvent{
			EventType:     enums.EventPurchaseReserved,
			AggregateType: enums.AggregatePurchase,
			AggregateID:   aggregateID,
			Actor:         &ActorRef{UserID: buyer, Role: RoleBuyer},
			Data:          map[string]string{"hold_ref": "pi_1"},
		})
	})
	require.NoError(t, err)

	var rows []models.OutboxEvent
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, aggregateID, rows[0].AggregateID)

	var envelope PayloadEnvelope
	require.NoError(t, json.Unmarshal(rows[0].Payload, &envelope))
	assert.Equal(t, 1, envelope.Version)
	assert.NotEmpty(t, envelope.EventID)
	require.NotNil(t, envelope.Actor)
	assert.Equal(t, buyer, envelope.Actor.UserID)
	assert.JSONEq(t, `{"hold_ref":"pi_1"}`, string(envelope.Data))
}

func TestEmitRollsBackWithTransaction(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(NewRepository(db), nil)

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := svc.Emit(context.Background(), tx, DomainEvent{
			EventType:     enums.EventPurchaseCompleted,
			AggregateType: enums.AggregatePurchase,
			AggregateID:   uuid.New(),
			Data:          struct{}{},
		}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	var count int64
	require.NoError(t, db.Model(&models.OutboxEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestEmitRequiresTransactionAndKnownType(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(NewRepository(db), nil)

	require.Error(t, svc.Emit(context.Background(), nil, DomainEvent{EventType: enums.EventPurchaseFailed}))
	require.Error(t, svc.Emit(context.Background(), db, DomainEvent{EventType: "bogus"}))
}

func TestRepositoryPublishLifecycle(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	published := seedEvent(t, db, time.Now().UTC().Add(-60*24*time.Hour))
	failing := seedEvent(t, db, time.Now().UTC().Add(-time.Minute))
	terminal := seedEvent(t, db, time.Now().UTC().Add(-60*24*time.Hour))

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		rows, err := repo.FetchUnpublishedForPublish(tx, 10, 3)
		require.NoError(t, err)
		require.Len(t, rows, 3)
		require.NoError(t, repo.MarkPublishedTx(tx, published.ID))
		require.NoError(t, repo.MarkFailedTx(tx, failing.ID, errors.New("pubsub down")))
		return repo.MarkTerminalTx(tx, terminal.ID, errors.New("bad payload"), 3)
	}))

	require.NoError(t, db.Model(&models.OutboxEvent{}).Where("id = ?", published.ID).
		Update("published_at", time.Now().UTC().Add(-45*24*time.Hour)).Error)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		rows, err := repo.FetchUnpublishedForPublish(tx, 10, 3)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, failing.ID, rows[0].ID)
		assert.Equal(t, 1, rows[0].AttemptCount)
		require.NotNil(t, rows[0].LastError)
		assert.Equal(t, "pubsub down", *rows[0].LastError)
		return nil
	}))

	var deleted int64
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		deleted, err = repo.DeletePublishedBefore(ctx, tx, time.Now().UTC().Add(-30*24*time.Hour), 3)
		return err
	}))
	assert.Equal(t, int64(2), deleted)

	var remaining []models.OutboxEvent
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, failing.ID, remaining[0].ID)
}

func TestDLQInsertTruncatesMessage(t *testing.T) {
	db := newTestDB(t)
	dlq := NewDLQRepository(db)
	eventID := uuid.New()
	long := strings.Repeat("x", 5000)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return dlq.InsertTx(tx, models.OutboxDLQ{
			EventID:       eventID,
			EventType:     enums.EventPurchaseFailed,
			AggregateType: enums.AggregatePurchase,
			AggregateID:   uuid.New(),
			Payload:       json.RawMessage(`{}`),
			ErrorReason:   enums.OutboxDLQReasonNonRetryable,
			ErrorMessage:  &long,
			FailedAt:      time.Now().UTC(),
		})
	}))

	entry, err := dlq.FindByEventID(context.Background(), eventID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.NotNil(t, entry.ErrorMessage)
	assert.Len(t, *entry.ErrorMessage, maxLastErrorLen)
}

func seedEvent(t *testing.T, db *gorm.DB, createdAt time.Time) models.OutboxEvent {
	t.Helper()
	row := models.OutboxEvent{
		EventType:     enums.EventPurchaseReserved,
		AggregateType: enums.AggregatePurchase,
		AggregateID:   uuid.New(),
		Payload:       json.RawMessage(`{}`),
		CreatedAt:     createdAt,
	}
	require.NoError(t, db.Create(&row).Error)
	return row
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:outbox_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.OutboxEvent{}, &models.OutboxDLQ{}))
	return db
}
