package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"pos-sync-agent/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pos.db")

	st, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	// Reopening an already-migrated store must not reapply steps.
	st, err = NewStore(path)
	require.NoError(t, err)
	defer st.Close()

	var version int
	require.NoError(t, st.GetDB().Get(&version, "PRAGMA user_version"))
	assert.Equal(t, schemaVersion, version)
}

func TestCreationDefaults(t *testing.T) {
	order := models.NewOrder("ORD-1", 1, "", 500)
	assert.Equal(t, models.SyncStatusPending, order.SyncStatus)
	assert.Equal(t, models.OrderStatusCompleted, order.Status)
	assert.False(t, order.CreatedAt.IsZero())
	assert.False(t, order.LastSynced.Valid)

	ticket := models.NewTicket("TKT-1", 1, 0)
	assert.Equal(t, models.TicketStatusOpen, ticket.Status)
	assert.Equal(t, models.SyncStatusPending, ticket.SyncStatus)
	assert.Equal(t, ticket.CreatedAt, ticket.UpdatedAt)

	payment := models.NewPayment(1, models.PaymentMethodCash, 500)
	assert.Equal(t, models.PaymentStatusCompleted, payment.Status)
	assert.Equal(t, models.SyncStatusPending, payment.SyncStatus)

	session := models.NewSession(1, 10000)
	assert.Equal(t, models.SessionStatusActive, session.Status)
	assert.Equal(t, models.SyncStatusPending, session.SyncStatus)
	assert.False(t, session.ClosedAt.Valid)
}

var orderSeq atomic.Int64

// createTestOrder persists an order with one line item. Order numbers must be
// unique, so each call mints a fresh one.
func createTestOrder(t *testing.T, st *Store, total int64) *models.Order {
	t.Helper()
	ctx := context.Background()
	order := models.NewOrder(fmt.Sprintf("ORD-%03d", orderSeq.Add(1)), 1, "", total)
	err := st.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := st.CreateOrderTx(ctx, tx, order); err != nil {
			return err
		}
		item := &models.OrderItem{OrderID: order.ID, ProductID: "p1", Quantity: 1, Price: total, Total: total}
		return st.CreateOrderItemTx(ctx, tx, item)
	})
	require.NoError(t, err)
	return order
}

func TestOrderRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	order := createTestOrder(t, st, 1500)
	require.NotZero(t, order.ID)

	got, err := st.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.OrderNumber, got.OrderNumber)
	assert.Equal(t, int64(1500), got.Total)
	assert.Equal(t, models.SyncStatusPending, got.SyncStatus)

	items, err := st.GetOrderItemsByOrderID(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	_, err = st.GetOrderByID(ctx, order.ID+100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkEntitySynced(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	order := createTestOrder(t, st, 100)
	now := time.Now().UTC()
	require.NoError(t, st.MarkEntitySynced(ctx, models.EntityOrder, "1", now))

	got, err := st.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, got.SyncStatus)
	assert.True(t, got.LastSynced.Valid)
}

func TestPendingEntityIDs(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	createTestOrder(t, st, 100)
	createTestOrder(t, st, 200)
	require.NoError(t, st.MarkEntitySynced(ctx, models.EntityOrder, "1", time.Now().UTC()))

	ids, err := st.PendingEntityIDs(ctx, models.EntityOrder)
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, ids)
}

func TestTouchTicketAlwaysAdvancesUpdatedAt(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	ticket := models.NewTicket("TKT-1", 1, 100)
	err := st.WithTx(ctx, func(tx *sqlx.Tx) error {
		return st.CreateTicketTx(ctx, tx, ticket)
	})
	require.NoError(t, err)
	require.NoError(t, st.MarkEntitySynced(ctx, models.EntityTicket, "1", time.Now().UTC()))

	before, err := st.GetTicketByID(ctx, ticket.ID)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, st.TouchTicket(ctx, ticket.ID, models.TicketStatusOpen, 250))

	after, err := st.GetTicketByID(ctx, ticket.ID)
	require.NoError(t, err)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))
	assert.Equal(t, int64(250), after.Total)
	assert.Equal(t, models.SyncStatusPending, after.SyncStatus, "touch resets the synced flag")
}

func TestSessionLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	session := models.NewSession(1, 10000)
	err := st.WithTx(ctx, func(tx *sqlx.Tx) error {
		return st.CreateSessionTx(ctx, tx, session)
	})
	require.NoError(t, err)

	active, err := st.GetActiveSession(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, session.ID, active.ID)

	none, err := st.GetActiveSession(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, none)

	closedAt := time.Now().UTC()
	err = st.WithTx(ctx, func(tx *sqlx.Tx) error {
		return st.CloseSessionTx(ctx, tx, session.ID, 12000, -300, closedAt)
	})
	require.NoError(t, err)

	got, err := st.GetSessionByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusClosed, got.Status)
	assert.Equal(t, int64(12000), got.ClosingBalance.Int64)
	assert.Equal(t, int64(-300), got.Variance.Int64)

	active, err = st.GetActiveSession(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestSumCashPayments(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	from := time.Now().UTC().Add(-time.Minute)

	order := createTestOrder(t, st, 100)
	cash := models.NewPayment(order.ID, models.PaymentMethodCash, 700)
	card := models.NewPayment(order.ID, models.PaymentMethodCard, 300)
	err := st.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := st.CreatePaymentTx(ctx, tx, cash); err != nil {
			return err
		}
		return st.CreatePaymentTx(ctx, tx, card)
	})
	require.NoError(t, err)

	sum, err := st.SumCashPayments(ctx, from, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(700), sum, "card payments do not count toward the drawer")
}

func TestSnapshotEntityEmbedsItems(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	order := createTestOrder(t, st, 100)
	data, err := st.SnapshotEntity(ctx, models.EntityOrder, "1")
	require.NoError(t, err)

	var doc struct {
		ID    int64              `json:"id"`
		Items []models.OrderItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, order.ID, doc.ID)
	assert.Len(t, doc.Items, 1)
}

func TestUpsertProductAndStock(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p := &models.Product{ID: "p1", Name: "Americano", Price: 300, Stock: 10,
		Source: models.SourceRemote, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, st.UpsertProduct(ctx, p))

	p.Price = 350
	require.NoError(t, st.UpsertProduct(ctx, p))

	got, err := st.GetProductByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(350), got.Price)

	require.NoError(t, st.AdjustStock(ctx, "p1", -3))
	got, err = st.GetProductByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 7, got.Stock)
}

func TestGetUsersNeverExposesPIN(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	u := &models.User{Username: "alice", Name: "Alice", Role: models.RoleCashier, PIN: "1234"}
	require.NoError(t, st.UpsertUser(ctx, u))

	users, err := st.GetUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Empty(t, users[0].PIN)

	// Local verification path still reads the pin.
	got, err := st.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "1234", got.PIN)
}

func TestSettings(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.GetSetting(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.PutSetting(ctx, "receipt.header", "Demo Cafe"))
	require.NoError(t, st.PutSetting(ctx, "receipt.header", "Demo Cafe v2"))
	require.NoError(t, st.StampSettingSynced(ctx, "receipt.header", time.Now().UTC()))

	got, err := st.GetSetting(ctx, "receipt.header")
	require.NoError(t, err)
	assert.Equal(t, "Demo Cafe v2", got.Value)
	assert.True(t, got.LastSynced.Valid)
}
