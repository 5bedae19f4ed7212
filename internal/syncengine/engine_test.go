package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pos-sync-agent/internal/connectivity"
	"pos-sync-agent/internal/models"
	"pos-sync-agent/internal/remote"
	"pos-sync-agent/internal/store"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemote is an in-memory remote.Store with scriptable failures.
type fakeRemote struct {
	mu        sync.Mutex
	calls     []string
	transient map[string]int // entity id -> remaining transient failures
	permanent map[string]bool
	online    atomic.Bool
}

func newFakeRemote() *fakeRemote {
	fr := &fakeRemote{
		transient: make(map[string]int),
		permanent: make(map[string]bool),
	}
	fr.online.Store(true)
	return fr
}

func (f *fakeRemote) record(action, collection, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.permanent[id] {
		f.calls = append(f.calls, action+" "+collection+"/"+id+" rejected")
		return fmt.Errorf("422 validation failed")
	}
	if f.transient[id] > 0 {
		f.transient[id]--
		f.calls = append(f.calls, action+" "+collection+"/"+id+" unavailable")
		return &remote.TransientError{Err: errors.New("503 service unavailable")}
	}
	f.calls = append(f.calls, action+" "+collection+"/"+id)
	return nil
}

func (f *fakeRemote) CreateDocument(ctx context.Context, collection, id string, doc json.RawMessage) error {
	return f.record("create", collection, id)
}

func (f *fakeRemote) UpdateDocument(ctx context.Context, collection, id string, doc json.RawMessage) error {
	return f.record("update", collection, id)
}

func (f *fakeRemote) DeleteDocument(ctx context.Context, collection, id string) error {
	return f.record("delete", collection, id)
}

func (f *fakeRemote) ListDocuments(ctx context.Context, collection string, updatedSince time.Time) ([]remote.Document, error) {
	return nil, nil
}

func (f *fakeRemote) Healthy(ctx context.Context) error {
	if f.online.Load() {
		return nil
	}
	return &remote.TransientError{Err: errors.New("unreachable")}
}

func (f *fakeRemote) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

type testRig struct {
	store   *store.Store
	remote  *fakeRemote
	monitor *connectivity.Monitor
	bus     *StatusBus
	engine  *Engine
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "pos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fr := newFakeRemote()
	monitor := connectivity.NewMonitor(fr.Healthy, 5*time.Millisecond, 1)
	monitor.Start()
	t.Cleanup(monitor.Stop)

	bus := NewStatusBus()
	engine := NewEngine(st, fr, monitor, bus, Config{
		BatchSize:        10,
		BackoffBase:      10 * time.Millisecond,
		BackoffMax:       100 * time.Millisecond,
		AttemptTimeout:   time.Second,
		InFlightLiveness: 2 * time.Minute,
		DoneGrace:        24 * time.Hour,
	})
	t.Cleanup(engine.Stop)

	return &testRig{store: st, remote: fr, monitor: monitor, bus: bus, engine: engine}
}

func (r *testRig) waitOnline(t *testing.T) {
	t.Helper()
	require.Eventually(t, r.monitor.IsOnline, 2*time.Second, 5*time.Millisecond)
}

func (r *testRig) enqueue(t *testing.T, entityType, action, entityID string) *models.QueueEntry {
	t.Helper()
	entry := models.NewQueueEntry(entityType, action, entityID, json.RawMessage(`{"id":"`+entityID+`"}`))
	_, err := r.store.EnqueueMutation(context.Background(), entry)
	require.NoError(t, err)
	return entry
}

func (r *testRig) queueEmpty() bool {
	n, err := r.store.PendingCount(context.Background())
	return err == nil && n == 0
}

func TestEngineDeliversInStreamOrder(t *testing.T) {
	rig := newTestRig(t)
	rig.waitOnline(t)

	rig.enqueue(t, models.EntityTicket, models.ActionCreate, "5")
	rig.enqueue(t, models.EntityTicket, models.ActionUpdate, "5")
	rig.enqueue(t, models.EntityOrder, models.ActionCreate, "1")

	rig.engine.Start()
	require.Eventually(t, rig.queueEmpty, 5*time.Second, 10*time.Millisecond)

	calls := rig.remote.callLog()
	createIdx, updateIdx := -1, -1
	for i, c := range calls {
		switch c {
		case "create tickets/5":
			createIdx = i
		case "update tickets/5":
			updateIdx = i
		}
	}
	require.NotEqual(t, -1, createIdx)
	require.NotEqual(t, -1, updateIdx)
	assert.Less(t, createIdx, updateIdx, "updates must never overtake the create")
	assert.Contains(t, calls, "create orders/1")
}

func TestEngineRetriesTransientFailures(t *testing.T) {
	rig := newTestRig(t)
	rig.waitOnline(t)

	entry := rig.enqueue(t, models.EntityOrder, models.ActionCreate, "1")
	rig.remote.mu.Lock()
	rig.remote.transient["1"] = 2
	rig.remote.mu.Unlock()

	rig.engine.Start()
	require.Eventually(t, rig.queueEmpty, 5*time.Second, 10*time.Millisecond)

	got, err := rig.store.GetQueueEntry(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusDone, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Empty(t, got.LastError, "last_error is cleared on success")
}

func TestEnginePermanentFailureDoesNotBlockOthers(t *testing.T) {
	rig := newTestRig(t)
	rig.waitOnline(t)

	bad := rig.enqueue(t, models.EntityPayment, models.ActionCreate, "9")
	good := rig.enqueue(t, models.EntityOrder, models.ActionCreate, "1")
	rig.remote.mu.Lock()
	rig.remote.permanent["9"] = true
	rig.remote.mu.Unlock()

	rig.engine.Start()
	require.Eventually(t, rig.queueEmpty, 5*time.Second, 10*time.Millisecond)

	gotBad, err := rig.store.GetQueueEntry(context.Background(), bad.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusFailed, gotBad.Status)
	assert.Contains(t, gotBad.LastError, "422")

	gotGood, err := rig.store.GetQueueEntry(context.Background(), good.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusDone, gotGood.Status)

	failed, err := rig.store.FailedCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
}

func TestForceSyncFailsFastOffline(t *testing.T) {
	rig := newTestRig(t)
	rig.remote.online.Store(false)
	require.Eventually(t, func() bool { return !rig.monitor.IsOnline() }, 2*time.Second, 5*time.Millisecond)

	rig.engine.Start()
	rig.enqueue(t, models.EntityOrder, models.ActionCreate, "1")

	err := rig.engine.ForceSync(context.Background())
	assert.ErrorIs(t, err, ErrOffline)
	assert.Empty(t, rig.remote.callLog())
}

func TestForceSyncFailsWhenStopped(t *testing.T) {
	rig := newTestRig(t)
	rig.waitOnline(t)

	err := rig.engine.ForceSync(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestForceSyncWaitsForDrain(t *testing.T) {
	rig := newTestRig(t)
	rig.waitOnline(t)
	rig.engine.Start()
	require.Eventually(t, rig.queueEmpty, 5*time.Second, 10*time.Millisecond)

	rig.enqueue(t, models.EntityOrder, models.ActionCreate, "1")
	require.NoError(t, rig.engine.ForceSync(context.Background()))
	assert.True(t, rig.queueEmpty(), "force sync returns only after the pass finished")
}

func TestDrainingEmptyQueueMakesNoRemoteCalls(t *testing.T) {
	rig := newTestRig(t)
	rig.waitOnline(t)
	rig.engine.Start()

	rig.enqueue(t, models.EntityOrder, models.ActionCreate, "1")
	require.NoError(t, rig.engine.ForceSync(context.Background()))
	callsAfterFirst := len(rig.remote.callLog())

	require.NoError(t, rig.engine.ForceSync(context.Background()))
	require.NoError(t, rig.engine.ForceSync(context.Background()))
	assert.Equal(t, callsAfterFirst, len(rig.remote.callLog()),
		"an already-drained queue produces no further deliveries")
}

func TestStartRevivesStaleInFlight(t *testing.T) {
	rig := newTestRig(t)
	rig.waitOnline(t)

	rig.enqueue(t, models.EntityOrder, models.ActionCreate, "1")
	// Simulate a crash mid-drain: claimed an hour ago, never resolved.
	claimed, err := rig.store.ClaimPending(context.Background(), 10, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	rig.engine.Start()
	require.Eventually(t, rig.queueEmpty, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, rig.remote.callLog(), "create orders/1")
}

func TestStartDoesNotResubmitFailedEntries(t *testing.T) {
	rig := newTestRig(t)
	rig.remote.online.Store(false)
	require.Eventually(t, func() bool { return !rig.monitor.IsOnline() }, 2*time.Second, 5*time.Millisecond)
	ctx := context.Background()

	// An order whose only ledger entry was rejected permanently. It needs an
	// operator retry; the startup scan must not enqueue a fresh copy.
	order := models.NewOrder("ORD-parked", 1, "", 100)
	err := rig.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return rig.store.CreateOrderTx(ctx, tx, order)
	})
	require.NoError(t, err)

	entry := rig.enqueue(t, models.EntityOrder, models.ActionCreate, fmt.Sprintf("%d", order.ID))
	require.NoError(t, rig.store.MarkFailed(ctx, entry.ID, "422 validation", time.Now().UTC()))

	rig.engine.Start()

	pending, err := rig.store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending, "parked entities stay parked across restarts")

	failed, err := rig.store.FailedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
}

func TestStatusReportsLastSyncAfterDelivery(t *testing.T) {
	rig := newTestRig(t)
	rig.waitOnline(t)

	rig.enqueue(t, models.EntityOrder, models.ActionCreate, "1")
	rig.engine.Start()
	require.Eventually(t, func() bool {
		return !rig.bus.Last().LastSyncTime.IsZero()
	}, 5*time.Second, 10*time.Millisecond)

	rig.engine.Stop()
	assert.False(t, rig.bus.Last().LastSyncTime.IsZero(), "stop keeps the last sync timestamp")
}

func TestStartSelfHealsMissingQueueEntry(t *testing.T) {
	rig := newTestRig(t)
	rig.waitOnline(t)
	ctx := context.Background()

	// An order marked pending with no ledger record: the gap the startup
	// scan exists to close.
	order := models.NewOrder("ORD-heal", 1, "", 100)
	err := rig.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return rig.store.CreateOrderTx(ctx, tx, order)
	})
	require.NoError(t, err)

	rig.engine.Start()
	require.Eventually(t, func() bool {
		got, err := rig.store.GetOrderByID(ctx, order.ID)
		return err == nil && got.SyncStatus == models.SyncStatusSynced
	}, 5*time.Second, 10*time.Millisecond)

	assert.Contains(t, rig.remote.callLog(), "update orders/1")
}

func TestStopIsIdempotentAndPublishesStopped(t *testing.T) {
	rig := newTestRig(t)
	rig.waitOnline(t)

	rig.engine.Start()
	rig.engine.Start() // second start is a no-op
	require.Eventually(t, func() bool {
		return rig.bus.Last().State == StateIdle
	}, 2*time.Second, 5*time.Millisecond)

	rig.engine.Stop()
	rig.engine.Stop()
	assert.Equal(t, StateStopped, rig.bus.Last().State)
}

func TestQueueSurvivesRestart(t *testing.T) {
	rig := newTestRig(t)
	rig.remote.online.Store(false)
	require.Eventually(t, func() bool { return !rig.monitor.IsOnline() }, 2*time.Second, 5*time.Millisecond)

	rig.engine.Start()
	rig.enqueue(t, models.EntityOrder, models.ActionCreate, "1")
	rig.engine.Stop()

	n, err := rig.store.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "stop leaves the queue intact")

	rig.remote.online.Store(true)
	rig.waitOnline(t)
	rig.engine.Start()
	require.Eventually(t, rig.queueEmpty, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, rig.remote.callLog(), "create orders/1")
}

func TestStatusBusDeliversSnapshotOnSubscribe(t *testing.T) {
	bus := NewStatusBus()
	bus.Publish(Status{State: StateIdle, PendingCount: 3})

	ch := bus.Subscribe()
	select {
	case s := <-ch:
		assert.Equal(t, StateIdle, s.State)
		assert.Equal(t, 3, s.PendingCount)
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered on subscribe")
	}

	bus.Publish(Status{State: StateSyncing, PendingCount: 2})
	select {
	case s := <-ch:
		assert.Equal(t, StateSyncing, s.State)
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}
}
