package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"pos-sync-agent/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(filepath.Join(t.TempDir(), "pos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func enqueueTest(t *testing.T, st *Store, entityType, action, entityID string) *models.QueueEntry {
	t.Helper()
	entry := models.NewQueueEntry(entityType, action, entityID, json.RawMessage(`{"id":"`+entityID+`"}`))
	_, err := st.EnqueueMutation(context.Background(), entry)
	require.NoError(t, err)
	return entry
}

func TestEnqueueDefaults(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	entry := enqueueTest(t, st, models.EntityOrder, models.ActionCreate, "1")
	assert.NotZero(t, entry.ID)

	got, err := st.GetQueueEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.False(t, got.CreatedAt.IsZero())
	assert.False(t, got.NextRetryAt.Valid)
	assert.JSONEq(t, `{"id":"1"}`, string(got.Data))
}

func TestClaimPendingOnePerStream(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first := enqueueTest(t, st, models.EntityTicket, models.ActionCreate, "7")
	enqueueTest(t, st, models.EntityTicket, models.ActionUpdate, "7")
	other := enqueueTest(t, st, models.EntityOrder, models.ActionCreate, "1")

	claimed, err := st.ClaimPending(ctx, 10, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, claimed, 2, "only the head of each stream is claimable")

	ids := []int64{claimed[0].ID, claimed[1].ID}
	assert.Contains(t, ids, first.ID)
	assert.Contains(t, ids, other.ID)
	for _, c := range claimed {
		assert.Equal(t, models.QueueStatusInFlight, c.Status)
	}

	// Second claim gets nothing: the heads are in flight and block their streams.
	again, err := st.ClaimPending(ctx, 10, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, again)

	// Completing the ticket head unblocks the next entry in that stream.
	require.NoError(t, st.MarkDone(ctx, first.ID, time.Now().UTC()))
	next, err := st.ClaimPending(ctx, 10, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, models.ActionUpdate, next[0].Action)
	assert.Equal(t, "7", next[0].EntityID)
}

func TestClaimSkipsScheduledRetries(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	entry := enqueueTest(t, st, models.EntityOrder, models.ActionCreate, "1")
	claimed, err := st.ClaimPending(ctx, 10, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, st.ReleaseToPending(ctx, entry.ID, "timeout", now.Add(time.Minute)))

	claimed, err = st.ClaimPending(ctx, 10, now)
	require.NoError(t, err)
	assert.Empty(t, claimed, "entry with future retry must wait")

	claimed, err = st.ClaimPending(ctx, 10, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.Equal(t, "timeout", claimed[0].LastError)
}

func TestCollapseSupersededKeepsCreatesAndLatest(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	create := enqueueTest(t, st, models.EntityTicket, models.ActionCreate, "3")
	older := enqueueTest(t, st, models.EntityTicket, models.ActionUpdate, "3")
	latest := enqueueTest(t, st, models.EntityTicket, models.ActionUpdate, "3")

	n, err := st.CollapseSuperseded(ctx, models.EntityTicket, "3", latest.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := st.GetQueueEntry(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusSuperseded, got.Status)

	got, err = st.GetQueueEntry(ctx, create.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, got.Status, "creates never collapse")

	got, err = st.GetQueueEntry(ctx, latest.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, got.Status)
}

func TestReviveStaleInFlight(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	entry := enqueueTest(t, st, models.EntityOrder, models.ActionCreate, "1")
	// Claim with a timestamp an hour in the past so the claim looks stale.
	claimed, err := st.ClaimPending(ctx, 10, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	revived, err := st.ReviveStaleInFlight(ctx, time.Now().UTC().Add(-2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), revived)

	got, err := st.GetQueueEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, got.Status)
}

func TestRequeueInFlightKeepsAttempts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	entry := enqueueTest(t, st, models.EntityOrder, models.ActionCreate, "1")
	_, err := st.ClaimPending(ctx, 10, time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, st.RequeueInFlight(ctx, entry.ID))
	got, err := st.GetQueueEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts, "a released claim is not an attempt")
}

func TestRetryFailed(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	entry := enqueueTest(t, st, models.EntityPayment, models.ActionCreate, "9")
	require.NoError(t, st.MarkFailed(ctx, entry.ID, "422 validation", time.Now().UTC()))

	count, err := st.FailedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, st.RetryFailed(ctx, entry.ID))
	got, err := st.GetQueueEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, got.Status)
	assert.False(t, got.NextRetryAt.Valid)

	// Only failed entries can be resubmitted.
	assert.Error(t, st.RetryFailed(ctx, entry.ID))
}

func TestPruneDoneNeverTouchesPendingOrFailed(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	done := enqueueTest(t, st, models.EntityOrder, models.ActionCreate, "1")
	require.NoError(t, st.MarkDone(ctx, done.ID, now.Add(-48*time.Hour)))

	superseded := enqueueTest(t, st, models.EntityTicket, models.ActionUpdate, "2")
	keep := enqueueTest(t, st, models.EntityTicket, models.ActionUpdate, "2")
	_, err := st.CollapseSuperseded(ctx, models.EntityTicket, "2", keep.ID)
	require.NoError(t, err)

	failed := enqueueTest(t, st, models.EntityPayment, models.ActionCreate, "3")
	require.NoError(t, st.MarkFailed(ctx, failed.ID, "422", now.Add(-48*time.Hour)))

	pruned, err := st.PruneDone(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	_, err = st.GetQueueEntry(ctx, done.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.GetQueueEntry(ctx, superseded.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = st.GetQueueEntry(ctx, keep.ID)
	assert.NoError(t, err)
	_, err = st.GetQueueEntry(ctx, failed.ID)
	assert.NoError(t, err)
}

func TestNextRetryTime(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	next, err := st.NextRetryTime(ctx)
	require.NoError(t, err)
	assert.True(t, next.IsZero())

	a := enqueueTest(t, st, models.EntityOrder, models.ActionCreate, "1")
	b := enqueueTest(t, st, models.EntityOrder, models.ActionCreate, "2")
	_, err = st.ClaimPending(ctx, 10, now)
	require.NoError(t, err)
	require.NoError(t, st.ReleaseToPending(ctx, a.ID, "x", now.Add(3*time.Minute)))
	require.NoError(t, st.ReleaseToPending(ctx, b.ID, "x", now.Add(time.Minute)))

	next, err = st.NextRetryTime(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(time.Minute), next, 2*time.Second)
}

func TestHasLiveEntry(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	live, err := st.HasLiveEntry(ctx, models.EntityOrder, "1")
	require.NoError(t, err)
	assert.False(t, live)

	entry := enqueueTest(t, st, models.EntityOrder, models.ActionCreate, "1")
	live, err = st.HasLiveEntry(ctx, models.EntityOrder, "1")
	require.NoError(t, err)
	assert.True(t, live)

	require.NoError(t, st.MarkDone(ctx, entry.ID, time.Now().UTC()))
	live, err = st.HasLiveEntry(ctx, models.EntityOrder, "1")
	require.NoError(t, err)
	assert.False(t, live)

	// A terminally failed entry still blocks its stream: the startup scan
	// must not enqueue a fresh copy of an entity an operator parked.
	failed := enqueueTest(t, st, models.EntityPayment, models.ActionCreate, "9")
	require.NoError(t, st.MarkFailed(ctx, failed.ID, "422 validation", time.Now().UTC()))
	live, err = st.HasLiveEntry(ctx, models.EntityPayment, "9")
	require.NoError(t, err)
	assert.True(t, live)
}

func TestQueueEntryDataSurvivesScanAndRendersAsJSON(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	entry := models.NewQueueEntry(models.EntityOrder, models.ActionCreate, "5",
		json.RawMessage(`{"order_number":"ORD-5","total":12500}`))
	_, err := st.EnqueueMutation(ctx, entry)
	require.NoError(t, err)

	claimed, err := st.ClaimPending(ctx, 10, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.JSONEq(t, `{"order_number":"ORD-5","total":12500}`, string(claimed[0].Data))

	require.NoError(t, st.MarkFailed(ctx, claimed[0].ID, "422", time.Now().UTC()))
	failed, err := st.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	// The debug surface serializes entries; the payload must come out as the
	// original document, not a base64 blob.
	raw, err := json.Marshal(failed[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"data":{"order_number":"ORD-5","total":12500}`)
}

func TestPendingCountIncludesInFlight(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	enqueueTest(t, st, models.EntityOrder, models.ActionCreate, "1")
	enqueueTest(t, st, models.EntityOrder, models.ActionCreate, "2")
	_, err := st.ClaimPending(ctx, 1, time.Now().UTC())
	require.NoError(t, err)

	count, err := st.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
