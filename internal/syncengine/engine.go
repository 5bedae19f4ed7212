// Package syncengine drains the durable mutation queue against the remote
// document store, driven by connectivity transitions and local change
// notifications.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"pos-sync-agent/internal/connectivity"
	"pos-sync-agent/internal/models"
	"pos-sync-agent/internal/remote"
	"pos-sync-agent/internal/store"
	"pos-sync-agent/internal/util"

	"go.uber.org/zap"
)

// ErrOffline is returned by ForceSync while the terminal has no connectivity.
var ErrOffline = errors.New("sync engine is offline")

// ErrStopped is returned by ForceSync while the engine is not running.
var ErrStopped = errors.New("sync engine is stopped")

// Config carries the engine tuning knobs.
type Config struct {
	BatchSize        int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	AttemptTimeout   time.Duration
	InFlightLiveness time.Duration
	DoneGrace        time.Duration
}

type forceRequest struct {
	done chan error
}

// Engine is the sync control loop. All queue and entity state lives in the
// durable store; the engine holds only scheduling state, so pending work
// survives engine and process restarts.
type Engine struct {
	store   *store.Store
	remote  remote.Store
	monitor *connectivity.Monitor
	bus     *StatusBus
	cfg     Config
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	notify   chan struct{}
	forceCh  chan forceRequest
	lastSync time.Time
}

// setLastSync records a successful delivery time. lastSync is written on the
// run goroutine and read by Stop and publishStatus on the callers' goroutines,
// so both sides go through e.mu.
func (e *Engine) setLastSync(t time.Time) {
	e.mu.Lock()
	e.lastSync = t
	e.mu.Unlock()
}

func (e *Engine) lastSyncTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// NewEngine creates a stopped engine.
func NewEngine(st *store.Store, rs remote.Store, monitor *connectivity.Monitor, bus *StatusBus, cfg Config) *Engine {
	done := make(chan struct{})
	close(done)
	return &Engine{
		store:   st,
		remote:  rs,
		monitor: monitor,
		bus:     bus,
		cfg:     cfg,
		logger:  util.GetLogger(),
		done:    done,
		notify:  make(chan struct{}, 1),
		forceCh: make(chan forceRequest),
	}
}

// Start transitions stopped -> idle: revives stale in-flight entries, runs
// the self-heal scan, subscribes to connectivity and local-change events, and
// schedules an immediate drain if online. Idempotent.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.running = true
	e.cancel = cancel
	e.done = make(chan struct{})
	done := e.done
	e.mu.Unlock()

	startCtx, startCancel := context.WithTimeout(ctx, 30*time.Second)
	e.recover(startCtx)
	startCancel()

	connCh := e.monitor.Subscribe()
	go e.run(ctx, connCh, done)

	e.logger.Info("Sync engine started")
	e.publishStatus(context.Background(), StateIdle)
	e.NotifyLocalChange()
}

// Stop cancels scheduled retries and detaches from both event sources. The
// queue is left intact; pending work survives restarts because it lives in
// the durable store. In-flight deliveries resolving after this point are
// discarded. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	cancel()
	<-done

	e.logger.Info("Sync engine stopped")
	last := e.bus.Last()
	e.bus.Publish(Status{
		State:        StateStopped,
		IsOnline:     e.monitor.IsOnline(),
		LastSyncTime: e.lastSyncTime(),
		PendingCount: last.PendingCount,
		FailedCount:  last.FailedCount,
	})
}

// ForceSync requests an immediate drain and waits for it to complete. It
// fails fast when offline or stopped. A force while a drain is already
// running coalesces: the running pass finishes, then one more pass runs; two
// drains never run concurrently because both execute on the run loop.
func (e *Engine) ForceSync(ctx context.Context) error {
	if !e.monitor.IsOnline() {
		util.ForceSyncTotal.WithLabelValues("offline").Inc()
		return ErrOffline
	}

	e.mu.Lock()
	running := e.running
	loopDone := e.done
	e.mu.Unlock()
	if !running {
		util.ForceSyncTotal.WithLabelValues("stopped").Inc()
		return ErrStopped
	}

	req := forceRequest{done: make(chan error, 1)}
	select {
	case e.forceCh <- req:
	case <-loopDone:
		util.ForceSyncTotal.WithLabelValues("stopped").Inc()
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		if err == nil {
			util.ForceSyncTotal.WithLabelValues("ok").Inc()
		} else {
			util.ForceSyncTotal.WithLabelValues("offline").Inc()
		}
		return err
	case <-loopDone:
		util.ForceSyncTotal.WithLabelValues("stopped").Inc()
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NotifyLocalChange wakes the engine after a local mutation was enqueued.
// Safe to call from any goroutine in any engine state.
func (e *Engine) NotifyLocalChange() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// recover resets queue entries stranded by a previous crash and re-enqueues
// entities whose pending flag has no live ledger record (the correctness
// backstop for a crash between entity write and enqueue).
func (e *Engine) recover(ctx context.Context) {
	revived, err := e.store.ReviveStaleInFlight(ctx, time.Now().UTC().Add(-e.cfg.InFlightLiveness))
	if err != nil {
		e.logger.Error("Failed to revive stale in-flight entries", zap.Error(err))
	} else if revived > 0 {
		util.EntriesRevivedTotal.Add(float64(revived))
		e.logger.Warn("Revived stale in-flight queue entries", zap.Int64("count", revived))
	}

	for _, entityType := range []string{models.EntityOrder, models.EntityTicket, models.EntityPayment, models.EntitySession} {
		ids, err := e.store.PendingEntityIDs(ctx, entityType)
		if err != nil {
			e.logger.Error("Self-heal scan failed", zap.String("type", entityType), zap.Error(err))
			continue
		}
		for _, id := range ids {
			live, err := e.store.HasLiveEntry(ctx, entityType, id)
			if err != nil || live {
				continue
			}
			data, err := e.store.SnapshotEntity(ctx, entityType, id)
			if err != nil {
				e.logger.Error("Failed to snapshot entity for self-heal",
					zap.String("type", entityType), zap.String("id", id), zap.Error(err))
				continue
			}
			entry := models.NewQueueEntry(entityType, models.ActionUpdate, id, data)
			if _, err := e.store.EnqueueMutation(ctx, entry); err != nil {
				e.logger.Error("Failed to re-enqueue entity",
					zap.String("type", entityType), zap.String("id", id), zap.Error(err))
				continue
			}
			e.logger.Warn("Re-enqueued entity with missing queue entry",
				zap.String("type", entityType), zap.String("id", id))
		}
	}
}

func (e *Engine) run(ctx context.Context, connCh <-chan bool, done chan struct{}) {
	defer close(done)

	retry := time.NewTimer(0)
	if !retry.Stop() {
		<-retry.C
	}
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case online := <-connCh:
			e.publishStatus(ctx, StateIdle)
			if online {
				e.drain(ctx)
				e.scheduleRetry(ctx, retry)
			}

		case <-e.notify:
			if e.monitor.IsOnline() {
				e.drain(ctx)
				e.scheduleRetry(ctx, retry)
			} else {
				e.publishStatus(ctx, StateIdle)
			}

		case req := <-e.forceCh:
			if !e.monitor.IsOnline() {
				req.done <- ErrOffline
				continue
			}
			e.drain(ctx)
			e.scheduleRetry(ctx, retry)
			req.done <- nil

		case <-retry.C:
			if e.monitor.IsOnline() {
				e.drain(ctx)
				e.scheduleRetry(ctx, retry)
			}
		}
	}
}

// scheduleRetry arms the retry timer for the earliest scheduled backoff among
// pending entries, if any.
func (e *Engine) scheduleRetry(ctx context.Context, retry *time.Timer) {
	next, err := e.store.NextRetryTime(ctx)
	if err != nil || next.IsZero() {
		return
	}
	d := time.Until(next)
	if d < 0 {
		d = time.Millisecond
	}
	if !retry.Stop() {
		select {
		case <-retry.C:
		default:
		}
	}
	retry.Reset(d)
}

// drain claims and delivers eligible queue entries until the queue is empty,
// connectivity drops, or the engine stops. Only the run loop calls it, so at
// most one drain runs at a time.
func (e *Engine) drain(ctx context.Context) {
	drainCtx, span := util.StartSpan(ctx, "Engine.drain")
	defer span.End()

	start := time.Now()
	defer func() {
		util.DrainPassLatency.Observe(time.Since(start).Seconds())
	}()

	e.publishStatus(drainCtx, StateSyncing)
	defer e.publishStatus(context.Background(), StateIdle)

	for {
		if ctx.Err() != nil || !e.monitor.IsOnline() {
			return
		}

		entries, err := e.store.ClaimPending(drainCtx, e.cfg.BatchSize, time.Now().UTC())
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Error("Failed to claim queue entries", zap.Error(err))
			}
			return
		}
		if len(entries) == 0 {
			if _, err := e.store.PruneDone(drainCtx, time.Now().UTC().Add(-e.cfg.DoneGrace)); err != nil && ctx.Err() == nil {
				e.logger.Error("Failed to prune queue", zap.Error(err))
			}
			return
		}

		for i := range entries {
			if ctx.Err() != nil || !e.monitor.IsOnline() {
				// Pause gracefully: release claims we will not deliver.
				e.requeue(entries[i:])
				return
			}
			e.deliver(ctx, drainCtx, &entries[i])
		}
		e.publishStatus(drainCtx, StateSyncing)
	}
}

// requeue releases claimed entries back to pending without counting an
// attempt. Runs on a background context; the loop context may already be
// cancelled.
func (e *Engine) requeue(entries []models.QueueEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := range entries {
		if err := e.store.RequeueInFlight(ctx, entries[i].ID); err != nil {
			e.logger.Error("Failed to requeue claimed entry",
				zap.Int64("entry_id", entries[i].ID), zap.Error(err))
		}
	}
}

// deliver pushes one queue entry to the remote store and records the outcome.
// loopCtx tracks engine lifetime: if the engine stops while the remote call
// is underway, the result is discarded and the entry released.
func (e *Engine) deliver(loopCtx, drainCtx context.Context, entry *models.QueueEntry) {
	ctx, span := util.StartSpan(drainCtx, "Engine.deliver")
	defer span.End()

	start := time.Now()
	attemptCtx, cancel := context.WithTimeout(context.Background(), e.cfg.AttemptTimeout)
	err := e.push(attemptCtx, entry)
	cancel()
	util.DeliveryLatency.Observe(time.Since(start).Seconds())

	if loopCtx.Err() != nil {
		// Stopped while the call was in flight: discard the result.
		e.requeue([]models.QueueEntry{*entry})
		return
	}

	now := time.Now().UTC()
	switch {
	case err == nil:
		if err := e.store.MarkDone(ctx, entry.ID, now); err != nil {
			e.logger.Error("Failed to mark entry done", zap.Int64("entry_id", entry.ID), zap.Error(err))
			return
		}
		if err := e.store.MarkEntitySynced(ctx, entry.Type, entry.EntityID, now); err != nil {
			e.logger.Error("Failed to stamp entity synced",
				zap.String("type", entry.Type), zap.String("id", entry.EntityID), zap.Error(err))
		}
		e.setLastSync(now)
		util.DeliveriesTotal.WithLabelValues("done").Inc()
		e.logger.Debug("Delivered queue entry",
			zap.Int64("entry_id", entry.ID),
			zap.String("type", entry.Type),
			zap.String("action", entry.Action))

	case remote.IsTransient(err):
		attempt := entry.Attempts + 1
		delay := util.Backoff(e.cfg.BackoffBase, e.cfg.BackoffMax, attempt)
		if rErr := e.store.ReleaseToPending(ctx, entry.ID, err.Error(), now.Add(delay)); rErr != nil {
			e.logger.Error("Failed to release entry", zap.Int64("entry_id", entry.ID), zap.Error(rErr))
			return
		}
		util.DeliveriesTotal.WithLabelValues("transient").Inc()
		e.logger.Warn("Transient delivery failure",
			zap.Int64("entry_id", entry.ID),
			zap.Int("attempts", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))

	default:
		if fErr := e.store.MarkFailed(ctx, entry.ID, err.Error(), now); fErr != nil {
			e.logger.Error("Failed to mark entry failed", zap.Int64("entry_id", entry.ID), zap.Error(fErr))
			return
		}
		util.DeliveriesTotal.WithLabelValues("failed").Inc()
		e.logger.Error("Permanent delivery failure, entry retained for manual retry",
			zap.Int64("entry_id", entry.ID),
			zap.String("type", entry.Type),
			zap.Error(err))
	}
}

// push maps a queue entry to the corresponding remote write.
func (e *Engine) push(ctx context.Context, entry *models.QueueEntry) error {
	collection := models.Collection(entry.Type)
	switch entry.Action {
	case models.ActionCreate:
		return e.remote.CreateDocument(ctx, collection, entry.EntityID, json.RawMessage(entry.Data))
	case models.ActionUpdate:
		return e.remote.UpdateDocument(ctx, collection, entry.EntityID, json.RawMessage(entry.Data))
	case models.ActionDelete:
		return e.remote.DeleteDocument(ctx, collection, entry.EntityID)
	default:
		return fmt.Errorf("unknown queue action: %s", entry.Action)
	}
}

func (e *Engine) publishStatus(ctx context.Context, state State) {
	pending, err := e.store.PendingCount(ctx)
	if err != nil {
		pending = e.bus.Last().PendingCount
	}
	failed, err := e.store.FailedCount(ctx)
	if err != nil {
		failed = e.bus.Last().FailedCount
	}
	util.QueuePendingGauge.Set(float64(pending))
	util.QueueFailedGauge.Set(float64(failed))

	e.bus.Publish(Status{
		State:        state,
		IsOnline:     e.monitor.IsOnline(),
		LastSyncTime: e.lastSyncTime(),
		PendingCount: pending,
		FailedCount:  failed,
	})
}
