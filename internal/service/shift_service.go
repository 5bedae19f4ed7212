package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"pos-sync-agent/internal/models"
	"pos-sync-agent/internal/store"
	"pos-sync-agent/internal/util"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// ShiftService manages cash-drawer sessions.
type ShiftService struct {
	store    *store.Store
	notifier ChangeNotifier
	logger   *zap.Logger
}

// NewShiftService creates a new shift service
func NewShiftService(st *store.Store, notifier ChangeNotifier) *ShiftService {
	return &ShiftService{
		store:    st,
		notifier: notifier,
		logger:   util.GetLogger(),
	}
}

// OpenShiftRequest opens a drawer session
type OpenShiftRequest struct {
	UserID         int64 `json:"user_id" binding:"required"`
	OpeningBalance int64 `json:"opening_balance" binding:"min=0"`
}

// CloseShiftRequest closes the drawer session with a counted balance
type CloseShiftRequest struct {
	ClosingBalance int64 `json:"closing_balance" binding:"min=0"`
}

// Open starts a session for the user. One active session per user.
func (s *ShiftService) Open(ctx context.Context, req *OpenShiftRequest) (*models.Session, error) {
	ctx, span := util.StartSpan(ctx, "ShiftService.Open")
	defer span.End()

	active, err := s.store.GetActiveSession(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("user %d already has an active session %d", req.UserID, active.ID)
	}

	session := models.NewSession(req.UserID, req.OpeningBalance)
	err = s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.store.CreateSessionTx(ctx, tx, session); err != nil {
			return err
		}
		doc, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to encode session: %w", err)
		}
		entry := models.NewQueueEntry(models.EntitySession, models.ActionCreate,
			strconv.FormatInt(session.ID, 10), doc)
		_, err = s.store.EnqueueMutationTx(ctx, tx, entry)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open shift: %w", err)
	}

	util.MutationsEnqueuedTotal.WithLabelValues(models.EntitySession, models.ActionCreate).Inc()
	s.logger.Info("Shift opened",
		zap.Int64("session_id", session.ID),
		zap.Int64("user_id", req.UserID))

	s.notifier.NotifyLocalChange()
	return session, nil
}

// Close ends the session. Variance is the counted drawer minus what the
// drawer should hold: opening balance plus cash taken during the shift.
func (s *ShiftService) Close(ctx context.Context, sessionID int64, req *CloseShiftRequest) (*models.Session, error) {
	ctx, span := util.StartSpan(ctx, "ShiftService.Close")
	defer span.End()

	session, err := s.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.SessionStatusActive {
		return nil, fmt.Errorf("session %d is not active", sessionID)
	}

	now := time.Now().UTC()
	cashTaken, err := s.store.SumCashPayments(ctx, session.OpenedAt, now)
	if err != nil {
		return nil, err
	}
	variance := req.ClosingBalance - (session.OpeningBalance + cashTaken)

	session.Status = models.SessionStatusClosed
	session.ClosedAt = sql.NullTime{Time: now, Valid: true}
	session.ClosingBalance = sql.NullInt64{Int64: req.ClosingBalance, Valid: true}
	session.Variance = sql.NullInt64{Int64: variance, Valid: true}
	session.SyncStatus = models.SyncStatusPending

	var entryID int64
	err = s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.store.CloseSessionTx(ctx, tx, sessionID, req.ClosingBalance, variance, now); err != nil {
			return err
		}
		doc, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to encode session: %w", err)
		}
		entry := models.NewQueueEntry(models.EntitySession, models.ActionUpdate,
			strconv.FormatInt(sessionID, 10), doc)
		entryID, err = s.store.EnqueueMutationTx(ctx, tx, entry)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to close shift: %w", err)
	}

	if collapsed, err := s.store.CollapseSuperseded(ctx, models.EntitySession,
		strconv.FormatInt(sessionID, 10), entryID); err == nil && collapsed > 0 {
		util.EntriesCollapsedTotal.Add(float64(collapsed))
	}

	util.MutationsEnqueuedTotal.WithLabelValues(models.EntitySession, models.ActionUpdate).Inc()
	s.logger.Info("Shift closed",
		zap.Int64("session_id", sessionID),
		zap.Int64("variance", variance))

	s.notifier.NotifyLocalChange()
	return session, nil
}

// Active returns the user's active session, or nil if there is none.
func (s *ShiftService) Active(ctx context.Context, userID int64) (*models.Session, error) {
	return s.store.GetActiveSession(ctx, userID)
}
