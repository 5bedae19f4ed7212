package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pos-sync-agent/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateTicketTx inserts a parked ticket inside an open transaction
func (s *Store) CreateTicketTx(ctx context.Context, tx *sqlx.Tx, ticket *models.Ticket) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO tickets (ticket_number, user_id, status, total, created_at, updated_at, sync_status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ticket.TicketNumber, ticket.UserID, ticket.Status, ticket.Total,
		ticket.CreatedAt, ticket.UpdatedAt, ticket.SyncStatus)
	if err != nil {
		return fmt.Errorf("failed to insert ticket: %w", err)
	}
	ticket.ID, err = res.LastInsertId()
	return err
}

// CreateTicketItemTx inserts a ticket item inside an open transaction
func (s *Store) CreateTicketItemTx(ctx context.Context, tx *sqlx.Tx, item *models.TicketItem) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO ticket_items (ticket_id, product_id, quantity, price, discount)
		VALUES (?, ?, ?, ?, ?)`,
		item.TicketID, item.ProductID, item.Quantity, item.Price, item.Discount)
	if err != nil {
		return fmt.Errorf("failed to insert ticket item: %w", err)
	}
	item.ID, err = res.LastInsertId()
	return err
}

// GetTicketByID retrieves a ticket by ID
func (s *Store) GetTicketByID(ctx context.Context, id int64) (*models.Ticket, error) {
	var ticket models.Ticket
	err := s.db.GetContext(ctx, &ticket, "SELECT * FROM tickets WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

// GetOpenTickets retrieves all open (parked) tickets
func (s *Store) GetOpenTickets(ctx context.Context) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := s.db.SelectContext(ctx, &tickets,
		"SELECT * FROM tickets WHERE status = ? ORDER BY created_at",
		models.TicketStatusOpen)
	return tickets, err
}

// GetTicketItemsByTicketID retrieves items for a ticket
func (s *Store) GetTicketItemsByTicketID(ctx context.Context, ticketID int64) ([]models.TicketItem, error) {
	var items []models.TicketItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM ticket_items WHERE ticket_id = ?", ticketID)
	return items, err
}

// TouchTicket updates a ticket's mutable fields. updated_at is always
// overwritten to now, regardless of what changed.
func (s *Store) TouchTicket(ctx context.Context, ticketID int64, status string, total int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tickets SET status = ?, total = ?, sync_status = ?, updated_at = ?
		WHERE id = ?`,
		status, total, models.SyncStatusPending, time.Now().UTC(), ticketID)
	return err
}

// TouchTicketTx is TouchTicket inside an open transaction.
func (s *Store) TouchTicketTx(ctx context.Context, tx *sqlx.Tx, ticketID int64, status string, total int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE tickets SET status = ?, total = ?, sync_status = ?, updated_at = ?
		WHERE id = ?`,
		status, total, models.SyncStatusPending, time.Now().UTC(), ticketID)
	return err
}

// DeleteTicketItemsTx removes all items for a ticket, used when re-parking
// with a replacement cart.
func (s *Store) DeleteTicketItemsTx(ctx context.Context, tx *sqlx.Tx, ticketID int64) error {
	_, err := tx.ExecContext(ctx, "DELETE FROM ticket_items WHERE ticket_id = ?", ticketID)
	return err
}

// CreateSessionTx inserts a cash-drawer session inside an open transaction
func (s *Store) CreateSessionTx(ctx context.Context, tx *sqlx.Tx, session *models.Session) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (user_id, opened_at, closed_at, opening_balance, closing_balance, variance, status, sync_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.UserID, session.OpenedAt, session.ClosedAt, session.OpeningBalance,
		session.ClosingBalance, session.Variance, session.Status, session.SyncStatus)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	session.ID, err = res.LastInsertId()
	return err
}

// GetSessionByID retrieves a session by ID
func (s *Store) GetSessionByID(ctx context.Context, id int64) (*models.Session, error) {
	var session models.Session
	err := s.db.GetContext(ctx, &session, "SELECT * FROM sessions WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// GetActiveSession retrieves the currently open session for a user, if any
func (s *Store) GetActiveSession(ctx context.Context, userID int64) (*models.Session, error) {
	var session models.Session
	err := s.db.GetContext(ctx, &session,
		"SELECT * FROM sessions WHERE user_id = ? AND status = ? ORDER BY opened_at DESC LIMIT 1",
		userID, models.SessionStatusActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// CloseSessionTx closes a session with the counted drawer balance and the
// variance computed against expected cash.
func (s *Store) CloseSessionTx(ctx context.Context, tx *sqlx.Tx, sessionID int64, closingBalance, variance int64, closedAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE sessions SET status = ?, closed_at = ?, closing_balance = ?, variance = ?, sync_status = ?
		WHERE id = ?`,
		models.SessionStatusClosed, closedAt, closingBalance, variance,
		models.SyncStatusPending, sessionID)
	return err
}
