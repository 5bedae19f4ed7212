package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"pos-sync-agent/internal/models"
)

// SnapshotEntity serializes the current state of an entity for enqueueing.
// Orders and tickets embed their line items so the queue entry carries the
// complete document the remote store expects.
func (s *Store) SnapshotEntity(ctx context.Context, entityType, entityID string) (json.RawMessage, error) {
	id, err := strconv.ParseInt(entityID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid entity id %q: %w", entityID, err)
	}

	switch entityType {
	case models.EntityOrder:
		order, err := s.GetOrderByID(ctx, id)
		if err != nil {
			return nil, err
		}
		items, err := s.GetOrderItemsByOrderID(ctx, id)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			*models.Order
			Items []models.OrderItem `json:"items"`
		}{order, items})

	case models.EntityTicket:
		ticket, err := s.GetTicketByID(ctx, id)
		if err != nil {
			return nil, err
		}
		items, err := s.GetTicketItemsByTicketID(ctx, id)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			*models.Ticket
			Items []models.TicketItem `json:"items"`
		}{ticket, items})

	case models.EntityPayment:
		var payment models.Payment
		if err := s.db.GetContext(ctx, &payment, "SELECT * FROM payments WHERE id = ?", id); err != nil {
			return nil, fmt.Errorf("payment not found: %d", id)
		}
		return json.Marshal(payment)

	case models.EntitySession:
		session, err := s.GetSessionByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return json.Marshal(session)

	default:
		return nil, fmt.Errorf("cannot snapshot entity type: %s", entityType)
	}
}
