package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"pos-sync-agent/internal/models"
	"pos-sync-agent/internal/store"
	"pos-sync-agent/internal/util"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// TicketService handles parked in-progress sales.
type TicketService struct {
	store    *store.Store
	sales    *SalesService
	notifier ChangeNotifier
	logger   *zap.Logger
}

// NewTicketService creates a new ticket service
func NewTicketService(st *store.Store, sales *SalesService, notifier ChangeNotifier) *TicketService {
	return &TicketService{
		store:    st,
		sales:    sales,
		notifier: notifier,
		logger:   util.GetLogger(),
	}
}

// ParkTicketRequest parks the current cart as a ticket
type ParkTicketRequest struct {
	UserID int64             `json:"user_id" binding:"required"`
	Items  []CartItemRequest `json:"items" binding:"required,min=1"`
}

// UpdateTicketRequest replaces a parked ticket's items
type UpdateTicketRequest struct {
	Items []CartItemRequest `json:"items" binding:"required,min=1"`
}

// CloseTicketRequest converts a parked ticket into a paid order
type CloseTicketRequest struct {
	Payment PaymentInfoRequest `json:"payment" binding:"required"`
}

type ticketDocument struct {
	*models.Ticket
	Items []models.TicketItem `json:"items"`
}

// Park stores the cart as an open ticket and enqueues its creation.
func (s *TicketService) Park(ctx context.Context, req *ParkTicketRequest) (*models.Ticket, error) {
	ctx, span := util.StartSpan(ctx, "TicketService.Park")
	defer span.End()

	products, err := s.sales.validateItems(ctx, req.Items)
	if err != nil {
		return nil, err
	}

	ticket := models.NewTicket("TKT-"+uuid.New().String()[:8], req.UserID, 0)
	items, total := buildTicketItems(req.Items, products)
	ticket.Total = total

	err = s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.store.CreateTicketTx(ctx, tx, ticket); err != nil {
			return err
		}
		for i := range items {
			items[i].TicketID = ticket.ID
			if err := s.store.CreateTicketItemTx(ctx, tx, &items[i]); err != nil {
				return err
			}
		}
		doc, err := json.Marshal(ticketDocument{ticket, items})
		if err != nil {
			return fmt.Errorf("failed to encode ticket: %w", err)
		}
		entry := models.NewQueueEntry(models.EntityTicket, models.ActionCreate,
			strconv.FormatInt(ticket.ID, 10), doc)
		_, err = s.store.EnqueueMutationTx(ctx, tx, entry)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to park ticket: %w", err)
	}

	util.TicketsParkedTotal.Inc()
	util.MutationsEnqueuedTotal.WithLabelValues(models.EntityTicket, models.ActionCreate).Inc()
	s.logger.Info("Ticket parked",
		zap.Int64("ticket_id", ticket.ID),
		zap.String("ticket_number", ticket.TicketNumber))

	s.notifier.NotifyLocalChange()
	return ticket, nil
}

// Update replaces the ticket's items. Earlier pending update entries for the
// same ticket collapse into this one; only the newest state travels.
func (s *TicketService) Update(ctx context.Context, ticketID int64, req *UpdateTicketRequest) (*models.Ticket, error) {
	ctx, span := util.StartSpan(ctx, "TicketService.Update")
	defer span.End()

	ticket, err := s.store.GetTicketByID(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.Status != models.TicketStatusOpen {
		return nil, fmt.Errorf("ticket %d is not open", ticketID)
	}

	products, err := s.sales.validateItems(ctx, req.Items)
	if err != nil {
		return nil, err
	}
	items, total := buildTicketItems(req.Items, products)

	var entryID int64
	err = s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.store.DeleteTicketItemsTx(ctx, tx, ticketID); err != nil {
			return err
		}
		for i := range items {
			items[i].TicketID = ticketID
			if err := s.store.CreateTicketItemTx(ctx, tx, &items[i]); err != nil {
				return err
			}
		}
		if err := s.store.TouchTicketTx(ctx, tx, ticketID, models.TicketStatusOpen, total); err != nil {
			return err
		}

		ticket.Total = total
		ticket.UpdatedAt = time.Now().UTC()
		ticket.SyncStatus = models.SyncStatusPending
		doc, err := json.Marshal(ticketDocument{ticket, items})
		if err != nil {
			return fmt.Errorf("failed to encode ticket: %w", err)
		}
		entry := models.NewQueueEntry(models.EntityTicket, models.ActionUpdate,
			strconv.FormatInt(ticketID, 10), doc)
		entryID, err = s.store.EnqueueMutationTx(ctx, tx, entry)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update ticket: %w", err)
	}

	collapsed, err := s.store.CollapseSuperseded(ctx, models.EntityTicket,
		strconv.FormatInt(ticketID, 10), entryID)
	if err != nil {
		s.logger.Error("Failed to collapse superseded entries", zap.Error(err))
	} else if collapsed > 0 {
		util.EntriesCollapsedTotal.Add(float64(collapsed))
	}

	util.MutationsEnqueuedTotal.WithLabelValues(models.EntityTicket, models.ActionUpdate).Inc()
	s.notifier.NotifyLocalChange()
	return ticket, nil
}

// Close converts an open ticket into a paid order. The ticket is marked
// closed and the order goes through the normal checkout path.
func (s *TicketService) Close(ctx context.Context, ticketID int64, req *CloseTicketRequest) (*CheckoutResponse, error) {
	ctx, span := util.StartSpan(ctx, "TicketService.Close")
	defer span.End()

	ticket, err := s.store.GetTicketByID(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.Status != models.TicketStatusOpen {
		return nil, fmt.Errorf("ticket %d is not open", ticketID)
	}
	items, err := s.store.GetTicketItemsByTicketID(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("ticket %d has no items", ticketID)
	}

	cart := make([]CartItemRequest, 0, len(items))
	for _, it := range items {
		cart = append(cart, CartItemRequest{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			Discount:  it.Discount,
		})
	}
	resp, err := s.sales.Checkout(ctx, &CheckoutRequest{
		UserID:  ticket.UserID,
		Items:   cart,
		Payment: req.Payment,
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.TouchTicket(ctx, ticketID, models.TicketStatusClosed, ticket.Total); err != nil {
		return nil, fmt.Errorf("order %d created but ticket close failed: %w", resp.OrderID, err)
	}

	ticket.Status = models.TicketStatusClosed
	ticket.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(ticketDocument{ticket, items})
	if err != nil {
		return nil, fmt.Errorf("failed to encode ticket: %w", err)
	}
	entry := models.NewQueueEntry(models.EntityTicket, models.ActionUpdate,
		strconv.FormatInt(ticketID, 10), doc)
	entryID, err := s.store.EnqueueMutation(ctx, entry)
	if err != nil {
		return nil, err
	}
	if collapsed, err := s.store.CollapseSuperseded(ctx, models.EntityTicket,
		strconv.FormatInt(ticketID, 10), entryID); err == nil && collapsed > 0 {
		util.EntriesCollapsedTotal.Add(float64(collapsed))
	}

	util.MutationsEnqueuedTotal.WithLabelValues(models.EntityTicket, models.ActionUpdate).Inc()
	s.logger.Info("Ticket closed",
		zap.Int64("ticket_id", ticketID),
		zap.Int64("order_id", resp.OrderID))

	s.notifier.NotifyLocalChange()
	return resp, nil
}

// ListOpen returns all open tickets
func (s *TicketService) ListOpen(ctx context.Context) ([]models.Ticket, error) {
	return s.store.GetOpenTickets(ctx)
}

// Get returns a ticket with its items
func (s *TicketService) Get(ctx context.Context, ticketID int64) (*models.Ticket, []models.TicketItem, error) {
	ticket, err := s.store.GetTicketByID(ctx, ticketID)
	if err != nil {
		return nil, nil, err
	}
	items, err := s.store.GetTicketItemsByTicketID(ctx, ticketID)
	if err != nil {
		return nil, nil, err
	}
	return ticket, items, nil
}

func buildTicketItems(lines []CartItemRequest, products map[string]*models.Product) ([]models.TicketItem, int64) {
	items := make([]models.TicketItem, 0, len(lines))
	var total int64
	for _, line := range lines {
		product := products[line.ProductID]
		items = append(items, models.TicketItem{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Price:     product.Price,
			Discount:  line.Discount,
		})
		total += product.Price*int64(line.Quantity) - line.Discount
	}
	return items, total
}
