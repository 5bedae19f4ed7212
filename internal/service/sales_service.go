package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"pos-sync-agent/internal/models"
	"pos-sync-agent/internal/store"
	"pos-sync-agent/internal/util"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// ChangeNotifier wakes the sync engine after a local mutation was enqueued.
type ChangeNotifier interface {
	NotifyLocalChange()
}

// SalesService handles checkout: the local write plus the queue entries that
// will carry it to the remote store.
type SalesService struct {
	store    *store.Store
	notifier ChangeNotifier
	logger   *zap.Logger
}

// NewSalesService creates a new sales service
func NewSalesService(st *store.Store, notifier ChangeNotifier) *SalesService {
	return &SalesService{
		store:    st,
		notifier: notifier,
		logger:   util.GetLogger(),
	}
}

// CheckoutRequest represents a cashier checkout
type CheckoutRequest struct {
	UserID     int64              `json:"user_id" binding:"required"`
	CustomerID string             `json:"customer_id"`
	Items      []CartItemRequest  `json:"items" binding:"required,min=1"`
	Payment    PaymentInfoRequest `json:"payment" binding:"required"`
}

// CartItemRequest is one line of the cart
type CartItemRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
	Discount  int64  `json:"discount"`
}

// PaymentInfoRequest describes how the order was paid
type PaymentInfoRequest struct {
	Method string `json:"method" binding:"required"`
	Amount int64  `json:"amount" binding:"required,min=1"`
}

// CheckoutResponse is returned after a completed checkout
type CheckoutResponse struct {
	OrderID     int64  `json:"order_id"`
	OrderNumber string `json:"order_number"`
	Total       int64  `json:"total"`
	SyncStatus  string `json:"sync_status"`
}

type orderDocument struct {
	*models.Order
	Items []models.OrderItem `json:"items"`
}

// Checkout writes the order, its items and the payment in one local
// transaction together with their queue entries, then wakes the engine.
// Works identically online and offline; delivery is the engine's problem.
func (s *SalesService) Checkout(ctx context.Context, req *CheckoutRequest) (*CheckoutResponse, error) {
	ctx, span := util.StartSpan(ctx, "SalesService.Checkout")
	defer span.End()

	products, err := s.validateItems(ctx, req.Items)
	if err != nil {
		return nil, err
	}

	order := models.NewOrder(newOrderNumber(), req.UserID, req.CustomerID, 0)
	items := make([]models.OrderItem, 0, len(req.Items))
	var total int64
	for _, line := range req.Items {
		product := products[line.ProductID]
		lineTotal := product.Price*int64(line.Quantity) - line.Discount
		total += lineTotal
		items = append(items, models.OrderItem{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Price:     product.Price,
			Discount:  line.Discount,
			Total:     lineTotal,
		})
	}
	order.Total = total

	if req.Payment.Amount < total {
		return nil, fmt.Errorf("payment amount %d does not cover total %d", req.Payment.Amount, total)
	}

	payment := models.NewPayment(0, req.Payment.Method, total)

	err = s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		// Parent before children, so readers never see orphaned items.
		if err := s.store.CreateOrderTx(ctx, tx, order); err != nil {
			return err
		}
		for i := range items {
			items[i].OrderID = order.ID
			if err := s.store.CreateOrderItemTx(ctx, tx, &items[i]); err != nil {
				return err
			}
		}
		payment.OrderID = order.ID
		if err := s.store.CreatePaymentTx(ctx, tx, payment); err != nil {
			return err
		}

		orderDoc, err := json.Marshal(orderDocument{order, items})
		if err != nil {
			return fmt.Errorf("failed to encode order: %w", err)
		}
		orderEntry := models.NewQueueEntry(models.EntityOrder, models.ActionCreate,
			strconv.FormatInt(order.ID, 10), orderDoc)
		if _, err := s.store.EnqueueMutationTx(ctx, tx, orderEntry); err != nil {
			return err
		}

		paymentDoc, err := json.Marshal(payment)
		if err != nil {
			return fmt.Errorf("failed to encode payment: %w", err)
		}
		paymentEntry := models.NewQueueEntry(models.EntityPayment, models.ActionCreate,
			strconv.FormatInt(payment.ID, 10), paymentDoc)
		if _, err := s.store.EnqueueMutationTx(ctx, tx, paymentEntry); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("checkout failed: %w", err)
	}

	for _, line := range req.Items {
		if err := s.store.AdjustStock(ctx, line.ProductID, -line.Quantity); err != nil {
			s.logger.Error("Failed to adjust stock",
				zap.String("product_id", line.ProductID), zap.Error(err))
		}
	}

	util.OrdersCreatedTotal.Inc()
	util.MutationsEnqueuedTotal.WithLabelValues(models.EntityOrder, models.ActionCreate).Inc()
	util.MutationsEnqueuedTotal.WithLabelValues(models.EntityPayment, models.ActionCreate).Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.Int64("total", total))

	s.notifier.NotifyLocalChange()

	return &CheckoutResponse{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Total:       total,
		SyncStatus:  order.SyncStatus,
	}, nil
}

// GetOrder retrieves an order with its items and payments
func (s *SalesService) GetOrder(ctx context.Context, orderID int64) (*models.Order, []models.OrderItem, []models.Payment, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, nil, err
	}
	items, err := s.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, nil, nil, err
	}
	payments, err := s.store.GetPaymentsByOrderID(ctx, orderID)
	if err != nil {
		return nil, nil, nil, err
	}
	return order, items, payments, nil
}

// GetRecentOrders lists the latest orders for the sales page
func (s *SalesService) GetRecentOrders(ctx context.Context, limit int) ([]models.Order, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.GetRecentOrders(ctx, limit)
}

func (s *SalesService) validateItems(ctx context.Context, items []CartItemRequest) (map[string]*models.Product, error) {
	productMap := make(map[string]*models.Product, len(items))
	for _, line := range items {
		if _, ok := productMap[line.ProductID]; ok {
			continue
		}
		product, err := s.store.GetProductByID(ctx, line.ProductID)
		if err != nil {
			return nil, fmt.Errorf("invalid cart: %w", err)
		}
		productMap[line.ProductID] = product
	}
	return productMap, nil
}

// newOrderNumber generates a terminal-unique order number.
func newOrderNumber() string {
	return "ORD-" + uuid.New().String()[:8]
}
