package models

import (
	"database/sql"
	"time"
)

// Record provenance: locally created rows vs rows pulled from the remote catalog.
const (
	SourceLocal  = "local"
	SourceRemote = "remote"
)

// Per-entity sync flags
const (
	SyncStatusPending = "pending"
	SyncStatusSynced  = "synced"
)

// Product represents a catalog item
type Product struct {
	ID         string    `db:"id" json:"id"`
	Barcode    string    `db:"barcode" json:"barcode"`
	SKU        string    `db:"sku" json:"sku"`
	Name       string    `db:"name" json:"name"`
	CategoryID string    `db:"category_id" json:"category_id"`
	Price      int64     `db:"price" json:"price"`
	Stock      int       `db:"stock" json:"stock"`
	Source     string    `db:"source" json:"source"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Category groups products
type Category struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Color     string    `db:"color" json:"color"`
	Source    string    `db:"source" json:"source"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Order represents a completed sale
type Order struct {
	ID          int64        `db:"id" json:"id"`
	OrderNumber string       `db:"order_number" json:"order_number"`
	Status      string       `db:"status" json:"status"`
	Total       int64        `db:"total" json:"total"`
	UserID      int64        `db:"user_id" json:"user_id"`
	CustomerID  string       `db:"customer_id" json:"customer_id,omitempty"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	SyncStatus  string       `db:"sync_status" json:"sync_status"`
	LastSynced  sql.NullTime `db:"last_synced" json:"last_synced,omitempty"`
}

// OrderItem is a line in an order; it rides with the parent for sync purposes
type OrderItem struct {
	ID        int64  `db:"id" json:"id"`
	OrderID   int64  `db:"order_id" json:"order_id"`
	ProductID string `db:"product_id" json:"product_id"`
	Quantity  int    `db:"quantity" json:"quantity"`
	Price     int64  `db:"price" json:"price"`
	Discount  int64  `db:"discount" json:"discount"`
	Total     int64  `db:"total" json:"total"`
}

// Ticket is a parked in-progress sale
type Ticket struct {
	ID           int64     `db:"id" json:"id"`
	TicketNumber string    `db:"ticket_number" json:"ticket_number"`
	UserID       int64     `db:"user_id" json:"user_id"`
	Status       string    `db:"status" json:"status"`
	Total        int64     `db:"total" json:"total"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
	SyncStatus   string    `db:"sync_status" json:"sync_status"`
}

// TicketItem is a line in a parked ticket
type TicketItem struct {
	ID        int64  `db:"id" json:"id"`
	TicketID  int64  `db:"ticket_id" json:"ticket_id"`
	ProductID string `db:"product_id" json:"product_id"`
	Quantity  int    `db:"quantity" json:"quantity"`
	Price     int64  `db:"price" json:"price"`
	Discount  int64  `db:"discount" json:"discount"`
}

// Customer represents a known buyer
type Customer struct {
	ID           string    `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	Email        string    `db:"email" json:"email"`
	Phone        string    `db:"phone" json:"phone"`
	CustomerCode string    `db:"customer_code" json:"customer_code"`
	Source       string    `db:"source" json:"source"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// User is a staff member. The PIN is write-only: list queries never select it.
type User struct {
	ID         int64        `db:"id" json:"id"`
	Username   string       `db:"username" json:"username"`
	Name       string       `db:"name" json:"name"`
	Role       string       `db:"role" json:"role"`
	Email      string       `db:"email" json:"email"`
	PIN        string       `db:"pin" json:"-"`
	LastSynced sql.NullTime `db:"last_synced" json:"last_synced,omitempty"`
}

// Staff roles
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleCashier = "cashier"
)

// Payment represents a payment against an order
type Payment struct {
	ID         int64     `db:"id" json:"id"`
	OrderID    int64     `db:"order_id" json:"order_id"`
	Method     string    `db:"method" json:"method"`
	Amount     int64     `db:"amount" json:"amount"`
	Status     string    `db:"status" json:"status"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	SyncStatus string    `db:"sync_status" json:"sync_status"`
}

// Setting is a singleton-per-key config cache entry
type Setting struct {
	Key        string       `db:"key" json:"key"`
	Value      string       `db:"value" json:"value"`
	LastSynced sql.NullTime `db:"last_synced" json:"last_synced,omitempty"`
}

// Session is a cash-drawer session (shift)
type Session struct {
	ID             int64         `db:"id" json:"id"`
	UserID         int64         `db:"user_id" json:"user_id"`
	OpenedAt       time.Time     `db:"opened_at" json:"opened_at"`
	ClosedAt       sql.NullTime  `db:"closed_at" json:"closed_at,omitempty"`
	OpeningBalance int64         `db:"opening_balance" json:"opening_balance"`
	ClosingBalance sql.NullInt64 `db:"closing_balance" json:"closing_balance,omitempty"`
	Variance       sql.NullInt64 `db:"variance" json:"variance,omitempty"`
	Status         string        `db:"status" json:"status"`
	SyncStatus     string        `db:"sync_status" json:"sync_status"`
}

// Order statuses
const (
	OrderStatusCompleted = "completed"
	OrderStatusRefunded  = "refunded"
	OrderStatusCancelled = "cancelled"
)

// Ticket statuses
const (
	TicketStatusOpen   = "open"
	TicketStatusClosed = "closed"
)

// Payment statuses
const (
	PaymentStatusCompleted = "completed"
	PaymentStatusVoided    = "voided"
)

// Session statuses
const (
	SessionStatusActive = "active"
	SessionStatusClosed = "closed"
)

// Payment methods
const (
	PaymentMethodCash = "cash"
	PaymentMethodCard = "card"
)

// NewOrder builds an order with the creation defaults applied. Every locally
// created order starts out pending sync.
func NewOrder(orderNumber string, userID int64, customerID string, total int64) *Order {
	return &Order{
		OrderNumber: orderNumber,
		Status:      OrderStatusCompleted,
		Total:       total,
		UserID:      userID,
		CustomerID:  customerID,
		CreatedAt:   time.Now().UTC(),
		SyncStatus:  SyncStatusPending,
	}
}

// NewTicket builds a parked ticket with creation defaults applied.
func NewTicket(ticketNumber string, userID int64, total int64) *Ticket {
	now := time.Now().UTC()
	return &Ticket{
		TicketNumber: ticketNumber,
		UserID:       userID,
		Status:       TicketStatusOpen,
		Total:        total,
		CreatedAt:    now,
		UpdatedAt:    now,
		SyncStatus:   SyncStatusPending,
	}
}

// NewPayment builds a completed payment pending sync.
func NewPayment(orderID int64, method string, amount int64) *Payment {
	return &Payment{
		OrderID:    orderID,
		Method:     method,
		Amount:     amount,
		Status:     PaymentStatusCompleted,
		CreatedAt:  time.Now().UTC(),
		SyncStatus: SyncStatusPending,
	}
}

// NewSession opens a cash-drawer session.
func NewSession(userID int64, openingBalance int64) *Session {
	return &Session{
		UserID:         userID,
		OpenedAt:       time.Now().UTC(),
		OpeningBalance: openingBalance,
		Status:         SessionStatusActive,
		SyncStatus:     SyncStatusPending,
	}
}
