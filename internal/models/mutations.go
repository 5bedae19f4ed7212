package models

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Entity types carried by queue entries
const (
	EntityOrder    = "order"
	EntityTicket   = "ticket"
	EntityPayment  = "payment"
	EntitySession  = "session"
	EntityCustomer = "customer"
	EntityProduct  = "product"
	EntitySetting  = "setting"
)

// Mutation actions
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Queue entry states
const (
	QueueStatusPending    = "pending"
	QueueStatusInFlight   = "in_flight"
	QueueStatusDone       = "done"
	QueueStatusFailed     = "failed"
	QueueStatusSuperseded = "superseded"
)

// Payload is the JSON document a queue entry carries. It scans straight from
// the TEXT column the ledger stores it in, and renders as raw JSON rather
// than base64 on the debug surface.
type Payload []byte

// Scan implements sql.Scanner.
func (p *Payload) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*p = nil
	case string:
		*p = Payload(v)
	case []byte:
		*p = append(Payload(nil), v...)
	default:
		return fmt.Errorf("cannot scan %T into Payload", src)
	}
	return nil
}

// Value implements driver.Valuer.
func (p Payload) Value() (driver.Value, error) {
	if len(p) == 0 {
		return nil, nil
	}
	return string(p), nil
}

// MarshalJSON emits the payload verbatim.
func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

// UnmarshalJSON stores the raw document.
func (p *Payload) UnmarshalJSON(data []byte) error {
	*p = append((*p)[:0], data...)
	return nil
}

// QueueEntry is one row of the durable sync ledger. EntityID identifies the
// logical stream; delivery is FIFO within a stream. Data holds the full
// entity state at enqueue time, so the remote write never depends on rows
// that may have changed since.
type QueueEntry struct {
	ID          int64        `db:"id" json:"id"`
	Type        string       `db:"type" json:"type"`
	Action      string       `db:"action" json:"action"`
	EntityID    string       `db:"entity_id" json:"entity_id"`
	Data        Payload      `db:"data" json:"data"`
	Status      string       `db:"status" json:"status"`
	Attempts    int          `db:"attempts" json:"attempts"`
	LastError   string       `db:"last_error" json:"last_error,omitempty"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	LastAttempt sql.NullTime `db:"last_attempt" json:"last_attempt,omitempty"`
	NextRetryAt sql.NullTime `db:"next_retry_at" json:"next_retry_at,omitempty"`
}

// NewQueueEntry builds a queue entry with creation defaults applied:
// status pending, zero attempts, createdAt now.
func NewQueueEntry(entityType, action, entityID string, data json.RawMessage) *QueueEntry {
	return &QueueEntry{
		Type:      entityType,
		Action:    action,
		EntityID:  entityID,
		Data:      Payload(data),
		Status:    QueueStatusPending,
		Attempts:  0,
		CreatedAt: time.Now().UTC(),
	}
}

// Collection maps an entity type to its remote document collection.
func Collection(entityType string) string {
	switch entityType {
	case EntityOrder:
		return "orders"
	case EntityTicket:
		return "tickets"
	case EntityPayment:
		return "payments"
	case EntitySession:
		return "sessions"
	case EntityCustomer:
		return "customers"
	case EntityProduct:
		return "products"
	case EntitySetting:
		return "settings"
	default:
		return entityType + "s"
	}
}
