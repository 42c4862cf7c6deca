package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// OutboxStatus - состояние события в transactional outbox.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "PENDING"
	OutboxProcessing OutboxStatus = "PROCESSING"
	OutboxDone       OutboxStatus = "DONE"
	// OutboxFailed - dead letter, требует ручного вмешательства.
	OutboxFailed OutboxStatus = "FAILED"
)

// EventType - тип бизнес-события.
type EventType string

const (
	EventOrderApproved EventType = "ORDER_APPROVED"
	EventSaleApproved  EventType = "SALE_APPROVED"
	EventSaleCancelled EventType = "SALE_CANCELLED"
	EventLowStock      EventType = "LOW_STOCK"
	EventUserCreated   EventType = "USER_CREATED"
)

// DefaultMaxRetries - лимит попыток обработки события по умолчанию.
const DefaultMaxRetries = 3

// OutboxEvent - запись outbox, создаётся в транзакции бизнес-операции.
type OutboxEvent struct {
	ID             string
	Type           EventType
	Payload        json.RawMessage
	Status         OutboxStatus
	RetryCount     int
	MaxRetries     int
	IdempotencyKey string
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ProcessedAt    *time.Time
}

// Decode разбирает payload события в dst.
func (e OutboxEvent) Decode(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	ProcessingCount int
	FailedCount     int
	OldestPendingAt time.Time
}

// DocumentApprovedPayload - payload ORDER_APPROVED и SALE_APPROVED.
type DocumentApprovedPayload struct {
	DocumentID     string `json:"document_id"`
	OrganizationID string `json:"organization_id"`
	Number         string `json:"number"`
	WarehouseID    string `json:"warehouse_id,omitempty"`
	Total          string `json:"total"`
	UserID         string `json:"user_id"`
}

// SaleCancelledPayload - payload SALE_CANCELLED.
type SaleCancelledPayload struct {
	DocumentID     string `json:"document_id"`
	OrganizationID string `json:"organization_id"`
	Number         string `json:"number"`
	WarehouseID    string `json:"warehouse_id"`
	UserID         string `json:"user_id"`
}

// LowStockPayload - payload LOW_STOCK.
type LowStockPayload struct {
	OrganizationID string `json:"organization_id"`
	ProductID      string `json:"product_id"`
	WarehouseID    string `json:"warehouse_id"`
	SKU            string `json:"sku"`
	Quantity       int64  `json:"quantity"`
	MinQuantity    int64  `json:"min_quantity"`
}

// UserCreatedPayload - payload USER_CREATED.
type UserCreatedPayload struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	Email          string `json:"email"`
}

// LowStockKey строит ключ идемпотентности LOW_STOCK: не больше одного события
// на пару (товар, склад) в минуту.
func LowStockKey(productID, warehouseID string, at time.Time) string {
	return fmt.Sprintf("low_stock:%s:%s:%d", productID, warehouseID, at.Unix()/60)
}
