package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DocumentKind различает заказы и продажи; у обоих один жизненный цикл.
type DocumentKind string

const (
	DocumentOrder DocumentKind = "ORDER"
	DocumentSale  DocumentKind = "SALE"
)

// Valid проверяет, что вид документа из закрытого набора.
func (k DocumentKind) Valid() bool {
	return k == DocumentOrder || k == DocumentSale
}

// Series возвращает серию номеров для вида документа.
func (k DocumentKind) Series() NumberSeries {
	if k == DocumentSale {
		return SeriesSale
	}
	return SeriesOrder
}

// ReferenceType возвращает тип ссылки для складских движений документа.
func (k DocumentKind) ReferenceType() ReferenceType {
	if k == DocumentSale {
		return ReferenceSale
	}
	return ReferenceOrder
}

// DocumentStatus - статус документа.
type DocumentStatus string

const (
	// StatusDraft - создан, склад не затронут.
	StatusDraft DocumentStatus = "DRAFT"
	// StatusApproved - товары списаны со склада.
	StatusApproved DocumentStatus = "APPROVED"
	// StatusCancelled - списание возвращено, состояние терминальное.
	StatusCancelled DocumentStatus = "CANCELLED"
	// StatusInvoiced - не хранится; цель перехода в ошибке выставления счёта по неутверждённому заказу.
	StatusInvoiced DocumentStatus = "INVOICED"
)

var allowedTransitions = map[DocumentStatus]DocumentStatus{
	StatusDraft:    StatusApproved,
	StatusApproved: StatusCancelled,
}

// CanTransition сообщает, допустим ли переход from -> to.
func CanTransition(from, to DocumentStatus) bool {
	next, ok := allowedTransitions[from]
	return ok && next == to
}

// LineItem - неизменяемая позиция документа.
type LineItem struct {
	ID        string
	ProductID string
	Quantity  int64
	UnitPrice decimal.Decimal
	LineTotal decimal.Decimal
}

// Document - заголовок заказа или продажи вместе с позициями.
type Document struct {
	ID             string
	Kind           DocumentKind
	OrganizationID string
	// WarehouseID обязателен для продажи; у заказа это необязательный склад отгрузки.
	WarehouseID string
	Number      string
	Status      DocumentStatus
	Total       decimal.Decimal
	Items       []LineItem
	CreatedBy   string
	CreatedAt   time.Time
	ApprovedAt  *time.Time
	CancelledAt *time.Time
}

// Transition переводит документ в статус target либо возвращает InvalidStatusTransitionError.
func (d *Document) Transition(target DocumentStatus, at time.Time) error {
	if !CanTransition(d.Status, target) {
		return &InvalidStatusTransitionError{Current: d.Status, Target: target}
	}
	d.Status = target
	switch target {
	case StatusApproved:
		d.ApprovedAt = &at
	case StatusCancelled:
		d.CancelledAt = &at
	}
	return nil
}

// TouchesStock сообщает, двигает ли документ остатки при утверждении и отмене.
func (d Document) TouchesStock() bool {
	return d.WarehouseID != ""
}

// DocumentFilter ограничивает выборку документов.
type DocumentFilter struct {
	Kind           DocumentKind
	OrganizationID string
	Status         DocumentStatus
	Limit          int
}

// Invoice - счёт по утверждённому заказу; не больше одного на заказ.
type Invoice struct {
	ID             string
	OrganizationID string
	OrderID        string
	Number         string
	Total          decimal.Decimal
	CreatedBy      string
	CreatedAt      time.Time
}

// NumberSeries - закрытый набор серий документных номеров.
type NumberSeries string

const (
	SeriesSale    NumberSeries = "SAT"
	SeriesOrder   NumberSeries = "SIP"
	SeriesInvoice NumberSeries = "FAT"
)

// Valid проверяет, что серия известна.
func (s NumberSeries) Valid() bool {
	switch s {
	case SeriesSale, SeriesOrder, SeriesInvoice:
		return true
	}
	return false
}
