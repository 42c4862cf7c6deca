package grpcsvc

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/ledger"
)

// Запросы API. Организация и пользователь берутся из метаданных, а не из тела.

type stockChangeRequest struct {
	ProductID     string `json:"product_id"`
	WarehouseID   string `json:"warehouse_id"`
	Quantity      int64  `json:"quantity"`
	ReferenceType string `json:"reference_type"`
	Reference     string `json:"reference"`
	Note          string `json:"note"`
}

type adjustStockRequest struct {
	ProductID   string `json:"product_id"`
	WarehouseID string `json:"warehouse_id"`
	NewQuantity int64  `json:"new_quantity"`
	Reason      string `json:"reason"`
}

type stockPairRequest struct {
	ProductID   string `json:"product_id"`
	WarehouseID string `json:"warehouse_id"`
}

type listMovementsRequest struct {
	ProductID   string `json:"product_id"`
	WarehouseID string `json:"warehouse_id"`
	Limit       int    `json:"limit"`
}

type createOrganizationRequest struct {
	Name string `json:"name"`
}

type createProductRequest struct {
	SKU   string          `json:"sku"`
	Name  string          `json:"name"`
	Unit  string          `json:"unit"`
	Price decimal.Decimal `json:"price"`
}

type createWarehouseRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type productRequest struct {
	ProductID string `json:"product_id"`
}

type setMinQuantityRequest struct {
	ProductID   string `json:"product_id"`
	WarehouseID string `json:"warehouse_id"`
	MinQuantity int64  `json:"min_quantity"`
}

type registerUserRequest struct {
	Email string `json:"email"`
}

type emptyRequest struct{}

type lineItemRequest struct {
	ProductID string           `json:"product_id"`
	Quantity  int64            `json:"quantity"`
	UnitPrice *decimal.Decimal `json:"unit_price"`
}

type createDocumentRequest struct {
	Kind        string            `json:"kind"`
	WarehouseID string            `json:"warehouse_id"`
	Items       []lineItemRequest `json:"items"`
}

type documentRequest struct {
	Kind       string `json:"kind"`
	DocumentID string `json:"document_id"`
}

type listDocumentsRequest struct {
	Kind   string `json:"kind"`
	Status string `json:"status"`
	Limit  int    `json:"limit"`
}

type orderRequest struct {
	OrderID string `json:"order_id"`
}

// Ответы API.

type stockResponse struct {
	ID          string    `json:"id"`
	ProductID   string    `json:"product_id"`
	WarehouseID string    `json:"warehouse_id"`
	Quantity    int64     `json:"quantity"`
	MinQuantity int64     `json:"min_quantity"`
	IsLow       bool      `json:"is_low"`
	SKU         string    `json:"sku,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type movementResponse struct {
	ID            string    `json:"id"`
	ProductID     string    `json:"product_id"`
	WarehouseID   string    `json:"warehouse_id"`
	Type          string    `json:"type"`
	Quantity      int64     `json:"quantity"`
	Delta         int64     `json:"delta"`
	ReferenceType string    `json:"reference_type"`
	Reference     string    `json:"reference,omitempty"`
	Note          string    `json:"note,omitempty"`
	CreatedBy     string    `json:"created_by,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type mutationResponse struct {
	Stock    stockResponse     `json:"stock"`
	Movement *movementResponse `json:"movement,omitempty"`
}

type movementsResponse struct {
	Movements []movementResponse `json:"movements"`
}

type reconciliationResponse struct {
	ProductID   string `json:"product_id"`
	WarehouseID string `json:"warehouse_id"`
	Balance     int64  `json:"balance"`
	MovementSum int64  `json:"movement_sum"`
	Drift       int64  `json:"drift"`
}

type organizationResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type productResponse struct {
	ID        string    `json:"id"`
	SKU       string    `json:"sku"`
	Name      string    `json:"name"`
	Unit      string    `json:"unit"`
	Price     string    `json:"price"`
	CreatedAt time.Time `json:"created_at"`
}

type productsResponse struct {
	Products []productResponse `json:"products"`
}

type warehouseResponse struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type warehousesResponse struct {
	Warehouses []warehouseResponse `json:"warehouses"`
}

type userResponse struct {
	UserID string `json:"user_id"`
}

type deletedResponse struct {
	Deleted bool `json:"deleted"`
}

type lineItemResponse struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	LineTotal string `json:"line_total"`
}

type documentResponse struct {
	ID          string             `json:"id"`
	Kind        string             `json:"kind"`
	Number      string             `json:"number"`
	Status      string             `json:"status"`
	WarehouseID string             `json:"warehouse_id,omitempty"`
	Total       string             `json:"total"`
	Items       []lineItemResponse `json:"items"`
	CreatedBy   string             `json:"created_by,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	ApprovedAt  *time.Time         `json:"approved_at,omitempty"`
	CancelledAt *time.Time         `json:"cancelled_at,omitempty"`
}

type documentsResponse struct {
	Documents []documentResponse `json:"documents"`
}

type invoiceResponse struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	Number    string    `json:"number"`
	Total     string    `json:"total"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type invoicesResponse struct {
	Invoices []invoiceResponse `json:"invoices"`
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func toStockResponse(stock domain.Stock) stockResponse {
	return stockResponse{
		ID:          stock.ID,
		ProductID:   stock.ProductID,
		WarehouseID: stock.WarehouseID,
		Quantity:    stock.Quantity,
		MinQuantity: stock.MinQuantity,
		IsLow:       stock.IsLow(),
		UpdatedAt:   stock.UpdatedAt,
	}
}

func toStockLevelResponse(level ledger.StockLevel) stockResponse {
	resp := toStockResponse(level.Stock)
	resp.SKU = level.SKU
	resp.IsLow = level.IsLow
	return resp
}

func toMovementResponse(m domain.StockMovement) movementResponse {
	return movementResponse{
		ID:            m.ID,
		ProductID:     m.ProductID,
		WarehouseID:   m.WarehouseID,
		Type:          string(m.Type),
		Quantity:      m.Quantity,
		Delta:         m.Delta,
		ReferenceType: string(m.ReferenceType),
		Reference:     m.Reference,
		Note:          m.Note,
		CreatedBy:     m.CreatedBy,
		CreatedAt:     m.CreatedAt,
	}
}

func toMutationResponse(result ledger.MutationResult) mutationResponse {
	resp := mutationResponse{Stock: toStockResponse(result.Stock)}
	if result.Movement != nil {
		movement := toMovementResponse(*result.Movement)
		resp.Movement = &movement
	}
	return resp
}

func toProductResponse(p domain.Product) productResponse {
	return productResponse{
		ID:        p.ID,
		SKU:       p.SKU,
		Name:      p.Name,
		Unit:      p.Unit,
		Price:     money(p.Price),
		CreatedAt: p.CreatedAt,
	}
}

func toWarehouseResponse(w domain.Warehouse) warehouseResponse {
	return warehouseResponse{ID: w.ID, Code: w.Code, Name: w.Name, CreatedAt: w.CreatedAt}
}

func toDocumentResponse(doc domain.Document) documentResponse {
	items := make([]lineItemResponse, 0, len(doc.Items))
	for _, item := range doc.Items {
		items = append(items, lineItemResponse{
			ID:        item.ID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: money(item.UnitPrice),
			LineTotal: money(item.LineTotal),
		})
	}
	return documentResponse{
		ID:          doc.ID,
		Kind:        string(doc.Kind),
		Number:      doc.Number,
		Status:      string(doc.Status),
		WarehouseID: doc.WarehouseID,
		Total:       money(doc.Total),
		Items:       items,
		CreatedBy:   doc.CreatedBy,
		CreatedAt:   doc.CreatedAt,
		ApprovedAt:  doc.ApprovedAt,
		CancelledAt: doc.CancelledAt,
	}
}

func toInvoiceResponse(inv domain.Invoice) invoiceResponse {
	return invoiceResponse{
		ID:        inv.ID,
		OrderID:   inv.OrderID,
		Number:    inv.Number,
		Total:     money(inv.Total),
		CreatedBy: inv.CreatedBy,
		CreatedAt: inv.CreatedAt,
	}
}
