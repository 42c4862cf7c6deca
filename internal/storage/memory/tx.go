package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
)

// memTx пишет в состояние Store внутри WithinTx. Блокировка строк не нужна:
// транзакции уже сериализованы.
type memTx struct {
	st   *state
	undo []func()
}

// rollback отменяет записи транзакции от последней к первой.
func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// put записывает m[k] = v и запоминает прежнее значение.
func put[K comparable, V any](t *memTx, m map[K]V, k K, v V) {
	old, existed := m[k]
	t.undo = append(t.undo, func() {
		if existed {
			m[k] = old
		} else {
			delete(m, k)
		}
	})
	m[k] = v
}

// push дописывает v в *s; откат возвращает прежнюю длину.
func push[V any](t *memTx, s *[]V, v V) {
	n := len(*s)
	t.undo = append(t.undo, func() { *s = (*s)[:n] })
	*s = append(*s, v)
}

func (t *memTx) InsertOrganization(_ context.Context, org domain.Organization) error {
	if _, exists := t.st.organizations[org.ID]; exists {
		return domain.Validationf("organization %s already exists", org.ID)
	}
	put(t, t.st.organizations, org.ID, org)
	return nil
}

func (t *memTx) GetOrganization(_ context.Context, id string) (domain.Organization, error) {
	org, ok := t.st.organizations[id]
	if !ok {
		return domain.Organization{}, domain.NotFoundf("organization %s", id)
	}
	return org, nil
}

// LockOrganization не отличается от GetOrganization: транзакции store и так идут по одной.
func (t *memTx) LockOrganization(ctx context.Context, id string) (domain.Organization, error) {
	return t.GetOrganization(ctx, id)
}

func (t *memTx) InsertProduct(_ context.Context, product domain.Product) error {
	for _, existing := range t.st.products {
		if existing.OrganizationID == product.OrganizationID && existing.SKU == product.SKU {
			return domain.Validationf("sku %s already exists", product.SKU)
		}
	}
	put(t, t.st.products, product.ID, product)
	return nil
}

func (t *memTx) GetProduct(_ context.Context, id string) (domain.Product, error) {
	product, ok := t.st.products[id]
	if !ok {
		return domain.Product{}, domain.NotFoundf("product %s", id)
	}
	return product, nil
}

func (t *memTx) LockProduct(ctx context.Context, id string) (domain.Product, error) {
	return t.GetProduct(ctx, id)
}

func (t *memTx) UpdateProduct(_ context.Context, product domain.Product) error {
	if _, ok := t.st.products[product.ID]; !ok {
		return domain.NotFoundf("product %s", product.ID)
	}
	put(t, t.st.products, product.ID, product)
	return nil
}

func (t *memTx) ListActiveProducts(_ context.Context, organizationID string) ([]domain.Product, error) {
	result := make([]domain.Product, 0)
	for _, p := range t.st.products {
		if p.OrganizationID == organizationID && !p.IsDeleted() {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SKU < result[j].SKU })
	return result, nil
}

func (t *memTx) InsertWarehouse(_ context.Context, warehouse domain.Warehouse) error {
	for _, existing := range t.st.warehouses {
		if existing.OrganizationID == warehouse.OrganizationID && existing.Code == warehouse.Code {
			return domain.Validationf("warehouse code %s already exists", warehouse.Code)
		}
	}
	put(t, t.st.warehouses, warehouse.ID, warehouse)
	return nil
}

func (t *memTx) GetWarehouse(_ context.Context, id string) (domain.Warehouse, error) {
	warehouse, ok := t.st.warehouses[id]
	if !ok {
		return domain.Warehouse{}, domain.NotFoundf("warehouse %s", id)
	}
	return warehouse, nil
}

func (t *memTx) ListActiveWarehouses(_ context.Context, organizationID string) ([]domain.Warehouse, error) {
	result := make([]domain.Warehouse, 0)
	for _, w := range t.st.warehouses {
		if w.OrganizationID == organizationID && w.Active {
			result = append(result, w)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Code < result[j].Code })
	return result, nil
}

func (t *memTx) EnsureStock(_ context.Context, stock domain.Stock) error {
	key := stockKey{productID: stock.ProductID, warehouseID: stock.WarehouseID}
	if _, exists := t.st.stocks[key]; exists {
		return nil
	}
	put(t, t.st.stocks, key, stock)
	return nil
}

func (t *memTx) LockStock(ctx context.Context, productID, warehouseID string) (domain.Stock, error) {
	return t.GetStock(ctx, productID, warehouseID)
}

func (t *memTx) GetStock(_ context.Context, productID, warehouseID string) (domain.Stock, error) {
	stock, ok := t.st.stocks[stockKey{productID: productID, warehouseID: warehouseID}]
	if !ok {
		return domain.Stock{}, domain.NotFoundf("stock for product %s in warehouse %s", productID, warehouseID)
	}
	return stock, nil
}

func (t *memTx) UpdateStock(_ context.Context, stock domain.Stock) error {
	key := stockKey{productID: stock.ProductID, warehouseID: stock.WarehouseID}
	if _, ok := t.st.stocks[key]; !ok {
		return domain.NotFoundf("stock for product %s in warehouse %s", stock.ProductID, stock.WarehouseID)
	}
	if stock.Quantity < 0 {
		return fmt.Errorf("stock quantity check violated: %d", stock.Quantity)
	}
	put(t, t.st.stocks, key, stock)
	return nil
}

func (t *memTx) InsertMovement(_ context.Context, movement domain.StockMovement) error {
	if movement.Quantity < 0 {
		return fmt.Errorf("movement quantity check violated: %d", movement.Quantity)
	}
	push(t, &t.st.movements, movement)
	return nil
}

func (t *memTx) ListMovements(_ context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error) {
	result := make([]domain.StockMovement, 0)
	for _, m := range t.st.movements {
		if filter.OrganizationID != "" && m.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.ProductID != "" && m.ProductID != filter.ProductID {
			continue
		}
		if filter.WarehouseID != "" && m.WarehouseID != filter.WarehouseID {
			continue
		}
		result = append(result, m)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (t *memTx) SumMovements(_ context.Context, productID, warehouseID string) (int64, error) {
	var sum int64
	for _, m := range t.st.movements {
		if m.ProductID == productID && m.WarehouseID == warehouseID {
			sum += m.Signed()
		}
	}
	return sum, nil
}

func (t *memTx) LastNumber(_ context.Context, series domain.NumberSeries, year int) (string, error) {
	if !series.Valid() {
		return "", domain.Validationf("unknown number series %q", series)
	}
	prefix := fmt.Sprintf("%s-%04d-", series, year)

	last := ""
	consider := func(number string) {
		if strings.HasPrefix(number, prefix) && numberAfter(number, last) {
			last = number
		}
	}
	switch series {
	case domain.SeriesInvoice:
		for _, inv := range t.st.invoices {
			consider(inv.Number)
		}
	default:
		for _, doc := range t.st.documents {
			consider(doc.Number)
		}
	}
	return last, nil
}

// numberAfter сравнивает номера одной области (серия, год) по значению суффикса.
// Суффикс дополнен нулями до пяти знаков, поэтому более длинный номер всегда больше:
// SAT-2026-100000 идёт после SAT-2026-99999.
func numberAfter(a, b string) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}

func (t *memTx) InsertDocument(_ context.Context, doc domain.Document) error {
	for _, existing := range t.st.documents {
		if existing.Number == doc.Number {
			return domain.Validationf("document number %s already exists", doc.Number)
		}
	}
	doc.Items = append([]domain.LineItem(nil), doc.Items...)
	put(t, t.st.documents, doc.ID, doc)
	push(t, &t.st.documentOrder, doc.ID)
	return nil
}

func (t *memTx) GetDocument(_ context.Context, kind domain.DocumentKind, id string) (domain.Document, error) {
	doc, ok := t.st.documents[id]
	if !ok || doc.Kind != kind {
		return domain.Document{}, domain.NotFoundf("%s %s", strings.ToLower(string(kind)), id)
	}
	return doc, nil
}

func (t *memTx) LockDocument(ctx context.Context, kind domain.DocumentKind, id string) (domain.Document, error) {
	return t.GetDocument(ctx, kind, id)
}

func (t *memTx) UpdateDocumentStatus(_ context.Context, doc domain.Document) error {
	existing, ok := t.st.documents[doc.ID]
	if !ok {
		return domain.NotFoundf("%s %s", strings.ToLower(string(doc.Kind)), doc.ID)
	}
	existing.Status = doc.Status
	existing.ApprovedAt = doc.ApprovedAt
	existing.CancelledAt = doc.CancelledAt
	put(t, t.st.documents, doc.ID, existing)
	return nil
}

func (t *memTx) ListDocuments(_ context.Context, filter domain.DocumentFilter) ([]domain.Document, error) {
	result := make([]domain.Document, 0)
	for i := len(t.st.documentOrder) - 1; i >= 0; i-- {
		doc := t.st.documents[t.st.documentOrder[i]]
		if doc.Kind != filter.Kind || doc.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.Status != "" && doc.Status != filter.Status {
			continue
		}
		result = append(result, doc)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (t *memTx) CountInvoicesByOrder(_ context.Context, orderID string) (int, error) {
	count := 0
	for _, inv := range t.st.invoices {
		if inv.OrderID == orderID {
			count++
		}
	}
	return count, nil
}

func (t *memTx) InsertInvoice(_ context.Context, invoice domain.Invoice) error {
	for _, existing := range t.st.invoices {
		if existing.OrderID == invoice.OrderID {
			return domain.ErrDuplicateInvoice
		}
		if existing.Number == invoice.Number {
			return domain.Validationf("invoice number %s already exists", invoice.Number)
		}
	}
	put(t, t.st.invoices, invoice.ID, invoice)
	push(t, &t.st.invoiceOrder, invoice.ID)
	return nil
}

func (t *memTx) ListInvoicesByOrder(_ context.Context, orderID string) ([]domain.Invoice, error) {
	result := make([]domain.Invoice, 0)
	for _, id := range t.st.invoiceOrder {
		if inv := t.st.invoices[id]; inv.OrderID == orderID {
			result = append(result, inv)
		}
	}
	return result, nil
}

func (t *memTx) InsertOutboxEvent(_ context.Context, event domain.OutboxEvent) (bool, error) {
	if event.IdempotencyKey != "" {
		if _, exists := t.st.outboxKeys[event.IdempotencyKey]; exists {
			return false, nil
		}
		put(t, t.st.outboxKeys, event.IdempotencyKey, event.ID)
	}
	put(t, t.st.outbox, event.ID, event)
	push(t, &t.st.outboxOrder, event.ID)
	return true, nil
}

var _ domain.Tx = (*memTx)(nil)
