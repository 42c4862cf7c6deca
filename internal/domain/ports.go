package domain

import (
	"context"
	"time"
)

// CatalogTx - операции со справочниками внутри транзакции.
type CatalogTx interface {
	InsertOrganization(ctx context.Context, org Organization) error
	GetOrganization(ctx context.Context, id string) (Organization, error)
	// LockOrganization берёт строку организации под SELECT ... FOR UPDATE.
	// Создание товара и склада одной организации идёт строго по очереди,
	// иначе транзакции не видят незакоммиченные строки друг друга и пара
	// остаётся без остатка.
	LockOrganization(ctx context.Context, id string) (Organization, error)
	InsertProduct(ctx context.Context, product Product) error
	// GetProduct возвращает товар, в том числе удалённый; ErrNotFound, если его нет.
	GetProduct(ctx context.Context, id string) (Product, error)
	// LockProduct берёт строку товара под SELECT ... FOR UPDATE.
	LockProduct(ctx context.Context, id string) (Product, error)
	UpdateProduct(ctx context.Context, product Product) error
	ListActiveProducts(ctx context.Context, organizationID string) ([]Product, error)
	InsertWarehouse(ctx context.Context, warehouse Warehouse) error
	GetWarehouse(ctx context.Context, id string) (Warehouse, error)
	ListActiveWarehouses(ctx context.Context, organizationID string) ([]Warehouse, error)
}

// StockTx - операции с остатками и журналом внутри транзакции.
type StockTx interface {
	// EnsureStock создаёт нулевой остаток, если пары ещё нет; существующую строку не трогает.
	EnsureStock(ctx context.Context, stock Stock) error
	// LockStock берёт строку остатка под SELECT ... FOR UPDATE; ErrNotFound, если её нет.
	LockStock(ctx context.Context, productID, warehouseID string) (Stock, error)
	GetStock(ctx context.Context, productID, warehouseID string) (Stock, error)
	UpdateStock(ctx context.Context, stock Stock) error
	InsertMovement(ctx context.Context, movement StockMovement) error
	ListMovements(ctx context.Context, filter MovementFilter) ([]StockMovement, error)
	SumMovements(ctx context.Context, productID, warehouseID string) (int64, error)
}

// SequenceTx - чтение последнего номера серии под блокировкой области (серия, год).
type SequenceTx interface {
	// LastNumber блокирует область до конца транзакции и возвращает наибольший
	// выданный номер вида {series}-{year}-NNNNN либо пустую строку.
	LastNumber(ctx context.Context, series NumberSeries, year int) (string, error)
}

// DocumentTx - операции с заказами и продажами внутри транзакции.
type DocumentTx interface {
	InsertDocument(ctx context.Context, doc Document) error
	GetDocument(ctx context.Context, kind DocumentKind, id string) (Document, error)
	// LockDocument берёт заголовок документа под SELECT ... FOR UPDATE.
	LockDocument(ctx context.Context, kind DocumentKind, id string) (Document, error)
	UpdateDocumentStatus(ctx context.Context, doc Document) error
	ListDocuments(ctx context.Context, filter DocumentFilter) ([]Document, error)
}

// InvoiceTx - операции со счетами внутри транзакции.
type InvoiceTx interface {
	CountInvoicesByOrder(ctx context.Context, orderID string) (int, error)
	InsertInvoice(ctx context.Context, invoice Invoice) error
	ListInvoicesByOrder(ctx context.Context, orderID string) ([]Invoice, error)
}

// OutboxTx - запись событий в outbox внутри транзакции бизнес-операции.
type OutboxTx interface {
	// InsertOutboxEvent возвращает false, если событие с тем же ключом идемпотентности уже есть.
	InsertOutboxEvent(ctx context.Context, event OutboxEvent) (bool, error)
}

// Tx - узкий контекст транзакции. Получить его можно только из TxManager.WithinTx.
type Tx interface {
	CatalogTx
	StockTx
	SequenceTx
	DocumentTx
	InvoiceTx
	OutboxTx
}

// TxManager выполняет fn в одной транзакции: commit при nil, rollback при ошибке.
// Ожидание блокировок и общее время транзакции ограничены; превышение даёт ErrRetryable.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// OutboxStore - операции outbox worker вне бизнес-транзакций.
type OutboxStore interface {
	// ClaimNext атомарно забирает самое старое PENDING-событие и переводит его в PROCESSING.
	// Строки, заблокированные другими воркерами, пропускаются.
	ClaimNext(ctx context.Context) (OutboxEvent, bool, error)
	MarkDone(ctx context.Context, id string) error
	// MarkFailure увеличивает retry_count и возвращает новый статус: PENDING или FAILED.
	MarkFailure(ctx context.Context, id, reason string) (OutboxStatus, error)
	// RequeueStale возвращает в PENDING события, застрявшие в PROCESSING дольше olderThan.
	RequeueStale(ctx context.Context, olderThan time.Time) (int, error)
	// RequeueFailed возвращает FAILED-события в PENDING со сбросом retry_count; пустой ids - все.
	RequeueFailed(ctx context.Context, ids []string) (int, error)
	ListByStatus(ctx context.Context, status OutboxStatus, limit int) ([]OutboxEvent, error)
	Stats(ctx context.Context) (OutboxStats, error)
}

// Notifier доставляет событие во внешние каналы (брокер, почта, лог).
type Notifier interface {
	Notify(ctx context.Context, event OutboxEvent) error
}
