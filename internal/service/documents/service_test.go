package documents_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/catalog"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/documents"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/ledger"
	"github.com/vladislavdragonenkov/erp-ledger/internal/storage/memory"
)

var fixedNow = time.Date(2026, 4, 15, 9, 30, 0, 0, time.UTC)

type env struct {
	store     *memory.Store
	ledger    *ledger.Service
	docs      *documents.Service
	orgID     string
	product   domain.Product
	warehouse domain.Warehouse
}

func newEnv(t *testing.T, initialStock int64) env {
	t.Helper()
	ctx := context.Background()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	entry := logger.WithField("component", "test")

	store := memory.NewStore()
	cat := catalog.NewService(store, entry)
	org, err := cat.CreateOrganization(ctx, "Acme")
	require.NoError(t, err)
	wh, err := cat.CreateWarehouse(ctx, catalog.NewWarehouse{OrganizationID: org.ID, Code: "MAIN", Name: "Main"})
	require.NoError(t, err)
	product, err := cat.CreateProduct(ctx, catalog.NewProduct{
		OrganizationID: org.ID, SKU: "A-1", Name: "Widget", Price: decimal.RequireFromString("2.50"),
	})
	require.NoError(t, err)

	stock := ledger.NewService(store, entry, ledger.WithClock(func() time.Time { return fixedNow }))
	if initialStock > 0 {
		_, err = stock.IncreaseStock(ctx, ledger.StockChange{
			OrganizationID: org.ID, ProductID: product.ID, WarehouseID: wh.ID, Quantity: initialStock,
		})
		require.NoError(t, err)
	}

	return env{
		store:     store,
		ledger:    stock,
		docs:      documents.NewService(store, stock, entry, documents.WithClock(func() time.Time { return fixedNow })),
		orgID:     org.ID,
		product:   product,
		warehouse: wh,
	}
}

func (e env) newSale(t *testing.T, qty int64) domain.Document {
	t.Helper()
	doc, err := e.docs.Create(context.Background(), documents.NewDocument{
		Kind:           domain.DocumentSale,
		OrganizationID: e.orgID,
		WarehouseID:    e.warehouse.ID,
		Items:          []documents.NewLineItem{{ProductID: e.product.ID, Quantity: qty}},
		UserID:         "user-1",
	})
	require.NoError(t, err)
	return doc
}

func (e env) quantity(t *testing.T) int64 {
	t.Helper()
	level, err := e.ledger.GetStockLevel(context.Background(), e.orgID, e.product.ID, e.warehouse.ID)
	require.NoError(t, err)
	return level.Quantity
}

func (e env) pendingEvents(t *testing.T, eventType domain.EventType) []domain.OutboxEvent {
	t.Helper()
	events, err := e.store.ListByStatus(context.Background(), domain.OutboxPending, 100)
	require.NoError(t, err)
	result := make([]domain.OutboxEvent, 0)
	for _, ev := range events {
		if ev.Type == eventType {
			result = append(result, ev)
		}
	}
	return result
}

func TestCreate_DraftWithNumberAndTotal(t *testing.T) {
	e := newEnv(t, 10)
	custom := decimal.RequireFromString("3.10")

	doc, err := e.docs.Create(context.Background(), documents.NewDocument{
		Kind:           domain.DocumentSale,
		OrganizationID: e.orgID,
		WarehouseID:    e.warehouse.ID,
		Items: []documents.NewLineItem{
			{ProductID: e.product.ID, Quantity: 3},
			{ProductID: e.product.ID, Quantity: 2, UnitPrice: &custom},
		},
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusDraft, doc.Status)
	require.Equal(t, "SAT-2026-00001", doc.Number)
	require.True(t, decimal.RequireFromString("13.70").Equal(doc.Total), "total %s", doc.Total)
	require.Len(t, doc.Items, 2)

	// черновик склад не трогает
	require.Equal(t, int64(10), e.quantity(t))

	second := e.newSale(t, 1)
	require.Equal(t, "SAT-2026-00002", second.Number)
}

func TestCreate_Validation(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()

	_, err := e.docs.Create(ctx, documents.NewDocument{
		Kind: domain.DocumentSale, OrganizationID: e.orgID,
		Items: []documents.NewLineItem{{ProductID: e.product.ID, Quantity: 1}},
	})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = e.docs.Create(ctx, documents.NewDocument{Kind: domain.DocumentOrder, OrganizationID: e.orgID})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = e.docs.Create(ctx, documents.NewDocument{
		Kind: domain.DocumentOrder, OrganizationID: e.orgID,
		Items: []documents.NewLineItem{{ProductID: e.product.ID, Quantity: -1}},
	})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestApproveAndCancelSale(t *testing.T) {
	e := newEnv(t, 10)
	ctx := context.Background()
	sale := e.newSale(t, 4)

	approved, err := e.docs.Approve(ctx, domain.DocumentSale, e.orgID, sale.ID, "user-2")
	require.NoError(t, err)
	require.Equal(t, domain.StatusApproved, approved.Status)
	require.NotNil(t, approved.ApprovedAt)
	require.Equal(t, int64(6), e.quantity(t))
	require.Len(t, e.pendingEvents(t, domain.EventSaleApproved), 1)

	_, err = e.docs.Approve(ctx, domain.DocumentSale, e.orgID, sale.ID, "user-2")
	var transition *domain.InvalidStatusTransitionError
	require.True(t, errors.As(err, &transition))
	require.Equal(t, domain.StatusApproved, transition.Current)
	require.Equal(t, domain.StatusApproved, transition.Target)
	require.Equal(t, int64(6), e.quantity(t))

	cancelled, err := e.docs.Cancel(ctx, domain.DocumentSale, e.orgID, sale.ID, "user-2")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)
	require.Equal(t, int64(10), e.quantity(t))
	require.Len(t, e.pendingEvents(t, domain.EventSaleCancelled), 1)

	_, err = e.docs.Cancel(ctx, domain.DocumentSale, e.orgID, sale.ID, "user-2")
	require.ErrorIs(t, err, domain.ErrInvalidStatusTransition)

	movements, err := e.ledger.ListMovements(ctx, domain.MovementFilter{OrganizationID: e.orgID})
	require.NoError(t, err)
	require.Len(t, movements, 3)
	require.Equal(t, domain.ReferenceSale, movements[1].ReferenceType)
	require.Equal(t, sale.Number, movements[1].Reference)

	rec, err := e.ledger.Reconcile(ctx, e.orgID, e.product.ID, e.warehouse.ID)
	require.NoError(t, err)
	require.Zero(t, rec.Drift())
}

func TestApprove_InsufficientStockRollsBack(t *testing.T) {
	e := newEnv(t, 2)
	ctx := context.Background()
	sale := e.newSale(t, 5)

	_, err := e.docs.Approve(ctx, domain.DocumentSale, e.orgID, sale.ID, "user-1")
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	reloaded, err := e.docs.GetByID(ctx, domain.DocumentSale, e.orgID, sale.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusDraft, reloaded.Status)
	require.Nil(t, reloaded.ApprovedAt)
	require.Equal(t, int64(2), e.quantity(t))
	require.Empty(t, e.pendingEvents(t, domain.EventSaleApproved))
}

func TestCancel_DraftIsRejected(t *testing.T) {
	e := newEnv(t, 10)
	sale := e.newSale(t, 1)

	_, err := e.docs.Cancel(context.Background(), domain.DocumentSale, e.orgID, sale.ID, "user-1")
	var transition *domain.InvalidStatusTransitionError
	require.True(t, errors.As(err, &transition))
	require.Equal(t, domain.StatusDraft, transition.Current)
	require.Equal(t, domain.StatusCancelled, transition.Target)
}

func TestApprove_OtherOrganizationIsRejected(t *testing.T) {
	e := newEnv(t, 10)
	sale := e.newSale(t, 1)

	_, err := e.docs.Approve(context.Background(), domain.DocumentSale, "another-org", sale.ID, "user-1")
	require.ErrorIs(t, err, domain.ErrOrganizationMismatch)

	_, err = e.docs.GetByID(context.Background(), domain.DocumentSale, "another-org", sale.ID)
	require.ErrorIs(t, err, domain.ErrOrganizationMismatch)

	require.Equal(t, int64(10), e.quantity(t))
}

func TestApprove_WrongKindIsNotFound(t *testing.T) {
	e := newEnv(t, 10)
	sale := e.newSale(t, 1)

	_, err := e.docs.Approve(context.Background(), domain.DocumentOrder, e.orgID, sale.ID, "user-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestApproveOrder_WithoutWarehouseDoesNotTouchStock(t *testing.T) {
	e := newEnv(t, 10)
	ctx := context.Background()

	order, err := e.docs.Create(ctx, documents.NewDocument{
		Kind:           domain.DocumentOrder,
		OrganizationID: e.orgID,
		Items:          []documents.NewLineItem{{ProductID: e.product.ID, Quantity: 100}},
	})
	require.NoError(t, err)
	require.Equal(t, "SIP-2026-00001", order.Number)

	_, err = e.docs.Approve(ctx, domain.DocumentOrder, e.orgID, order.ID, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(10), e.quantity(t))

	events := e.pendingEvents(t, domain.EventOrderApproved)
	require.Len(t, events, 1)
	var payload domain.DocumentApprovedPayload
	require.NoError(t, events[0].Decode(&payload))
	require.Equal(t, order.ID, payload.DocumentID)
	require.Equal(t, "250.00", payload.Total)
	require.Equal(t, "order_approved:"+order.ID, events[0].IdempotencyKey)

	// отмена заказа событие не пишет
	_, err = e.docs.Cancel(ctx, domain.DocumentOrder, e.orgID, order.ID, "user-1")
	require.NoError(t, err)
	require.Empty(t, e.pendingEvents(t, domain.EventSaleCancelled))
}

func TestCreate_ConcurrentNumbersAreUnique(t *testing.T) {
	e := newEnv(t, 0)

	const workers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers = make(map[string]struct{}, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc := e.newSale(t, 1)
			mu.Lock()
			numbers[doc.Number] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, numbers, workers)
	require.Contains(t, numbers, "SAT-2026-00001")
	require.Contains(t, numbers, "SAT-2026-00020")
}

func TestList_NewestFirst(t *testing.T) {
	e := newEnv(t, 10)
	first := e.newSale(t, 1)
	second := e.newSale(t, 1)

	docs, err := e.docs.List(context.Background(), domain.DocumentFilter{Kind: domain.DocumentSale, OrganizationID: e.orgID})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, second.ID, docs[0].ID)
	require.Equal(t, first.ID, docs[1].ID)

	docs, err = e.docs.List(context.Background(), domain.DocumentFilter{
		Kind: domain.DocumentSale, OrganizationID: e.orgID, Status: domain.StatusApproved,
	})
	require.NoError(t, err)
	require.Empty(t, docs)
}
