package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
	"github.com/vladislavdragonenkov/erp-ledger/internal/metrics"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/catalog"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/ledger"
	"github.com/vladislavdragonenkov/erp-ledger/internal/storage/memory"
)

type fixture struct {
	store     *memory.Store
	catalog   *catalog.Service
	ledger    *ledger.Service
	orgID     string
	product   domain.Product
	warehouse domain.Warehouse
}

func loggerForTests() *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	logger.SetLevel(logrus.WarnLevel)
	return logger.WithField("component", "test")
}

func newFixture(t *testing.T, opts ...ledger.Option) fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	cat := catalog.NewService(store, loggerForTests())

	org, err := cat.CreateOrganization(ctx, "Acme")
	require.NoError(t, err)
	wh, err := cat.CreateWarehouse(ctx, catalog.NewWarehouse{OrganizationID: org.ID, Code: "MAIN", Name: "Main"})
	require.NoError(t, err)
	product, err := cat.CreateProduct(ctx, catalog.NewProduct{OrganizationID: org.ID, SKU: "A-1", Name: "Widget"})
	require.NoError(t, err)

	opts = append([]ledger.Option{ledger.WithMetrics(metrics.NewLedgerMetricsWithRegisterer(prometheus.NewRegistry()))}, opts...)
	return fixture{
		store:     store,
		catalog:   cat,
		ledger:    ledger.NewService(store, loggerForTests(), opts...),
		orgID:     org.ID,
		product:   product,
		warehouse: wh,
	}
}

func (f fixture) change(qty int64) ledger.StockChange {
	return ledger.StockChange{
		OrganizationID: f.orgID,
		ProductID:      f.product.ID,
		WarehouseID:    f.warehouse.ID,
		Quantity:       qty,
		ReferenceType:  domain.ReferencePurchase,
		UserID:         "user-1",
	}
}

func (f fixture) requireReconciled(t *testing.T, productID string) domain.Reconciliation {
	t.Helper()
	rec, err := f.ledger.Reconcile(context.Background(), f.orgID, productID, f.warehouse.ID)
	require.NoError(t, err)
	require.Zero(t, rec.Drift(), "balance %d, movements %d", rec.Balance, rec.MovementSum)
	return rec
}

func TestIncreaseStock_WritesMovementAndBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.ledger.IncreaseStock(ctx, f.change(10))
	require.NoError(t, err)
	require.Equal(t, int64(10), res.Stock.Quantity)
	require.NotNil(t, res.Movement)
	require.Equal(t, domain.MovementIn, res.Movement.Type)
	require.Equal(t, int64(10), res.Movement.Delta)
	require.Equal(t, "user-1", res.Movement.CreatedBy)

	level, err := f.ledger.GetStockLevel(ctx, f.orgID, f.product.ID, f.warehouse.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), level.Quantity)
	require.Equal(t, "A-1", level.SKU)

	f.requireReconciled(t, f.product.ID)
}

func TestIncreaseStock_SecondWarehouseDefaultsToManualReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	extra, err := f.catalog.CreateWarehouse(ctx, catalog.NewWarehouse{OrganizationID: f.orgID, Code: "EXTRA", Name: "Extra"})
	require.NoError(t, err)

	res, err := f.ledger.IncreaseStock(ctx, ledger.StockChange{
		OrganizationID: f.orgID, ProductID: f.product.ID, WarehouseID: extra.ID, Quantity: 3,
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), res.Stock.Quantity)
	require.Equal(t, domain.ReferenceManual, res.Movement.ReferenceType)
}

func TestDecreaseStock_InsufficientLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.IncreaseStock(ctx, f.change(3))
	require.NoError(t, err)

	_, err = f.ledger.DecreaseStock(ctx, f.change(5))
	var insufficient *domain.InsufficientStockError
	require.True(t, errors.As(err, &insufficient))
	require.Equal(t, "A-1", insufficient.SKU)
	require.Equal(t, int64(3), insufficient.Available)
	require.Equal(t, int64(5), insufficient.Requested)
	require.Equal(t, domain.KindInsufficientStock, domain.KindOf(err))

	movements, err := f.ledger.ListMovements(ctx, domain.MovementFilter{OrganizationID: f.orgID})
	require.NoError(t, err)
	require.Len(t, movements, 1)

	rec := f.requireReconciled(t, f.product.ID)
	require.Equal(t, int64(3), rec.Balance)
}

func TestDecreaseStock_ConcurrentNeverOversells(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.IncreaseStock(ctx, f.change(10))
	require.NoError(t, err)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		successes    int
		insufficient int
	)
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.DecreaseStock(ctx, f.change(1))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domain.ErrInsufficientStock):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 10, successes)
	require.Equal(t, 5, insufficient)

	rec := f.requireReconciled(t, f.product.ID)
	require.Equal(t, int64(0), rec.Balance)
}

func TestDecreaseStock_EmptyPairAndUnknownProduct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	extra, err := f.catalog.CreateWarehouse(ctx, catalog.NewWarehouse{OrganizationID: f.orgID, Code: "EMPTY", Name: "Empty"})
	require.NoError(t, err)
	product, err := f.catalog.CreateProduct(ctx, catalog.NewProduct{OrganizationID: f.orgID, SKU: "B-1", Name: "Bolt"})
	require.NoError(t, err)

	// пара заведена автоматически с нулевым остатком
	_, err = f.ledger.DecreaseStock(ctx, ledger.StockChange{
		OrganizationID: f.orgID, ProductID: product.ID, WarehouseID: extra.ID, Quantity: 1,
	})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	_, err = f.ledger.DecreaseStock(ctx, ledger.StockChange{
		OrganizationID: f.orgID, ProductID: "missing", WarehouseID: extra.ID, Quantity: 1,
	})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAdjustStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.IncreaseStock(ctx, f.change(10))
	require.NoError(t, err)

	res, err := f.ledger.AdjustStock(ctx, ledger.StockAdjustment{
		OrganizationID: f.orgID, ProductID: f.product.ID, WarehouseID: f.warehouse.ID,
		NewQuantity: 7, Reason: "annual count",
	})
	require.NoError(t, err)
	require.Equal(t, int64(7), res.Stock.Quantity)
	require.NotNil(t, res.Movement)
	require.Equal(t, domain.MovementAdjustment, res.Movement.Type)
	require.Equal(t, int64(3), res.Movement.Quantity)
	require.Equal(t, int64(-3), res.Movement.Delta)
	require.Equal(t, "adjusted from 10 to 7: annual count", res.Movement.Note)

	res, err = f.ledger.AdjustStock(ctx, ledger.StockAdjustment{
		OrganizationID: f.orgID, ProductID: f.product.ID, WarehouseID: f.warehouse.ID, NewQuantity: 7,
	})
	require.NoError(t, err)
	require.Nil(t, res.Movement)

	movements, err := f.ledger.ListMovements(ctx, domain.MovementFilter{OrganizationID: f.orgID, ProductID: f.product.ID})
	require.NoError(t, err)
	require.Len(t, movements, 2)

	_, err = f.ledger.AdjustStock(ctx, ledger.StockAdjustment{
		OrganizationID: f.orgID, ProductID: f.product.ID, WarehouseID: f.warehouse.ID, NewQuantity: -1,
	})
	require.ErrorIs(t, err, domain.ErrValidation)

	f.requireReconciled(t, f.product.ID)
}

func TestCrossTenantAccessIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.IncreaseStock(ctx, f.change(5))
	require.NoError(t, err)

	other, err := f.catalog.CreateOrganization(ctx, "Globex")
	require.NoError(t, err)

	_, err = f.ledger.DecreaseStock(ctx, ledger.StockChange{
		OrganizationID: other.ID, ProductID: f.product.ID, WarehouseID: f.warehouse.ID, Quantity: 1,
	})
	require.ErrorIs(t, err, domain.ErrOrganizationMismatch)

	_, err = f.ledger.ListMovements(ctx, domain.MovementFilter{OrganizationID: other.ID, WarehouseID: f.warehouse.ID})
	require.ErrorIs(t, err, domain.ErrOrganizationMismatch)

	level, err := f.ledger.GetStockLevel(ctx, f.orgID, f.product.ID, f.warehouse.ID)
	require.NoError(t, err)
	require.Equal(t, int64(5), level.Quantity)
}

func TestLowStockEventIsDeduplicatedPerMinute(t *testing.T) {
	clock := time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)
	f := newFixture(t, ledger.WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	_, err := f.ledger.IncreaseStock(ctx, f.change(10))
	require.NoError(t, err)
	_, err = f.catalog.SetMinQuantity(ctx, f.orgID, f.product.ID, f.warehouse.ID, 5)
	require.NoError(t, err)

	_, err = f.ledger.DecreaseStock(ctx, f.change(4))
	require.NoError(t, err)
	assertPendingLowStock(t, f.store, 0)

	_, err = f.ledger.DecreaseStock(ctx, f.change(1))
	require.NoError(t, err)
	_, err = f.ledger.DecreaseStock(ctx, f.change(1))
	require.NoError(t, err)
	assertPendingLowStock(t, f.store, 1)

	clock = clock.Add(time.Minute)
	_, err = f.ledger.DecreaseStock(ctx, f.change(1))
	require.NoError(t, err)
	events := assertPendingLowStock(t, f.store, 2)

	var payload domain.LowStockPayload
	require.NoError(t, events[1].Decode(&payload))
	require.Equal(t, "A-1", payload.SKU)
	require.Equal(t, int64(3), payload.Quantity)
	require.Equal(t, int64(5), payload.MinQuantity)
}

func assertPendingLowStock(t *testing.T, store *memory.Store, want int) []domain.OutboxEvent {
	t.Helper()
	events, err := store.ListByStatus(context.Background(), domain.OutboxPending, 100)
	require.NoError(t, err)
	lowStock := make([]domain.OutboxEvent, 0, len(events))
	for _, e := range events {
		if e.Type == domain.EventLowStock {
			lowStock = append(lowStock, e)
		}
	}
	require.Len(t, lowStock, want)
	return lowStock
}

func TestReserveStock_AllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bolt, err := f.catalog.CreateProduct(ctx, catalog.NewProduct{OrganizationID: f.orgID, SKU: "B-1", Name: "Bolt"})
	require.NoError(t, err)

	_, err = f.ledger.IncreaseStock(ctx, f.change(5))
	require.NoError(t, err)
	_, err = f.ledger.IncreaseStock(ctx, ledger.StockChange{
		OrganizationID: f.orgID, ProductID: bolt.ID, WarehouseID: f.warehouse.ID, Quantity: 1,
	})
	require.NoError(t, err)

	err = f.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return f.ledger.ReserveStock(ctx, tx, ledger.ReserveParams{
			OrganizationID: f.orgID,
			WarehouseID:    f.warehouse.ID,
			Items: []ledger.Item{
				{ProductID: f.product.ID, Quantity: 2},
				{ProductID: bolt.ID, Quantity: 2},
			},
			ReferenceType: domain.ReferenceSale,
			Reference:     "SAT-2026-00001",
		})
	})
	var insufficient *domain.InsufficientStockError
	require.True(t, errors.As(err, &insufficient))
	require.Equal(t, "B-1", insufficient.SKU)

	level, err := f.ledger.GetStockLevel(ctx, f.orgID, f.product.ID, f.warehouse.ID)
	require.NoError(t, err)
	require.Equal(t, int64(5), level.Quantity)

	f.requireReconciled(t, f.product.ID)
	f.requireReconciled(t, bolt.ID)
}

func TestReturnStock_ToleratesDeletedProduct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.IncreaseStock(ctx, f.change(5))
	require.NoError(t, err)

	params := ledger.ReserveParams{
		OrganizationID: f.orgID,
		WarehouseID:    f.warehouse.ID,
		Items:          []ledger.Item{{ProductID: f.product.ID, Quantity: 2}},
		ReferenceType:  domain.ReferenceSale,
		Reference:      "SAT-2026-00001",
	}
	require.NoError(t, f.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return f.ledger.ReserveStock(ctx, tx, params)
	}))

	require.NoError(t, f.catalog.DeleteProduct(ctx, f.orgID, f.product.ID))

	_, err = f.ledger.DecreaseStock(ctx, f.change(1))
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, f.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return f.ledger.ReturnStock(ctx, tx, ledger.ReturnParams(params))
	}))

	rec := f.requireReconciled(t, f.product.ID)
	require.Equal(t, int64(5), rec.Balance)
}

func TestStockChangeValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(c *ledger.StockChange)
	}{
		{name: "zero quantity", mutate: func(c *ledger.StockChange) { c.Quantity = 0 }},
		{name: "negative quantity", mutate: func(c *ledger.StockChange) { c.Quantity = -2 }},
		{name: "missing organization", mutate: func(c *ledger.StockChange) { c.OrganizationID = "" }},
		{name: "unknown reference type", mutate: func(c *ledger.StockChange) { c.ReferenceType = "GIFT" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			change := f.change(1)
			tt.mutate(&change)
			_, err := f.ledger.IncreaseStock(ctx, change)
			require.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}
