package catalog_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/catalog"
	"github.com/vladislavdragonenkov/erp-ledger/internal/storage/memory"
)

func newCatalog(t *testing.T) (*catalog.Service, *memory.Store) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	store := memory.NewStore()
	return catalog.NewService(store, logger.WithField("component", "test")), store
}

func stockExists(t *testing.T, store *memory.Store, productID, warehouseID string) bool {
	t.Helper()
	var found bool
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		_, err := tx.GetStock(ctx, productID, warehouseID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	require.NoError(t, err)
	return found
}

func TestCreateProductAndWarehouse_ProvisionAllPairs(t *testing.T) {
	svc, store := newCatalog(t)
	ctx := context.Background()

	org, err := svc.CreateOrganization(ctx, "Acme")
	require.NoError(t, err)

	main, err := svc.CreateWarehouse(ctx, catalog.NewWarehouse{OrganizationID: org.ID, Code: "MAIN", Name: "Main"})
	require.NoError(t, err)

	product, err := svc.CreateProduct(ctx, catalog.NewProduct{
		OrganizationID: org.ID, SKU: "A-1", Name: "Widget", Price: decimal.RequireFromString("12.50"),
	})
	require.NoError(t, err)
	require.Equal(t, "pcs", product.Unit)
	require.True(t, stockExists(t, store, product.ID, main.ID))

	second, err := svc.CreateWarehouse(ctx, catalog.NewWarehouse{OrganizationID: org.ID, Code: "NORTH", Name: "North"})
	require.NoError(t, err)
	require.True(t, stockExists(t, store, product.ID, second.ID))
}

func TestCreateProduct_DuplicateSKUWithinOrganization(t *testing.T) {
	svc, _ := newCatalog(t)
	ctx := context.Background()

	org, err := svc.CreateOrganization(ctx, "Acme")
	require.NoError(t, err)
	other, err := svc.CreateOrganization(ctx, "Globex")
	require.NoError(t, err)

	_, err = svc.CreateProduct(ctx, catalog.NewProduct{OrganizationID: org.ID, SKU: "A-1", Name: "Widget"})
	require.NoError(t, err)

	_, err = svc.CreateProduct(ctx, catalog.NewProduct{OrganizationID: org.ID, SKU: "A-1", Name: "Widget 2"})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.CreateProduct(ctx, catalog.NewProduct{OrganizationID: other.ID, SKU: "A-1", Name: "Widget"})
	require.NoError(t, err)
}

func TestCreateProduct_Validation(t *testing.T) {
	svc, _ := newCatalog(t)
	ctx := context.Background()

	org, err := svc.CreateOrganization(ctx, "Acme")
	require.NoError(t, err)

	tests := []struct {
		name string
		in   catalog.NewProduct
		want error
	}{
		{name: "missing sku", in: catalog.NewProduct{OrganizationID: org.ID, Name: "X"}, want: domain.ErrValidation},
		{name: "whitespace name", in: catalog.NewProduct{OrganizationID: org.ID, SKU: "N", Name: "   "}, want: domain.ErrValidation},
		{name: "sku too long", in: catalog.NewProduct{OrganizationID: org.ID, SKU: strings.Repeat("S", 65), Name: "X"}, want: domain.ErrValidation},
		{name: "negative price", in: catalog.NewProduct{OrganizationID: org.ID, SKU: "N", Name: "X", Price: decimal.NewFromInt(-1)}, want: domain.ErrValidation},
		{name: "unknown organization", in: catalog.NewProduct{OrganizationID: "missing", SKU: "N", Name: "X"}, want: domain.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateProduct(ctx, tt.in)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreateWarehouse_Validation(t *testing.T) {
	svc, _ := newCatalog(t)
	ctx := context.Background()

	org, err := svc.CreateOrganization(ctx, "Acme")
	require.NoError(t, err)

	tests := []struct {
		name  string
		in    catalog.NewWarehouse
		field string
	}{
		{name: "missing code", in: catalog.NewWarehouse{OrganizationID: org.ID, Name: "Main"}, field: "code:required"},
		{name: "code too long", in: catalog.NewWarehouse{OrganizationID: org.ID, Code: strings.Repeat("C", 33), Name: "Main"}, field: "code:max"},
		{name: "missing organization", in: catalog.NewWarehouse{Code: "MAIN", Name: "Main"}, field: "organizationid:required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateWarehouse(ctx, tt.in)
			require.ErrorIs(t, err, domain.ErrValidation)
			require.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestRegisterUser_Validation(t *testing.T) {
	svc, _ := newCatalog(t)
	ctx := context.Background()

	org, err := svc.CreateOrganization(ctx, "Acme")
	require.NoError(t, err)

	for _, email := range []string{"", "   ", "not-an-email", "ops@", "@example.com"} {
		_, err := svc.RegisterUser(ctx, catalog.NewUser{OrganizationID: org.ID, Email: email})
		require.ErrorIs(t, err, domain.ErrValidation, "email %q", email)
	}

	_, err = svc.RegisterUser(ctx, catalog.NewUser{Email: "ops@example.com"})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.RegisterUser(ctx, catalog.NewUser{OrganizationID: org.ID, Email: "  ops@example.com  "})
	require.NoError(t, err)
}

func TestDeleteProduct(t *testing.T) {
	svc, store := newCatalog(t)
	ctx := context.Background()

	org, err := svc.CreateOrganization(ctx, "Acme")
	require.NoError(t, err)
	other, err := svc.CreateOrganization(ctx, "Globex")
	require.NoError(t, err)
	wh, err := svc.CreateWarehouse(ctx, catalog.NewWarehouse{OrganizationID: org.ID, Code: "MAIN", Name: "Main"})
	require.NoError(t, err)
	product, err := svc.CreateProduct(ctx, catalog.NewProduct{OrganizationID: org.ID, SKU: "A-1", Name: "Widget"})
	require.NoError(t, err)

	require.ErrorIs(t, svc.DeleteProduct(ctx, other.ID, product.ID), domain.ErrOrganizationMismatch)
	require.NoError(t, svc.DeleteProduct(ctx, org.ID, product.ID))
	require.ErrorIs(t, svc.DeleteProduct(ctx, org.ID, product.ID), domain.ErrNotFound)

	products, err := svc.ListProducts(ctx, org.ID)
	require.NoError(t, err)
	require.Empty(t, products)

	// история и строка остатка сохраняются
	require.True(t, stockExists(t, store, product.ID, wh.ID))
}

func TestSetMinQuantity(t *testing.T) {
	svc, _ := newCatalog(t)
	ctx := context.Background()

	org, err := svc.CreateOrganization(ctx, "Acme")
	require.NoError(t, err)
	other, err := svc.CreateOrganization(ctx, "Globex")
	require.NoError(t, err)
	wh, err := svc.CreateWarehouse(ctx, catalog.NewWarehouse{OrganizationID: org.ID, Code: "MAIN", Name: "Main"})
	require.NoError(t, err)
	product, err := svc.CreateProduct(ctx, catalog.NewProduct{OrganizationID: org.ID, SKU: "A-1", Name: "Widget"})
	require.NoError(t, err)

	stock, err := svc.SetMinQuantity(ctx, org.ID, product.ID, wh.ID, 5)
	require.NoError(t, err)
	require.Equal(t, int64(5), stock.MinQuantity)
	require.True(t, stock.IsLow())

	_, err = svc.SetMinQuantity(ctx, org.ID, product.ID, wh.ID, -1)
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.SetMinQuantity(ctx, other.ID, product.ID, wh.ID, 1)
	require.ErrorIs(t, err, domain.ErrOrganizationMismatch)
}

func TestRegisterUser_PublishesOnce(t *testing.T) {
	svc, store := newCatalog(t)
	ctx := context.Background()

	org, err := svc.CreateOrganization(ctx, "Acme")
	require.NoError(t, err)

	_, err = svc.RegisterUser(ctx, catalog.NewUser{OrganizationID: org.ID, Email: "Ops@Example.com"})
	require.NoError(t, err)
	_, err = svc.RegisterUser(ctx, catalog.NewUser{OrganizationID: org.ID, Email: "ops@example.com"})
	require.NoError(t, err)

	_, err = svc.RegisterUser(ctx, catalog.NewUser{OrganizationID: org.ID, Email: "not-an-email"})
	require.ErrorIs(t, err, domain.ErrValidation)

	events, err := store.ListByStatus(ctx, domain.OutboxPending, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, domain.EventUserCreated, events[0].Type)

	var payload domain.UserCreatedPayload
	require.NoError(t, events[0].Decode(&payload))
	require.Equal(t, "ops@example.com", payload.Email)
}
