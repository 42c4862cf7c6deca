package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
)

const productColumns = `id, organization_id, sku, name, unit, price, created_at, deleted_at`

func (t *pgTx) InsertOrganization(ctx context.Context, org domain.Organization) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO organizations (id, name, active, created_at)
		VALUES ($1, $2, $3, $4)
	`, org.ID, org.Name, org.Active, org.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Validationf("organization %s already exists", org.ID)
		}
		return fmt.Errorf("insert organization: %w", err)
	}
	return nil
}

func (t *pgTx) GetOrganization(ctx context.Context, id string) (domain.Organization, error) {
	return t.scanOrganization(ctx, `SELECT id, name, active, created_at FROM organizations WHERE id = $1`, id)
}

func (t *pgTx) LockOrganization(ctx context.Context, id string) (domain.Organization, error) {
	return t.scanOrganization(ctx, `SELECT id, name, active, created_at FROM organizations WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) scanOrganization(ctx context.Context, query, id string) (domain.Organization, error) {
	var org domain.Organization
	err := t.tx.QueryRowContext(ctx, query, id).Scan(&org.ID, &org.Name, &org.Active, &org.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Organization{}, domain.NotFoundf("organization %s", id)
		}
		return domain.Organization{}, fmt.Errorf("get organization: %w", err)
	}
	return org, nil
}

func (t *pgTx) InsertProduct(ctx context.Context, p domain.Product) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, p.ID, p.OrganizationID, p.SKU, p.Name, p.Unit, p.Price, p.CreatedAt, p.DeletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Validationf("sku %s already exists", p.SKU)
		}
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

func (t *pgTx) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	return t.scanProduct(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
}

func (t *pgTx) LockProduct(ctx context.Context, id string) (domain.Product, error) {
	return t.scanProduct(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) scanProduct(ctx context.Context, query, id string) (domain.Product, error) {
	p, err := scanProductRow(t.tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.NotFoundf("product %s", id)
		}
		return domain.Product{}, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

func (t *pgTx) UpdateProduct(ctx context.Context, p domain.Product) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET name = $2, unit = $3, price = $4, deleted_at = $5
		WHERE id = $1
	`, p.ID, p.Name, p.Unit, p.Price, p.DeletedAt)
	if err != nil {
		return fmt.Errorf("update product: %w", err)
	}
	return expectAffected(res, domain.NotFoundf("product %s", p.ID))
}

func (t *pgTx) ListActiveProducts(ctx context.Context, organizationID string) ([]domain.Product, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE organization_id = $1 AND deleted_at IS NULL
		ORDER BY sku
	`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Product, 0)
	for rows.Next() {
		p, err := scanProductRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return result, nil
}

func (t *pgTx) InsertWarehouse(ctx context.Context, w domain.Warehouse) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO warehouses (id, organization_id, code, name, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, w.ID, w.OrganizationID, w.Code, w.Name, w.Active, w.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Validationf("warehouse code %s already exists", w.Code)
		}
		return fmt.Errorf("insert warehouse: %w", err)
	}
	return nil
}

func (t *pgTx) GetWarehouse(ctx context.Context, id string) (domain.Warehouse, error) {
	var w domain.Warehouse
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, organization_id, code, name, active, created_at
		FROM warehouses
		WHERE id = $1
	`, id).Scan(&w.ID, &w.OrganizationID, &w.Code, &w.Name, &w.Active, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Warehouse{}, domain.NotFoundf("warehouse %s", id)
		}
		return domain.Warehouse{}, fmt.Errorf("get warehouse: %w", err)
	}
	return w, nil
}

func (t *pgTx) ListActiveWarehouses(ctx context.Context, organizationID string) ([]domain.Warehouse, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, organization_id, code, name, active, created_at
		FROM warehouses
		WHERE organization_id = $1 AND active
		ORDER BY code
	`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("list warehouses: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Warehouse, 0)
	for rows.Next() {
		var w domain.Warehouse
		if err := rows.Scan(&w.ID, &w.OrganizationID, &w.Code, &w.Name, &w.Active, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan warehouse: %w", err)
		}
		result = append(result, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate warehouses: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProductRow(row rowScanner) (domain.Product, error) {
	var (
		p         domain.Product
		deletedAt sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.OrganizationID, &p.SKU, &p.Name, &p.Unit, &p.Price, &p.CreatedAt, &deletedAt); err != nil {
		return domain.Product{}, err
	}
	p.DeletedAt = nullTimePtr(deletedAt)
	return p, nil
}

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func expectAffected(res sql.Result, notFound error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return notFound
	}
	return nil
}
