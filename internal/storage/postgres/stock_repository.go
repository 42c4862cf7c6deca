package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
)

const stockColumns = `id, organization_id, product_id, warehouse_id, quantity, min_quantity, updated_at`

func (t *pgTx) EnsureStock(ctx context.Context, s domain.Stock) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stocks (`+stockColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (product_id, warehouse_id) DO NOTHING
	`, s.ID, s.OrganizationID, s.ProductID, s.WarehouseID, s.Quantity, s.MinQuantity, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ensure stock: %w", err)
	}
	return nil
}

func (t *pgTx) LockStock(ctx context.Context, productID, warehouseID string) (domain.Stock, error) {
	return t.scanStock(ctx, `
		SELECT `+stockColumns+`
		FROM stocks
		WHERE product_id = $1 AND warehouse_id = $2
		FOR UPDATE
	`, productID, warehouseID)
}

func (t *pgTx) GetStock(ctx context.Context, productID, warehouseID string) (domain.Stock, error) {
	return t.scanStock(ctx, `
		SELECT `+stockColumns+`
		FROM stocks
		WHERE product_id = $1 AND warehouse_id = $2
	`, productID, warehouseID)
}

func (t *pgTx) scanStock(ctx context.Context, query, productID, warehouseID string) (domain.Stock, error) {
	var s domain.Stock
	err := t.tx.QueryRowContext(ctx, query, productID, warehouseID).Scan(
		&s.ID, &s.OrganizationID, &s.ProductID, &s.WarehouseID, &s.Quantity, &s.MinQuantity, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Stock{}, domain.NotFoundf("stock for product %s in warehouse %s", productID, warehouseID)
		}
		return domain.Stock{}, fmt.Errorf("select stock: %w", err)
	}
	return s, nil
}

func (t *pgTx) UpdateStock(ctx context.Context, s domain.Stock) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE stocks
		SET quantity = $3, min_quantity = $4, updated_at = $5
		WHERE product_id = $1 AND warehouse_id = $2
	`, s.ProductID, s.WarehouseID, s.Quantity, s.MinQuantity, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update stock: %w", err)
	}
	return expectAffected(res, domain.NotFoundf("stock for product %s in warehouse %s", s.ProductID, s.WarehouseID))
}

func (t *pgTx) InsertMovement(ctx context.Context, m domain.StockMovement) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_movements (
			id, organization_id, product_id, warehouse_id, type, quantity, delta,
			reference_type, reference, note, created_by, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		m.ID, m.OrganizationID, m.ProductID, m.WarehouseID, string(m.Type), m.Quantity, m.Delta,
		string(m.ReferenceType), m.Reference, m.Note, m.CreatedBy, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert stock movement: %w", err)
	}
	return nil
}

func (t *pgTx) ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, organization_id, product_id, warehouse_id, type, quantity, delta,
		       reference_type, reference, note, created_by, created_at
		FROM stock_movements
		WHERE organization_id = $1
		  AND ($2 = '' OR product_id = $2)
		  AND ($3 = '' OR warehouse_id = $3)
		ORDER BY seq
		LIMIT $4
	`, filter.OrganizationID, filter.ProductID, filter.WarehouseID, limit)
	if err != nil {
		return nil, fmt.Errorf("list stock movements: %w", err)
	}
	defer rows.Close()

	result := make([]domain.StockMovement, 0)
	for rows.Next() {
		var (
			m             domain.StockMovement
			movementType  string
			referenceType string
		)
		if err := rows.Scan(
			&m.ID, &m.OrganizationID, &m.ProductID, &m.WarehouseID, &movementType, &m.Quantity, &m.Delta,
			&referenceType, &m.Reference, &m.Note, &m.CreatedBy, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan stock movement: %w", err)
		}
		m.Type = domain.MovementType(movementType)
		m.ReferenceType = domain.ReferenceType(referenceType)
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stock movements: %w", err)
	}
	return result, nil
}

func (t *pgTx) SumMovements(ctx context.Context, productID, warehouseID string) (int64, error) {
	var sum int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta), 0)
		FROM stock_movements
		WHERE product_id = $1 AND warehouse_id = $2
	`, productID, warehouseID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum stock movements: %w", err)
	}
	return sum, nil
}
