package postgres

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
)

func (t *pgTx) CountInvoicesByOrder(ctx context.Context, orderID string) (int, error) {
	var count int
	if err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM invoices WHERE order_id = $1
	`, orderID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count invoices: %w", err)
	}
	return count, nil
}

func (t *pgTx) InsertInvoice(ctx context.Context, inv domain.Invoice) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO invoices (id, organization_id, order_id, number, total, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, inv.ID, inv.OrganizationID, inv.OrderID, inv.Number, inv.Total, inv.CreatedBy, inv.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			if constraintName(err) == "invoices_order_key" {
				return domain.ErrDuplicateInvoice
			}
			return domain.Validationf("invoice number %s already exists", inv.Number)
		}
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

func (t *pgTx) ListInvoicesByOrder(ctx context.Context, orderID string) ([]domain.Invoice, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, organization_id, order_id, number, total, created_by, created_at
		FROM invoices
		WHERE order_id = $1
		ORDER BY created_at
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Invoice, 0)
	for rows.Next() {
		var inv domain.Invoice
		if err := rows.Scan(&inv.ID, &inv.OrganizationID, &inv.OrderID, &inv.Number, &inv.Total, &inv.CreatedBy, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		result = append(result, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invoices: %w", err)
	}
	return result, nil
}
