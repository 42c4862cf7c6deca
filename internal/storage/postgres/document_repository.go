package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
)

const documentColumns = `id, kind, organization_id, warehouse_id, number, status, total,
	created_by, created_at, approved_at, cancelled_at`

func (t *pgTx) InsertDocument(ctx context.Context, doc domain.Document) error {
	var warehouseID sql.NullString
	if doc.WarehouseID != "" {
		warehouseID = sql.NullString{String: doc.WarehouseID, Valid: true}
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		doc.ID, string(doc.Kind), doc.OrganizationID, warehouseID, doc.Number, string(doc.Status), doc.Total,
		doc.CreatedBy, doc.CreatedAt, doc.ApprovedAt, doc.CancelledAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Validationf("document number %s already exists", doc.Number)
		}
		return fmt.Errorf("insert document: %w", err)
	}

	for idx, item := range doc.Items {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO document_items (id, document_id, position, product_id, quantity, unit_price, line_total)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, item.ID, doc.ID, idx, item.ProductID, item.Quantity, item.UnitPrice, item.LineTotal); err != nil {
			return fmt.Errorf("insert document item %d: %w", idx, err)
		}
	}
	return nil
}

func (t *pgTx) GetDocument(ctx context.Context, kind domain.DocumentKind, id string) (domain.Document, error) {
	return t.loadDocument(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE id = $1 AND kind = $2
	`, kind, id)
}

func (t *pgTx) LockDocument(ctx context.Context, kind domain.DocumentKind, id string) (domain.Document, error) {
	return t.loadDocument(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE id = $1 AND kind = $2
		FOR UPDATE
	`, kind, id)
}

func (t *pgTx) loadDocument(ctx context.Context, query string, kind domain.DocumentKind, id string) (domain.Document, error) {
	doc, err := scanDocumentRow(t.tx.QueryRowContext(ctx, query, id, string(kind)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Document{}, domain.NotFoundf("%s %s", strings.ToLower(string(kind)), id)
		}
		return domain.Document{}, fmt.Errorf("select document: %w", err)
	}

	items, err := t.loadItems(ctx, doc.ID)
	if err != nil {
		return domain.Document{}, err
	}
	doc.Items = items
	return doc, nil
}

func (t *pgTx) loadItems(ctx context.Context, documentID string) ([]domain.LineItem, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, product_id, quantity, unit_price, line_total
		FROM document_items
		WHERE document_id = $1
		ORDER BY position
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("select document items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.LineItem, 0)
	for rows.Next() {
		var item domain.LineItem
		if err := rows.Scan(&item.ID, &item.ProductID, &item.Quantity, &item.UnitPrice, &item.LineTotal); err != nil {
			return nil, fmt.Errorf("scan document item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document items: %w", err)
	}
	return items, nil
}

func (t *pgTx) UpdateDocumentStatus(ctx context.Context, doc domain.Document) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE documents
		SET status = $2, approved_at = $3, cancelled_at = $4
		WHERE id = $1
	`, doc.ID, string(doc.Status), doc.ApprovedAt, doc.CancelledAt)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	return expectAffected(res, domain.NotFoundf("%s %s", strings.ToLower(string(doc.Kind)), doc.ID))
}

func (t *pgTx) ListDocuments(ctx context.Context, filter domain.DocumentFilter) ([]domain.Document, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE organization_id = $1 AND kind = $2 AND ($3 = '' OR status = $3)
		ORDER BY seq DESC
		LIMIT $4
	`, filter.OrganizationID, string(filter.Kind), string(filter.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	docs := make([]domain.Document, 0)
	for rows.Next() {
		doc, err := scanDocumentRow(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	rows.Close()

	for i := range docs {
		items, err := t.loadItems(ctx, docs[i].ID)
		if err != nil {
			return nil, err
		}
		docs[i].Items = items
	}
	return docs, nil
}

func scanDocumentRow(row rowScanner) (domain.Document, error) {
	var (
		doc         domain.Document
		kind        string
		status      string
		warehouseID sql.NullString
		approvedAt  sql.NullTime
		cancelledAt sql.NullTime
	)
	if err := row.Scan(
		&doc.ID, &kind, &doc.OrganizationID, &warehouseID, &doc.Number, &status, &doc.Total,
		&doc.CreatedBy, &doc.CreatedAt, &approvedAt, &cancelledAt,
	); err != nil {
		return domain.Document{}, err
	}
	doc.Kind = domain.DocumentKind(kind)
	doc.Status = domain.DocumentStatus(status)
	doc.WarehouseID = warehouseID.String
	doc.ApprovedAt = nullTimePtr(approvedAt)
	doc.CancelledAt = nullTimePtr(cancelledAt)
	return doc, nil
}
