package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
)

// seriesTables - закрытое соответствие серии и таблицы с номерами.
// Имя таблицы никогда не приходит от вызывающего.
var seriesTables = map[domain.NumberSeries]string{
	domain.SeriesSale:    "documents",
	domain.SeriesOrder:   "documents",
	domain.SeriesInvoice: "invoices",
}

// LastNumber сериализует выдачу номеров в области (серия, год) через
// pg_advisory_xact_lock: блокировка держится до конца транзакции и работает
// даже для первого номера года, когда строк под FOR UPDATE ещё нет.
// Суффикс растёт дальше пяти знаков, поэтому номера сравниваются сначала по длине.
func (t *pgTx) LastNumber(ctx context.Context, series domain.NumberSeries, year int) (string, error) {
	table, ok := seriesTables[series]
	if !ok {
		return "", domain.Validationf("unknown number series %q", series)
	}
	scope := fmt.Sprintf("%s-%04d", series, year)

	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, scope); err != nil {
		return "", fmt.Errorf("lock number scope %s: %w", scope, err)
	}

	var last string
	err := t.tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT number
		FROM %s
		WHERE number LIKE $1
		ORDER BY length(number) DESC, number DESC
		LIMIT 1
	`, table), scope+"-%").Scan(&last)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("select last number for %s: %w", scope, err)
	}
	return last, nil
}
