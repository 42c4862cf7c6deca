// Package sequence выдаёт последовательные номера документов вида PREFIX-YYYY-NNNNN.
package sequence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
)

const suffixWidth = 5

// Next возвращает следующий номер серии для года now.
// Вызывается только внутри транзакции: область (серия, год) остаётся заблокированной
// до commit, поэтому параллельные вызовы не получат один и тот же номер.
func Next(ctx context.Context, tx domain.SequenceTx, series domain.NumberSeries, now time.Time) (string, error) {
	if !series.Valid() {
		return "", domain.Validationf("unknown number series %q", series)
	}
	year := now.UTC().Year()

	last, err := tx.LastNumber(ctx, series, year)
	if err != nil {
		return "", fmt.Errorf("read last %s number: %w", series, err)
	}

	next := int64(1)
	if last != "" {
		current, err := parseSuffix(last, series, year)
		if err != nil {
			return "", err
		}
		next = current + 1
	}

	return Format(series, year, next), nil
}

// Format собирает номер из серии, года и порядкового значения.
func Format(series domain.NumberSeries, year int, n int64) string {
	return fmt.Sprintf("%s-%04d-%0*d", series, year, suffixWidth, n)
}

func parseSuffix(number string, series domain.NumberSeries, year int) (int64, error) {
	prefix := fmt.Sprintf("%s-%04d-", series, year)
	if !strings.HasPrefix(number, prefix) {
		return 0, fmt.Errorf("number %q does not belong to scope %s", number, prefix)
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(number, prefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse number suffix %q: %w", number, err)
	}
	return n, nil
}
