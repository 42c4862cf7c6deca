package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/catalog"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/ledger"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/retry"
	"github.com/vladislavdragonenkov/erp-ledger/internal/storage/memory"
	"github.com/vladislavdragonenkov/erp-ledger/internal/storage/postgres"
)

const (
	operationDecrease = "decrease_stock"
	operationIncrease = "increase_stock"
	loadUserID        = "loadtest"
)

type config struct {
	dsn          string
	workers      int
	total        int
	initialStock int64
	quantity     int64
	restockEvery int
	retries      int
	timeout      time.Duration
	outputPath   string
}

func (c config) storage() string {
	if c.dsn == "" {
		return "memory"
	}
	return "postgres"
}

func parseConfig(args []string) (config, error) {
	var cfg config
	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.dsn, "dsn", "", "PostgreSQL DSN; empty runs against the in-memory store")
	fs.IntVar(&cfg.workers, "workers", 32, "number of concurrent workers")
	fs.IntVar(&cfg.total, "total", 2000, "number of decrease operations")
	fs.Int64Var(&cfg.initialStock, "initial-stock", 1000, "stock received before the run")
	fs.Int64Var(&cfg.quantity, "quantity", 1, "quantity per decrease")
	fs.IntVar(&cfg.restockEvery, "restock-every", 0, "every N-th operation is an increase instead (0 disables)")
	fs.IntVar(&cfg.retries, "retries", 3, "retries for RETRYABLE failures")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-operation timeout")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg.dsn = strings.TrimSpace(cfg.dsn)
	switch {
	case cfg.workers <= 0:
		return config{}, errors.New("workers must be > 0")
	case cfg.total <= 0:
		return config{}, errors.New("total must be > 0")
	case cfg.initialStock < 0:
		return config{}, errors.New("initial-stock must be >= 0")
	case cfg.quantity <= 0:
		return config{}, errors.New("quantity must be > 0")
	case cfg.restockEvery < 0:
		return config{}, errors.New("restock-every must be >= 0")
	case cfg.retries < 0:
		return config{}, errors.New("retries must be >= 0")
	case cfg.timeout <= 0:
		return config{}, errors.New("timeout must be > 0")
	}
	return cfg, nil
}

// fixture - пара (товар, склад), по которой идёт нагрузка.
type fixture struct {
	organizationID string
	productID      string
	warehouseID    string
}

func setupFixture(ctx context.Context, txm domain.TxManager, ledgerSvc *ledger.Service, cfg config, logger *log.Entry) (fixture, error) {
	cat := catalog.NewService(txm, logger)
	runID := time.Now().UTC().Format("20060102T150405.000000000")

	org, err := cat.CreateOrganization(ctx, "loadtest "+runID)
	if err != nil {
		return fixture{}, fmt.Errorf("create organization: %w", err)
	}
	warehouse, err := cat.CreateWarehouse(ctx, catalog.NewWarehouse{OrganizationID: org.ID, Code: "LOAD", Name: "Load test"})
	if err != nil {
		return fixture{}, fmt.Errorf("create warehouse: %w", err)
	}
	product, err := cat.CreateProduct(ctx, catalog.NewProduct{
		OrganizationID: org.ID,
		SKU:            "LOAD-1",
		Name:           "Load test item",
		Price:          decimal.NewFromInt(1),
	})
	if err != nil {
		return fixture{}, fmt.Errorf("create product: %w", err)
	}

	fx := fixture{organizationID: org.ID, productID: product.ID, warehouseID: warehouse.ID}
	if cfg.initialStock > 0 {
		if _, err := ledgerSvc.IncreaseStock(ctx, fx.change(cfg.initialStock, "initial")); err != nil {
			return fixture{}, fmt.Errorf("receive initial stock: %w", err)
		}
	}
	return fx, nil
}

func (f fixture) change(qty int64, reference string) ledger.StockChange {
	return ledger.StockChange{
		OrganizationID: f.organizationID,
		ProductID:      f.productID,
		WarehouseID:    f.warehouseID,
		Quantity:       qty,
		ReferenceType:  domain.ReferenceManual,
		Reference:      reference,
		UserID:         loadUserID,
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return outcomeOK
	}
	return string(domain.KindOf(err))
}

func isIncrease(index int, cfg config) bool {
	return cfg.restockEvery > 0 && (index+1)%cfg.restockEvery == 0
}

func runOperation(ctx context.Context, ledgerSvc *ledger.Service, fx fixture, cfg config, index int, col *collector, logger *log.Entry) {
	operation := operationDecrease
	call := ledgerSvc.DecreaseStock
	if isIncrease(index, cfg) {
		operation = operationIncrease
		call = ledgerSvc.IncreaseStock
	}
	change := fx.change(cfg.quantity, fmt.Sprintf("op-%d", index))

	policy := retry.Config{
		MaxAttempts:   cfg.retries + 1,
		InitialDelay:  time.Millisecond,
		MaxDelay:      50 * time.Millisecond,
		BackoffFactor: 2,
	}

	started := time.Now()
	err := retry.Do(ctx, policy, logger, operation, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
		_, err := call(opCtx, change)
		return err
	})
	col.record(operation, time.Since(started), outcomeOf(err))
}

// runLoad прогоняет операции параллельно и сверяет итог с журналом.
func runLoad(ctx context.Context, txm domain.TxManager, cfg config, logger *log.Entry) (report, error) {
	ledgerSvc := ledger.NewService(txm, logger)
	fx, err := setupFixture(ctx, txm, ledgerSvc, cfg, logger)
	if err != nil {
		return report{}, err
	}

	col := newCollector()
	jobs := make(chan int, cfg.workers*2)
	var wg sync.WaitGroup

	startedAt := time.Now()
	for i := 0; i < cfg.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				runOperation(ctx, ledgerSvc, fx, cfg, index, col, logger)
			}
		}()
	}
	for i := 0; i < cfg.total; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	result := col.buildReport(startedAt, time.Since(startedAt))

	rec, err := ledgerSvc.Reconcile(ctx, fx.organizationID, fx.productID, fx.warehouseID)
	if err != nil {
		return result, fmt.Errorf("reconcile: %w", err)
	}
	expected := cfg.initialStock +
		cfg.quantity*col.outcome(operationIncrease, outcomeOK) -
		cfg.quantity*col.outcome(operationDecrease, outcomeOK)
	result.Reconcile = reconcileReport{
		InitialStock: cfg.initialStock,
		Balance:      rec.Balance,
		MovementSum:  rec.MovementSum,
		Drift:        rec.Drift(),
		Expected:     expected,
		Consistent:   rec.Drift() == 0 && rec.Balance == expected && rec.Balance >= 0,
	}
	return result, nil
}

// unexpectedOutcomes возвращает исходы, которые не объясняются нехваткой остатка или конкуренцией.
func unexpectedOutcomes(result report) []string {
	var unexpected []string
	for name, stats := range result.Operations {
		for outcome, count := range stats.Outcomes {
			switch outcome {
			case outcomeOK, string(domain.KindInsufficientStock), string(domain.KindRetryable):
				continue
			}
			unexpected = append(unexpected, fmt.Sprintf("%s:%s=%d", name, outcome, count))
		}
	}
	return unexpected
}

func openStore(ctx context.Context, cfg config) (domain.TxManager, func(), error) {
	if cfg.dsn == "" {
		return memory.NewStore(), func() {}, nil
	}

	store, err := postgres.Open(ctx, cfg.dsn, postgres.WithMaxOpenConns(cfg.workers+2))
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres store: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New()
	logger.SetLevel(log.WarnLevel)
	entry := logger.WithField("component", "loadtest")

	ctx := context.Background()
	txm, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	result, err := runLoad(ctx, txm, cfg, entry)
	closeStore()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load test failed: %v\n", err)
		os.Exit(1)
	}

	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if unexpected := unexpectedOutcomes(result); len(unexpected) > 0 {
		_, _ = fmt.Fprintf(os.Stderr, "unexpected outcomes: %s\n", strings.Join(unexpected, ", "))
		os.Exit(1)
	}
	if !result.Reconcile.Consistent {
		_, _ = fmt.Fprintln(os.Stderr, "stock balance is inconsistent with the ledger")
		os.Exit(1)
	}
}
