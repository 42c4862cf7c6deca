package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
	"github.com/vladislavdragonenkov/erp-ledger/internal/storage/postgres"
)

const (
	defaultListLimit = 100
	defaultTimeout   = 30 * time.Second
	dsnEnv           = "LEDGER_POSTGRES_DSN"
)

type config struct {
	dsn     string
	ids     []string
	all     bool
	execute bool
	limit   int
}

// failedOutbox - операции хранилища, нужные для разбора dead letter.
type failedOutbox interface {
	ListByStatus(ctx context.Context, status domain.OutboxStatus, limit int) ([]domain.OutboxEvent, error)
	RequeueFailed(ctx context.Context, ids []string) (int, error)
}

func parseConfig(args []string) (config, error) {
	var (
		cfg config
		ids string
	)
	fs := flag.NewFlagSet("outbox-requeue", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.dsn, "dsn", "", "PostgreSQL DSN (fallback: "+dsnEnv+")")
	fs.StringVar(&ids, "ids", "", "comma-separated FAILED event ids to requeue")
	fs.BoolVar(&cfg.all, "all", false, "requeue every FAILED event")
	fs.BoolVar(&cfg.execute, "execute", false, "apply the requeue (default is dry-run listing)")
	fs.IntVar(&cfg.limit, "limit", defaultListLimit, "max FAILED events to list")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg.ids = parseIDs(ids)
	if cfg.all && len(cfg.ids) > 0 {
		return config{}, errors.New("-all and -ids are mutually exclusive")
	}
	if cfg.execute && !cfg.all && len(cfg.ids) == 0 {
		return config{}, errors.New("-execute requires -ids or -all")
	}
	if cfg.limit <= 0 {
		return config{}, fmt.Errorf("limit must be positive, got %d", cfg.limit)
	}

	cfg.dsn = strings.TrimSpace(cfg.dsn)
	if cfg.dsn == "" {
		cfg.dsn = strings.TrimSpace(os.Getenv(dsnEnv))
	}
	if cfg.dsn == "" {
		return config{}, errors.New(dsnEnv + " (or -dsn) is required")
	}
	return cfg, nil
}

func parseIDs(raw string) []string {
	var ids []string
	seen := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		id := strings.TrimSpace(part)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// run печатает FAILED-события и при -execute возвращает выбранные в PENDING.
func run(ctx context.Context, store failedOutbox, cfg config, out io.Writer) error {
	failed, err := store.ListByStatus(ctx, domain.OutboxFailed, cfg.limit)
	if err != nil {
		return fmt.Errorf("list failed events: %w", err)
	}

	selected := selectEvents(failed, cfg)
	for _, event := range selected {
		fmt.Fprintf(out, "%s\t%s\tretries=%d/%d\tupdated=%s\terror=%q\n",
			event.ID, event.Type, event.RetryCount, event.MaxRetries,
			event.UpdatedAt.UTC().Format(time.RFC3339), event.LastError)
	}

	if !cfg.execute {
		_, err := fmt.Fprintf(out, "dry-run: %d failed event(s) listed, pass -execute to requeue\n", len(selected))
		return err
	}

	// -all передаёт пустой список: хранилище возвращает в очередь все FAILED,
	// включая не попавшие в -limit.
	ids := cfg.ids
	if cfg.all {
		ids = nil
	}
	requeued, err := store.RequeueFailed(ctx, ids)
	if err != nil {
		return fmt.Errorf("requeue failed events: %w", err)
	}

	log.WithField("count", requeued).Info("failed outbox events requeued")
	_, err = fmt.Fprintf(out, "requeued: %d\n", requeued)
	return err
}

func selectEvents(events []domain.OutboxEvent, cfg config) []domain.OutboxEvent {
	if len(cfg.ids) == 0 {
		return events
	}
	wanted := make(map[string]struct{}, len(cfg.ids))
	for _, id := range cfg.ids {
		wanted[id] = struct{}{}
	}
	selected := make([]domain.OutboxEvent, 0, len(cfg.ids))
	for _, event := range events {
		if _, ok := wanted[event.ID]; ok {
			selected = append(selected, event)
		}
	}
	return selected
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		log.WithError(err).Fatal("invalid arguments")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	store, err := postgres.Open(ctx, cfg.dsn)
	if err != nil {
		log.WithError(err).Fatal("failed to open postgres store")
	}
	defer store.Close()

	if err := run(ctx, store, cfg, os.Stdout); err != nil {
		log.WithError(err).Error("outbox requeue failed")
		_ = store.Close()
		os.Exit(1)
	}
}
