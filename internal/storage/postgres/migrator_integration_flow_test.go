package postgres

import (
	"context"
	"errors"
	"testing"
	"time"
)

func requireMigrationState(t *testing.T, store *Store, version int64, applied int) MigrationState {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	state, err := store.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("migration status: %v", err)
	}
	if state.Version != version || state.Applied != applied || len(state.Drifted) != 0 {
		t.Fatalf("got %+v, want version=%d applied=%d", state, version, applied)
	}
	return state
}

func TestMigrator_UpDownRoundTrip(t *testing.T) {
	store := openRawPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := store.MigrateDown(ctx, 100); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if state := requireMigrationState(t, store, 0, 0); state.Pending() != 4 {
		t.Fatalf("expected 4 pending after reset, got %d", state.Pending())
	}

	if err := store.MigrateUp(ctx, 2); err != nil {
		t.Fatalf("migrate up 2: %v", err)
	}
	requireMigrationState(t, store, 2, 2)

	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	requireMigrationState(t, store, 4, 4)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("repeated ensure schema: %v", err)
	}
	requireMigrationState(t, store, 4, 4)

	if err := store.MigrateDown(ctx, 0); err != nil {
		t.Fatalf("migrate down default step: %v", err)
	}
	requireMigrationState(t, store, 3, 3)

	if err := store.MigrateDown(ctx, 100); err != nil {
		t.Fatalf("migrate down all: %v", err)
	}
	if err := store.MigrateDown(ctx, 1); err != nil {
		t.Fatalf("down on empty history must be a no-op: %v", err)
	}
	requireMigrationState(t, store, 0, 0)

	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("restore schema: %v", err)
	}
}

func TestMigrator_EditedMigrationBlocksUp(t *testing.T) {
	store := openRawPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if err := store.MigrateDown(ctx, 1); err != nil {
		t.Fatalf("migrate down 1: %v", err)
	}

	var original string
	if err := store.DB().QueryRowContext(ctx,
		`SELECT checksum FROM ledger_schema_migrations WHERE version = 1`).Scan(&original); err != nil {
		t.Fatalf("read checksum: %v", err)
	}
	t.Cleanup(func() {
		_, _ = store.DB().ExecContext(context.Background(),
			`UPDATE ledger_schema_migrations SET checksum = $1 WHERE version = 1`, original)
		_ = store.EnsureSchema(context.Background())
	})

	if _, err := store.DB().ExecContext(ctx,
		`UPDATE ledger_schema_migrations SET checksum = 'edited' WHERE version = 1`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}

	state, err := store.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("migration status: %v", err)
	}
	if len(state.Drifted) != 1 || state.Drifted[0] != "000001_inventory" {
		t.Fatalf("expected inventory drift, got %+v", state)
	}

	err = store.MigrateUp(ctx, 0)
	if !errors.Is(err, ErrMigrationDrift) {
		t.Fatalf("expected ErrMigrationDrift, got %v", err)
	}
	after, err := store.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("migration status after refused up: %v", err)
	}
	if after.Version != state.Version || after.Applied != state.Applied {
		t.Fatalf("refused up must not apply anything: %+v", after)
	}
}

func TestMigrator_GuardsAndUnsupportedDirection(t *testing.T) {
	var nilStore *Store
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := nilStore.MigrateUp(ctx, 0); err == nil {
		t.Fatal("expected error for nil store MigrateUp")
	}
	if err := nilStore.MigrateDown(ctx, 1); err == nil {
		t.Fatal("expected error for nil store MigrateDown")
	}
	if _, err := nilStore.MigrationStatus(ctx); err == nil {
		t.Fatal("expected error for nil store MigrationStatus")
	}

	store := openRawPostgresStoreForIntegrationTest(t)
	if err := store.migrate(ctx, migrationDirection("sideways"), 0); err == nil {
		t.Fatal("expected unsupported direction error")
	}
}
