package memory_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/sequence"
	"github.com/vladislavdragonenkov/erp-ledger/internal/storage/memory"
)

func TestStore_WithinTx_RollbackOnError(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.InsertOrganization(ctx, domain.Organization{ID: "org-1", Name: "Acme", Active: true}); err != nil {
			t.Fatalf("insert organization: %v", err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	err = store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		_, err := tx.GetOrganization(ctx, "org-1")
		return err
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected rolled back organization to be absent, got %v", err)
	}
}

func seedSaleFixture(t *testing.T, store *memory.Store) {
	t.Helper()

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		if err := tx.InsertOrganization(ctx, domain.Organization{ID: "org-1", Name: "Acme", Active: true}); err != nil {
			return err
		}
		if err := tx.EnsureStock(ctx, domain.Stock{ID: "st-1", OrganizationID: "org-1", ProductID: "p-1", WarehouseID: "w-1", Quantity: 10}); err != nil {
			return err
		}
		return tx.InsertDocument(ctx, domain.Document{ID: "sale-1", Kind: domain.DocumentSale, OrganizationID: "org-1", Number: "SAT-2026-00001", Status: domain.StatusDraft})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

// writeEverything меняет каждую таблицу, которую трогает утверждение продажи.
func writeEverything(ctx context.Context, t *testing.T, tx domain.Tx) {
	t.Helper()

	stock, err := tx.LockStock(ctx, "p-1", "w-1")
	if err != nil {
		t.Fatalf("lock stock: %v", err)
	}
	stock.Quantity = 3
	if err := tx.UpdateStock(ctx, stock); err != nil {
		t.Fatalf("update stock: %v", err)
	}
	if err := tx.InsertMovement(ctx, domain.StockMovement{ID: "mv-1", OrganizationID: "org-1", ProductID: "p-1", WarehouseID: "w-1", Quantity: 7, Delta: -7}); err != nil {
		t.Fatalf("insert movement: %v", err)
	}
	now := time.Now().UTC()
	if err := tx.UpdateDocumentStatus(ctx, domain.Document{ID: "sale-1", Kind: domain.DocumentSale, Status: domain.StatusApproved, ApprovedAt: &now}); err != nil {
		t.Fatalf("update document: %v", err)
	}
	if err := tx.InsertDocument(ctx, domain.Document{ID: "sale-2", Kind: domain.DocumentSale, OrganizationID: "org-1", Number: "SAT-2026-00002", Status: domain.StatusDraft}); err != nil {
		t.Fatalf("insert document: %v", err)
	}
	if _, err := tx.InsertOutboxEvent(ctx, domain.OutboxEvent{ID: "evt-1", Type: domain.EventSaleApproved, IdempotencyKey: "sale_approved:sale-1", Status: domain.OutboxPending}); err != nil {
		t.Fatalf("insert outbox event: %v", err)
	}
}

func requireSeedUntouched(t *testing.T, store *memory.Store) {
	t.Helper()

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		stock, err := tx.GetStock(ctx, "p-1", "w-1")
		if err != nil || stock.Quantity != 10 {
			t.Fatalf("stock must be restored to 10, got %+v err=%v", stock, err)
		}
		movements, _ := tx.ListMovements(ctx, domain.MovementFilter{OrganizationID: "org-1"})
		if len(movements) != 0 {
			t.Fatalf("movements must be rolled back, got %d", len(movements))
		}
		sale, err := tx.GetDocument(ctx, domain.DocumentSale, "sale-1")
		if err != nil || sale.Status != domain.StatusDraft || sale.ApprovedAt != nil {
			t.Fatalf("sale must stay DRAFT, got %+v err=%v", sale, err)
		}
		docs, _ := tx.ListDocuments(ctx, domain.DocumentFilter{Kind: domain.DocumentSale, OrganizationID: "org-1"})
		if len(docs) != 1 {
			t.Fatalf("inserted document must be rolled back, got %d documents", len(docs))
		}
		// Ключ идемпотентности освобождён вместе с событием.
		inserted, err := tx.InsertOutboxEvent(ctx, domain.OutboxEvent{ID: "evt-2", IdempotencyKey: "sale_approved:sale-1", Status: domain.OutboxPending})
		if err != nil || !inserted {
			t.Fatalf("idempotency key must be free again: inserted=%v err=%v", inserted, err)
		}
		return errors.New("read only")
	})
	if err == nil {
		t.Fatal("check transaction must roll back")
	}
}

func TestStore_WithinTx_RollbackRestoresOverwrites(t *testing.T) {
	store := memory.NewStore()
	seedSaleFixture(t, store)

	boom := errors.New("boom")
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		writeEverything(ctx, t, tx)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	requireSeedUntouched(t, store)

	stats, err := store.Stats(context.Background())
	if err != nil || stats.PendingCount != 0 {
		t.Fatalf("rolled back events must not reach the worker: %+v err=%v", stats, err)
	}
}

func TestStore_WithinTx_RollbackOnPanic(t *testing.T) {
	store := memory.NewStore()
	seedSaleFixture(t, store)

	func() {
		defer func() {
			if r := recover(); r != "handler bug" {
				t.Fatalf("expected panic to propagate, got %v", r)
			}
		}()
		_ = store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
			writeEverything(ctx, t, tx)
			panic("handler bug")
		})
	}()

	requireSeedUntouched(t, store)
}

func TestStore_WithinTx_RollbackOnTimeout(t *testing.T) {
	store := memory.NewStore(memory.WithTxTimeout(10 * time.Millisecond))
	seedSaleFixture(t, store)

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		writeEverything(ctx, t, tx)
		<-ctx.Done()
		return nil
	})
	if !domain.IsRetryable(err) {
		t.Fatalf("expected retryable timeout, got %v", err)
	}
	requireSeedUntouched(t, store)
}

func TestStore_WithinTx_LockWaitTimeoutIsRetryable(t *testing.T) {
	store := memory.NewStore(memory.WithMaxWait(20 * time.Millisecond))
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error { return nil })
	close(release)

	if !domain.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("holder tx failed: %v", err)
	}
}

func TestStore_OutboxLifecycle(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	err := store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		for _, id := range []string{"evt-1", "evt-2"} {
			inserted, err := tx.InsertOutboxEvent(ctx, domain.OutboxEvent{
				ID:             id,
				Type:           domain.EventLowStock,
				Payload:        []byte(`{}`),
				Status:         domain.OutboxPending,
				MaxRetries:     2,
				IdempotencyKey: "key-" + id,
				CreatedAt:      now,
				UpdatedAt:      now,
			})
			if err != nil || !inserted {
				t.Fatalf("insert %s: inserted=%v err=%v", id, inserted, err)
			}
		}
		inserted, err := tx.InsertOutboxEvent(ctx, domain.OutboxEvent{ID: "evt-3", IdempotencyKey: "key-evt-1"})
		if err != nil {
			return err
		}
		if inserted {
			t.Fatal("expected duplicate idempotency key to be skipped")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed outbox: %v", err)
	}

	claimed, ok, err := store.ClaimNext(ctx)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if claimed.ID != "evt-1" || claimed.Status != domain.OutboxProcessing {
		t.Fatalf("expected evt-1 PROCESSING, got %s %s", claimed.ID, claimed.Status)
	}

	status, err := store.MarkFailure(ctx, claimed.ID, "handler down")
	if err != nil || status != domain.OutboxPending {
		t.Fatalf("first failure: status=%s err=%v", status, err)
	}

	next, _, _ := store.ClaimNext(ctx)
	if next.ID != "evt-1" {
		t.Fatalf("expected evt-1 to be retried first, got %s", next.ID)
	}
	status, err = store.MarkFailure(ctx, next.ID, "handler down")
	if err != nil || status != domain.OutboxFailed {
		t.Fatalf("second failure: status=%s err=%v", status, err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.PendingCount != 1 || stats.FailedCount != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	requeued, err := store.RequeueFailed(ctx, nil)
	if err != nil || requeued != 1 {
		t.Fatalf("requeue failed: n=%d err=%v", requeued, err)
	}
	pending, _ := store.ListByStatus(ctx, domain.OutboxPending, 0)
	if len(pending) != 2 || pending[0].RetryCount != 0 {
		t.Fatalf("expected 2 pending with reset retries, got %+v", pending)
	}
}

func TestStore_RequeueStale(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	err := store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		_, err := tx.InsertOutboxEvent(ctx, domain.OutboxEvent{ID: "evt-1", Status: domain.OutboxPending, MaxRetries: 3})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, ok, _ := store.ClaimNext(ctx); !ok {
		t.Fatal("expected claim")
	}

	n, err := store.RequeueStale(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("requeue stale: n=%d err=%v", n, err)
	}
	if _, ok, _ := store.ClaimNext(ctx); !ok {
		t.Fatal("expected stale event to be claimable again")
	}
}

func TestStore_PurgeDone(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	err := store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		for _, id := range []string{"evt-1", "evt-2", "evt-3"} {
			if _, err := tx.InsertOutboxEvent(ctx, domain.OutboxEvent{
				ID: id, Status: domain.OutboxPending, MaxRetries: 3, IdempotencyKey: "key-" + id,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	for i := 0; i < 2; i++ {
		event, ok, err := store.ClaimNext(ctx)
		if err != nil || !ok {
			t.Fatalf("claim: ok=%v err=%v", ok, err)
		}
		if err := store.MarkDone(ctx, event.ID); err != nil {
			t.Fatalf("mark done: %v", err)
		}
	}

	if n, err := store.PurgeDone(ctx, time.Now().UTC().Add(-time.Minute), 0); err != nil || n != 0 {
		t.Fatalf("purge before processing: n=%d err=%v", n, err)
	}

	n, err := store.PurgeDone(ctx, time.Now().UTC().Add(time.Minute), 1)
	if err != nil || n != 1 {
		t.Fatalf("purge with limit: n=%d err=%v", n, err)
	}
	n, err = store.PurgeDone(ctx, time.Now().UTC().Add(time.Minute), 10)
	if err != nil || n != 1 {
		t.Fatalf("purge rest: n=%d err=%v", n, err)
	}

	all, _ := store.ListByStatus(ctx, "", 0)
	if len(all) != 1 || all[0].ID != "evt-3" || all[0].Status != domain.OutboxPending {
		t.Fatalf("expected only the pending event to remain, got %+v", all)
	}

	// ключ удалённого события снова доступен
	err = store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		inserted, err := tx.InsertOutboxEvent(ctx, domain.OutboxEvent{
			ID: "evt-4", Status: domain.OutboxPending, MaxRetries: 3, IdempotencyKey: "key-evt-1",
		})
		if err == nil && !inserted {
			t.Fatal("expected purged idempotency key to be reusable")
		}
		return err
	})
	if err != nil {
		t.Fatalf("reinsert: %v", err)
	}
}

func TestStore_LastNumberPastFiveDigits(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	err := store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		for i, number := range []string{"SAT-2026-99998", "SAT-2026-100000", "SAT-2026-99999", "SIP-2026-100005"} {
			kind := domain.DocumentSale
			if number[:3] == "SIP" {
				kind = domain.DocumentOrder
			}
			doc := domain.Document{ID: fmt.Sprintf("doc-%d", i), Kind: kind, OrganizationID: "org-1", Number: number, Status: domain.StatusDraft}
			if err := tx.InsertDocument(ctx, doc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed documents: %v", err)
	}

	for i := 0; i < 3; i++ {
		err = store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			last, err := tx.LastNumber(ctx, domain.SeriesSale, 2026)
			if err != nil {
				return err
			}
			if want := fmt.Sprintf("SAT-2026-%d", 100000+i); last != want {
				t.Fatalf("last number = %s, want %s", last, want)
			}
			number, err := sequence.Next(ctx, tx, domain.SeriesSale, now)
			if err != nil {
				return err
			}
			return tx.InsertDocument(ctx, domain.Document{
				ID: "next-" + number, Kind: domain.DocumentSale, OrganizationID: "org-1", Number: number, Status: domain.StatusDraft,
			})
		})
		if err != nil {
			t.Fatalf("issue number %d: %v", i, err)
		}
	}
}
