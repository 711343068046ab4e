package idempotency

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	key := Key(alice, "test-key")
	rec := Record{
		Caller:     alice,
		Operation:  "finalize",
		StatusCode: 200,
		Response:   []byte("payload"),
		CreatedAt:  time.Now().UTC(),
		ExpiresAt:  time.Now().Add(time.Minute).UTC(),
	}

	if err := store.Save(ctx, key, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.StatusCode != rec.StatusCode || got.Caller != alice {
		t.Fatalf("unexpected record: %#v", got)
	}

	if _, err := store.Purge(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("purge: %v", err)
	}
	got, err = store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get after purge: %v", err)
	}
	if got != nil {
		t.Fatalf("expected record to be purged, got %#v", got)
	}
}
