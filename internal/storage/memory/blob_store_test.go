package memory

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/JakeFAU/mission-vault/internal/storage"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "backups/x_vault.jsonl", "application/x-ndjson", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://backups/x_vault.jsonl" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'
	stored, err := store.GetObject(context.Background(), "backups/x_vault.jsonl")
	if err != nil {
		t.Fatalf("GetObject() error = %v", err)
	}
	if string(stored) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", stored)
	}
}

func TestBlobStoreFailWith(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	boom := errors.New("boom")
	store.FailWith(boom)
	if _, err := store.PutObject(context.Background(), "a", "", bytes.NewReader(nil)); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if _, err := store.GetObject(context.Background(), "a"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if store.Puts() != 1 {
		t.Fatalf("expected 1 put, got %d", store.Puts())
	}
}
