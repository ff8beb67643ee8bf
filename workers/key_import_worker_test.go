package workers

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/verifiable-state-chains/hsmcore/channel"
	"github.com/verifiable-state-chains/hsmcore/keystore"
	"github.com/verifiable-state-chains/hsmcore/models"
)

// brokenStore fails every import
type brokenStore struct {
	keystore.Store
}

func (brokenStore) Import(context.Context, models.KeyID, []byte) error {
	return errors.New("disk full")
}

func TestKeyImportWorkerStoresKey(t *testing.T) {
	store := keystore.NewMemoryStore()
	requests := channel.NewPipe[models.Request](1)
	responses := channel.NewPipe[models.Response](1)
	w := NewKeyImportWorker(store, requests, responses, quiet)

	key := bytes.Repeat([]byte{0x11}, 32)
	buf, data := lease(t, key)
	push(t, requests, &models.ImportKeyRequest{RequestID: 4, KeyID: 9, Data: data})

	if err := w.Execute(context.Background()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	resp, ok := pop(t, responses).(*models.ImportKeyResponse)
	if !ok || resp.RequestID != 4 {
		t.Fatalf("Expected ImportKeyResponse for request 4, got %#v", resp)
	}
	if buf.Leased() {
		t.Error("Lease not released")
	}

	stored, err := store.Get(context.Background(), 9)
	if err != nil {
		t.Fatalf("Key not stored: %v", err)
	}
	if !bytes.Equal(stored, key) {
		t.Errorf("Stored key mismatch: %x", stored)
	}
}

func TestKeyImportWorkerValidatesSize(t *testing.T) {
	requests := channel.NewPipe[models.Request](2)
	responses := channel.NewPipe[models.Response](2)
	w := NewKeyImportWorker(keystore.NewMemoryStore(), requests, responses, WithMaxKeySize(16), quiet)

	_, empty := lease(t, nil)
	_, tooBig := lease(t, make([]byte, 17))
	push(t, requests,
		&models.ImportKeyRequest{RequestID: 0, KeyID: 1, Data: empty},
		&models.ImportKeyRequest{RequestID: 1, KeyID: 1, Data: tooBig},
	)

	for i := 0; i < 2; i++ {
		if err := w.Execute(context.Background()); err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
	}
	expectError(t, pop(t, responses), 0, models.ErrInvalidKeySize)
	expectError(t, pop(t, responses), 1, models.ErrInvalidKeySize)
}

func TestKeyImportWorkerStoreFailure(t *testing.T) {
	requests := channel.NewPipe[models.Request](1)
	responses := channel.NewPipe[models.Response](1)
	w := NewKeyImportWorker(brokenStore{}, requests, responses, quiet)

	_, data := lease(t, []byte{1, 2, 3, 4})
	push(t, requests, &models.ImportKeyRequest{RequestID: 8, KeyID: 1, Data: data})

	if err := w.Execute(context.Background()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	expectError(t, pop(t, responses), 8, models.ErrKeyStore)
}
