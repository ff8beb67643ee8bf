package keystore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/verifiable-state-chains/hsmcore/models"
	"go.etcd.io/bbolt"
)

const keyBucket = "hsm_keys"

// keyRecord is the persisted form of a key
type keyRecord struct {
	KeyID    models.KeyID `json:"key_id"`
	Material []byte       `json:"material"`
	Created  string       `json:"created"`
}

// BoltStore persists keys in a bbolt database
type BoltStore struct {
	db   *bbolt.DB
	path string
}

// OpenBoltStore creates or opens the key database at path
func OpenBoltStore(path string) (*BoltStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("key database path is required")
	}

	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open key database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(keyBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltStore{db: db, path: cleanPath}, nil
}

// Path returns the database file path
func (s *BoltStore) Path() string {
	return s.path
}

func (s *BoltStore) Import(ctx context.Context, id models.KeyID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(keyRecord{
		KeyID:    id,
		Material: data,
		Created:  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(keyBucket))
		if bucket == nil {
			return fmt.Errorf("key bucket is missing")
		}
		return bucket.Put(boltKey(id), payload)
	})
}

func (s *BoltStore) Get(ctx context.Context, id models.KeyID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var record keyRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(keyBucket))
		if bucket == nil {
			return fmt.Errorf("key bucket is missing")
		}
		payload := bucket.Get(boltKey(id))
		if payload == nil {
			return ErrNotFound
		}
		// payload is only valid inside the transaction; Unmarshal copies
		if err := json.Unmarshal(payload, &record); err != nil {
			return fmt.Errorf("failed to unmarshal key %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record.Material, nil
}

func (s *BoltStore) Delete(ctx context.Context, id models.KeyID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(keyBucket))
		if bucket == nil {
			return fmt.Errorf("key bucket is missing")
		}
		if bucket.Get(boltKey(id)) == nil {
			return ErrNotFound
		}
		return bucket.Delete(boltKey(id))
	})
}

func (s *BoltStore) List(ctx context.Context) ([]models.KeyID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ids []models.KeyID
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(keyBucket))
		if bucket == nil {
			return fmt.Errorf("key bucket is missing")
		}
		// Big-endian keys iterate in numeric order
		return bucket.ForEach(func(k, _ []byte) error {
			if len(k) != 4 {
				return fmt.Errorf("malformed key id of %d bytes", len(k))
			}
			ids = append(ids, models.KeyID(binary.BigEndian.Uint32(k)))
			return nil
		})
	})
	return ids, err
}

// Close closes the database
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func boltKey(id models.KeyID) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], uint32(id))
	return k[:]
}
