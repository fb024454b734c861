package boltdb

import (
	"context"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/iudanet/fieldsync/internal/client/storage"
)

var (
	// BoltDB bucket names
	bucketAuth      = []byte("auth")
	bucketMetadata  = []byte("metadata")
	bucketMutations = []byte("mutations")
	bucketEntities  = []byte("entities")
)

// Storage represents BoltDB storage implementation for client.
// It holds both the mutation queue and the entity cache so that
// enqueue and acknowledgement can update them in one transaction.
type Storage struct {
	db       *bbolt.DB
	listener storage.ChangeListener
	mu       sync.RWMutex // защищает listener
}

// New creates a new BoltDB storage instance
// dbPath is the path to the BoltDB database file
func New(ctx context.Context, dbPath string) (*Storage, error) {
	// Открываем BoltDB
	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	s := &Storage{db: db}

	// Инициализируем buckets
	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return s, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// SetChangeListener installs the listener for committed entity changes
func (s *Storage) SetChangeListener(l storage.ChangeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// ClearUserData removes all queued mutations and cached entities (sign-out).
// The mutation id sequence is preserved so ids are never reused on this device.
func (s *Storage) ClearUserData(ctx context.Context) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	var changed []change
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := clearBucket(tx.Bucket(bucketMutations), nil); err != nil {
			return fmt.Errorf("failed to clear mutations: %w", err)
		}
		err := clearBucket(tx.Bucket(bucketEntities), func(v []byte) {
			if rec, err := decodeEntity(v); err == nil {
				changed = append(changed, change{surveyID: rec.SurveyID, entityID: rec.ID})
			}
		})
		if err != nil {
			return fmt.Errorf("failed to clear entities: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}

	s.notify(changed)
	return nil
}

// initBuckets создает необходимые buckets если они не существуют
func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketAuth, bucketMetadata, bucketMutations, bucketEntities} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

type change struct {
	surveyID string
	entityID string
}

// notify вызывается только после успешного commit
func (s *Storage) notify(changes []change) {
	s.mu.RLock()
	l := s.listener
	s.mu.RUnlock()

	if l == nil {
		return
	}
	for _, c := range changes {
		l(c.surveyID, c.entityID)
	}
}

func clearBucket(b *bbolt.Bucket, visit func(v []byte)) error {
	var keys [][]byte
	err := b.ForEach(func(k, v []byte) error {
		if visit != nil {
			visit(v)
		}
		keys = append(keys, append([]byte(nil), k...))
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
