package boltdb

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/fieldsync/internal/client/storage"
)

var (
	keyLastSyncTime = []byte("last_sync_time")
	keyDeviceID     = []byte("device_id")
)

// DeviceID returns the persistent device id, creating it with newID on first call
func (s *Storage) DeviceID(ctx context.Context, newID func() string) (string, error) {
	if s.db == nil {
		return "", storage.ErrStorageClosed
	}

	var id string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMetadata)
		if v := bucket.Get(keyDeviceID); v != nil {
			id = string(v)
			return nil
		}
		id = newID()
		if err := bucket.Put(keyDeviceID, []byte(id)); err != nil {
			return fmt.Errorf("failed to save device id: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("transaction failed: %w", err)
	}
	return id, nil
}

// SaveLastSyncTime saves the time of the last fully drained queue
func (s *Storage) SaveLastSyncTime(ctx context.Context, t time.Time) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMetadata)

		// Конвертируем время в bytes
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(t.UnixNano()))

		if err := bucket.Put(keyLastSyncTime, b); err != nil {
			return fmt.Errorf("failed to save last sync time: %w", err)
		}
		return nil
	})
}

// GetLastSyncTime retrieves the time of the last fully drained queue
// Returns zero time if no sync has been performed yet
func (s *Storage) GetLastSyncTime(ctx context.Context) (time.Time, error) {
	if s.db == nil {
		return time.Time{}, storage.ErrStorageClosed
	}

	var t time.Time
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMetadata).Get(keyLastSyncTime)
		if b == nil {
			// первая синхронизация
			return nil
		}
		t = time.Unix(0, int64(binary.BigEndian.Uint64(b))).UTC()
		return nil
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last sync time: %w", err)
	}
	return t, nil
}
