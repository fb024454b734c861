package boltdb

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/fieldsync/internal/client/storage"
	"github.com/iudanet/fieldsync/internal/models"
)

// GetEntity retrieves a cached entity by ID
func (s *Storage) GetEntity(ctx context.Context, id string) (*models.EntityRecord, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var rec *models.EntityRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getEntity(tx.Bucket(bucketEntities), id)
		if err != nil {
			return err
		}
		if rec == nil {
			return storage.ErrEntityNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListEntities returns cached entities of a survey (all surveys if surveyID is empty)
func (s *Storage) ListEntities(ctx context.Context, surveyID string) ([]*models.EntityRecord, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var records []*models.EntityRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntities).ForEach(func(k, v []byte) error {
			rec, err := decodeEntity(v)
			if err != nil {
				return err
			}
			// Фильтруем по survey
			if surveyID == "" || rec.SurveyID == surveyID {
				records = append(records, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	return records, nil
}

// ModifyEntity runs fn as an atomic read-modify-write of one entity.
// bbolt allows a single writer, so concurrent callers are serialized.
func (s *Storage) ModifyEntity(ctx context.Context, id string, fn storage.ModifyFunc) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	var changed []change
	err := s.db.Update(func(tx *bbolt.Tx) error {
		eb := tx.Bucket(bucketEntities)
		current, err := getEntity(eb, id)
		if err != nil {
			return err
		}
		pending, err := pendingMutations(tx.Bucket(bucketMutations), current)
		if err != nil {
			return err
		}

		var before *models.EntityRecord
		if current != nil {
			before = current.Clone()
		}
		next, err := fn(current, pending)
		if err != nil {
			return err
		}

		switch {
		case next == nil && before == nil:
			return nil
		case next == nil:
			if err := eb.Delete([]byte(id)); err != nil {
				return fmt.Errorf("failed to delete entity: %w", err)
			}
			changed = append(changed, change{surveyID: before.SurveyID, entityID: id})
			return nil
		}

		if next.ID == "" {
			next.ID = id
		}
		if err := putEntity(eb, next); err != nil {
			return err
		}
		changed = append(changed, change{surveyID: next.SurveyID, entityID: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}

	s.notify(changed)
	return nil
}

func getEntity(b *bbolt.Bucket, id string) (*models.EntityRecord, error) {
	data := b.Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	return decodeEntity(data)
}

func decodeEntity(data []byte) (*models.EntityRecord, error) {
	rec := &models.EntityRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity: %w", err)
	}
	return rec, nil
}

func putEntity(b *bbolt.Bucket, rec *models.EntityRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal entity: %w", err)
	}
	if err := b.Put([]byte(rec.ID), data); err != nil {
		return fmt.Errorf("failed to save entity: %w", err)
	}
	return nil
}
