package boltdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/fieldsync/internal/client/storage"
	"github.com/iudanet/fieldsync/internal/models"
)

// mutationKey кодирует id в big-endian, чтобы курсор обходил очередь по порядку
func mutationKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

// AppendMutation assigns the next queue id, stores the mutation and applies it
// to the entity cache in a single transaction
func (s *Storage) AppendMutation(ctx context.Context, m *models.Mutation, check storage.AppendCheck) (int64, error) {
	if s.db == nil {
		return 0, storage.ErrStorageClosed
	}

	var rec *models.EntityRecord
	err := s.db.Update(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(bucketMutations)
		eb := tx.Bucket(bucketEntities)

		current, err := getEntity(eb, m.EntityID)
		if err != nil {
			return err
		}
		pending, err := pendingMutations(mb, current)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(current, pending); err != nil {
				return err
			}
		}

		seq, err := mb.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate mutation id: %w", err)
		}
		m.ID = int64(seq)
		m.Status = models.StatusPending
		if err := putMutation(mb, m); err != nil {
			return err
		}

		if current == nil {
			current = &models.EntityRecord{}
		}
		current.ApplyMutation(m)
		rec = current
		return putEntity(eb, current)
	})
	if err != nil {
		return 0, fmt.Errorf("transaction failed: %w", err)
	}

	s.notify([]change{{surveyID: rec.SurveyID, entityID: rec.ID}})
	return m.ID, nil
}

// GetMutation retrieves a queued mutation by id
func (s *Storage) GetMutation(ctx context.Context, id int64) (*models.Mutation, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var m *models.Mutation
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		m, err = getMutation(tx.Bucket(bucketMutations), id)
		if err != nil {
			return err
		}
		if m == nil {
			return storage.ErrMutationNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMutations returns all queued mutations in id order
func (s *Storage) ListMutations(ctx context.Context) ([]*models.Mutation, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var mutations []*models.Mutation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMutations).ForEach(func(k, v []byte) error {
			var m models.Mutation
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("failed to unmarshal mutation: %w", err)
			}
			mutations = append(mutations, &m)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list mutations: %w", err)
	}
	return mutations, nil
}

// SetStatus updates the status of the given mutations, unknown ids are ignored
func (s *Storage) SetStatus(ctx context.Context, ids []int64, status models.MutationStatus) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(bucketMutations)
		for _, id := range ids {
			m, err := getMutation(mb, id)
			if err != nil {
				return err
			}
			if m == nil {
				continue
			}
			m.Status = status
			if err := putMutation(mb, m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}
	return nil
}

// MarkApplied removes acknowledged mutations and clears them from their entities.
// An acknowledged DELETE finalizes the removal of the cached entity.
func (s *Storage) MarkApplied(ctx context.Context, applied []storage.Applied) ([]string, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var (
		cleared []string
		changed []change
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(bucketMutations)
		eb := tx.Bucket(bucketEntities)

		for _, a := range applied {
			m, err := getMutation(mb, a.ID)
			if err != nil {
				return err
			}
			if m == nil {
				// уже подтверждена ранее
				continue
			}
			if err := mb.Delete(mutationKey(a.ID)); err != nil {
				return fmt.Errorf("failed to delete mutation: %w", err)
			}

			rec, err := getEntity(eb, m.EntityID)
			if err != nil {
				return err
			}
			if rec == nil {
				continue
			}
			rec.RemovePending(m.ID)
			changed = append(changed, change{surveyID: rec.SurveyID, entityID: rec.ID})

			if m.Type == models.MutationDelete {
				if err := eb.Delete([]byte(rec.ID)); err != nil {
					return fmt.Errorf("failed to delete entity: %w", err)
				}
				continue
			}

			stampServerTime(rec, m, a.ServerTimestamp)
			if m.Type == models.MutationCreate && a.ServerTimestamp != nil {
				// принятый сервером CREATE восстанавливает удаленный документ
				rec.PendingRemoval = false
			}
			if err := putEntity(eb, rec); err != nil {
				return err
			}
			if !rec.HasPending() {
				cleared = append(cleared, rec.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("transaction failed: %w", err)
	}

	s.notify(changed)
	return cleared, nil
}

// stampServerTime marks audit info as confirmed when it still describes mutation m
func stampServerTime(rec *models.EntityRecord, m *models.Mutation, ts *time.Time) {
	if ts == nil {
		return
	}
	if rec.LastModified.ClientTimestamp.Equal(m.ClientTimestamp) && rec.LastModified.UserID == m.UserID {
		t := *ts
		rec.LastModified.ServerTimestamp = &t
	}
	if m.Type == models.MutationCreate && rec.Created.ClientTimestamp.Equal(m.ClientTimestamp) {
		t := *ts
		rec.Created.ServerTimestamp = &t
	}
}

// MarkFailed records a failed commit attempt of one mutation
func (s *Storage) MarkFailed(ctx context.Context, id int64, reason string, retryable bool) (string, error) {
	if s.db == nil {
		return "", storage.ErrStorageClosed
	}

	var (
		cleared string
		changed []change
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(bucketMutations)
		m, err := getMutation(mb, id)
		if err != nil {
			return err
		}
		if m == nil {
			return storage.ErrMutationNotFound
		}

		m.RetryCount++
		m.LastError = reason
		m.Status = models.StatusFailed
		if !retryable {
			m.Status = models.StatusDeadLetter
		}
		if err := putMutation(mb, m); err != nil {
			return err
		}
		if retryable {
			return nil
		}

		eb := tx.Bucket(bucketEntities)
		rec, err := getEntity(eb, m.EntityID)
		if err != nil || rec == nil {
			return err
		}
		if !rec.RemovePending(m.ID) {
			return nil
		}
		if !rec.HasPending() {
			cleared = rec.ID
		}
		changed = append(changed, change{surveyID: rec.SurveyID, entityID: rec.ID})
		return putEntity(eb, rec)
	})
	if err != nil {
		return "", fmt.Errorf("transaction failed: %w", err)
	}

	s.notify(changed)
	return cleared, nil
}

// LastClientTimestamp returns the newest client timestamp in the queue
func (s *Storage) LastClientTimestamp(ctx context.Context) (time.Time, error) {
	if s.db == nil {
		return time.Time{}, storage.ErrStorageClosed
	}

	var last time.Time
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, v := tx.Bucket(bucketMutations).Cursor().Last()
		if v == nil {
			return nil
		}
		var m models.Mutation
		if err := json.Unmarshal(v, &m); err != nil {
			return fmt.Errorf("failed to unmarshal mutation: %w", err)
		}
		last = m.ClientTimestamp
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return last, nil
}

func getMutation(b *bbolt.Bucket, id int64) (*models.Mutation, error) {
	data := b.Get(mutationKey(id))
	if data == nil {
		return nil, nil
	}
	var m models.Mutation
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal mutation %d: %w", id, err)
	}
	return &m, nil
}

func putMutation(b *bbolt.Bucket, m *models.Mutation) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal mutation: %w", err)
	}
	if err := b.Put(mutationKey(m.ID), data); err != nil {
		return fmt.Errorf("failed to save mutation: %w", err)
	}
	return nil
}

// pendingMutations загружает мутации из rec.PendingMutationIDs в порядке очереди
func pendingMutations(b *bbolt.Bucket, rec *models.EntityRecord) ([]*models.Mutation, error) {
	if rec == nil {
		return nil, nil
	}
	pending := make([]*models.Mutation, 0, len(rec.PendingMutationIDs))
	for _, id := range rec.PendingMutationIDs {
		m, err := getMutation(b, id)
		if err != nil {
			return nil, err
		}
		if m != nil {
			pending = append(pending, m)
		}
	}
	return pending, nil
}
