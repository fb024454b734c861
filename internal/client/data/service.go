package data

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/iudanet/fieldsync/internal/client/storage"
	"github.com/iudanet/fieldsync/internal/models"
	"github.com/iudanet/fieldsync/internal/validation"
)

//go:generate moq -out service_mock.go . Service

// Service определяет интерфейс для клиентского data сервиса.
// Все изменения записываются в очередь и сразу видны в локальном кэше.
type Service interface {
	AddLOI(ctx context.Context, user User, surveyID, jobID string, fields map[string]any) (string, error)
	UpdateLOI(ctx context.Context, user User, id string, fields map[string]any) error
	DeleteLOI(ctx context.Context, user User, id string) error

	AddSubmission(ctx context.Context, user User, loiID string, fields map[string]any) (string, error)
	UpdateSubmission(ctx context.Context, user User, id string, fields map[string]any) error
	DeleteSubmission(ctx context.Context, user User, id string) error

	Get(ctx context.Context, id string) (*models.EntityRecord, error)
	List(ctx context.Context, surveyID string, collection models.Collection) ([]*models.EntityRecord, error)
}

// User автор изменений
type User struct {
	ID string
}

// Enqueuer durably queues a mutation
type Enqueuer interface {
	Enqueue(ctx context.Context, m *models.Mutation) (int64, error)
}

// service handles client-side survey data operations
type service struct {
	queue    Enqueuer
	entities storage.EntityStorage
	newID    func() string
}

// NewService creates a new data service
func NewService(queue Enqueuer, entities storage.EntityStorage) Service {
	return &service{
		queue:    queue,
		entities: entities,
		newID:    uuid.NewString,
	}
}

// AddLOI creates a location of interest in a survey job
func (s *service) AddLOI(ctx context.Context, user User, surveyID, jobID string, fields map[string]any) (string, error) {
	if err := validation.ValidateID("survey", surveyID); err != nil {
		return "", err
	}
	if jobID != "" {
		if err := validation.ValidateID("job", jobID); err != nil {
			return "", err
		}
	}

	m := &models.Mutation{
		EntityID:   s.newID(),
		Collection: models.CollectionLOI,
		SurveyID:   surveyID,
		JobID:      jobID,
		Type:       models.MutationCreate,
		Payload:    withoutNil(fields),
	}
	if err := s.enqueue(ctx, user, m); err != nil {
		return "", err
	}
	return m.EntityID, nil
}

// UpdateLOI merges field changes; a nil value removes the field
func (s *service) UpdateLOI(ctx context.Context, user User, id string, fields map[string]any) error {
	return s.change(ctx, user, models.CollectionLOI, id, models.MutationUpdate, fields)
}

// DeleteLOI deletes a location of interest
func (s *service) DeleteLOI(ctx context.Context, user User, id string) error {
	return s.change(ctx, user, models.CollectionLOI, id, models.MutationDelete, nil)
}

// AddSubmission creates a submission for a cached location of interest.
// Survey and job are taken from the LOI.
func (s *service) AddSubmission(ctx context.Context, user User, loiID string, fields map[string]any) (string, error) {
	loi, err := s.lookup(ctx, models.CollectionLOI, loiID)
	if err != nil {
		return "", err
	}

	m := &models.Mutation{
		EntityID:   s.newID(),
		Collection: models.CollectionSubmission,
		SurveyID:   loi.SurveyID,
		JobID:      loi.JobID,
		LOIID:      loi.ID,
		Type:       models.MutationCreate,
		Payload:    withoutNil(fields),
	}
	if err := s.enqueue(ctx, user, m); err != nil {
		return "", err
	}
	return m.EntityID, nil
}

// UpdateSubmission merges field changes of a submission
func (s *service) UpdateSubmission(ctx context.Context, user User, id string, fields map[string]any) error {
	return s.change(ctx, user, models.CollectionSubmission, id, models.MutationUpdate, fields)
}

// DeleteSubmission deletes a submission
func (s *service) DeleteSubmission(ctx context.Context, user User, id string) error {
	return s.change(ctx, user, models.CollectionSubmission, id, models.MutationDelete, nil)
}

// Get returns a cached entity
func (s *service) Get(ctx context.Context, id string) (*models.EntityRecord, error) {
	rec, err := s.entities.GetEntity(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return rec, nil
}

// List returns visible cached entities of a survey, optionally of one collection
func (s *service) List(ctx context.Context, surveyID string, collection models.Collection) ([]*models.EntityRecord, error) {
	records, err := s.entities.ListEntities(ctx, surveyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}

	out := make([]*models.EntityRecord, 0, len(records))
	for _, r := range records {
		if r.Deleted || (collection != "" && r.Collection != collection) {
			continue
		}
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b *models.EntityRecord) int {
		if c := a.Created.ClientTimestamp.Compare(b.Created.ClientTimestamp); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *service) change(ctx context.Context, user User, collection models.Collection, id string, typ models.MutationType, fields map[string]any) error {
	rec, err := s.lookup(ctx, collection, id)
	if err != nil {
		return err
	}
	if typ == models.MutationUpdate && len(fields) == 0 {
		return errors.New("no fields to update")
	}

	return s.enqueue(ctx, user, &models.Mutation{
		EntityID:   rec.ID,
		Collection: collection,
		SurveyID:   rec.SurveyID,
		JobID:      rec.JobID,
		LOIID:      rec.LOIID,
		Type:       typ,
		Payload:    fields,
	})
}

func (s *service) lookup(ctx context.Context, collection models.Collection, id string) (*models.EntityRecord, error) {
	rec, err := s.entities.GetEntity(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s %s: %w", collection, id, err)
	}
	if rec.Collection != collection {
		return nil, fmt.Errorf("%s is a %s, not a %s", id, rec.Collection, collection)
	}
	if rec.Deleted {
		return nil, fmt.Errorf("%s %s is deleted", collection, id)
	}
	return rec, nil
}

func (s *service) enqueue(ctx context.Context, user User, m *models.Mutation) error {
	if user.ID == "" {
		return errors.New("user id is required")
	}
	if err := validation.ValidateFields(m.Payload); err != nil {
		return fmt.Errorf("invalid fields: %w", err)
	}
	m.UserID = user.ID
	if _, err := s.queue.Enqueue(ctx, m); err != nil {
		return fmt.Errorf("failed to queue %s of %s: %w", m.Type, m.EntityID, err)
	}
	return nil
}

// withoutNil убирает nil значения: при создании удалять нечего
func withoutNil(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if v != nil {
			out[k] = v
		}
	}
	return out
}
