package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iudanet/fieldsync/internal/crdt"
	"github.com/iudanet/fieldsync/internal/models"
	"github.com/iudanet/fieldsync/internal/server/storage"
)

const documentColumns = `id, collection, survey_id, job_id, loi_id, fields,
	created_by, created_client_at, created_server_at,
	modified_by, modified_client_at, modified_server_at, deleted`

// querier общий интерфейс *sql.DB и *sql.Tx
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// storedDocument документ вместе с версиями полей
type storedDocument struct {
	doc    *models.Document
	fields *crdt.FieldSet
}

// CommitBatch applies writes atomically. Every write is recorded in applied_mutations,
// so a redelivered batch is acknowledged with the original server time.
func (s *Storage) CommitBatch(ctx context.Context, deviceID string, writes []*models.Mutation, at time.Time) (*storage.BatchResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result := &storage.BatchResult{Results: make([]storage.WriteResult, 0, len(writes))}
	reasons := make(map[int64]string)
	changed := make(map[string]int) // индекс в result.Changes по id документа

	for _, w := range writes {
		prev, duplicate, err := markApplied(ctx, tx, deviceID, w.ID, at)
		if err != nil {
			return nil, err
		}
		if duplicate {
			result.Results = append(result.Results, storage.WriteResult{
				MutationID:      w.ID,
				ServerTimestamp: prev,
				Duplicate:       true,
			})
			continue
		}

		change, reason, err := applyWrite(ctx, tx, deviceID, w, at)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			reasons[w.ID] = reason
			continue
		}

		result.Results = append(result.Results, storage.WriteResult{MutationID: w.ID, ServerTimestamp: at})
		if change == nil {
			continue
		}
		if i, ok := changed[change.Document.ID]; ok {
			// документ создан в этом же batch: для наблюдателей он все еще новый
			if result.Changes[i].Kind == models.ChangeAdded && change.Kind == models.ChangeModified {
				change.Kind = models.ChangeAdded
			}
			result.Changes[i] = *change
			continue
		}
		changed[change.Document.ID] = len(result.Changes)
		result.Changes = append(result.Changes, *change)
	}

	if len(reasons) > 0 {
		return nil, &storage.MalformedError{Reasons: reasons}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return result, nil
}

// markApplied records the write. For a write seen before it returns the original server time.
func markApplied(ctx context.Context, tx *sql.Tx, deviceID string, mutationID int64, at time.Time) (time.Time, bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO applied_mutations (device_id, mutation_id, server_timestamp)
		VALUES (?, ?, ?)
	`, deviceID, mutationID, at.UnixNano())
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to record mutation: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		return time.Time{}, false, nil
	}

	var prev int64
	err = tx.QueryRowContext(ctx, `
		SELECT server_timestamp FROM applied_mutations
		WHERE device_id = ? AND mutation_id = ?
	`, deviceID, mutationID).Scan(&prev)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read applied mutation: %w", err)
	}
	return fromNanos(prev), true, nil
}

// applyWrite применяет одну запись. Непустой reason означает, что запись отклонена.
// nil change без reason: запись принята, но документ не изменился.
func applyWrite(ctx context.Context, tx *sql.Tx, deviceID string, w *models.Mutation, at time.Time) (*models.DocumentChange, string, error) {
	stored, err := loadDocument(ctx, tx, w.EntityID)
	if err != nil && !errors.Is(err, storage.ErrDocumentNotFound) {
		return nil, "", err
	}
	if stored != nil && (stored.doc.Collection != w.Collection || stored.doc.SurveyID != w.SurveyID) {
		return nil, fmt.Sprintf("document %s belongs to another collection or survey", w.EntityID), nil
	}

	stamp := crdt.Stamp{Time: w.ClientTimestamp, NodeID: deviceID}
	audit := models.AuditInfo{UserID: w.UserID, ClientTimestamp: w.ClientTimestamp, ServerTimestamp: &at}

	var kind models.ChangeKind
	switch w.Type {
	case models.MutationCreate:
		if stored == nil || stored.doc.Deleted {
			fields := crdt.NewFieldSet()
			fields.Reset(w.Payload, stamp)
			stored = &storedDocument{
				doc: &models.Document{
					ID:           w.EntityID,
					Collection:   w.Collection,
					SurveyID:     w.SurveyID,
					JobID:        w.JobID,
					LOIID:        w.LOIID,
					Created:      audit,
					LastModified: audit,
				},
				fields: fields,
			}
			kind = models.ChangeAdded
			break
		}
		// повторное создание живого документа сливается по полям
		if !merged(stored.fields, w.Payload, stamp) {
			return nil, "", nil
		}
		kind = models.ChangeModified

	case models.MutationUpdate:
		if stored == nil {
			return nil, fmt.Sprintf("document %s does not exist", w.EntityID), nil
		}
		if stored.doc.Deleted {
			// удаление окончательно: изменения удаленного документа отбрасываются
			return nil, "", nil
		}
		if !merged(stored.fields, w.Payload, stamp) {
			return nil, "", nil
		}
		kind = models.ChangeModified

	case models.MutationDelete:
		if stored == nil || stored.doc.Deleted {
			return nil, "", nil
		}
		stored.doc.Deleted = true
		kind = models.ChangeRemoved

	default:
		return nil, fmt.Sprintf("unknown operation %q", w.Type), nil
	}

	if kind != models.ChangeAdded {
		touch(&stored.doc.LastModified, audit)
	}
	if err := saveDocument(ctx, tx, stored); err != nil {
		return nil, "", err
	}

	doc := stored.doc.Clone()
	doc.Fields = stored.fields.Snapshot()
	return &models.DocumentChange{Kind: kind, Document: doc}, "", nil
}

// merged применяет delta и сообщает, изменилось ли хотя бы одно поле
func merged(fields *crdt.FieldSet, delta map[string]any, stamp crdt.Stamp) bool {
	lost := fields.Merge(delta, stamp)
	return len(lost) < len(delta)
}

// touch обновляет аудит: автор меняется только более новой записью, время сервера всегда
func touch(current *models.AuditInfo, audit models.AuditInfo) {
	if audit.ClientTimestamp.After(current.ClientTimestamp) {
		current.UserID = audit.UserID
		current.ClientTimestamp = audit.ClientTimestamp
	}
	current.ServerTimestamp = audit.ServerTimestamp
}

func saveDocument(ctx context.Context, tx *sql.Tx, stored *storedDocument) error {
	fields, err := json.Marshal(stored.fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}

	d := stored.doc
	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			job_id = excluded.job_id,
			loi_id = excluded.loi_id,
			fields = excluded.fields,
			created_by = excluded.created_by,
			created_client_at = excluded.created_client_at,
			created_server_at = excluded.created_server_at,
			modified_by = excluded.modified_by,
			modified_client_at = excluded.modified_client_at,
			modified_server_at = excluded.modified_server_at,
			deleted = excluded.deleted
	`,
		d.ID, d.Collection, d.SurveyID, d.JobID, d.LOIID, string(fields),
		d.Created.UserID, d.Created.ClientTimestamp.UnixNano(), serverNanos(d.Created),
		d.LastModified.UserID, d.LastModified.ClientTimestamp.UnixNano(), serverNanos(d.LastModified),
		d.Deleted,
	)
	if err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}

// ListDocuments returns live documents of a survey
func (s *Storage) ListDocuments(ctx context.Context, surveyID string) ([]*models.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE survey_id = ? AND deleted = 0
		ORDER BY id
	`, surveyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	docs := make([]*models.Document, 0)
	for rows.Next() {
		stored, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		stored.doc.Fields = stored.fields.Snapshot()
		docs = append(docs, stored.doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return docs, nil
}

// GetDocument returns a document including tombstones
func (s *Storage) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	stored, err := loadDocument(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	stored.doc.Fields = stored.fields.Snapshot()
	return stored.doc, nil
}

func loadDocument(ctx context.Context, q querier, id string) (*storedDocument, error) {
	row := q.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	stored, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrDocumentNotFound
	}
	return stored, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*storedDocument, error) {
	var (
		d              models.Document
		fields         string
		createdClient  int64
		createdServer  int64
		modifiedClient int64
		modifiedServer int64
	)
	err := row.Scan(
		&d.ID, &d.Collection, &d.SurveyID, &d.JobID, &d.LOIID, &fields,
		&d.Created.UserID, &createdClient, &createdServer,
		&d.LastModified.UserID, &modifiedClient, &modifiedServer,
		&d.Deleted,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}

	set := crdt.NewFieldSet()
	if err := json.Unmarshal([]byte(fields), set); err != nil {
		return nil, fmt.Errorf("failed to decode fields of %s: %w", d.ID, err)
	}

	d.Created.ClientTimestamp = fromNanos(createdClient)
	d.Created.ServerTimestamp = serverTime(createdServer)
	d.LastModified.ClientTimestamp = fromNanos(modifiedClient)
	d.LastModified.ServerTimestamp = serverTime(modifiedServer)
	return &storedDocument{doc: &d, fields: set}, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func serverNanos(a models.AuditInfo) int64 {
	if a.ServerTimestamp == nil {
		return 0
	}
	return a.ServerTimestamp.UnixNano()
}

func serverTime(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	t := fromNanos(n)
	return &t
}
