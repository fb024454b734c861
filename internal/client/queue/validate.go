package queue

import (
	"github.com/iudanet/fieldsync/internal/client/storage"
	"github.com/iudanet/fieldsync/internal/models"
)

// validateShape проверяет мутацию без обращения к хранилищу
func validateShape(m *models.Mutation) error {
	switch {
	case m == nil:
		return invalid("", "mutation is nil")
	case m.EntityID == "":
		return invalid("", "entity id is required")
	case m.SurveyID == "":
		return invalid(m.EntityID, "survey id is required")
	case m.UserID == "":
		return invalid(m.EntityID, "user id is required")
	case !m.Type.Valid():
		return invalid(m.EntityID, "unknown mutation type %q", m.Type)
	case !m.Collection.Valid():
		return invalid(m.EntityID, "unknown collection %q", m.Collection)
	case m.Collection == models.CollectionSubmission && m.LOIID == "":
		return invalid(m.EntityID, "submission requires a location of interest")
	case m.Type == models.MutationDelete && len(m.Payload) > 0:
		return invalid(m.EntityID, "delete must not carry field changes")
	}
	return nil
}

// checkOrder returns the in-transaction check enforcing per-entity ordering:
// CREATE must be the first mutation ever seen for an entity, anything else
// needs a prior CREATE or known server state.
func checkOrder(m *models.Mutation) storage.AppendCheck {
	return func(rec *models.EntityRecord, pending []*models.Mutation) error {
		if m.Type == models.MutationCreate {
			if rec != nil {
				return invalid(m.EntityID, "create for an entity that already exists (%d pending)", len(pending))
			}
			return nil
		}

		if rec == nil {
			return invalid(m.EntityID, "%s without prior create or known server state", m.Type)
		}
		if rec.Deleted {
			return invalid(m.EntityID, "%s after delete", m.Type)
		}
		if rec.Collection != "" && rec.Collection != m.Collection {
			return invalid(m.EntityID, "collection %q does not match cached %q", m.Collection, rec.Collection)
		}
		if rec.SurveyID != "" && rec.SurveyID != m.SurveyID {
			return invalid(m.EntityID, "survey %q does not match cached %q", m.SurveyID, rec.SurveyID)
		}
		return nil
	}
}
