package queue

import "github.com/iudanet/fieldsync/internal/models"

// planBatch selects the next batch from the queue (in id order).
//
// Mutations of one entity are taken together or not at all, so a CREATE is never
// committed without the UPDATEs queued after it and never after them. Groups are
// ordered by their oldest mutation. The first group is taken even if it alone
// exceeds maxSize. A batch only carries mutations of one user.
func planBatch(queued []*models.Mutation, maxSize int) []*models.Mutation {
	if maxSize <= 0 {
		return nil
	}

	var (
		order  []string
		groups = make(map[string][]*models.Mutation)
	)
	for _, m := range queued {
		if !m.Eligible() {
			continue
		}
		if _, ok := groups[m.EntityID]; !ok {
			order = append(order, m.EntityID)
		}
		groups[m.EntityID] = append(groups[m.EntityID], m)
	}

	var (
		batch []*models.Mutation
		user  string
	)
	for _, entityID := range order {
		g := groups[entityID]
		if user == "" {
			user = g[0].UserID
		} else if g[0].UserID != user {
			continue
		}
		if len(batch) > 0 && len(batch)+len(g) > maxSize {
			break
		}
		batch = append(batch, g...)
	}
	return batch
}
