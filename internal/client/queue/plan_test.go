package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/iudanet/fieldsync/internal/models"
)

func mut(id int64, entity string, typ models.MutationType) *models.Mutation {
	return &models.Mutation{ID: id, EntityID: entity, Type: typ, UserID: "u1", Status: models.StatusPending}
}

func ids(batch []*models.Mutation) []int64 {
	out := make([]int64, 0, len(batch))
	for _, m := range batch {
		out = append(out, m.ID)
	}
	return out
}

func TestPlanBatch(t *testing.T) {
	dead := mut(4, "c", models.MutationUpdate)
	dead.Status = models.StatusDeadLetter
	otherUser := mut(6, "d", models.MutationCreate)
	otherUser.UserID = "u2"
	failed := mut(7, "e", models.MutationCreate)
	failed.Status = models.StatusFailed

	tests := []struct {
		name     string
		queued   []*models.Mutation
		maxSize  int
		expected []int64
	}{
		{
			name:     "empty queue",
			maxSize:  10,
			expected: []int64{},
		},
		{
			name: "entity groups stay contiguous and ordered",
			queued: []*models.Mutation{
				mut(1, "a", models.MutationCreate),
				mut(2, "b", models.MutationCreate),
				mut(3, "a", models.MutationUpdate),
				mut(5, "b", models.MutationUpdate),
			},
			maxSize:  10,
			expected: []int64{1, 3, 2, 5},
		},
		{
			name: "chain is not split at the size limit",
			queued: []*models.Mutation{
				mut(1, "a", models.MutationCreate),
				mut(2, "b", models.MutationCreate),
				mut(3, "b", models.MutationUpdate),
			},
			maxSize:  2,
			expected: []int64{1},
		},
		{
			name: "oversized first chain is taken whole",
			queued: []*models.Mutation{
				mut(1, "a", models.MutationCreate),
				mut(2, "a", models.MutationUpdate),
				mut(3, "a", models.MutationUpdate),
				mut(4, "b", models.MutationCreate),
			},
			maxSize:  2,
			expected: []int64{1, 2, 3},
		},
		{
			name: "dead letters skipped, failed retried, other user left for later",
			queued: []*models.Mutation{
				mut(1, "c", models.MutationCreate),
				dead,
				otherUser,
				failed,
			},
			maxSize:  10,
			expected: []int64{1, 7},
		},
		{
			name:     "non-positive size",
			queued:   []*models.Mutation{mut(1, "a", models.MutationCreate)},
			maxSize:  0,
			expected: []int64{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := planBatch(tt.queued, tt.maxSize)
			assert.Equal(t, tt.expected, ids(got))
		})
	}
}
