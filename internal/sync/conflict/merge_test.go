package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kimhsiao/opsync/internal/models"
)

func TestFieldLWW(t *testing.T) {
	older := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	newer := older.Add(time.Minute)

	tests := []struct {
		name   string
		client Side
		server Side
		want   models.Data
	}{
		{
			name:   "client newer wins plain fields",
			client: Side{Data: models.Data{"name": "b", "quantity": 3.0}, Modified: newer},
			server: Side{Data: models.Data{"name": "a", "quantity": 5.0}, Modified: older},
			want:   models.Data{"name": "b", "quantity": 5.0},
		},
		{
			name:   "server newer wins",
			client: Side{Data: models.Data{"name": "b"}, Modified: older},
			server: Side{Data: models.Data{"name": "a"}, Modified: newer},
			want:   models.Data{"name": "a"},
		},
		{
			name:   "tie goes to server",
			client: Side{Data: models.Data{"name": "b"}, Modified: older},
			server: Side{Data: models.Data{"name": "a"}, Modified: older},
			want:   models.Data{"name": "a"},
		},
		{
			name:   "one-sided fields are kept",
			client: Side{Data: models.Data{"note": "x", "balance": 1.0}, Modified: older},
			server: Side{Data: models.Data{"city": "Kumasi"}, Modified: newer},
			want:   models.Data{"note": "x", "balance": 1.0, "city": "Kumasi"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FieldLWW{}.Merge(tt.client, tt.server))
		})
	}
}

func TestMergeFunc(t *testing.T) {
	var m MergeStrategy = MergeFunc(func(client, server Side) models.Data {
		return models.Data{"picked": "custom"}
	})
	assert.Equal(t, models.Data{"picked": "custom"}, m.Merge(Side{}, Side{}))
}

func TestSummary(t *testing.T) {
	c := &models.Conflict{
		ClientVersion: models.VersionSnapshot{Data: models.Data{"balance": 100.5, "note": "same", "owner": "ama"}},
		ServerVersion: models.VersionSnapshot{Data: models.Data{"balance": 80.25, "note": "same", "owner": "kofi"}},
	}
	diffs := Summary(c)
	if assert.Len(t, diffs, 2) {
		assert.Equal(t, "balance", diffs[0].Field)
		assert.Equal(t, "20.25", diffs[0].Delta)
		assert.True(t, diffs[0].Stock)
		assert.Equal(t, "balance: 100.5 -> 80.25 (20.25)", diffs[0].String())

		assert.Equal(t, "owner", diffs[1].Field)
		assert.Empty(t, diffs[1].Delta)
	}
}
