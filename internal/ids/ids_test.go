package ids

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/kimhsiao/opsync/internal/errors"
)

func TestNew(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		assert.True(t, IsGenerated(id), id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("local-")
	assert.True(t, strings.HasPrefix(id, "local-"))
	assert.True(t, IsGenerated(strings.TrimPrefix(id, "local-")))
}

func TestIsGenerated(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"v4", "550e8400-e29b-41d4-a716-446655440000", true},
		{"uppercase", "550E8400-E29B-41D4-A716-446655440000", false},
		{"v1", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", false},
		{"braces", "{550e8400-e29b-41d4-a716-446655440000}", false},
		{"no dashes", "550e8400e29b41d4a716446655440000", false},
		{"configured device", "till-3", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsGenerated(tt.id))
		})
	}
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"generated", New(), false},
		{"readable", "till-3", false},
		{"max length", strings.Repeat("a", MaxLen), false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", MaxLen+1), true},
		{"slash", "orders/1", true},
		{"query", "o?x=1", true},
		{"space", "front till", true},
		{"newline", "a\nb", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check("record id", tt.id)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.True(t, apperrors.Is(err, apperrors.ErrValidation), "got %v", err)
		})
	}
}
