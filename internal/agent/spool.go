package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/opsync/internal/models"
)

// Outcome is what finally happened to an outbox entry.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeConflict Outcome = "conflict"
	OutcomeRejected Outcome = "rejected"
	// OutcomeExpired is reported for entries that outlived the retention horizon.
	OutcomeExpired Outcome = "expired"
)

// Notice tells the application how a background delivery ended.
type Notice struct {
	IdempotencyKey string            `json:"idempotency_key"`
	EntityType     models.EntityType `json:"entity_type"`
	EntityID       string            `json:"entity_id"`
	Outcome        Outcome           `json:"outcome"`
	Version        int64             `json:"version,omitempty"`
	Error          string            `json:"error,omitempty"`
	At             time.Time         `json:"at"`
}

// Spool is a directory of notice files, one JSON document per notice. Files are
// written under a temporary name and renamed, so readers never see partial files.
type Spool struct {
	dir string
	seq atomic.Uint64
}

// NewSpool creates the spool directory if needed.
func NewSpool(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create notify directory: %w", err)
	}
	return &Spool{dir: dir}, nil
}

// Dir returns the spool directory.
func (s *Spool) Dir() string { return s.dir }

// Write stores n.
func (s *Spool) Write(n Notice) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%020d-%06d.json", n.At.UnixNano(), s.seq.Add(1))
	tmp := filepath.Join(s.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("failed to write notice: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to publish notice: %w", err)
	}
	return nil
}

// Pending returns the names of unread notice files, oldest first.
func (s *Spool) Pending() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !isNotice(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Drain hands each unread notice to fn in order and deletes it once fn returns
// nil. It stops at the first error, leaving that notice and the rest in place.
// Unparseable files are removed.
func (s *Spool) Drain(fn func(Notice) error) (int, error) {
	names, err := s.Pending()
	if err != nil {
		return 0, err
	}
	done := 0
	for _, name := range names {
		path := filepath.Join(s.dir, name)
		body, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return done, err
		}
		var n Notice
		if err := json.Unmarshal(body, &n); err != nil {
			os.Remove(path)
			continue
		}
		if err := fn(n); err != nil {
			return done, err
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return done, err
		}
		done++
	}
	return done, nil
}

func isNotice(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}
