package conflict

import (
	"time"

	"github.com/kimhsiao/opsync/internal/models"
)

// Side is one version of a record taking part in a merge.
type Side struct {
	Data     models.Data
	Modified time.Time
}

// MergeStrategy combines the client and server payloads of a conflicting record.
type MergeStrategy interface {
	Merge(client, server Side) models.Data
}

// MergeFunc adapts a function to MergeStrategy.
type MergeFunc func(client, server Side) models.Data

// Merge calls f.
func (f MergeFunc) Merge(client, server Side) models.Data { return f(client, server) }

// FieldLWW merges field by field. A field present on one side only is kept.
// A field present on both takes the value from the side with the later
// modification time, with ties going to the server. Stock-like numeric fields
// always take the server value.
//
// Only record-level timestamps are tracked, so "later" is decided per record
// and applied to each field.
type FieldLWW struct{}

// Merge implements MergeStrategy.
func (FieldLWW) Merge(client, server Side) models.Data {
	out := server.Data.Clone()
	clientNewer := client.Modified.After(server.Modified)
	for k, v := range client.Data {
		if _, onServer := server.Data[k]; !onServer {
			out[k] = v
			continue
		}
		if models.IsStockField(k) {
			continue
		}
		if clientNewer {
			out[k] = v
		}
	}
	return out
}
