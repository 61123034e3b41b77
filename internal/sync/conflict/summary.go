package conflict

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/kimhsiao/opsync/internal/models"
)

// FieldDiff is one field that differs between the two sides of a conflict.
type FieldDiff struct {
	Field  string `json:"field"`
	Client any    `json:"client"`
	Server any    `json:"server"`
	// Delta is client minus server, set when both values are numeric.
	Delta string `json:"delta,omitempty"`
	Stock bool   `json:"stock,omitempty"`
}

// Summary lists the differing fields of c in name order, for display.
func Summary(c *models.Conflict) []FieldDiff {
	client, server := c.ClientVersion.Data, c.ServerVersion.Data
	names := make(map[string]struct{}, len(client)+len(server))
	for k := range client {
		names[k] = struct{}{}
	}
	for k := range server {
		names[k] = struct{}{}
	}

	var out []FieldDiff
	for k := range names {
		cv, sv := client[k], server[k]
		if reflect.DeepEqual(cv, sv) {
			continue
		}
		d := FieldDiff{Field: k, Client: cv, Server: sv, Stock: models.IsStockField(k)}
		if a, ok := toDecimal(cv); ok {
			if b, ok := toDecimal(sv); ok {
				d.Delta = a.Sub(b).String()
			}
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(n)
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}

// String renders d as "field: client -> server (delta)".
func (d FieldDiff) String() string {
	s := fmt.Sprintf("%s: %v -> %v", d.Field, d.Client, d.Server)
	if d.Delta != "" {
		s += " (" + d.Delta + ")"
	}
	return s
}
