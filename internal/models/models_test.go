// Package models tests for data model definitions.
package models

import (
	"reflect"
	"testing"
)

// TestData_ValueScan verifies Data survives the SQL column round trip.
func TestData_ValueScan(t *testing.T) {
	in := Data{"name": "flour", "quantity": float64(12)}

	v, err := in.Value()
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}

	var out Data
	if err := out.Scan(v); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("Scan() = %v, want %v", out, in)
	}
}

// TestData_Scan_nil verifies nil yields an empty map.
func TestData_Scan_nil(t *testing.T) {
	var d Data
	if err := d.Scan(nil); err != nil {
		t.Fatalf("Scan(nil) error = %v", err)
	}
	if d == nil || len(d) != 0 {
		t.Errorf("Scan(nil) = %v, want empty map", d)
	}
}

// TestData_Scan_badType verifies unsupported column types are rejected.
func TestData_Scan_badType(t *testing.T) {
	var d Data
	if err := d.Scan(42); err == nil {
		t.Error("expected error scanning int")
	}
}

// TestIdempotencyKey verifies key determinism and sensitivity.
func TestIdempotencyKey(t *testing.T) {
	a := IdempotencyKey(EntityOrders, "rec-1", 3, ActionUpdate, 10)
	if a != IdempotencyKey(EntityOrders, "rec-1", 3, ActionUpdate, 10) {
		t.Error("key must be deterministic")
	}

	variants := []string{
		IdempotencyKey(EntityCustomers, "rec-1", 3, ActionUpdate, 10),
		IdempotencyKey(EntityOrders, "rec-2", 3, ActionUpdate, 10),
		IdempotencyKey(EntityOrders, "rec-1", 4, ActionUpdate, 10),
		IdempotencyKey(EntityOrders, "rec-1", 3, ActionDelete, 10),
		IdempotencyKey(EntityOrders, "rec-1", 3, ActionUpdate, 11),
	}
	for i, v := range variants {
		if v == a {
			t.Errorf("variant %d collided with base key", i)
		}
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(a))
	}
}

// TestEntityType_IsFinancial verifies the financial table set.
func TestEntityType_IsFinancial(t *testing.T) {
	financial := []EntityType{EntityOrders, EntityInventoryTransfers, EntityPayrollRecords, EntityFinishedGoods}
	for _, e := range financial {
		if !e.IsFinancial() {
			t.Errorf("%s should be financial", e)
		}
	}
	if EntityDailyLogs.IsFinancial() {
		t.Error("daily_logs should not be financial")
	}
	if EntityType("bogus").Valid() {
		t.Error("unknown entity reported valid")
	}
}

// TestEntityTypesForRole verifies role scoping.
func TestEntityTypesForRole(t *testing.T) {
	contains := func(list []EntityType, e EntityType) bool {
		for _, x := range list {
			if x == e {
				return true
			}
		}
		return false
	}

	marketer := EntityTypesForRole(RoleMarketer)
	if !contains(marketer, EntityCampaigns) || !contains(marketer, EntityDailyLogs) {
		t.Errorf("marketer scope missing expected tables: %v", marketer)
	}
	if contains(marketer, EntityPayrollRecords) {
		t.Error("marketer must not pull payroll")
	}

	if got := len(EntityTypesForRole(RoleAdmin)); got != len(AllEntityTypes()) {
		t.Errorf("admin scope = %d tables, want all %d", got, len(AllEntityTypes()))
	}
}

// TestResolution_Valid verifies resolution parsing.
func TestResolution_Valid(t *testing.T) {
	if !ResolutionMerged.Valid() {
		t.Error("merged should be valid")
	}
	if Resolution("last_write_wins").Valid() {
		t.Error("unknown resolution reported valid")
	}
}

// TestIsStockField verifies additive field detection.
func TestIsStockField(t *testing.T) {
	if !IsStockField("quantity") || IsStockField("notes") {
		t.Error("stock field classification wrong")
	}
}
