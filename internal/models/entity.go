// Package models provides data model definitions for the opsync engine.
package models

import "sort"

// EntityType names a syncable domain table.
type EntityType string

const (
	EntityRawMaterials        EntityType = "raw_materials"
	EntityProductionLogs      EntityType = "production_logs"
	EntityFinishedGoods       EntityType = "finished_goods"
	EntityInventoryTransfers  EntityType = "inventory_transfers"
	EntityCustomers           EntityType = "customers"
	EntityOrders              EntityType = "orders"
	EntityDailyLogs           EntityType = "daily_logs"
	EntityWeeklyPlans         EntityType = "weekly_plans"
	EntityWeeklyReports       EntityType = "weekly_reports"
	EntityDisciplinaryRecords EntityType = "disciplinary_records"
	EntityPayrollRecords      EntityType = "payroll_records"
	EntityCampaigns           EntityType = "campaigns"
	EntityFeedbacks           EntityType = "feedbacks"
)

// Role is the device user's role, used to scope pulls.
type Role string

const (
	RoleFactorySupervisor Role = "factory_supervisor"
	RoleSalesManager      Role = "sales_manager"
	RoleMarketer          Role = "marketer"
	RoleCustomerCare      Role = "customer_care"
	RoleAdmin             Role = "admin"
	RoleHRManagement      Role = "hr_management"
)

type entitySpec struct {
	financial bool
	// roles is nil when every role may see the entity.
	roles []Role
}

var entities = map[EntityType]entitySpec{
	EntityRawMaterials:        {roles: []Role{RoleFactorySupervisor, RoleAdmin}},
	EntityProductionLogs:      {roles: []Role{RoleFactorySupervisor, RoleAdmin}},
	EntityFinishedGoods:       {financial: true, roles: []Role{RoleFactorySupervisor, RoleSalesManager, RoleAdmin}},
	EntityInventoryTransfers:  {financial: true, roles: []Role{RoleFactorySupervisor, RoleSalesManager, RoleAdmin}},
	EntityCustomers:           {roles: []Role{RoleSalesManager, RoleAdmin}},
	EntityOrders:              {financial: true, roles: []Role{RoleSalesManager, RoleAdmin}},
	EntityDailyLogs:           {},
	EntityWeeklyPlans:         {},
	EntityWeeklyReports:       {},
	EntityDisciplinaryRecords: {roles: []Role{RoleAdmin, RoleHRManagement}},
	EntityPayrollRecords:      {financial: true, roles: []Role{RoleAdmin, RoleHRManagement}},
	EntityCampaigns:           {roles: []Role{RoleMarketer, RoleAdmin}},
	EntityFeedbacks:           {roles: []Role{RoleMarketer, RoleCustomerCare, RoleAdmin}},
}

// stockFields are additive quantities that are never merged field-by-field;
// the server value always wins for them.
var stockFields = map[string]bool{
	"quantity":     true,
	"stock":        true,
	"balance":      true,
	"amount":       true,
	"total_amount": true,
	"net_pay":      true,
}

// Valid reports whether e is a known syncable table.
func (e EntityType) Valid() bool {
	_, ok := entities[e]
	return ok
}

// IsFinancial reports whether conflicts on e require a manual decision.
func (e EntityType) IsFinancial() bool {
	return entities[e].financial
}

// IsStockField reports whether a payload field holds an additive quantity.
func IsStockField(name string) bool {
	return stockFields[name]
}

// AllEntityTypes returns every syncable table in a stable order.
func AllEntityTypes() []EntityType {
	out := make([]EntityType, 0, len(entities))
	for e := range entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EntityTypesForRole returns the tables a role pulls, sorted. Unknown roles get the shared tables only.
func EntityTypesForRole(role Role) []EntityType {
	var out []EntityType
	for _, e := range AllEntityTypes() {
		spec := entities[e]
		if spec.roles == nil {
			out = append(out, e)
			continue
		}
		for _, r := range spec.roles {
			if r == role {
				out = append(out, e)
				break
			}
		}
	}
	return out
}
