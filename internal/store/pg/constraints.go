package pg

import (
	"qazna.org/tenancy/internal/tenancy"
)

// uniqueField names the entity type and field a unique constraint protects. An empty entity type
// means the row's own type decides it.
type uniqueField struct {
	entityType string
	field      string
}

// uniqueConstraints covers every unique constraint and unique index declared by the schema that a
// request can violate.
var uniqueConstraints = map[string]uniqueField{
	"customers_pkey":                           {"Customer", "id"},
	"customers_name_key":                       {"Customer", "name"},
	"organizations_pkey":                       {"Organization", "id"},
	"organizations_customer_id_key":            {"Organization", "id"},
	"organizations_customer_name_key":          {"Organization", "name"},
	"institutions_pkey":                        {"Institution", "id"},
	"institutions_chain_key":                   {"Institution", "id"},
	"institutions_organization_name_key":       {"Institution", "name"},
	"organization_units_pkey":                  {"OrganizationUnit", "id"},
	"organization_units_organization_name_key": {"OrganizationUnit", "name"},
	"organization_units_customer_name_key":     {"OrganizationUnit", "name"},
	"organization_unit_members_pkey":           {"OrganizationUnitMember", "institution_id"},
	"entities_pkey":                            {"", "id"},
	"entities_owner_type_name_key":             {"", "name"},
}

// conflictFrom translates a unique violation into a ConflictError. entityType fills in tables
// whose type is per row; value is the offending value when known.
func conflictFrom(err error, entityType, value string) (*tenancy.ConflictError, bool) {
	pgErr, ok := maybePgError(err)
	if !ok || pgErr.Code != pgErrUniqueViolation {
		return nil, false
	}
	uf, ok := uniqueConstraints[pgErr.ConstraintName]
	if !ok {
		// an unmapped constraint still must not leak as a raw database error
		uf = uniqueField{field: "id"}
	}
	if uf.entityType == "" {
		uf.entityType = entityType
	}
	ce := &tenancy.ConflictError{EntityType: uf.entityType, Field: uf.field}
	if uf.field == "name" {
		ce.Value = value
	}
	return ce, true
}
