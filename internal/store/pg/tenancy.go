package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"qazna.org/tenancy/internal/tenancy"
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const getNodeSQL = `
	select 1, id, name, ty, null::text, null::text, created_by, created_at, updated_by, updated_at
	from customers where id = $1
	union all
	select 2, id, name, ty, customer_id, null::text, created_by, created_at, updated_by, updated_at
	from organizations where id = $1
	union all
	select 3, id, name, ty, customer_id, organization_id, created_by, created_at, updated_by, updated_at
	from institutions where id = $1
	union all
	select 4, id, name, ty, customer_id, organization_id, created_by, created_at, updated_by, updated_at
	from organization_units where id = $1
	limit 1`

func nodeColumns(kind tenancy.Kind) string {
	switch kind {
	case tenancy.KindCustomer:
		return "id, name, ty, null::text, null::text, created_by, created_at, updated_by, updated_at"
	case tenancy.KindOrganization:
		return "id, name, ty, customer_id, null::text, created_by, created_at, updated_by, updated_at"
	}
	return "id, name, ty, customer_id, organization_id, created_by, created_at, updated_by, updated_at"
}

func scanNode(row rowScanner, kind tenancy.Kind) (tenancy.Node, error) {
	var (
		n         tenancy.Node
		customer  sql.NullString
		org       sql.NullString
		updatedBy sql.NullString
		updatedAt sql.NullTime
	)
	if err := row.Scan(&n.ID, &n.Name, &n.Type, &customer, &org, &n.CreatedBy, &n.CreatedAt, &updatedBy, &updatedAt); err != nil {
		return tenancy.Node{}, err
	}
	n.Kind = kind
	n.CustomerID = customer.String
	n.OrganizationID = org.String
	n.UpdatedBy = updatedBy.String
	if updatedAt.Valid {
		t := updatedAt.Time.UTC()
		n.UpdatedAt = &t
	}
	n.CreatedAt = n.CreatedAt.UTC()
	return n, nil
}

func getNode(ctx context.Context, q querier, id string) (tenancy.Node, error) {
	var kind int
	row := q.QueryRowContext(ctx, getNodeSQL, id)
	var (
		n         tenancy.Node
		customer  sql.NullString
		org       sql.NullString
		updatedBy sql.NullString
		updatedAt sql.NullTime
	)
	err := row.Scan(&kind, &n.ID, &n.Name, &n.Type, &customer, &org, &n.CreatedBy, &n.CreatedAt, &updatedBy, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tenancy.Node{}, tenancy.ErrNotFound
	}
	if err != nil {
		return tenancy.Node{}, err
	}
	n.Kind = tenancy.Kind(kind)
	n.CustomerID = customer.String
	n.OrganizationID = org.String
	n.UpdatedBy = updatedBy.String
	if updatedAt.Valid {
		t := updatedAt.Time.UTC()
		n.UpdatedAt = &t
	}
	n.CreatedAt = n.CreatedAt.UTC()
	return n, nil
}

// organizationCustomer returns the customer owning organization id.
func organizationCustomer(ctx context.Context, q querier, id string) (string, error) {
	var customer string
	err := q.QueryRowContext(ctx, `select customer_id from organizations where id = $1`, id).Scan(&customer)
	if errors.Is(err, sql.ErrNoRows) {
		return "", tenancy.ErrNotFound
	}
	return customer, err
}

func (s *Store) CreateNode(ctx context.Context, node tenancy.Node) (tenancy.Node, error) {
	if s.db == nil {
		return tenancy.Node{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return tenancy.Node{}, err
	}
	defer func() { _ = tx.Rollback() }()

	switch node.Kind {
	case tenancy.KindCustomer:
		node.CustomerID, node.OrganizationID = "", ""
		_, err = tx.ExecContext(ctx, `
			insert into customers (id, name, ty, created_by, created_at)
			values ($1, $2, $3, $4, $5)
		`, node.ID, node.Name, node.Type, node.CreatedBy, node.CreatedAt)
	case tenancy.KindOrganization:
		node.OrganizationID = ""
		_, err = tx.ExecContext(ctx, `
			insert into organizations (id, customer_id, name, ty, created_by, created_at)
			values ($1, $2, $3, $4, $5, $6)
		`, node.ID, node.CustomerID, node.Name, node.Type, node.CreatedBy, node.CreatedAt)
	case tenancy.KindInstitution:
		customer, cerr := organizationCustomer(ctx, tx, node.OrganizationID)
		if cerr != nil {
			return tenancy.Node{}, cerr
		}
		if node.CustomerID != "" && node.CustomerID != customer {
			return tenancy.Node{}, tenancy.ErrInconsistent
		}
		node.CustomerID = customer
		_, err = tx.ExecContext(ctx, `
			insert into institutions (id, customer_id, organization_id, name, ty, created_by, created_at)
			values ($1, $2, $3, $4, $5, $6, $7)
		`, node.ID, node.CustomerID, node.OrganizationID, node.Name, node.Type, node.CreatedBy, node.CreatedAt)
	case tenancy.KindOrganizationUnit:
		if node.OrganizationID != "" {
			customer, cerr := organizationCustomer(ctx, tx, node.OrganizationID)
			if cerr != nil {
				return tenancy.Node{}, cerr
			}
			if customer != node.CustomerID {
				return tenancy.Node{}, tenancy.ErrInconsistent
			}
		}
		_, err = tx.ExecContext(ctx, `
			insert into organization_units (id, customer_id, organization_id, name, ty, created_by, created_at)
			values ($1, $2, $3, $4, $5, $6, $7)
		`, node.ID, node.CustomerID, nullString(node.OrganizationID), node.Name, node.Type, node.CreatedBy, node.CreatedAt)
	default:
		return tenancy.Node{}, tenancy.ErrInvalidInput
	}
	if err != nil {
		if ce, ok := conflictFrom(err, node.Kind.EntityType(), node.Name); ok {
			return tenancy.Node{}, ce
		}
		if isForeignKeyViolation(err) {
			return tenancy.Node{}, tenancy.ErrNotFound
		}
		return tenancy.Node{}, err
	}
	if err := tx.Commit(); err != nil {
		return tenancy.Node{}, err
	}
	return node, nil
}

func (s *Store) GetNode(ctx context.Context, id string) (tenancy.Node, error) {
	if s.db == nil {
		return tenancy.Node{}, errNoDB
	}
	return getNode(ctx, s.db, id)
}

func (s *Store) UpdateNode(ctx context.Context, id string, patch tenancy.Patch, updatedBy string) (tenancy.Node, error) {
	if s.db == nil {
		return tenancy.Node{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return tenancy.Node{}, err
	}
	defer func() { _ = tx.Rollback() }()

	node, err := getNode(ctx, tx, id)
	if err != nil {
		return tenancy.Node{}, err
	}

	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Name != nil {
		node.Name = *patch.Name
		set("name", node.Name)
	}
	if patch.Type != nil {
		node.Type = *patch.Type
		set("ty", node.Type)
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	node.UpdatedBy = updatedBy
	node.UpdatedAt = &now
	set("updated_by", updatedBy)
	set("updated_at", now)
	args = append(args, id)

	query := fmt.Sprintf(`update %s set %s where id = $%d`, node.Kind.Table(), strings.Join(sets, ", "), len(args))
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		if ce, ok := conflictFrom(err, node.Kind.EntityType(), node.Name); ok {
			return tenancy.Node{}, ce
		}
		return tenancy.Node{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tenancy.Node{}, tenancy.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return tenancy.Node{}, err
	}
	return node, nil
}

// DeleteNode removes id. Descendants, membership rows and owned entities go with it through
// foreign-key cascades inside the same transaction.
func (s *Store) DeleteNode(ctx context.Context, id string, mode tenancy.DeleteMode) (tenancy.Removal, error) {
	if s.db == nil {
		return tenancy.Removal{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return tenancy.Removal{}, err
	}
	defer func() { _ = tx.Rollback() }()

	node, err := getNode(ctx, tx, id)
	if err != nil {
		return tenancy.Removal{}, err
	}
	nodes, members, err := dependents(ctx, tx, node)
	if err != nil {
		return tenancy.Removal{}, err
	}
	if mode == tenancy.DeleteRestrict && (len(nodes) > 0 || len(members) > 0) {
		return tenancy.Removal{}, tenancy.ErrHasDependents
	}
	removal := tenancy.Removal{Nodes: append([]tenancy.Node{node}, nodes...), Members: members}

	if node.Kind != tenancy.KindCustomer {
		if _, err := tx.ExecContext(ctx, `delete from entities where owner_id = any($1)`, removal.IDs()); err != nil {
			return tenancy.Removal{}, err
		}
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where id = $1`, node.Kind.Table()), id)
	if err != nil {
		return tenancy.Removal{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tenancy.Removal{}, tenancy.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return tenancy.Removal{}, err
	}
	return removal, nil
}

type childQuery struct {
	kind   tenancy.Kind
	column string
}

var childQueries = map[tenancy.Kind][]childQuery{
	tenancy.KindCustomer: {
		{tenancy.KindOrganization, "customer_id"},
		{tenancy.KindInstitution, "customer_id"},
		{tenancy.KindOrganizationUnit, "customer_id"},
	},
	tenancy.KindOrganization: {
		{tenancy.KindInstitution, "organization_id"},
		{tenancy.KindOrganizationUnit, "organization_id"},
	},
}

var memberQueries = map[tenancy.Kind]string{
	tenancy.KindCustomer: `customer_id = $1`,
	tenancy.KindOrganization: `organization_id = $1
		or organization_unit_id in (select id from organization_units where organization_id = $1)`,
	tenancy.KindInstitution:      `institution_id = $1`,
	tenancy.KindOrganizationUnit: `organization_unit_id = $1`,
}

// dependents lists the nodes and membership rows a cascade from node would remove.
func dependents(ctx context.Context, q querier, node tenancy.Node) ([]tenancy.Node, []tenancy.Member, error) {
	var nodes []tenancy.Node
	for _, cq := range childQueries[node.Kind] {
		rows, err := q.QueryContext(ctx, fmt.Sprintf(`select %s from %s where %s = $1 order by id`,
			nodeColumns(cq.kind), cq.kind.Table(), cq.column), node.ID)
		if err != nil {
			return nil, nil, err
		}
		for rows.Next() {
			n, err := scanNode(rows, cq.kind)
			if err != nil {
				rows.Close()
				return nil, nil, err
			}
			nodes = append(nodes, n)
		}
		if err := rows.Close(); err != nil {
			return nil, nil, err
		}
	}
	members, err := listMembers(ctx, q, memberQueries[node.Kind], node.ID)
	if err != nil {
		return nil, nil, err
	}
	return nodes, members, nil
}

func listMembers(ctx context.Context, q querier, where string, arg any) ([]tenancy.Member, error) {
	rows, err := q.QueryContext(ctx, `
		select organization_unit_id, customer_id, organization_id, institution_id
		from organization_unit_members
		where `+where+`
		order by organization_unit_id, institution_id`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []tenancy.Member{}
	for rows.Next() {
		var m tenancy.Member
		if err := rows.Scan(&m.OrganizationUnitID, &m.CustomerID, &m.OrganizationID, &m.InstitutionID); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ListNodes(ctx context.Context, f tenancy.Filter) ([]tenancy.Node, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		where []string
		args  []any
	)
	cond := func(expr string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(expr, len(args)))
	}
	if f.CustomerID != "" {
		if f.Kind == tenancy.KindCustomer {
			cond("id = $%d", f.CustomerID)
		} else {
			cond("customer_id = $%d", f.CustomerID)
		}
	}
	if f.OrganizationID != "" {
		switch f.Kind {
		case tenancy.KindCustomer:
			where = append(where, "false")
		case tenancy.KindOrganization:
			cond("id = $%d", f.OrganizationID)
		default:
			cond("organization_id = $%d", f.OrganizationID)
		}
	}
	if f.Type != "" {
		cond("lower(ty) = lower($%d)", f.Type)
	}
	query := fmt.Sprintf(`select %s from %s`, nodeColumns(f.Kind), f.Kind.Table())
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	args = append(args, limitArg(f.Limit), f.Offset)
	query += fmt.Sprintf(" order by id limit $%d offset $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []tenancy.Node
	for rows.Next() {
		n, err := scanNode(rows, f.Kind)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) SetMembers(ctx context.Context, unitID string, institutionIDs []string) ([]tenancy.Member, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		unitCustomer string
		unitOrg      sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
		select customer_id, organization_id from organization_units where id = $1 for update
	`, unitID).Scan(&unitCustomer, &unitOrg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tenancy.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	members := make([]tenancy.Member, 0, len(institutionIDs))
	for _, instID := range institutionIDs {
		m := tenancy.Member{OrganizationUnitID: unitID, InstitutionID: instID}
		err := tx.QueryRowContext(ctx, `
			select customer_id, organization_id from institutions where id = $1
		`, instID).Scan(&m.CustomerID, &m.OrganizationID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, tenancy.ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		if m.CustomerID != unitCustomer || (unitOrg.Valid && m.OrganizationID != unitOrg.String) {
			return nil, tenancy.ErrInconsistent
		}
		members = append(members, m)
	}

	if _, err := tx.ExecContext(ctx, `
		delete from organization_unit_members
		where organization_unit_id = $1 and not (institution_id = any($2))
	`, unitID, institutionIDs); err != nil {
		return nil, err
	}
	for _, m := range members {
		if _, err := tx.ExecContext(ctx, `
			insert into organization_unit_members (organization_unit_id, customer_id, organization_id, institution_id)
			values ($1, $2, $3, $4)
			on conflict do nothing
		`, m.OrganizationUnitID, m.CustomerID, m.OrganizationID, m.InstitutionID); err != nil {
			if isForeignKeyViolation(err) {
				return nil, tenancy.ErrNotFound
			}
			return nil, err
		}
	}
	out, err := listMembers(ctx, tx, `organization_unit_id = $1`, unitID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListMembers(ctx context.Context, unitID string) ([]tenancy.Member, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var one int
	err := s.db.QueryRowContext(ctx, `select 1 from organization_units where id = $1`, unitID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tenancy.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return listMembers(ctx, s.db, `organization_unit_id = $1`, unitID)
}

// limitArg turns a non-positive limit into SQL null, which postgres reads as no limit.
func limitArg(n int) any {
	if n <= 0 {
		return nil
	}
	return n
}
