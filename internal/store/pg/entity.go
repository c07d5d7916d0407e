package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"qazna.org/tenancy/internal/access"
	"qazna.org/tenancy/internal/entity"
	"qazna.org/tenancy/internal/tenancy"
)

const entityColumns = `id, type, owner_id, customer_id, organization_id, institution_id, organization_unit_id,
	name, attributes, created_by, created_at, updated_by, updated_at`

func scanEntity(row rowScanner) (entity.Entity, error) {
	var (
		e         entity.Entity
		typ       string
		org       sql.NullString
		inst      sql.NullString
		unit      sql.NullString
		attrs     []byte
		updatedBy sql.NullString
		updatedAt sql.NullTime
	)
	if err := row.Scan(&e.ID, &typ, &e.OwnerID, &e.CustomerID, &org, &inst, &unit,
		&e.Name, &attrs, &e.CreatedBy, &e.CreatedAt, &updatedBy, &updatedAt); err != nil {
		return entity.Entity{}, err
	}
	r, err := access.ParseResource(typ)
	if err != nil {
		return entity.Entity{}, err
	}
	e.Type = r
	e.OrganizationID = org.String
	e.InstitutionID = inst.String
	e.OrganizationUnitID = unit.String
	e.UpdatedBy = updatedBy.String
	e.CreatedAt = e.CreatedAt.UTC()
	if updatedAt.Valid {
		t := updatedAt.Time.UTC()
		e.UpdatedAt = &t
	}
	e.Attributes = map[string]any{}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
			return entity.Entity{}, fmt.Errorf("decode attributes of %s: %w", e.ID, err)
		}
	}
	return e, nil
}

func getEntity(ctx context.Context, q querier, id string) (entity.Entity, error) {
	e, err := scanEntity(q.QueryRowContext(ctx, `select `+entityColumns+` from entities where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Entity{}, tenancy.ErrNotFound
	}
	return e, err
}

func marshalAttrs(attrs map[string]any) ([]byte, error) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	return json.Marshal(attrs)
}

func (s *Store) CreateEntity(ctx context.Context, e entity.Entity) (entity.Entity, error) {
	if s.db == nil {
		return entity.Entity{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return entity.Entity{}, err
	}
	defer func() { _ = tx.Rollback() }()

	owner, err := getNode(ctx, tx, e.OwnerID)
	if err != nil {
		return entity.Entity{}, err
	}
	if owner.Context().CustomerID != e.CustomerID {
		return entity.Entity{}, tenancy.ErrInconsistent
	}
	attrs, err := marshalAttrs(e.Attributes)
	if err != nil {
		return entity.Entity{}, fmt.Errorf("%w: attributes: %v", tenancy.ErrInvalidInput, err)
	}
	_, err = tx.ExecContext(ctx, `
		insert into entities (id, type, owner_id, customer_id, organization_id, institution_id,
			organization_unit_id, name, attributes, created_by, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11)
	`, e.ID, e.Type.String(), e.OwnerID, e.CustomerID, nullString(e.OrganizationID), nullString(e.InstitutionID),
		nullString(e.OrganizationUnitID), e.Name, string(attrs), e.CreatedBy, e.CreatedAt)
	if err != nil {
		if ce, ok := conflictFrom(err, e.Type.TypeName(), e.Name); ok {
			return entity.Entity{}, ce
		}
		if isForeignKeyViolation(err) {
			return entity.Entity{}, tenancy.ErrNotFound
		}
		return entity.Entity{}, err
	}
	if err := tx.Commit(); err != nil {
		return entity.Entity{}, err
	}
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
	return e, nil
}

func (s *Store) GetEntity(ctx context.Context, id string) (entity.Entity, error) {
	if s.db == nil {
		return entity.Entity{}, errNoDB
	}
	return getEntity(ctx, s.db, id)
}

// UpdateEntity renames and merges attributes; keys absent from the patch keep their values.
func (s *Store) UpdateEntity(ctx context.Context, id string, patch entity.Patch, updatedBy string) (entity.Entity, error) {
	if s.db == nil {
		return entity.Entity{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return entity.Entity{}, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := getEntity(ctx, tx, id)
	if err != nil {
		return entity.Entity{}, err
	}

	var (
		sets []string
		args []any
	)
	set := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}
	if patch.Name != nil {
		current.Name = *patch.Name
		set("name = $%d", current.Name)
	}
	if len(patch.Attributes) > 0 {
		attrs, err := marshalAttrs(patch.Attributes)
		if err != nil {
			return entity.Entity{}, fmt.Errorf("%w: attributes: %v", tenancy.ErrInvalidInput, err)
		}
		set("attributes = attributes || $%d::jsonb", string(attrs))
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	set("updated_by = $%d", updatedBy)
	set("updated_at = $%d", now)
	args = append(args, id)

	row := tx.QueryRowContext(ctx, fmt.Sprintf(`update entities set %s where id = $%d returning %s`,
		strings.Join(sets, ", "), len(args), entityColumns), args...)
	updated, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entity.Entity{}, tenancy.ErrNotFound
		}
		if ce, ok := conflictFrom(err, current.Type.TypeName(), current.Name); ok {
			return entity.Entity{}, ce
		}
		return entity.Entity{}, err
	}
	if err := tx.Commit(); err != nil {
		return entity.Entity{}, err
	}
	return updated, nil
}

func (s *Store) DeleteEntity(ctx context.Context, id string) (entity.Entity, error) {
	if s.db == nil {
		return entity.Entity{}, errNoDB
	}
	e, err := scanEntity(s.db.QueryRowContext(ctx, `delete from entities where id = $1 returning `+entityColumns, id))
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Entity{}, tenancy.ErrNotFound
	}
	return e, err
}

func (s *Store) ListEntities(ctx context.Context, f entity.Filter) ([]entity.Entity, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	where := []string{"type = $1"}
	args := []any{f.Type.String()}
	if f.OwnerID != "" {
		args = append(args, f.OwnerID)
		where = append(where, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if f.CustomerID != "" {
		args = append(args, f.CustomerID)
		where = append(where, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	args = append(args, limitArg(f.Limit), f.Offset)
	query := fmt.Sprintf(`select %s from entities where %s order by id limit $%d offset $%d`,
		entityColumns, strings.Join(where, " and "), len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []entity.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
