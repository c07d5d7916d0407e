package pg

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"qazna.org/tenancy/internal/identity"
)

// The idp_* tables mirror the identity provider and carry no foreign keys, so deletes clean up
// dependent rows explicitly.

func (s *Store) execAll(ctx context.Context, stmts []string, args ...any) error {
	if s.db == nil {
		return errNoDB
	}
	if len(stmts) == 1 {
		_, err := s.db.ExecContext(ctx, stmts[0], args...)
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) UpsertRealm(ctx context.Context, r identity.Realm) error {
	return s.execAll(ctx, []string{`
		insert into idp_realms (id, name) values ($1, $2)
		on conflict (id) do update set name = excluded.name`}, r.ID, r.Name)
}

func (s *Store) DeleteRealm(ctx context.Context, id string) error {
	return s.execAll(ctx, []string{`delete from idp_realms where id = $1`}, id)
}

func (s *Store) UpsertUser(ctx context.Context, u identity.User) error {
	return s.execAll(ctx, []string{`
		insert into idp_users (id, realm_id, username, email, first_name, last_name, enabled)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (id) do update set
			realm_id = excluded.realm_id,
			username = excluded.username,
			email = excluded.email,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			enabled = excluded.enabled`},
		u.ID, u.RealmID, u.Username, u.Email, u.FirstName, u.LastName, u.Enabled)
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	return s.execAll(ctx, []string{
		`delete from idp_memberships where user_id = $1`,
		`delete from idp_user_roles where user_id = $1`,
		`delete from idp_users where id = $1`,
	}, id)
}

func (s *Store) UpsertGroup(ctx context.Context, g identity.Group) error {
	return s.execAll(ctx, []string{`
		insert into idp_groups (id, realm_id, name, parent_id) values ($1, $2, $3, $4)
		on conflict (id) do update set
			realm_id = excluded.realm_id,
			name = excluded.name,
			parent_id = excluded.parent_id`},
		g.ID, g.RealmID, g.Name, nullString(g.ParentID))
}

func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	return s.execAll(ctx, []string{
		`delete from idp_group_attributes where group_id = $1`,
		`delete from idp_memberships where group_id = $1`,
		`delete from idp_group_roles where group_id = $1`,
		`delete from idp_groups where id = $1`,
	}, id)
}

func (s *Store) UpsertGroupAttribute(ctx context.Context, a identity.GroupAttribute) error {
	return s.execAll(ctx, []string{`
		insert into idp_group_attributes (id, group_id, name, value) values ($1, $2, $3, $4)
		on conflict (id) do update set
			group_id = excluded.group_id,
			name = excluded.name,
			value = excluded.value`},
		a.ID, a.GroupID, a.Name, a.Value)
}

func (s *Store) DeleteGroupAttribute(ctx context.Context, id string) error {
	return s.execAll(ctx, []string{`delete from idp_group_attributes where id = $1`}, id)
}

func (s *Store) UpsertMembership(ctx context.Context, m identity.Membership) error {
	return s.execAll(ctx, []string{`
		insert into idp_memberships (user_id, group_id) values ($1, $2)
		on conflict do nothing`}, m.UserID, m.GroupID)
}

func (s *Store) DeleteMembership(ctx context.Context, m identity.Membership) error {
	return s.execAll(ctx, []string{`delete from idp_memberships where user_id = $1 and group_id = $2`},
		m.UserID, m.GroupID)
}

func (s *Store) UpsertRole(ctx context.Context, r identity.Role) error {
	return s.execAll(ctx, []string{`
		insert into idp_roles (id, realm_id, name, client_role) values ($1, $2, $3, $4)
		on conflict (id) do update set
			realm_id = excluded.realm_id,
			name = excluded.name,
			client_role = excluded.client_role`},
		r.ID, r.RealmID, r.Name, r.ClientRole)
}

func (s *Store) DeleteRole(ctx context.Context, id string) error {
	return s.execAll(ctx, []string{
		`delete from idp_group_roles where role_id = $1`,
		`delete from idp_user_roles where role_id = $1`,
		`delete from idp_roles where id = $1`,
	}, id)
}

func (s *Store) UpsertGroupRole(ctx context.Context, gr identity.GroupRole) error {
	return s.execAll(ctx, []string{`
		insert into idp_group_roles (group_id, role_id) values ($1, $2)
		on conflict do nothing`}, gr.GroupID, gr.RoleID)
}

func (s *Store) DeleteGroupRole(ctx context.Context, gr identity.GroupRole) error {
	return s.execAll(ctx, []string{`delete from idp_group_roles where group_id = $1 and role_id = $2`},
		gr.GroupID, gr.RoleID)
}

func (s *Store) UpsertUserRole(ctx context.Context, ur identity.UserRole) error {
	return s.execAll(ctx, []string{`
		insert into idp_user_roles (user_id, role_id) values ($1, $2)
		on conflict do nothing`}, ur.UserID, ur.RoleID)
}

func (s *Store) DeleteUserRole(ctx context.Context, ur identity.UserRole) error {
	return s.execAll(ctx, []string{`delete from idp_user_roles where user_id = $1 and role_id = $2`},
		ur.UserID, ur.RoleID)
}

// groupRefsSQL resolves the groups of user $1 with their full path and scoping attributes.
// The walk stops at 32 levels so a cyclic parent chain cannot recurse forever.
const groupRefsSQL = `
	with recursive chain (member_id, id, parent_id, path, depth) as (
		select g.id, g.id, g.parent_id, '/' || g.name, 1
		from idp_groups g
		join idp_memberships m on m.group_id = g.id
		where m.user_id = $1
		union all
		select c.member_id, p.id, p.parent_id, '/' || p.name || c.path, c.depth + 1
		from chain c
		join idp_groups p on p.id = c.parent_id
		where c.depth < 32
	)
	select g.id, g.name,
		(select c.path from chain c where c.member_id = g.id order by c.depth desc limit 1),
		coalesce((select a.value from idp_group_attributes a
			where a.group_id = g.id and a.name = 'display_name' order by a.id limit 1), ''),
		coalesce((select a.value from idp_group_attributes a
			where a.group_id = g.id and a.name = 'context' order by a.id limit 1), '')
	from idp_groups g
	join idp_memberships m on m.group_id = g.id
	where m.user_id = $1`

func (s *Store) groupRefs(ctx context.Context, q querier, principalID string) (map[string]identity.GroupRef, error) {
	rows, err := q.QueryContext(ctx, groupRefsSQL, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]identity.GroupRef{}
	for rows.Next() {
		var ref identity.GroupRef
		if err := rows.Scan(&ref.ID, &ref.Name, &ref.Path, &ref.DisplayName, &ref.Context); err != nil {
			return nil, err
		}
		out[ref.ID] = ref
	}
	return out, rows.Err()
}

func (s *Store) ScopedGroups(ctx context.Context, nodeIDs ...string) ([]string, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		select distinct group_id from idp_group_attributes
		where name = $1 and value = any($2)
		order by group_id
	`, identity.AttrContext, nodeIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) PrincipalRoles(ctx context.Context, principalID, realm string) ([]identity.RoleBinding, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var enabled bool
	err := s.db.QueryRowContext(ctx, `
		select u.enabled from idp_users u
		left join idp_realms r on r.id = u.realm_id
		where u.id = $1 and ($2 = '' or u.realm_id = $2 or r.name = $2)
	`, principalID, realm).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, nil
	}
	refs, err := s.groupRefs(ctx, s.db, principalID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select gr.group_id, r.name
		from idp_memberships m
		join idp_group_roles gr on gr.group_id = m.group_id
		join idp_roles r on r.id = gr.role_id
		where m.user_id = $1
	`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []identity.RoleBinding
	for rows.Next() {
		var groupID, role string
		if err := rows.Scan(&groupID, &role); err != nil {
			return nil, err
		}
		ref, ok := refs[groupID]
		if !ok {
			continue
		}
		out = append(out, identity.RoleBinding{Group: ref, Role: role})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group.Path != out[j].Group.Path {
			return out[i].Group.Path < out[j].Group.Path
		}
		return out[i].Role < out[j].Role
	})
	return out, nil
}

func (s *Store) Principal(ctx context.Context, principalID string) (identity.Principal, error) {
	if s.db == nil {
		return identity.Principal{}, errNoDB
	}
	var u identity.User
	err := s.db.QueryRowContext(ctx, `
		select id, realm_id, username, email, first_name, last_name, enabled
		from idp_users where id = $1
	`, principalID).Scan(&u.ID, &u.RealmID, &u.Username, &u.Email, &u.FirstName, &u.LastName, &u.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Principal{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.Principal{}, err
	}
	p := identity.Principal{User: u, Groups: []identity.GroupRef{}, Roles: []string{}}

	refs, err := s.groupRefs(ctx, s.db, principalID)
	if err != nil {
		return identity.Principal{}, err
	}
	for _, ref := range refs {
		p.Groups = append(p.Groups, ref)
	}
	sort.Slice(p.Groups, func(i, j int) bool { return p.Groups[i].Path < p.Groups[j].Path })

	rows, err := s.db.QueryContext(ctx, `
		select r.name from idp_user_roles ur
		join idp_roles r on r.id = ur.role_id
		where ur.user_id = $1
		order by r.name
	`, principalID)
	if err != nil {
		return identity.Principal{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return identity.Principal{}, err
		}
		p.Roles = append(p.Roles, name)
	}
	return p, rows.Err()
}
