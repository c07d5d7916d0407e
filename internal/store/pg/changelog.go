package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qazna.org/tenancy/internal/cdc"
	"qazna.org/tenancy/internal/tenancy"
)

// Channels are the notification channels the tenancy triggers announce on.
func Channels() []string {
	return []string{"customers", "organizations", "institutions", "organization_units", "organization_unit_members", "entities"}
}

func scanChange(row rowScanner) (cdc.Change, error) {
	var (
		c         cdc.Change
		op        string
		newRow    []byte
		oldRow    []byte
		createdAt time.Time
	)
	if err := row.Scan(&c.Seq, &c.Table, &op, &newRow, &oldRow, &createdAt); err != nil {
		return cdc.Change{}, err
	}
	c.Op = cdc.Op(op)
	c.New = json.RawMessage(newRow)
	c.Old = json.RawMessage(oldRow)
	c.At = createdAt.UTC()
	return c, nil
}

// LoadChange returns the full payload of a logged change, for notifications that were truncated.
func (s *Store) LoadChange(ctx context.Context, seq int64) ([]byte, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	c, err := scanChange(s.db.QueryRowContext(ctx, `
		select seq, tbl, op, new_row, old_row, created_at from change_log where seq = $1
	`, seq))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("change %d: %w", seq, tenancy.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return cdc.Encode(c)
}

// Unpublished returns up to limit logged changes committed before cutoff that were never
// marked published, oldest first.
func (s *Store) Unpublished(ctx context.Context, before time.Time, limit int) ([]cdc.Change, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select seq, tbl, op, new_row, old_row, created_at
		from change_log
		where published_at is null and created_at < $1
		order by seq
		limit $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []cdc.Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkPublished records that the changes with the given sequences reached the broker.
func (s *Store) MarkPublished(ctx context.Context, seqs ...int64) error {
	if s.db == nil {
		return errNoDB
	}
	if len(seqs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		update change_log set published_at = now()
		where seq = any($1) and published_at is null
	`, seqs)
	return err
}
