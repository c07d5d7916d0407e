package cdc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformed marks a payload that can never be applied, no matter how often it is retried.
var ErrMalformed = errors.New("cdc: malformed notification")

// Op is the row operation reported by a storage trigger.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Notification is one message received on a table channel.
type Notification struct {
	Channel    string
	Payload    []byte
	ReceivedAt time.Time
}

// Change is the decoded trigger payload {op, new?, old?}. Seq is the change_log position and
// orders changes in commit order; Truncated payloads carry only op and seq and must be reloaded.
type Change struct {
	Op        Op              `json:"op"`
	Table     string          `json:"table,omitempty"`
	New       json.RawMessage `json:"new,omitempty"`
	Old       json.RawMessage `json:"old,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
	At        time.Time       `json:"at,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
}

// Decode parses and validates a trigger payload.
func Decode(payload []byte) (Change, error) {
	var c Change
	if err := json.Unmarshal(payload, &c); err != nil {
		return Change{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	c.Op = Op(strings.ToUpper(string(c.Op)))
	if c.Truncated {
		if c.Seq <= 0 {
			return Change{}, fmt.Errorf("%w: truncated payload without seq", ErrMalformed)
		}
		return c, nil
	}
	c.New = nullToEmpty(c.New)
	c.Old = nullToEmpty(c.Old)
	switch c.Op {
	case OpInsert, OpUpdate:
		if len(c.New) == 0 {
			return Change{}, fmt.Errorf("%w: %s without new image", ErrMalformed, c.Op)
		}
	case OpDelete:
		if len(c.Old) == 0 {
			return Change{}, fmt.Errorf("%w: DELETE without old image", ErrMalformed)
		}
	default:
		return Change{}, fmt.Errorf("%w: unknown op %q", ErrMalformed, c.Op)
	}
	return c, nil
}

// Encode renders c in the trigger payload format.
func Encode(c Change) ([]byte, error) {
	return json.Marshal(c)
}

// Image is the row as it exists after the change, or before it for deletes.
func (c Change) Image() json.RawMessage {
	if len(c.New) > 0 {
		return c.New
	}
	return c.Old
}

// Fields decodes the current image into a column map.
func (c Change) Fields() (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(c.Image(), &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}

// RowKey joins the named columns of the current image; it identifies the row across its history.
func (c Change) RowKey(columns ...string) (string, error) {
	fields, err := c.Fields()
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(columns))
	for _, col := range columns {
		v, ok := fields[col]
		if !ok || v == nil {
			return "", fmt.Errorf("%w: image has no %s", ErrMalformed, col)
		}
		parts = append(parts, fmt.Sprint(v))
	}
	return strings.Join(parts, "/"), nil
}

func nullToEmpty(raw json.RawMessage) json.RawMessage {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return raw
}
