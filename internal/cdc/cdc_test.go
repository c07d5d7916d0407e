package cdc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qazna.org/tenancy/internal/obs"
)

func TestDecode(t *testing.T) {
	c, err := Decode([]byte(`{"op":"insert","new":{"id":"a","name":"x"},"old":null,"seq":7}`))
	require.NoError(t, err)
	assert.Equal(t, OpInsert, c.Op)
	assert.Nil(t, c.Old)
	assert.Equal(t, int64(7), c.Seq)

	key, err := c.RowKey("id")
	require.NoError(t, err)
	assert.Equal(t, "a", key)

	del, err := Decode([]byte(`{"op":"DELETE","old":{"id":"b"}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"b"}`, string(del.Image()))
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []string{
		`not json`,
		`{"op":"UPSERT","new":{}}`,
		`{"op":"INSERT"}`,
		`{"op":"UPDATE","new":null}`,
		`{"op":"DELETE","new":{"id":"x"}}`,
		`{"op":"INSERT","truncated":true}`,
	}
	for _, payload := range cases {
		_, err := Decode([]byte(payload))
		assert.ErrorIs(t, err, ErrMalformed, payload)
	}
}

type recorder struct {
	mu  sync.Mutex
	got []Notification
	err error
}

func (r *recorder) Handle(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestDispatcherFansOutByChannel(t *testing.T) {
	d := NewDispatcher(WithLogger(logrus.New()))
	all := &recorder{}
	users := &recorder{err: errors.New("handler errors are not fatal")}
	require.NoError(t, d.Register("all", all))
	require.NoError(t, d.Register("users", users, "user_entity"))
	assert.Nil(t, d.Channels())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.NoError(t, d.Dispatch(ctx, Notification{Channel: "customers", Payload: []byte(`{}`)}))
	require.NoError(t, d.Dispatch(ctx, Notification{Channel: "user_entity", Payload: []byte(`{}`)}))
	require.NoError(t, d.Dispatch(ctx, Notification{Channel: "user_entity", Payload: []byte(`{}`)}))

	require.Eventually(t, func() bool { return all.count() == 3 && users.count() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Error(t, d.Register("late", &recorder{}))
}

func TestDispatcherChannelsUnion(t *testing.T) {
	d := NewDispatcher()
	require.NoError(t, d.Register("a", &recorder{}, "customers", "organizations"))
	require.NoError(t, d.Register("b", &recorder{}, "customers"))
	assert.ElementsMatch(t, []string{"customers", "organizations"}, d.Channels())
}

type fakeBackfill map[int64]string

func (f fakeBackfill) LoadChange(_ context.Context, seq int64) ([]byte, error) {
	p, ok := f[seq]
	if !ok {
		return nil, errors.New("missing")
	}
	return []byte(p), nil
}

func TestDispatcherExpandsTruncatedPayloads(t *testing.T) {
	full := `{"op":"INSERT","new":{"id":"big"},"seq":9}`
	d := NewDispatcher(WithBackfill(fakeBackfill{9: full}), WithLogger(logrus.New()))
	rec := &recorder{}
	require.NoError(t, d.Register("rec", rec))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	require.NoError(t, d.Dispatch(ctx, Notification{Channel: "customers", Payload: []byte(`{"op":"INSERT","seq":9,"truncated":true}`)}))
	// unknown seq is dropped rather than delivered half-empty
	require.NoError(t, d.Dispatch(ctx, Notification{Channel: "customers", Payload: []byte(`{"op":"INSERT","seq":10,"truncated":true}`)}))

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.JSONEq(t, full, string(rec.got[0].Payload))
}

func TestDispatcherLogsThroughSharedLogger(t *testing.T) {
	logger := obs.Logger()
	original := logger.Out
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	d := NewDispatcher(WithBackfill(fakeBackfill{}))
	require.NoError(t, d.Dispatch(context.Background(), Notification{Channel: "customers", Payload: []byte(`{"op":"INSERT","seq":3,"truncated":true}`)}))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "cdc", entry["component"])
	assert.Equal(t, "dropping notification", entry["msg"])
	assert.Equal(t, "customers", entry["channel"])
	assert.Contains(t, entry, "ts")
}
