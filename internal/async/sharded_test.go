package async

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardedPreservesPerKeyOrder(t *testing.T) {
	ex := NewSharded(context.Background(), "test", 4, 16, logrus.New())

	var (
		mu   sync.Mutex
		seen = map[string][]int{}
	)
	keys := []string{"a", "b", "c", "d", "e"}
	for i := 0; i < 100; i++ {
		for _, k := range keys {
			k, i := k, i
			require.NoError(t, ex.Submit(context.Background(), k, func(context.Context) error {
				mu.Lock()
				seen[k] = append(seen[k], i)
				mu.Unlock()
				return nil
			}))
		}
	}
	ex.Close()

	for _, k := range keys {
		require.Len(t, seen[k], 100, "key %s", k)
		for i, v := range seen[k] {
			assert.Equal(t, i, v, "key %s out of order", k)
		}
	}
}

func TestShardedSurvivesPanicsAndErrors(t *testing.T) {
	ex := NewSharded(context.Background(), "test", 1, 4, logrus.New())
	done := make(chan struct{})
	require.NoError(t, ex.Submit(context.Background(), "k", func(context.Context) error { panic("boom") }))
	require.NoError(t, ex.Submit(context.Background(), "k", func(context.Context) error { return fmt.Errorf("fail") }))
	require.NoError(t, ex.Submit(context.Background(), "k", func(context.Context) error { close(done); return nil }))
	<-done
	ex.Close()

	assert.ErrorIs(t, ex.Submit(context.Background(), "k", func(context.Context) error { return nil }), ErrClosed)
}

func TestShardIsStable(t *testing.T) {
	ex := NewSharded(context.Background(), "test", 8, 0, nil)
	defer ex.Close()
	assert.Equal(t, ex.Shard("user:42"), ex.Shard("user:42"))
}
