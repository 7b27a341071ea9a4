package kvcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SetGetDel(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.SetEX(ctx, "k", "v", time.Hour))
	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, m.Del(ctx, "k"))
	_, ok, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_TTLExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := NewMemory()
	m.now = func() time.Time { return now }

	require.NoError(t, m.SetEX(ctx, "k", "v", time.Minute))
	m.now = func() time.Time { return now.Add(2 * time.Minute) }

	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_KeysWildcard(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.SetEX(ctx, "ir:Invoice:1", "a", 0))
	require.NoError(t, m.SetEX(ctx, "ir:Customer:1", "b", 0))

	keys, err := m.Keys(ctx, "ir:Invoice:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ir:Invoice:1"}, keys)
}

func TestMemory_Ping(t *testing.T) {
	assert.NoError(t, NewMemory().Ping(context.Background()))
}
