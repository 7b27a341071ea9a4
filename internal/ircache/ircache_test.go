package ircache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entityplatform/core/internal/compiler"
	"github.com/entityplatform/core/internal/kvcache"
)

func testModel(inputHash string) compiler.CompiledModel {
	return compiler.CompiledModel{
		EntityName: "Invoice",
		Version:    1,
		TableName:  "ent_invoice",
		InputHash:  inputHash,
		OutputHash: "out-" + inputHash,
	}
}

func TestCache_L1MissThenHit(t *testing.T) {
	ctx := context.Background()
	c, err := New(kvcache.NewMemory(), nil)
	require.NoError(t, err)

	key := Key{EntityName: "Invoice", Version: 1}
	_, ok := c.Get(ctx, key)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, key, testModel("h1")))
	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "h1", got.InputHash)
}

func TestCache_L2PopulatesL1OnHit(t *testing.T) {
	ctx := context.Background()
	kv := kvcache.NewMemory()
	key := Key{EntityName: "Invoice", Version: 1}

	writer, err := New(kv, nil)
	require.NoError(t, err)
	require.NoError(t, writer.Put(ctx, key, testModel("h1")))

	reader, err := New(kv, nil)
	require.NoError(t, err)
	got, ok := reader.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "h1", got.InputHash)

	// Second read must now be served purely from L1 (kv deleted underneath it).
	require.NoError(t, kv.Del(ctx, key.String()))
	got2, ok := reader.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "h1", got2.InputHash)
}

func TestCache_CorruptL2EntryEvictsAndMisses(t *testing.T) {
	ctx := context.Background()
	kv := kvcache.NewMemory()
	key := Key{EntityName: "Invoice", Version: 1}
	require.NoError(t, kv.SetEX(ctx, key.String(), "not valid json", 0))

	c, err := New(kv, nil)
	require.NoError(t, err)

	_, ok := c.Get(ctx, key)
	assert.False(t, ok)

	_, ok, err = kv.Get(ctx, key.String())
	require.NoError(t, err)
	assert.False(t, ok, "corrupt entry should have been evicted from L2")
}

func TestCache_PutRefusesDifferentHashAtSameKey(t *testing.T) {
	ctx := context.Background()
	c, err := New(kvcache.NewMemory(), nil)
	require.NoError(t, err)
	key := Key{EntityName: "Invoice", Version: 1}

	require.NoError(t, c.Put(ctx, key, testModel("h1")))
	require.NoError(t, c.Put(ctx, key, testModel("h1")), "re-putting same hash is a no-op")
	assert.Error(t, c.Put(ctx, key, testModel("h2")))
}

func TestCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	kv := kvcache.NewMemory()
	c, err := New(kv, nil)
	require.NoError(t, err)
	key := Key{EntityName: "Invoice", Version: 1}

	require.NoError(t, c.Put(ctx, key, testModel("h1")))
	require.NoError(t, c.Invalidate(ctx, key))

	_, ok := c.Get(ctx, key)
	assert.False(t, ok)

	// Invalidated key may now accept a different inputHash.
	require.NoError(t, c.Put(ctx, key, testModel("h2")))
	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "h2", got.InputHash)
}

func TestCache_InvalidateEntityCascadesAllVersions(t *testing.T) {
	ctx := context.Background()
	kv := kvcache.NewMemory()
	c, err := New(kv, nil)
	require.NoError(t, err)

	k1 := Key{EntityName: "Invoice", Version: 1}
	k2 := Key{EntityName: "Invoice", Version: 2}
	other := Key{EntityName: "Customer", Version: 1}

	require.NoError(t, c.Put(ctx, k1, testModel("h1")))
	require.NoError(t, c.Put(ctx, k2, testModel("h2")))
	require.NoError(t, c.Put(ctx, other, testModel("h3")))

	require.NoError(t, c.InvalidateEntity(ctx, "Invoice"))

	_, ok := c.Get(ctx, k1)
	assert.False(t, ok)
	_, ok = c.Get(ctx, k2)
	assert.False(t, ok)
	_, ok = c.Get(ctx, other)
	assert.True(t, ok, "unrelated entity must survive invalidation")
}

func TestOverlaySetHash_EmptyVsNonEmpty(t *testing.T) {
	assert.Equal(t, "", OverlaySetHash(nil))
	assert.NotEqual(t, "", OverlaySetHash([]string{"ov-1"}))
	assert.Equal(t, OverlaySetHash([]string{"ov-1", "ov-2"}), OverlaySetHash([]string{"ov-1", "ov-2"}))
}
