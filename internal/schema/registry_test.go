package schema

import (
	"context"
	"testing"
	"time"

	"github.com/entityplatform/core/internal/entityerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseSchema(entity string, version int) Schema {
	return Schema{
		EntityName: entity,
		Version:    version,
		Fields:     append([]FieldDef(nil), SystemFields...),
		Policies: []PolicyDef{
			{Name: "allow-all-read", Effect: EffectAllow, Action: ActionRead, Resource: entity, Priority: 0, Fields: []string{"*"}},
		},
	}
}

func TestMemoryRegistry_CreateGetPublish(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	s := baseSchema("Invoice", 1)
	require.NoError(t, r.CreateDraft(ctx, s))

	got, err := r.Get(ctx, "Invoice", 1)
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, got.Status)

	_, err = r.GetLatestPublished(ctx, "Invoice")
	assert.ErrorIs(t, err, entityerr.NotFound)

	require.NoError(t, r.MarkPublished(ctx, "Invoice", 1, time.Now().UTC()))

	pub, err := r.GetLatestPublished(ctx, "Invoice")
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, pub.Status)
	require.NotNil(t, pub.PublishedAt)
}

func TestMemoryRegistry_RejectsDuplicateDraft(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	require.NoError(t, r.CreateDraft(ctx, baseSchema("Invoice", 1)))

	err := r.CreateDraft(ctx, baseSchema("Invoice", 1))
	require.Error(t, err)
	assert.Equal(t, entityerr.CodeValidation, entityerr.CodeOf(err))
}

func TestMemoryRegistry_RejectsRepublish(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	require.NoError(t, r.CreateDraft(ctx, baseSchema("Invoice", 1)))
	require.NoError(t, r.MarkPublished(ctx, "Invoice", 1, time.Now().UTC()))

	err := r.MarkPublished(ctx, "Invoice", 1, time.Now().UTC())
	require.Error(t, err)
	assert.Equal(t, entityerr.CodeValidation, entityerr.CodeOf(err))
}

func TestMemoryRegistry_LatestPublishedPicksHighestVersion(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	for v := 1; v <= 3; v++ {
		require.NoError(t, r.CreateDraft(ctx, baseSchema("Invoice", v)))
		require.NoError(t, r.MarkPublished(ctx, "Invoice", v, time.Now().UTC()))
	}
	got, err := r.GetLatestPublished(ctx, "Invoice")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Version)
}

func TestMemoryArtifactStore_RejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	as := NewMemoryArtifactStore()
	a := PublishArtifact{EntityName: "Invoice", Version: 1, CompiledHash: "abc", PublishedAt: time.Now().UTC()}
	require.NoError(t, as.Save(ctx, a))

	err := as.Save(ctx, a)
	require.Error(t, err)
	assert.Equal(t, entityerr.CodeValidation, entityerr.CodeOf(err))

	got, ok, err := as.Get(ctx, "Invoice", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc", got.CompiledHash)
}
