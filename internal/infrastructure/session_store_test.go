package infrastructure

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutripilot/internal/entities"
)

func TestMemorySessionStoreRoundTrip(t *testing.T) {
	store := NewMemorySessionStore(time.Hour)
	defer store.Close()
	ctx := context.Background()

	got, err := store.Get(ctx, "+1")
	require.NoError(t, err)
	assert.Nil(t, got)

	sess := entities.NewSession("+1")
	sess.State = entities.StateManualHome
	sess.Formula = []entities.Ingredient{{Name: "Maize", Inclusion: 58}}
	require.NoError(t, store.Put(ctx, "+1", sess))

	// mutating the caller's copy does not leak into the store
	sess.Formula[0].Name = "Changed"

	got, err = store.Get(ctx, "+1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entities.StateManualHome, got.State)
	assert.Equal(t, "Maize", got.Formula[0].Name)

	require.NoError(t, store.Delete(ctx, "+1"))
	got, err = store.Get(ctx, "+1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemorySessionStoreExpiry(t *testing.T) {
	store := NewMemorySessionStore(time.Minute)
	defer store.Close()
	ctx := context.Background()

	now := time.Now()
	store.now = func() time.Time { return now }
	require.NoError(t, store.Put(ctx, "+1", entities.NewSession("+1")))

	now = now.Add(59 * time.Second)
	got, _ := store.Get(ctx, "+1")
	assert.NotNil(t, got)

	now = now.Add(2 * time.Second)
	got, _ = store.Get(ctx, "+1")
	assert.Nil(t, got)

	store.sweep()
	assert.Equal(t, 0, store.Len())
}
