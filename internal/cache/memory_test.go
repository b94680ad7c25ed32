package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cafrisales/notification-gateway/internal/model"
)

func TestMemoryStoreRoundTripAndIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	list := []model.Notification{{ID: "a", Timestamp: 1}}
	require.NoError(t, s.Save(ctx, "s1", list))

	// mutating the caller's slice must not reach the store
	list[0].ID = "mutated"
	got, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)

	other, err := s.Load(ctx, "s2")
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, s.Clear(ctx, "s1"))
	got, err = s.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)
}
