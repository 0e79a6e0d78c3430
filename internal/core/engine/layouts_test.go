package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkasse/kassad/internal/types"
)

func TestLayoutActivationIsExclusive(t *testing.T) {
	r := newRig(t, false)
	ctx := context.Background()

	snapshot := []map[string]interface{}{{"category": "Getränke", "position": float64(1)}}
	first, err := r.engine.SaveLayout(ctx, "morning", "manual", snapshot)
	require.NoError(t, err)
	second, err := r.engine.SaveLayout(ctx, "evening", "manual", snapshot)
	require.NoError(t, err)
	assert.False(t, first.IsActive)

	activated, err := r.engine.ActivateLayout(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, activated.IsActive)

	activated, err = r.engine.ActivateLayout(ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, activated.IsActive)

	layouts, err := r.engine.ListLayouts(ctx)
	require.NoError(t, err)
	active := 0
	for _, l := range layouts {
		if l.IsActive {
			active++
			assert.Equal(t, second.ID, l.ID)
		}
	}
	assert.Equal(t, 1, active)
}

func TestGetActiveLayoutFallsBackToMostRecent(t *testing.T) {
	r := newRig(t, false)
	ctx := context.Background()

	_, err := r.engine.GetActiveLayout(ctx)
	require.Error(t, err)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))

	_, err = r.engine.SaveLayout(ctx, "older", "import", nil)
	require.NoError(t, err)
	newer, err := r.engine.SaveLayout(ctx, "newer", "manual", nil)
	require.NoError(t, err)

	// Nothing activated yet: most recent snapshot wins.
	got, err := r.engine.GetActiveLayout(ctx)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)
}

func TestActivateUnknownLayout(t *testing.T) {
	r := newRig(t, false)
	_, err := r.engine.ActivateLayout(context.Background(), 404)
	require.Error(t, err)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestSaveLayoutRequiresName(t *testing.T) {
	r := newRig(t, false)
	_, err := r.engine.SaveLayout(context.Background(), "", "manual", nil)
	require.Error(t, err)
}
