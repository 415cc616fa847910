package ml

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelManager_AddVersionActivatesNewest(t *testing.T) {
	dir := t.TempDir()
	mm, err := NewModelManager(dir)
	require.NoError(t, err)

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mm.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	loss := 0.25
	first, err := mm.AddVersion(filepath.Join(dir, "export-1"), ModelMetrics{TrainLoss: 1.5, Epochs: 20})
	require.NoError(t, err)
	second, err := mm.AddVersion(filepath.Join(dir, "export-2"), ModelMetrics{TrainLoss: 0.9, ValLoss: &loss, Epochs: 20})
	require.NoError(t, err)

	_, err = uuid.Parse(second.Version)
	require.NoError(t, err)
	assert.NotEqual(t, first.Version, second.Version)
	assert.True(t, second.IsActive)
	assert.Equal(t, second.Version, mm.GetCurrentVersion().Version)

	versions := mm.ListVersions()
	require.Len(t, versions, 2)
	assert.Equal(t, second.Version, versions[0].Version)
	assert.False(t, versions[1].IsActive)

	// Reload from disk
	reloaded, err := NewModelManager(dir)
	require.NoError(t, err)
	require.NotNil(t, reloaded.GetCurrentVersion())
	assert.Equal(t, second.Version, reloaded.GetCurrentVersion().Version)
	require.NotNil(t, reloaded.GetCurrentVersion().Metrics.ValLoss)
	assert.Equal(t, 0.25, *reloaded.GetCurrentVersion().Metrics.ValLoss)
}

func TestModelManager_Rollback(t *testing.T) {
	mm, err := NewModelManager(t.TempDir())
	require.NoError(t, err)

	assert.Error(t, mm.Rollback())

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mm.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	first, err := mm.AddVersion("a", ModelMetrics{})
	require.NoError(t, err)
	_, err = mm.AddVersion("b", ModelMetrics{})
	require.NoError(t, err)

	require.NoError(t, mm.Rollback())
	assert.Equal(t, first.Version, mm.GetCurrentVersion().Version)
	assert.Error(t, mm.Rollback())
	assert.Error(t, mm.ActivateVersion("missing"))
}

func TestModelManager_NonFiniteMetrics(t *testing.T) {
	dir := t.TempDir()
	mm, err := NewModelManager(dir)
	require.NoError(t, err)

	val := math.Inf(1)
	_, err = mm.AddVersion("diverged", ModelMetrics{TrainLoss: math.NaN(), ValLoss: &val, Epochs: 3})
	require.NoError(t, err)

	data, err := os.ReadFile(mm.File())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"train_loss": "NaN"`)

	reloaded, err := NewModelManager(dir)
	require.NoError(t, err)
	current := reloaded.GetCurrentVersion()
	require.NotNil(t, current)
	assert.True(t, math.IsNaN(current.Metrics.TrainLoss))
	require.NotNil(t, current.Metrics.ValLoss)
	assert.True(t, math.IsInf(*current.Metrics.ValLoss, 1))
	assert.Equal(t, 3, current.Metrics.Epochs)
}
