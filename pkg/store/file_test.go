package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T) *FileProvider {
	t.Helper()
	f := &FileProvider{dir: t.TempDir()}
	require.NoError(t, f.Validate())
	require.NoError(t, f.Init(context.Background()))
	return f
}

func TestFileProviderOptimization(t *testing.T) {
	ctx := context.Background()
	f := newTestProvider(t)

	t.Run("missing documents", func(t *testing.T) {
		_, err := f.OptimizeRequest(ctx)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = f.OptimizeResponse(ctx)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("save and load pair", func(t *testing.T) {
		req := []byte(`{"ems":{}}`)
		resp := []byte(`{"ac_charge":[0,1]}`)
		require.NoError(t, f.SaveOptimization(ctx, req, resp))

		got, err := f.OptimizeRequest(ctx)
		require.NoError(t, err)
		assert.Equal(t, req, got)

		got, err = f.OptimizeResponse(ctx)
		require.NoError(t, err)
		assert.Equal(t, resp, got)
	})

	t.Run("overwrite keeps latest", func(t *testing.T) {
		require.NoError(t, f.SaveOptimization(ctx, []byte(`{"v":2}`), []byte(`{"r":2}`)))
		got, err := f.OptimizeRequest(ctx)
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":2}`, string(got))
	})

	t.Run("no temp files left behind", func(t *testing.T) {
		entries, err := os.ReadDir(f.dir)
		require.NoError(t, err)
		for _, e := range entries {
			assert.NotContains(t, e.Name(), ".tmp")
		}
	})
}

func TestFileProviderControls(t *testing.T) {
	ctx := context.Background()
	f := newTestProvider(t)

	_, err := f.Controls(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, f.SaveControls(ctx, []byte(`{"mode":2}`)))
	got, err := f.Controls(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"mode":2}`, string(got))
}

func TestFileProviderBatteryBackup(t *testing.T) {
	ctx := context.Background()
	f := newTestProvider(t)

	_, err := f.BatteryBackup(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	cfg := []byte(`{"batteries":{"HYB_BM_CHARGING":{"value":5000}}}`)
	require.NoError(t, f.SaveBatteryBackup(ctx, cfg))
	got, err := f.BatteryBackup(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	// the backup lives under its well-known name so operators can inspect it
	_, err = os.Stat(filepath.Join(f.dir, "battery_config_v2.json"))
	require.NoError(t, err)

	require.NoError(t, f.DeleteBatteryBackup(ctx))
	_, err = f.BatteryBackup(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	// deleting an absent backup is fine
	assert.NoError(t, f.DeleteBatteryBackup(ctx))
}

func TestFileProviderValidate(t *testing.T) {
	f := &FileProvider{}
	assert.Error(t, f.Validate())
}
