package bootstrap

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"coalesce/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{StartupMode: config.StartupModeStrict}
	cfg.DataPaths.DataDir = t.TempDir()
	cfg.ResolveDataPaths()
	cfg.Engine.SeedBuiltinRules = true
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	return cfg
}

func TestInitSQLite_CreatesDataDirectory(t *testing.T) {
	cfg := testConfig(t)
	cfg.DataPaths.SQLitePath = filepath.Join(cfg.DataPaths.DataDir, "nested", "coalesce.db")

	store, err := InitSQLite(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	assert.FileExists(t, cfg.DataPaths.SQLitePath)
}

func TestSeedRules(t *testing.T) {
	cfg := testConfig(t)
	store, err := InitSQLite(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, SeedRules(ctx, cfg, store, zap.NewNop().Sugar()))

	rules, err := store.ActiveCorrelationRules(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, rules)
}

func TestSeedRules_Disabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.SeedBuiltinRules = false
	store, err := InitSQLite(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, SeedRules(context.Background(), cfg, store, zap.NewNop().Sugar()))

	_, err = store.ActiveCorrelationRules(context.Background())
	assert.Error(t, err)
}

func TestBuildLogger(t *testing.T) {
	cfg := testConfig(t)
	logger, sugar, err := BuildLogger(cfg)
	require.NoError(t, err)
	assert.NotNil(t, logger)
	assert.NotNil(t, sugar)

	cfg.Logging.Level = "loud"
	_, _, err = BuildLogger(cfg)
	assert.Error(t, err)
}

func TestClassifySQLiteError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil error", nil, ""},
		{"permission", errors.New("open db: permission denied"), "check file permissions"},
		{"locked", errors.New("database is locked"), "another process"},
		{"corrupt", errors.New("file is not a database"), "not a sqlite database"},
		{"other", errors.New("mystery"), "wrapped error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifySQLiteError(tt.err, "/tmp/x.db")
			if tt.want == "" {
				assert.Empty(t, got)
			} else {
				assert.Contains(t, got, tt.want)
			}
		})
	}
}
