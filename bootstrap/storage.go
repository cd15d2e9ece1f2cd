package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"coalesce/config"
	"coalesce/storage"
)

// InitSQLite opens the backing store and runs migrations.
func InitSQLite(cfg *config.Config, sugar *zap.SugaredLogger) (*storage.SQLite, error) {
	path := cfg.DataPaths.SQLitePath
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
		}
	}

	store, err := storage.NewSQLite(path, sugar)
	if err != nil {
		sugar.Errorw("SQLite initialization failed",
			"path", path, "hint", classifySQLiteError(err, path))
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	return store, nil
}

// SeedRules upserts the builtin rule set when enabled. Seeding failures are
// fatal in strict mode and a warning in graceful mode, since the engine can
// still run rules already present in the store.
func SeedRules(ctx context.Context, cfg *config.Config, store *storage.SQLite, sugar *zap.SugaredLogger) error {
	if !cfg.Engine.SeedBuiltinRules {
		return nil
	}
	if err := store.SeedBuiltinRules(ctx, time.Now().UTC()); err != nil {
		if cfg.IsGracefulMode() {
			sugar.Warnw("Failed to seed builtin rules, continuing", "error", err)
			return nil
		}
		return fmt.Errorf("failed to seed builtin rules: %w", err)
	}
	sugar.Info("Builtin rules seeded")
	return nil
}

// classifySQLiteError maps common sqlite open failures to actionable hints.
func classifySQLiteError(err error, dbPath string) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"):
		return fmt.Sprintf("check file permissions on %s and its directory", dbPath)
	case strings.Contains(msg, "database is locked"):
		return "another process holds the database; stop it or use a separate data dir"
	case strings.Contains(msg, "disk"):
		return "check free disk space on the data volume"
	case strings.Contains(msg, "not a database"):
		return fmt.Sprintf("%s exists but is not a sqlite database", dbPath)
	default:
		return "see the wrapped error"
	}
}
