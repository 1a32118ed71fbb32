package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestLoadDefaults(t *testing.T) {
	is := is.New(t)
	cfg, err := Load("")
	is.NoErr(err)
	is.Equal(cfg.Backend, BackendPostgres)
	is.Equal(cfg.Retention.Window, 30*24*time.Hour)
	is.Equal(cfg.Database.Database, "hacktracker")
}

func TestLoadFileThenEnv(t *testing.T) {
	is := is.New(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	is.NoErr(os.WriteFile(path, []byte(`
backend: memory
retention:
  window: 48h
  batch_size: 10
audit:
  bucket: ${TEST_AUDIT_BUCKET}
system_admins: [u1]
`), 0o600))

	t.Setenv("TEST_AUDIT_BUCKET", "audit-archive")
	t.Setenv("HACKTRACKER_RETENTION_BATCH_SIZE", "25")
	t.Setenv("HACKTRACKER_SYSTEM_ADMINS", "u1,u2")
	t.Setenv("DB_HOST", "db.internal")

	cfg, err := Load(path)
	is.NoErr(err)
	is.Equal(cfg.Backend, BackendMemory)
	is.Equal(cfg.Retention.Window, 48*time.Hour)
	is.Equal(cfg.Retention.BatchSize, 25)
	is.Equal(cfg.Audit.Bucket, "audit-archive")
	is.Equal(cfg.SystemAdmins, []string{"u1", "u2"})
	is.Equal(cfg.Database.Host, "db.internal")
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	is := is.New(t)
	t.Setenv("HACKTRACKER_BACKEND", "dynamo")
	_, err := Load("")
	is.True(err != nil)
}
