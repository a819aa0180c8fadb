package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "escrow.db", cfg.Store.DBPath)
	assert.Equal(t, "us-east-1", cfg.Store.Region)
	assert.Equal(t, "escrow_transactions", cfg.Store.Table)
	assert.Equal(t, "escrow_events", cfg.Store.EventsTable)
	assert.Equal(t, "blobs", cfg.BlobDir)
	assert.Equal(t, int64(32<<20), cfg.MaxFileSize)
	assert.NotEmpty(t, cfg.WebhookSecret)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "9090"
store:
  backend: dynamodb
  table: txns
  endpoint: http://localhost:8000
blob_dir: /var/escrow/blobs
webhook_secret: s3cret
principals:
  tok-admin:
    email: Ops@Example.com
    role: admin
  tok-alice:
    email: alice@example.com
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "dynamodb", cfg.Store.Backend)
	assert.Equal(t, "txns", cfg.Store.Table)
	assert.Equal(t, "http://localhost:8000", cfg.Store.Endpoint)
	assert.Equal(t, "escrow_events", cfg.Store.EventsTable, "unset keys still default")
	assert.Equal(t, "/var/escrow/blobs", cfg.BlobDir)
	assert.Equal(t, "s3cret", cfg.WebhookSecret)

	require.Contains(t, cfg.Principals, "tok-admin")
	assert.Equal(t, "admin", cfg.Principals["tok-admin"].Role)
	assert.Empty(t, cfg.Principals["tok-alice"].Role, "role defaulting happens in the gate")
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [unclosed"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: \"9090\"\nblob_dir: from-file\n"), 0o600))

	t.Setenv("PORT", "7070")
	t.Setenv("BLOB_DIR", "from-env")
	t.Setenv("STORE_BACKEND", "dynamodb")
	t.Setenv("MAX_FILE_SIZE", "1048576")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, "from-env", cfg.BlobDir)
	assert.Equal(t, "dynamodb", cfg.Store.Backend)
	assert.Equal(t, int64(1<<20), cfg.MaxFileSize)
}

func TestBadMaxFileSizeEnv(t *testing.T) {
	t.Setenv("MAX_FILE_SIZE", "lots")

	_, err := Load("")
	assert.Error(t, err)
}
