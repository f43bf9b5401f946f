package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/seedo/internal/crypto"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 30.0, cfg.Camera.TargetFPS)
	assert.Equal(t, 60, cfg.BufferCapacity())
	assert.Equal(t, 60*time.Second, cfg.Recording.RetentionHorizon)
	assert.Equal(t, time.Second/60, cfg.Heartbeat())
}

func TestBufferCapacityFloor(t *testing.T) {
	cfg := Default()
	cfg.Camera.TargetFPS = 0.5
	cfg.Recording.BufferSeconds = 1
	assert.Equal(t, 1, cfg.BufferCapacity())
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seedo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
camera:
  target_fps: 10
recording:
  retention_horizon: 2m
  segment_dir: /tmp/segs
rules:
  store: postgres
tick_interval: 20ms
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10.0, cfg.Camera.TargetFPS)
	assert.Equal(t, 1280, cfg.Camera.Width)
	assert.Equal(t, 2*time.Minute, cfg.Recording.RetentionHorizon)
	assert.Equal(t, "/tmp/segs", cfg.Recording.SegmentDir)
	assert.Equal(t, "postgres", cfg.Rules.Store)
	assert.Equal(t, 20*time.Millisecond, cfg.Heartbeat())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestResolveSecrets(t *testing.T) {
	key, err := crypto.GenerateMasterKey()
	require.NoError(t, err)
	sealed, err := crypto.Encrypt("hunter2", key)
	require.NoError(t, err)

	cfg := Default()
	cfg.Postgres.Password = "enc:" + sealed
	env := map[string]string{
		MasterKeyEnv:          key,
		"SEEDO_SMTP_PASSWORD": "from-env",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	require.NoError(t, cfg.ResolveSecrets(lookup))
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
	assert.Equal(t, "from-env", cfg.Email.SMTP.Password)
}

func TestResolveSecretsNeedsKey(t *testing.T) {
	cfg := Default()
	cfg.MinIO.SecretAccessKey = "enc:abcd"
	err := cfg.ResolveSecrets(func(string) (string, bool) { return "", false })
	assert.Error(t, err)
}

func TestDSN(t *testing.T) {
	cfg := Default()
	cfg.Postgres.Password = "pw"
	assert.Equal(t, "postgres://seedo:pw@localhost:5432/seedo?sslmode=disable", cfg.GetDatabaseDSN())
}
