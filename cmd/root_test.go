package cmd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewConfigReadsEnvironment(t *testing.T) {
	t.Setenv("SUPERNAVI_TILE_CONCURRENCY", "9")
	t.Setenv("SUPERNAVI_S3_BUCKET", "env-bucket")
	t.Setenv("SUPERNAVI_S3_SECRET_KEY", "hunter2")
	t.Setenv("SUPERNAVI_SCANNER_ENABLED", "true")
	t.Setenv("SUPERNAVI_SCANNER_DIR", "/mnt/scanner")
	t.Setenv("SUPERNAVI_STABLE_SECONDS", "3")

	cfg, err := newConfig()
	require.NoError(t, err)
	require.Equal(t, 9, cfg.TileConcurrency)
	require.Equal(t, "env-bucket", cfg.S3Bucket)
	require.Equal(t, "hunter2", cfg.S3SecretKey)
	require.True(t, cfg.ScannerEnabled)
	require.Equal(t, "/mnt/scanner", cfg.ScannerDir)
	require.Equal(t, 3, cfg.StableSeconds)
}

func TestNewConfigKeepsDefaults(t *testing.T) {
	cfg, err := newConfig()
	require.NoError(t, err)
	require.Equal(t, "/var/lib/supernavi", cfg.DataDir)
	require.Equal(t, ":8077", cfg.HTTPAddr)
	require.Equal(t, "previews", cfg.PreviewPrefix)
	require.Equal(t, 60, cfg.HeartbeatSeconds)
}
