// Package agent wires the edge agent together: storage, ingest, the
// worker loop, the HTTP surface and the reverse tunnel.
package agent

import (
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/ivanlppires/supernavi-edge-sub000/pkg/objstore"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/preview"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/tiles"
)

// Config is the agent's full configuration. Every field binds to a
// SUPERNAVI_* environment variable and to the TOML config file written
// by `supernavi-agent configure`.
type Config struct {
	DataDir    string `mapstructure:"data_dir" toml:"data_dir"`
	IngestDir  string `mapstructure:"ingest_dir" toml:"ingest_dir"`
	RawDir     string `mapstructure:"raw_dir" toml:"raw_dir"`
	DerivedDir string `mapstructure:"derived_dir" toml:"derived_dir"`
	DBPath     string `mapstructure:"db_path" toml:"db_path"`

	HTTPAddr string `mapstructure:"http_addr" toml:"http_addr"`

	StableSeconds int `mapstructure:"stable_seconds" toml:"stable_seconds"`

	ScannerEnabled    bool   `mapstructure:"scanner_enabled" toml:"scanner_enabled"`
	ScannerDir        string `mapstructure:"scanner_dir" toml:"scanner_dir"`
	ScannerIntervalMS int    `mapstructure:"scanner_interval_ms" toml:"scanner_interval_ms"`

	TileConcurrency         int `mapstructure:"tile_concurrency" toml:"tile_concurrency"`
	TileTimeoutMS           int `mapstructure:"tile_timeout_ms" toml:"tile_timeout_ms"`
	TileGenerationTimeoutMS int `mapstructure:"tile_generation_timeout_ms" toml:"tile_generation_timeout_ms"`

	PreviewRemoteEnabled     bool   `mapstructure:"preview_remote_enabled" toml:"preview_remote_enabled"`
	PreviewMaxLevel          int    `mapstructure:"preview_max_level" toml:"preview_max_level"`
	PreviewTargetMaxDim      int    `mapstructure:"preview_target_max_dim" toml:"preview_target_max_dim"`
	PreviewUploadConcurrency int    `mapstructure:"preview_upload_concurrency" toml:"preview_upload_concurrency"`
	PreviewPrefix            string `mapstructure:"preview_prefix" toml:"preview_prefix"`

	S3Provider  string `mapstructure:"s3_provider" toml:"s3_provider"`
	S3Bucket    string `mapstructure:"s3_bucket" toml:"s3_bucket"`
	S3Region    string `mapstructure:"s3_region" toml:"s3_region"`
	S3Endpoint  string `mapstructure:"s3_endpoint" toml:"s3_endpoint"`
	S3AccessKey string `mapstructure:"s3_access_key" toml:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key" toml:"s3_secret_key"`

	TunnelURL        string `mapstructure:"tunnel_url" toml:"tunnel_url"`
	TunnelToken      string `mapstructure:"tunnel_token" toml:"tunnel_token"`
	AgentID          string `mapstructure:"agent_id" toml:"agent_id"`
	ControlPlaneURL  string `mapstructure:"control_plane_url" toml:"control_plane_url"`
	HeartbeatSeconds int    `mapstructure:"heartbeat_seconds" toml:"heartbeat_seconds"`

	LogLevel string `mapstructure:"log_level" toml:"log_level"`
}

// DefaultConfig returns the configuration the agent runs with when
// nothing is set.
func DefaultConfig() Config {
	return Config{
		DataDir:                  "/var/lib/supernavi",
		HTTPAddr:                 ":8077",
		StableSeconds:            10,
		ScannerIntervalMS:        60000,
		TileConcurrency:          tiles.DefaultConcurrency,
		PreviewMaxLevel:          preview.DefaultMaxLevel,
		PreviewTargetMaxDim:      preview.DefaultTargetMaxDim,
		PreviewUploadConcurrency: 8,
		PreviewPrefix:            "previews",
		HeartbeatSeconds:         60,
		LogLevel:                 "info",
	}
}

// Normalize fills the directory layout from DataDir and validates what
// cannot be defaulted.
func (c *Config) Normalize() error {
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	if c.IngestDir == "" {
		c.IngestDir = filepath.Join(c.DataDir, "inbox")
	}
	if c.RawDir == "" {
		c.RawDir = filepath.Join(c.DataDir, "raw")
	}
	if c.DerivedDir == "" {
		c.DerivedDir = filepath.Join(c.DataDir, "derived")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "agent.db")
	}
	if c.ScannerEnabled && c.ScannerDir == "" {
		return errors.New("scanner_enabled requires scanner_dir")
	}
	if c.PreviewRemoteEnabled && !c.S3Config().Enabled() {
		return errors.New("preview_remote_enabled requires s3_bucket, s3_access_key and s3_secret_key")
	}
	return nil
}

// S3Config assembles the object-store configuration.
func (c Config) S3Config() objstore.Config {
	return objstore.Config{
		Provider:  c.S3Provider,
		Bucket:    c.S3Bucket,
		Region:    c.S3Region,
		Endpoint:  c.S3Endpoint,
		AccessKey: c.S3AccessKey,
		SecretKey: c.S3SecretKey,
	}
}

// StableWindow is the inbox stable-size window.
func (c Config) StableWindow() time.Duration {
	return time.Duration(c.StableSeconds) * time.Second
}

// ScannerInterval is the scraper pass interval.
func (c Config) ScannerInterval() time.Duration {
	return time.Duration(c.ScannerIntervalMS) * time.Millisecond
}
