package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ivanlppires/supernavi-edge-sub000/pkg/agent"
)

const configName = "config"

// these are populated by goreleaser when you build a release with that tool.
var (
	version = "head"
	commit  = "head"
	date    = "none"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use: "supernavi-agent",
	Long: `The SuperNavi edge agent for digital pathology scanners.

The agent watches an inbox and an optional scanner mount for new slide
files, registers them under their content digest, generates deep-zoom
tiles, and optionally publishes rebased previews to object storage and
keeps a reverse tunnel open to the SuperNavi control plane.

Configuration comes from ~/.supernavi/config.toml (see
'supernavi-agent configure') and SUPERNAVI_* environment variables,
e.g. SUPERNAVI_DATA_DIR or SUPERNAVI_S3_BUCKET.
`,
	Version: fmt.Sprintf("%v, commit %v, built at %v", version, commit, date),
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agent version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(rootCmd.Version)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// configKeys mirrors the mapstructure tags of agent.Config. Viper only
// unmarshals keys it has been told about, so every key is bound to its
// SUPERNAVI_* environment variable explicitly.
var configKeys = []string{
	"data_dir", "ingest_dir", "raw_dir", "derived_dir", "db_path",
	"http_addr", "stable_seconds",
	"scanner_enabled", "scanner_dir", "scanner_interval_ms",
	"tile_concurrency", "tile_timeout_ms", "tile_generation_timeout_ms",
	"preview_remote_enabled", "preview_max_level", "preview_target_max_dim",
	"preview_upload_concurrency", "preview_prefix",
	"s3_provider", "s3_bucket", "s3_region", "s3_endpoint", "s3_access_key", "s3_secret_key",
	"tunnel_url", "tunnel_token", "agent_id", "control_plane_url", "heartbeat_seconds",
	"log_level",
}

func init() {
	def := agent.DefaultConfig()
	rootCmd.PersistentFlags().String("data-dir", def.DataDir, "agent data directory (inbox, raw, derived, db)")
	rootCmd.PersistentFlags().String("log-level", def.LogLevel, "log level (debug, info, warn, error)")
	viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	viper.SetEnvPrefix("supernavi")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, key := range configKeys {
		viper.BindEnv(key)
	}

	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(versionCmd)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	dir, err := supernaviDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed getting path of supernavi directory, err: %+v\n", err)
		os.Exit(1)
	}
	viper.SetConfigName(configName)
	viper.AddConfigPath(dir)
	viper.ReadInConfig()
}

// newConfig assembles the agent configuration from defaults, the
// config file and the environment.
func newConfig() (agent.Config, error) {
	cfg := agent.DefaultConfig()
	if err := viper.Unmarshal(&cfg); err != nil {
		return agent.Config{}, err
	}
	return cfg, nil
}

// newLogger returns the process logger at the configured level.
func newLogger(cfg agent.Config) *logrus.Entry {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	return logrus.NewEntry(log)
}

// supernaviDir returns the location of the agent configuration directory.
func supernaviDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".supernavi"), nil
}

// ensureSupernaviDir creates the configuration directory if it doesn't
// already exist.
func ensureSupernaviDir() (string, error) {
	dir, err := supernaviDir()
	if err != nil {
		return "", err
	}
	return dir, os.MkdirAll(dir, 0o700)
}
