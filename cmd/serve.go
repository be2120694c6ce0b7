package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ivanlppires/supernavi-edge-sub000/pkg/agent"
)

// serveCmd runs the agent until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the edge agent (watcher, workers, HTTP API, tunnel)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := newConfig()
		if err != nil {
			return err
		}
		log := newLogger(cfg)

		a, err := agent.New(cfg, version, log)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return a.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().String("http-addr", agent.DefaultConfig().HTTPAddr, "HTTP API listen address")
	serveCmd.Flags().String("scanner-dir", "", "scanner mount to scrape for slides")
	viper.BindPFlag("http_addr", serveCmd.Flags().Lookup("http-addr"))
	viper.BindPFlag("scanner_dir", serveCmd.Flags().Lookup("scanner-dir"))
	rootCmd.AddCommand(serveCmd)
}
