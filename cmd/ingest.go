package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ivanlppires/supernavi-edge-sub000/pkg/agent"
)

// ingestCmd registers a single file and processes its jobs, then exits.
var ingestCmd = &cobra.Command{
	Use:   "ingest FILE",
	Short: "Ingest one slide file and wait for its thumbnail and tiles",
	Args:  cobra.ExactArgs(1),
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
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		slide, err := a.IngestFile(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s  %s  %dx%d\n", slide.ID, slide.Status, slide.OriginalFilename, slide.Width, slide.Height)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}
