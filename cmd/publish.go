package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cheggaaa/pb"
	"github.com/spf13/cobra"

	"github.com/ivanlppires/supernavi-edge-sub000/pkg/agent"
)

// publishCmd publishes the rebased preview of one slide to object storage.
var publishCmd = &cobra.Command{
	Use:   "publish SLIDE",
	Short: "Publish a slide's rebased preview to object storage",
	Long: `Publish a slide's rebased preview (thumbnail, manifest and capped
tile pyramid) to the configured object store. SLIDE is a slide id or
the original filename of an ingested slide.`,
	Args: cobra.ExactArgs(1),
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

		var (
			barOnce sync.Once
			bar     *pb.ProgressBar
		)
		res, err := a.PublishPreview(ctx, args[0], func(done, total int) {
			barOnce.Do(func() { bar = pb.StartNew(total) })
			bar.Set(done)
		})
		if bar != nil {
			bar.Finish()
		}
		if err != nil {
			return err
		}
		if res.Skipped {
			fmt.Println("preview already published, nothing to do")
			return nil
		}
		fmt.Printf("published %d objects (%dx%d, max level %d)\n", res.Uploaded, res.Width, res.Height, res.MaxLevel)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(publishCmd)
}
