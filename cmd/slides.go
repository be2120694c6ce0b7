package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ivanlppires/supernavi-edge-sub000/pkg/agent"
)

// slidesCmd lists the registered slides from the local registry.
var slidesCmd = &cobra.Command{
	Use:   "slides",
	Short: "List the slides in the local registry",
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

		slides, err := a.Store().ListSlides()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tTILES\tDIMENSIONS\tFILE")
		for _, s := range slides {
			fmt.Fprintf(w, "%s\t%s\t%s\t%dx%d\t%s\n",
				s.ID[:12], s.Status, s.TilegenStatus, s.Width, s.Height, s.OriginalFilename)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(slidesCmd)
}
