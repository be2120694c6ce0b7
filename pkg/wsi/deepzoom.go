package wsi

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// DeepZoomSave builds the complete deep-zoom tile tree for src into
// dstDir. On return dstDir contains one subdirectory per level, named
// by the toolchain's numbering (0 = 1x1 up to N = full size), each
// holding {x}_{y}.jpg tiles.
func (tc *Toolchain) DeepZoomSave(ctx context.Context, src, dstDir string) error {
	parent := filepath.Dir(dstDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return errors.Wrapf(err, "failed creating parent of deep-zoom output %s", dstDir)
	}

	// dzsave writes {base}_files/ plus a {base}.dzi descriptor.
	base := dstDir + ".dzbase"
	defer os.Remove(base + ".dzi")
	defer os.RemoveAll(base + "_files")

	if _, err := tc.run(ctx, tc.pyramidTimeout, tc.vipsBin, "dzsave",
		src, base,
		"--layout", "dz",
		"--tile-size", "256",
		"--overlap", "0",
		"--suffix", fmt.Sprintf(".jpg[Q=%d]", JPEGQuality)); err != nil {
		return err
	}

	if err := os.RemoveAll(dstDir); err != nil {
		return errors.Wrapf(err, "failed clearing deep-zoom output %s", dstDir)
	}
	if err := os.Rename(base+"_files", dstDir); err != nil {
		return errors.Wrapf(err, "failed moving deep-zoom output into %s", dstDir)
	}
	return nil
}
