package tiles

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ivanlppires/supernavi-edge-sub000/pkg/store"
)

// Saver is the slice of the imaging toolchain the pyramid builder
// needs. *wsi.Toolchain satisfies it.
type Saver interface {
	DeepZoomSave(ctx context.Context, src, dstDir string) error
}

// Builder produces the complete tile tree for a slide, replacing any
// previous tree atomically enough to survive a crash at any step.
type Builder struct {
	DerivedDir string
	Saver      Saver
	Store      *store.Store
	Log        *logrus.Entry
}

// Build runs the full pyramid generation for slide. On success the
// slide's tilegen status is done and every level is ready; on failure
// the status is failed and an existing tiles directory stays serving.
func (b *Builder) Build(ctx context.Context, slide *store.Slide) error {
	running := store.TilegenRunning
	if _, err := b.Store.UpdateSlide(slide.ID, store.SlideUpdate{TilegenStatus: &running}); err != nil {
		return err
	}

	slideDir := filepath.Join(b.DerivedDir, slide.ID)
	if err := b.Saver.DeepZoomSave(ctx, slide.RawPath, filepath.Join(slideDir, "tiles_tmp")); err != nil {
		return b.fail(slide.ID, errors.Wrapf(err, "failed building pyramid for slide %s", slide.ID))
	}
	if err := SwapTiles(slideDir); err != nil {
		return b.fail(slide.ID, err)
	}

	done := store.TilegenDone
	level := slide.MaxLevel
	if _, err := b.Store.UpdateSlide(slide.ID, store.SlideUpdate{TilegenStatus: &done, LevelReadyMax: &level}); err != nil {
		return err
	}
	return nil
}

func (b *Builder) fail(slideID string, err error) error {
	failed := store.TilegenFailed
	if _, uerr := b.Store.UpdateSlide(slideID, store.SlideUpdate{TilegenStatus: &failed}); uerr != nil && b.Log != nil {
		b.Log.WithError(uerr).Errorf("failed marking tilegen failed for slide %s", slideID)
	}
	return err
}

// SwapTiles promotes tiles_tmp to tiles inside slideDir. The sequence
// tolerates a crash between any two steps: re-running after the
// pyramid has been rebuilt converges to tiles present, tiles_tmp and
// tiles_old absent.
func SwapTiles(slideDir string) error {
	tilesDir := filepath.Join(slideDir, "tiles")
	tmpDir := tilesDir + "_tmp"
	oldDir := tilesDir + "_old"

	// A stale tiles_old is a leftover from a crashed swap.
	if err := os.RemoveAll(oldDir); err != nil {
		return errors.Wrapf(err, "failed removing stale %s", oldDir)
	}

	if _, err := os.Stat(tmpDir); err != nil {
		if os.IsNotExist(err) {
			// Crash after the final rename: the swap already happened.
			if _, serr := os.Stat(tilesDir); serr == nil {
				return nil
			}
		}
		return errors.Wrapf(err, "no pyramid staged at %s", tmpDir)
	}

	if _, err := os.Stat(tilesDir); err == nil {
		if err := os.Rename(tilesDir, oldDir); err != nil {
			return errors.Wrapf(err, "failed retiring %s", tilesDir)
		}
	}
	if err := os.Rename(tmpDir, tilesDir); err != nil {
		return errors.Wrapf(err, "failed promoting %s", tmpDir)
	}
	if err := os.RemoveAll(oldDir); err != nil {
		return errors.Wrapf(err, "failed removing %s", oldDir)
	}
	return nil
}
