package wsi

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/pkg/errors"

	"github.com/ivanlppires/supernavi-edge-sub000/pkg/dzi"
)

// JPEGQuality is the encoder quality for every tile the agent produces.
const JPEGQuality = 90

// maxLoadableLevelDim bounds how large a native pyramid level we are
// willing to load whole into the toolchain when serving one tile.
const maxLoadableLevelDim = 4000

// ExtractTile renders the deep-zoom tile (z, x, y) of src as a JPEG at
// dst. When the file carries a native pyramid with a small enough
// level at or above the requested resolution, that level is loaded and
// cropped; otherwise the full-resolution plane is cropped directly and
// shrunk.
func (tc *Toolchain) ExtractTile(ctx context.Context, src string, props *Properties, z, x, y int, dst string) error {
	p, err := dzi.NewPyramid(props.Width, props.Height)
	if err != nil {
		return err
	}
	if !p.ContainsTile(z, x, y) {
		return errors.Wrapf(ErrBounds, "tile %d/%d_%d of %dx%d slide", z, x, y, props.Width, props.Height)
	}

	x0, y0, w, h := p.TileRegion(z, x, y)
	down := p.Downsample(z)
	tileW := ceilDiv(w, down)
	tileH := ceilDiv(h, down)

	if lvl, ok := pickNativeLevel(props, float64(down)); ok {
		return tc.extractFromLevel(ctx, src, props.Levels[lvl], lvl, x0, y0, w, h, tileW, tileH, dst)
	}
	return tc.extractDirect(ctx, src, x0, y0, w, h, tileW, tileH, dst)
}

// pickNativeLevel returns the native level with the largest downsample
// not exceeding the target, provided loading it whole is cheap. The
// base level never qualifies (that is the direct path).
func pickNativeLevel(props *Properties, targetDown float64) (int, bool) {
	if len(props.Levels) < 2 {
		return 0, false
	}
	best, found := 0, false
	for i, lvl := range props.Levels {
		if lvl.Downsample > targetDown+1e-9 {
			continue
		}
		if lvl.Width > maxLoadableLevelDim || lvl.Height > maxLoadableLevelDim {
			continue
		}
		if !found || lvl.Downsample > props.Levels[best].Downsample {
			best, found = i, true
		}
	}
	return best, found
}

func (tc *Toolchain) extractFromLevel(ctx context.Context, src string, lvl Level, level, x0, y0, w, h, tileW, tileH int, dst string) error {
	lvlFile := dst + ".lvl.v"
	cropFile := dst + ".crop.v"
	defer os.Remove(lvlFile)
	defer os.Remove(cropFile)

	if _, err := tc.run(ctx, tc.tileTimeout, tc.vipsBin, "openslideload",
		"--level", strconv.Itoa(level), src, lvlFile); err != nil {
		return err
	}

	// Map the full-resolution region into level coordinates and clamp.
	lx := int(math.Floor(float64(x0) / lvl.Downsample))
	ly := int(math.Floor(float64(y0) / lvl.Downsample))
	lw := int(math.Ceil(float64(w) / lvl.Downsample))
	lh := int(math.Ceil(float64(h) / lvl.Downsample))
	if lx+lw > lvl.Width {
		lw = lvl.Width - lx
	}
	if ly+lh > lvl.Height {
		lh = lvl.Height - ly
	}
	if lw < 1 || lh < 1 {
		return errors.Wrapf(ErrBounds, "region collapses to %dx%d at level %d", lw, lh, level)
	}

	if _, err := tc.run(ctx, tc.tileTimeout, tc.vipsBin, "extract_area",
		lvlFile, cropFile, strconv.Itoa(lx), strconv.Itoa(ly), strconv.Itoa(lw), strconv.Itoa(lh)); err != nil {
		return err
	}
	return tc.shrinkToTile(ctx, cropFile, dst, tileW, tileH)
}

func (tc *Toolchain) extractDirect(ctx context.Context, src string, x0, y0, w, h, tileW, tileH int, dst string) error {
	cropFile := dst + ".crop.v"
	defer os.Remove(cropFile)

	if _, err := tc.run(ctx, tc.tileTimeout, tc.vipsBin, "extract_area",
		src, cropFile, strconv.Itoa(x0), strconv.Itoa(y0), strconv.Itoa(w), strconv.Itoa(h)); err != nil {
		return err
	}
	return tc.shrinkToTile(ctx, cropFile, dst, tileW, tileH)
}

func (tc *Toolchain) shrinkToTile(ctx context.Context, src, dst string, tileW, tileH int) error {
	_, err := tc.run(ctx, tc.tileTimeout, tc.vipsBin, "thumbnail",
		src, jpegTarget(dst), strconv.Itoa(tileW),
		"--height", strconv.Itoa(tileH),
		"--size", "down")
	return err
}

// Thumbnail writes a centre-cropped thumbnail of src at dst with the
// given dimensions, letting the toolchain exploit pyramid levels.
func (tc *Toolchain) Thumbnail(ctx context.Context, src, dst string, width, height int) error {
	_, err := tc.run(ctx, tc.tileTimeout, tc.vipsBin, "thumbnail",
		src, jpegTarget(dst), strconv.Itoa(width),
		"--height", strconv.Itoa(height),
		"--crop", "centre")
	return err
}

// Downscale writes src resized to fit within width x height at dst,
// never upscaling.
func (tc *Toolchain) Downscale(ctx context.Context, src, dst string, width, height int) error {
	_, err := tc.run(ctx, tc.pyramidTimeout, tc.vipsBin, "thumbnail",
		src, dst, strconv.Itoa(width),
		"--height", strconv.Itoa(height),
		"--size", "down")
	return err
}

func jpegTarget(dst string) string {
	return fmt.Sprintf("%s[Q=%d]", dst, JPEGQuality)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
