package dzi

import (
	"math/bits"

	"github.com/pkg/errors"
)

// TileSize is the edge length in pixels of every tile the agent
// produces. Tiles have no overlap.
const TileSize = 256

// Pyramid describes the deep-zoom level layout of an image. Level 0 is
// the smallest level (at most one tile); level MaxLevel is the image at
// full resolution, and each level doubles the preceding one.
type Pyramid struct {
	Width    int
	Height   int
	MaxLevel int
}

// NewPyramid returns the Pyramid for an image of the given pixel dimensions.
func NewPyramid(width, height int) (Pyramid, error) {
	if width < 1 || height < 1 {
		return Pyramid{}, errors.Errorf("invalid image dimensions %dx%d", width, height)
	}
	return Pyramid{Width: width, Height: height, MaxLevel: MaxLevel(width, height)}, nil
}

// MaxLevel returns ceil(log2(max(width, height))), the index of the
// full-resolution deep-zoom level.
func MaxLevel(width, height int) int {
	n := width
	if height > n {
		n = height
	}
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

// Downsample returns the factor by which level z is reduced from full
// resolution, i.e. 2^(MaxLevel-z).
func (p Pyramid) Downsample(z int) int {
	return 1 << uint(p.MaxLevel-z)
}

// LevelDims returns the pixel dimensions of level z.
func (p Pyramid) LevelDims(z int) (w, h int) {
	d := p.Downsample(z)
	return ceilDiv(p.Width, d), ceilDiv(p.Height, d)
}

// TileCount returns how many tile columns and rows level z has.
func (p Pyramid) TileCount(z int) (nx, ny int) {
	w, h := p.LevelDims(z)
	return ceilDiv(w, TileSize), ceilDiv(h, TileSize)
}

// ContainsTile reports whether (z, x, y) addresses a tile inside the pyramid.
func (p Pyramid) ContainsTile(z, x, y int) bool {
	if z < 0 || z > p.MaxLevel || x < 0 || y < 0 {
		return false
	}
	nx, ny := p.TileCount(z)
	return x < nx && y < ny
}

// TileRegion returns the region the tile (z, x, y) covers in
// full-resolution pixel coordinates, clamped to the image bounds.
func (p Pyramid) TileRegion(z, x, y int) (x0, y0, w, h int) {
	d := p.Downsample(z)
	span := TileSize * d
	x0, y0 = x*span, y*span
	w, h = span, span
	if x0+w > p.Width {
		w = p.Width - x0
	}
	if y0+h > p.Height {
		h = p.Height - y0
	}
	return x0, y0, w, h
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
