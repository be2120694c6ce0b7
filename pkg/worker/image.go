package worker

import (
	"image"
	"image/jpeg"
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	xdraw "golang.org/x/image/draw"

	"github.com/ivanlppires/supernavi-edge-sub000/pkg/dzi"
)

// imageTileQuality is the JPEG quality for pre-generated image tiles.
const imageTileQuality = 85

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed opening image %s", path)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed decoding image %s", path)
	}
	return img, nil
}

// writeImageLevels renders the tile levels fromZ..toZ of img under
// tilesDir, one tile file at a time. Levels past the pyramid top are
// ignored so callers can pass an open-ended range.
func writeImageLevels(img image.Image, tilesDir string, fromZ, toZ int) error {
	b := img.Bounds()
	p, err := dzi.NewPyramid(b.Dx(), b.Dy())
	if err != nil {
		return err
	}
	for z := fromZ; z <= toZ && z <= p.MaxLevel; z++ {
		lw, lh := p.LevelDims(z)
		scaled := scaleImage(img, lw, lh)

		dir := filepath.Join(tilesDir, strconv.Itoa(z))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "failed creating level directory %s", dir)
		}

		nx, ny := p.TileCount(z)
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				rect := image.Rect(
					x*dzi.TileSize, y*dzi.TileSize,
					minInt((x+1)*dzi.TileSize, lw), minInt((y+1)*dzi.TileSize, lh),
				)
				tile := scaled.SubImage(rect)
				dst := filepath.Join(dir, strconv.Itoa(x)+"_"+strconv.Itoa(y)+".jpg")
				if err := writeJPEG(dst, tile, imageTileQuality); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// thumbnailFromImage writes a centre-cropped JPEG of img: the image is
// scaled until it covers the maxW x maxH box and the centre is cut
// out. Sources smaller than the box are never upscaled and keep their
// native size on the short side.
func thumbnailFromImage(img image.Image, dst string, maxW, maxH int) error {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	scale := math.Min(float64(w)/float64(maxW), float64(h)/float64(maxH))
	if scale < 1 {
		scale = 1
	}
	tw := int(float64(w)/scale + 0.5)
	th := int(float64(h)/scale + 0.5)
	scaled := scaleImage(img, tw, th)

	cw, ch := minInt(tw, maxW), minInt(th, maxH)
	x0 := (tw - cw) / 2
	y0 := (th - ch) / 2
	crop := scaled.SubImage(image.Rect(x0, y0, x0+cw, y0+ch))
	return writeJPEG(dst, crop, imageTileQuality)
}

func scaleImage(img image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if b := img.Bounds(); b.Dx() == w && b.Dy() == h {
		xdraw.Draw(dst, dst.Bounds(), img, b.Min, xdraw.Src)
		return dst
	}
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}

func writeJPEG(path string, img image.Image, quality int) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed creating %s", path)
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: quality}); err != nil {
		f.Close()
		os.Remove(path)
		return errors.Wrapf(err, "failed encoding %s", path)
	}
	return f.Close()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
