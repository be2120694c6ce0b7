package preview

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ivanlppires/supernavi-edge-sub000/pkg/dzi"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/objstore"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/store"
)

// Defaults for the rebased pyramid.
const (
	DefaultMaxLevel     = 6
	DefaultTargetMaxDim = 2048

	thumbWidth  = 640
	thumbHeight = 400
)

// Toolchain is the slice of the imaging toolchain the publisher needs.
// *wsi.Toolchain satisfies it.
type Toolchain interface {
	Downscale(ctx context.Context, src, dst string, width, height int) error
	Thumbnail(ctx context.Context, src, dst string, width, height int) error
	DeepZoomSave(ctx context.Context, src, dstDir string) error
}

// ObjectStore is the slice of the uploader the publisher needs.
// *objstore.Uploader satisfies it.
type ObjectStore interface {
	Put(ctx context.Context, obj objstore.Object) error
	PutFiles(ctx context.Context, files []objstore.FileUpload, contentType, cacheControl string, onDone func()) error
	Storage() (provider, bucket, region, endpoint string)
}

// Publisher stages a rebased preview pyramid locally and uploads it
// under {prefix}/{slideId}/ in object storage.
type Publisher struct {
	DerivedDir   string
	Prefix       string
	MaxLevel     int
	TargetMaxDim int

	Toolchain Toolchain
	Uploader  ObjectStore
	Store     *store.Store
	Log       *logrus.Entry

	// OnProgress, if set, is called after every uploaded tile.
	OnProgress func(uploaded, total int)
}

// Result reports what a publish run did.
type Result struct {
	Skipped  bool
	Uploaded int
	Width    int
	Height   int
	MaxLevel int
}

// Publish builds (or reuses) the rebased pyramid for slide and uploads
// it. When the publication marker already covers identical content the
// run is a no-op and Result.Skipped is true.
func (p *Publisher) Publish(ctx context.Context, slide *store.Slide) (*Result, error) {
	if slide.Width <= 0 || slide.Height <= 0 {
		return nil, errors.Errorf("slide %s has no dimensions yet, cannot publish preview", slide.ID)
	}

	maxLevel := p.MaxLevel
	if maxLevel <= 0 {
		maxLevel = DefaultMaxLevel
	}
	targetMaxDim := p.TargetMaxDim
	if targetMaxDim <= 0 {
		targetMaxDim = DefaultTargetMaxDim
	}

	rw, rh := dzi.RebasedDims(slide.Width, slide.Height, targetMaxDim)
	rebMax := dzi.RebasedMaxLevel(rw, rh, maxLevel)

	slideDir := filepath.Join(p.DerivedDir, slide.ID)
	stageDir, err := p.stage(ctx, slide, rw, rh, rebMax)
	if err != nil {
		return nil, err
	}

	thumbPath := filepath.Join(slideDir, "thumb.jpg")
	if _, err := os.Stat(thumbPath); err != nil {
		if err := p.Toolchain.Thumbnail(ctx, slide.RawPath, thumbPath, thumbWidth, thumbHeight); err != nil {
			return nil, errors.Wrapf(err, "failed producing thumbnail for slide %s", slide.ID)
		}
	}

	manifestBytes, err := p.remoteManifest(slide, rw, rh, rebMax)
	if err != nil {
		return nil, err
	}

	thumbHash, err := hashFile(thumbPath)
	if err != nil {
		return nil, err
	}
	manifestHash := hashBytes(manifestBytes)
	tilesHash, files, levelCounts, err := tileIndex(stageDir)
	if err != nil {
		return nil, err
	}

	if m := LoadMarker(slideDir); m != nil && m.Matches(rebMax, targetMaxDim, thumbHash, manifestHash, tilesHash) {
		if p.Log != nil {
			p.Log.WithField("slide_id", slide.ID).Info("preview already published and unchanged, skipping")
		}
		return &Result{Skipped: true, Width: rw, Height: rh, MaxLevel: rebMax}, nil
	}

	marker := &Marker{
		Status:       MarkerIncomplete,
		StartedAt:    time.Now().UTC(),
		MaxLevel:     rebMax,
		TargetMaxDim: targetMaxDim,
	}
	if err := marker.Save(slideDir); err != nil {
		return nil, err
	}

	uploaded, eventID, err := p.upload(ctx, slide, stageDir, thumbPath, manifestBytes, files, rw, rh, rebMax, levelCounts)
	if err != nil {
		now := time.Now().UTC()
		marker.FailedAt = &now
		marker.Error = err.Error()
		if serr := marker.Save(slideDir); serr != nil && p.Log != nil {
			p.Log.WithError(serr).Error("failed recording preview failure marker")
		}
		return nil, err
	}

	now := time.Now().UTC()
	marker.Status = MarkerComplete
	marker.PublishedAt = &now
	marker.ThumbHash = thumbHash
	marker.ManifestHash = manifestHash
	marker.TilesHash = tilesHash
	marker.EventID = eventID
	if err := marker.Save(slideDir); err != nil {
		return nil, err
	}

	return &Result{Uploaded: uploaded, Width: rw, Height: rh, MaxLevel: rebMax}, nil
}

// stage materialises the rebased pyramid under preview_tiles using the
// viewer's level numbering (0 = smallest, rebMax = base size). A staged
// tree with the right level count is reused: the slide id is a content
// hash, so the source can never have changed underneath it.
func (p *Publisher) stage(ctx context.Context, slide *store.Slide, rw, rh, rebMax int) (string, error) {
	slideDir := filepath.Join(p.DerivedDir, slide.ID)
	stageDir := filepath.Join(slideDir, "preview_tiles")

	if levels, err := numericDirs(stageDir); err == nil && len(levels) == rebMax+1 {
		return stageDir, nil
	}
	if err := os.RemoveAll(stageDir); err != nil {
		return "", errors.Wrapf(err, "failed clearing %s", stageDir)
	}

	base := filepath.Join(slideDir, "preview_base.jpg")
	if err := os.MkdirAll(slideDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed creating %s", slideDir)
	}
	defer os.Remove(base)
	if err := p.Toolchain.Downscale(ctx, slide.RawPath, base, rw, rh); err != nil {
		return "", errors.Wrapf(err, "failed downscaling slide %s to %dx%d", slide.ID, rw, rh)
	}

	dzDir := filepath.Join(slideDir, "preview_dz")
	defer os.RemoveAll(dzDir)
	if err := p.Toolchain.DeepZoomSave(ctx, base, dzDir); err != nil {
		return "", errors.Wrapf(err, "failed tiling preview base of slide %s", slide.ID)
	}

	levels, err := numericDirs(dzDir)
	if err != nil || len(levels) == 0 {
		return "", errors.Errorf("preview tiling of slide %s produced no levels", slide.ID)
	}
	n := levels[len(levels)-1]

	// Renumber: our z maps to toolchain level n-rebMax+z. Toolchain
	// levels below the mapped floor are dropped.
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed creating %s", stageDir)
	}
	for z := 0; z <= rebMax; z++ {
		t := n - rebMax + z
		if t < 0 {
			continue
		}
		src := filepath.Join(dzDir, strconv.Itoa(t))
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, filepath.Join(stageDir, strconv.Itoa(z))); err != nil {
			return "", errors.Wrapf(err, "failed staging preview level %d of slide %s", z, slide.ID)
		}
	}
	return stageDir, nil
}

func (p *Publisher) remoteManifest(slide *store.Slide, rw, rh, rebMax int) ([]byte, error) {
	provider, bucket, region, endpoint := p.Uploader.Storage()

	m := dzi.NewManifest(rw, rh, "", false, slide.AppMag, slide.MPP)
	m.LevelMax = rebMax

	remote := dzi.RemoteManifest{
		Manifest:         m,
		OriginalWidth:    slide.Width,
		OriginalHeight:   slide.Height,
		OriginalLevelMax: slide.MaxLevel,
		Storage: dzi.StorageInfo{
			Provider: provider,
			Bucket:   bucket,
			Region:   region,
			Endpoint: endpoint,
			Prefix:   p.Prefix,
		},
		TilesPrefix: path.Join(p.Prefix, slide.ID, "tiles"),
	}
	b, err := json.MarshalIndent(remote, "", "  ")
	if err != nil {
		return nil, errors.Wrapf(err, "failed encoding remote manifest for slide %s", slide.ID)
	}
	return b, nil
}

func (p *Publisher) upload(ctx context.Context, slide *store.Slide, stageDir, thumbPath string, manifestBytes []byte, files []objstore.FileUpload, rw, rh, rebMax int, levelCounts map[string]int) (int, uint64, error) {
	keyBase := path.Join(p.Prefix, slide.ID)

	thumbBytes, err := os.ReadFile(thumbPath)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "failed reading thumbnail of slide %s", slide.ID)
	}
	if err := p.Uploader.Put(ctx, objstore.Object{
		Key:         path.Join(keyBase, "thumb.jpg"),
		Body:        thumbBytes,
		ContentType: "image/jpeg",
	}); err != nil {
		return 0, 0, err
	}
	if err := p.Uploader.Put(ctx, objstore.Object{
		Key:         path.Join(keyBase, "manifest.json"),
		Body:        manifestBytes,
		ContentType: "application/json",
	}); err != nil {
		return 0, 0, err
	}

	// Stage paths become tiles/{z}/{x}_{y}.jpg remotely; the viewer
	// expects the standard deep-zoom layout.
	uploads := make([]objstore.FileUpload, len(files))
	for i, f := range files {
		uploads[i] = objstore.FileUpload{Key: path.Join(keyBase, "tiles", f.Key), Path: f.Path}
	}
	var done int64
	total := len(uploads)
	err = p.Uploader.PutFiles(ctx, uploads, "image/jpeg", "public, max-age=31536000", func() {
		n := atomic.AddInt64(&done, 1)
		if p.OnProgress != nil {
			p.OnProgress(int(n), total)
		}
	})
	if err != nil {
		return 0, 0, err
	}

	provider, bucket, region, endpoint := p.Uploader.Storage()
	ev, err := p.Store.AppendOutbox("slide", slide.ID, "preview.published", map[string]interface{}{
		"slide_id": slide.ID,
		"storage": dzi.StorageInfo{
			Provider: provider,
			Bucket:   bucket,
			Region:   region,
			Endpoint: endpoint,
			Prefix:   p.Prefix,
		},
		"prefix":    keyBase,
		"width":     rw,
		"height":    rh,
		"maxLevel":  rebMax,
		"tileCount": total,
		"levels":    levelCounts,
	})
	if err != nil {
		return 0, 0, err
	}
	return total, ev.ID, nil
}

// tileIndex walks the staged tree and returns a content hash over the
// sorted per-level filename index, the file list (Key holds the
// relative {z}/{name} path), and per-level tile counts.
func tileIndex(stageDir string) (string, []objstore.FileUpload, map[string]int, error) {
	levels, err := numericDirs(stageDir)
	if err != nil {
		return "", nil, nil, errors.Wrapf(err, "failed reading staged preview %s", stageDir)
	}

	h := sha256.New()
	files := []objstore.FileUpload{}
	counts := map[string]int{}
	for _, z := range levels {
		dir := filepath.Join(stageDir, strconv.Itoa(z))
		entries, err := os.ReadDir(dir)
		if err != nil {
			return "", nil, nil, errors.Wrapf(err, "failed reading staged level %d", z)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if !e.IsDir() {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			rel := fmt.Sprintf("%d/%s", z, name)
			io.WriteString(h, rel+"\n")
			files = append(files, objstore.FileUpload{Key: rel, Path: filepath.Join(dir, name)})
		}
		counts[strconv.Itoa(z)] = len(names)
	}
	return hex.EncodeToString(h.Sum(nil)), files, counts, nil
}

// numericDirs lists the integer-named subdirectories of dir, sorted
// ascending.
func numericDirs(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := []int{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if n, err := strconv.Atoi(e.Name()); err == nil {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed opening %s for hashing", path)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "failed hashing %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
