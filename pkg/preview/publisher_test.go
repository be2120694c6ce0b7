package preview

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/ivanlppires/supernavi-edge-sub000/pkg/dzi"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/objstore"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/store"
)

// fakeToolchain fabricates deterministic artefacts instead of shelling
// out to vips.
type fakeToolchain struct {
	baseW, baseH int
}

func (f *fakeToolchain) Downscale(ctx context.Context, src, dst string, width, height int) error {
	f.baseW, f.baseH = width, height
	return os.WriteFile(dst, []byte(fmt.Sprintf("base %dx%d", width, height)), 0o644)
}

func (f *fakeToolchain) Thumbnail(ctx context.Context, src, dst string, width, height int) error {
	return os.WriteFile(dst, []byte("thumb"), 0o644)
}

// DeepZoomSave writes one tile per level using the toolchain numbering
// (0 = 1x1 up to N = base size), stamping the level into the content.
func (f *fakeToolchain) DeepZoomSave(ctx context.Context, src, dstDir string) error {
	n := dzi.MaxLevel(f.baseW, f.baseH)
	for t := 0; t <= n; t++ {
		dir := filepath.Join(dstDir, strconv.Itoa(t))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, "0_0.jpg"), []byte(fmt.Sprintf("t%d", t)), 0o644); err != nil {
			return err
		}
	}
	return nil
}

type fakeUploader struct {
	mu      sync.Mutex
	puts    []string
	failKey string
}

func (f *fakeUploader) Put(ctx context.Context, obj objstore.Object) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failKey != "" && strings.Contains(obj.Key, f.failKey) {
		return errors.Errorf("upload of %s refused", obj.Key)
	}
	f.puts = append(f.puts, obj.Key)
	return nil
}

func (f *fakeUploader) PutFiles(ctx context.Context, files []objstore.FileUpload, contentType, cacheControl string, onDone func()) error {
	for _, file := range files {
		b, err := os.ReadFile(file.Path)
		if err != nil {
			return err
		}
		if err := f.Put(ctx, objstore.Object{Key: file.Key, Body: b, ContentType: contentType}); err != nil {
			return err
		}
		if onDone != nil {
			onDone()
		}
	}
	return nil
}

func (f *fakeUploader) Storage() (string, string, string, string) {
	return "s3", "previews", "us-east-1", ""
}

func (f *fakeUploader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.puts)
}

func newPublisherFixture(t *testing.T) (*Publisher, *fakeUploader, *store.Slide) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	up := &fakeUploader{}
	p := &Publisher{
		DerivedDir: filepath.Join(dir, "derived"),
		Prefix:     "previews",
		Toolchain:  &fakeToolchain{},
		Uploader:   up,
		Store:      s,
	}
	slide := &store.Slide{
		ID:       strings.Repeat("a", 64),
		RawPath:  "/raw/huge.svs",
		Width:    100000,
		Height:   80000,
		MaxLevel: 17,
	}
	return p, up, slide
}

func TestPublish(t *testing.T) {
	p, up, slide := newPublisherFixture(t)

	res, err := p.Publish(context.Background(), slide)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.Equal(t, 2048, res.Width)
	require.Equal(t, 1638, res.Height)
	require.Equal(t, 6, res.MaxLevel)
	require.Equal(t, 7, res.Uploaded, "one tile per staged level")

	// thumb + manifest + 7 tiles.
	require.Equal(t, 9, up.count())
	prefix := "previews/" + slide.ID
	require.Contains(t, up.puts, prefix+"/thumb.jpg")
	require.Contains(t, up.puts, prefix+"/manifest.json")
	require.Contains(t, up.puts, prefix+"/tiles/0/0_0.jpg")
	require.Contains(t, up.puts, prefix+"/tiles/6/0_0.jpg")

	slideDir := filepath.Join(p.DerivedDir, slide.ID)
	m := LoadMarker(slideDir)
	require.NotNil(t, m)
	require.Equal(t, MarkerComplete, m.Status)
	require.NotNil(t, m.PublishedAt)
	require.NotZero(t, m.EventID)

	n, err := p.Store.CountOutbox(slide.ID, "preview.published")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

// Staged levels are renumbered from the toolchain's convention: the
// base (2048 wide) tiles at toolchain level 11, which must surface as
// viewer level 6, and toolchain levels below the floor are dropped.
func TestPublishLevelRenumbering(t *testing.T) {
	p, _, slide := newPublisherFixture(t)

	_, err := p.Publish(context.Background(), slide)
	require.NoError(t, err)

	stageDir := filepath.Join(p.DerivedDir, slide.ID, "preview_tiles")
	for z := 0; z <= 6; z++ {
		b, err := os.ReadFile(filepath.Join(stageDir, strconv.Itoa(z), "0_0.jpg"))
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("t%d", 11-6+z), string(b), "viewer level %d", z)
	}
	_, err = os.Stat(filepath.Join(stageDir, "7"))
	require.True(t, os.IsNotExist(err))
}

func TestPublishIdempotent(t *testing.T) {
	p, up, slide := newPublisherFixture(t)

	_, err := p.Publish(context.Background(), slide)
	require.NoError(t, err)
	first := LoadMarker(filepath.Join(p.DerivedDir, slide.ID))
	require.NotNil(t, first)
	putsAfterFirst := up.count()

	res, err := p.Publish(context.Background(), slide)
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Equal(t, putsAfterFirst, up.count(), "no PUTs on a skipped publish")

	second := LoadMarker(filepath.Join(p.DerivedDir, slide.ID))
	require.Equal(t, first.PublishedAt, second.PublishedAt)
	require.Equal(t, first.EventID, second.EventID)

	n, err := p.Store.CountOutbox(slide.ID, "preview.published")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestPublishFailureLeavesIncompleteMarker(t *testing.T) {
	p, up, slide := newPublisherFixture(t)
	up.failKey = "tiles/3/"

	_, err := p.Publish(context.Background(), slide)
	require.Error(t, err)

	m := LoadMarker(filepath.Join(p.DerivedDir, slide.ID))
	require.NotNil(t, m)
	require.Equal(t, MarkerIncomplete, m.Status)
	require.NotNil(t, m.FailedAt)
	require.NotEmpty(t, m.Error)

	// The next run retries and completes.
	up.failKey = ""
	res, err := p.Publish(context.Background(), slide)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.Equal(t, MarkerComplete, LoadMarker(filepath.Join(p.DerivedDir, slide.ID)).Status)
}

func TestPublishRequiresDimensions(t *testing.T) {
	p, _, slide := newPublisherFixture(t)
	slide.Width, slide.Height = 0, 0

	_, err := p.Publish(context.Background(), slide)
	require.Error(t, err)
}

func TestPublishNeverUpscales(t *testing.T) {
	p, _, slide := newPublisherFixture(t)
	slide.Width, slide.Height = 1200, 900
	slide.MaxLevel = 11

	res, err := p.Publish(context.Background(), slide)
	require.NoError(t, err)
	require.Equal(t, 1200, res.Width)
	require.Equal(t, 900, res.Height)
	require.Equal(t, 6, res.MaxLevel)
}
