package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ivanlppires/supernavi-edge-sub000/pkg/events"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/queue"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/store"
)

func newTestPipeline(t *testing.T) (*Pipeline, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)
	return &Pipeline{
		RawDir: filepath.Join(dir, "raw"),
		Store:  s,
		Queue:  queue.New(16),
		Bus:    bus,
	}, dir
}

func TestIngestFile(t *testing.T) {
	p, dir := newTestPipeline(t)
	src := filepath.Join(dir, "inbox", "AP20250001234.jpg")
	writeFile(t, src, []byte("jpeg bytes"))

	imported := p.Bus.SubscribeKinds(events.KindSlideImport)
	defer p.Bus.Evict(imported)

	slide, err := p.IngestFile(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, store.FormatJPG, slide.Format)
	require.Equal(t, store.SlideQueued, slide.Status)
	require.Equal(t, "pathoweb:AP20250001234", slide.ExternalCaseID)
	require.Equal(t, "1", slide.ExternalSlideLabel)

	// Committed under the digest, inbox source removed.
	_, err = os.Stat(slide.RawPath)
	require.NoError(t, err)
	_, err = os.Stat(src)
	require.True(t, os.IsNotExist(err))

	// One P0 payload queued.
	payload, ok := p.Queue.Pop(time.Second)
	require.True(t, ok)
	require.Equal(t, store.JobP0, payload.Type)
	require.Equal(t, slide.ID, payload.SlideID)
	require.Equal(t, slide.RawPath, payload.RawPath)

	select {
	case v := <-imported:
		require.Equal(t, slide.ID, v.(events.Event).SlideID)
	case <-time.After(time.Second):
		t.Fatal("no slide.import event emitted")
	}
}

func TestIngestFileDuplicateContent(t *testing.T) {
	p, dir := newTestPipeline(t)

	one := filepath.Join(dir, "inbox", "first.jpg")
	two := filepath.Join(dir, "inbox", "second.jpg")
	writeFile(t, one, []byte("identical bytes"))
	writeFile(t, two, []byte("identical bytes"))

	s1, err := p.IngestFile(context.Background(), one)
	require.NoError(t, err)
	s2, err := p.IngestFile(context.Background(), two)
	require.NoError(t, err)
	require.Equal(t, s1.ID, s2.ID)

	// One slide row; the latest upsert wins the filename.
	slides, err := p.Store.ListSlides()
	require.NoError(t, err)
	require.Len(t, slides, 1)
	require.Equal(t, "second.jpg", slides[0].OriginalFilename)

	// The second P0 was skipped: the first is still active.
	_, ok := p.Queue.Pop(time.Second)
	require.True(t, ok)
	_, ok = p.Queue.Pop(50 * time.Millisecond)
	require.False(t, ok)
}

func TestIngestFileUnsupported(t *testing.T) {
	p, dir := newTestPipeline(t)
	src := filepath.Join(dir, "inbox", "notes.txt")
	writeFile(t, src, []byte("text"))

	_, err := p.IngestFile(context.Background(), src)
	require.Error(t, err)
}

func TestScraperDedup(t *testing.T) {
	p, dir := newTestPipeline(t)

	scannerDir := filepath.Join(dir, "scanner", "2025", "0701", "6f9a2c", "BC1_20250701120000")
	path := filepath.Join(scannerDir, "BC1_20250701120000.svs")
	writeFile(t, path, []byte("wsi bytes"))

	scraper := &Scraper{Dir: filepath.Join(dir, "scanner"), Interval: time.Hour, Pipeline: p}

	n, err := scraper.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	slides, err := p.Store.ListSlides()
	require.NoError(t, err)
	require.Len(t, slides, 1)
	require.Equal(t, "BC1", slides[0].Barcode)
	require.Equal(t, path, slides[0].RawPath, "scanner files are registered in place")

	// Second pass: the path is recorded, nothing new happens.
	n, err = scraper.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)

	jobs, err := p.Store.ListJobs(slides[0].ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestScraperDirMissing(t *testing.T) {
	p, dir := newTestPipeline(t)
	scraper := &Scraper{Dir: filepath.Join(dir, "nope"), Interval: time.Hour, Pipeline: p}

	n, err := scraper.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, ScraperDirMissing, scraper.State())
}
