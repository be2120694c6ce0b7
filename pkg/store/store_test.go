package store

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testSlideID(seed byte) string {
	return strings.Repeat(string([]byte{'a' + seed%16}), 64)
}

func TestUpsertSlide(t *testing.T) {
	s := openTestStore(t)
	id := testSlideID(0)

	slide, created, err := s.UpsertSlide(id, "sample.svs", "/raw/x_sample.svs", FormatSVS)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, SlideQueued, slide.Status)
	require.Equal(t, 256, slide.TileSize)
	require.Equal(t, TilegenAbsent, slide.TilegenStatus)

	// Mark it ready, then re-ingest the same content under a new name:
	// the named fields update and status resets to queued.
	ready := SlideReady
	w, h, ml := 1000, 800, 10
	_, err = s.UpdateSlide(id, SlideUpdate{Status: &ready, Width: &w, Height: &h, MaxLevel: &ml})
	require.NoError(t, err)

	slide, created, err = s.UpsertSlide(id, "renamed.svs", "/raw/x_renamed.svs", FormatSVS)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "renamed.svs", slide.OriginalFilename)
	require.Equal(t, SlideQueued, slide.Status)
	require.Equal(t, 1000, slide.Width, "upsert must not wipe imaging metadata")

	_, _, err = s.UpsertSlide("not-a-digest", "x", "/x", FormatSVS)
	require.ErrorIs(t, err, ErrInvariant)
}

func TestListSlidesReverseCreationOrder(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	i := 0
	s.now = func() time.Time { i++; return base.Add(time.Duration(i) * time.Second) }

	for n := byte(0); n < 3; n++ {
		_, _, err := s.UpsertSlide(testSlideID(n), "f", "/r", FormatJPG)
		require.NoError(t, err)
	}

	slides, err := s.ListSlides()
	require.NoError(t, err)
	require.Len(t, slides, 3)
	require.Equal(t, testSlideID(2), slides[0].ID)
	require.Equal(t, testSlideID(0), slides[2].ID)
}

func TestFindSlideByFilename(t *testing.T) {
	s := openTestStore(t)
	_, _, err := s.UpsertSlide(testSlideID(0), "one.svs", "/r/one", FormatSVS)
	require.NoError(t, err)
	_, _, err = s.UpsertSlide(testSlideID(1), "two.svs", "/r/two", FormatSVS)
	require.NoError(t, err)

	slide, err := s.FindSlideByFilename("two.svs")
	require.NoError(t, err)
	require.Equal(t, testSlideID(1), slide.ID)

	_, err = s.FindSlideByFilename("absent.svs")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateSlideInvariants(t *testing.T) {
	s := openTestStore(t)
	id := testSlideID(0)
	_, _, err := s.UpsertSlide(id, "f.svs", "/r", FormatSVS)
	require.NoError(t, err)

	ml, lrm := 10, 11
	_, err = s.UpdateSlide(id, SlideUpdate{MaxLevel: &ml, LevelReadyMax: &lrm})
	require.ErrorIs(t, err, ErrInvariant)

	ready := SlideReady
	_, err = s.UpdateSlide(id, SlideUpdate{Status: &ready})
	require.ErrorIs(t, err, ErrInvariant, "ready requires dimensions")

	w, h := 500, 300
	slide, err := s.UpdateSlide(id, SlideUpdate{Status: &ready, Width: &w, Height: &h, MaxLevel: &ml})
	require.NoError(t, err)
	require.Equal(t, SlideReady, slide.Status)
}

func TestListPendingOCR(t *testing.T) {
	s := openTestStore(t)
	_, _, err := s.UpsertSlide(testSlideID(0), "a.svs", "/r/a", FormatSVS)
	require.NoError(t, err)
	_, _, err = s.UpsertSlide(testSlideID(1), "b.svs", "/r/b", FormatSVS)
	require.NoError(t, err)

	pending := OCRPending
	_, err = s.UpdateSlide(testSlideID(1), SlideUpdate{OCRStatus: &pending})
	require.NoError(t, err)

	slides, err := s.ListPendingOCR()
	require.NoError(t, err)
	require.Len(t, slides, 1)
	require.Equal(t, testSlideID(1), slides[0].ID)
}

func TestDeleteSlideCascades(t *testing.T) {
	s := openTestStore(t)
	id := testSlideID(0)
	_, _, err := s.UpsertSlide(id, "f.svs", "/r", FormatSVS)
	require.NoError(t, err)
	job, skipped, err := s.CreateJob(id, JobP0)
	require.NoError(t, err)
	require.False(t, skipped)

	require.NoError(t, s.DeleteSlide(id))

	_, err = s.GetSlide(id)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetJob(job.ID)
	require.ErrorIs(t, err, ErrNotFound)

	// The active index entry went with it: a fresh upsert can queue P0.
	_, _, err = s.UpsertSlide(id, "f.svs", "/r", FormatSVS)
	require.NoError(t, err)
	_, skipped, err = s.CreateJob(id, JobP0)
	require.NoError(t, err)
	require.False(t, skipped)
}

func TestCreateJobAtMostOneActive(t *testing.T) {
	s := openTestStore(t)
	id := testSlideID(0)
	_, _, err := s.UpsertSlide(id, "f.svs", "/r", FormatSVS)
	require.NoError(t, err)

	job, skipped, err := s.CreateJob(id, JobP0)
	require.NoError(t, err)
	require.False(t, skipped)

	_, skipped, err = s.CreateJob(id, JobP0)
	require.NoError(t, err)
	require.True(t, skipped)

	// A different type for the same slide is independent.
	_, skipped, err = s.CreateJob(id, JobTilegen)
	require.NoError(t, err)
	require.False(t, skipped)

	// Once the first P0 reaches a terminal state a new one may queue.
	_, err = s.TransitionJob(job.ID, JobRunning, "")
	require.NoError(t, err)
	_, err = s.TransitionJob(job.ID, JobDone, "")
	require.NoError(t, err)
	_, skipped, err = s.CreateJob(id, JobP0)
	require.NoError(t, err)
	require.False(t, skipped)
}

func TestCreateTilegenJobRequiresWSI(t *testing.T) {
	s := openTestStore(t)
	id := testSlideID(0)
	_, _, err := s.UpsertSlide(id, "photo.jpg", "/r", FormatJPG)
	require.NoError(t, err)

	_, _, err = s.CreateJob(id, JobTilegen)
	require.ErrorIs(t, err, ErrInvariant)
}

func TestTransitionJobStateMachine(t *testing.T) {
	s := openTestStore(t)
	id := testSlideID(0)
	_, _, err := s.UpsertSlide(id, "f.svs", "/r", FormatSVS)
	require.NoError(t, err)
	job, _, err := s.CreateJob(id, JobP0)
	require.NoError(t, err)

	_, err = s.TransitionJob(job.ID, JobDone, "")
	require.ErrorIs(t, err, ErrInvariant, "queued may not jump to done")

	_, err = s.TransitionJob(job.ID, JobRunning, "")
	require.NoError(t, err)
	_, err = s.TransitionJob(job.ID, JobQueued, "")
	require.ErrorIs(t, err, ErrInvariant, "running back to queued is forbidden")

	failed, err := s.TransitionJob(job.ID, JobFailed, "toolchain exploded")
	require.NoError(t, err)
	require.Equal(t, "toolchain exploded", failed.Error)
}

func TestReconcileRunningJobs(t *testing.T) {
	s := openTestStore(t)
	id := testSlideID(0)
	_, _, err := s.UpsertSlide(id, "f.svs", "/r", FormatSVS)
	require.NoError(t, err)
	job, _, err := s.CreateJob(id, JobP0)
	require.NoError(t, err)
	_, err = s.TransitionJob(job.ID, JobRunning, "")
	require.NoError(t, err)

	n, err := s.ReconcileRunningJobs()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, JobFailed, got.Status)

	// The pair is free again.
	_, skipped, err := s.CreateJob(id, JobP0)
	require.NoError(t, err)
	require.False(t, skipped)
}

func TestListQueuedJobs(t *testing.T) {
	s := openTestStore(t)
	id := testSlideID(0)
	_, _, err := s.UpsertSlide(id, "f.svs", "/r", FormatSVS)
	require.NoError(t, err)

	queued, _, err := s.CreateJob(id, JobP0)
	require.NoError(t, err)
	running, _, err := s.CreateJob(id, JobTilegen)
	require.NoError(t, err)
	_, err = s.TransitionJob(running.ID, JobRunning, "")
	require.NoError(t, err)

	jobs, err := s.ListQueuedJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, queued.ID, jobs[0].ID)
}

func TestScannerFileDedup(t *testing.T) {
	s := openTestStore(t)
	path := "/scanner/2025/0701/guid/BC123_20250701120000/BC123_20250701120000.svs"

	seen, err := s.SeenScannerPath(path)
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, s.PutScannerFile(ScannerFile{Path: path, SlideID: testSlideID(0), Barcode: "BC123"}))

	seen, err = s.SeenScannerPath(path)
	require.NoError(t, err)
	require.True(t, seen)
}

func TestOutbox(t *testing.T) {
	s := openTestStore(t)

	ev1, err := s.AppendOutbox("slide", testSlideID(0), "slide.registered", map[string]string{"k": "v"})
	require.NoError(t, err)
	ev2, err := s.AppendOutbox("slide", testSlideID(0), "preview.published", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Greater(t, ev2.ID, ev1.ID)

	unsynced, err := s.ListUnsyncedOutbox(10)
	require.NoError(t, err)
	require.Len(t, unsynced, 2)

	require.NoError(t, s.MarkOutboxSynced([]uint64{ev1.ID}, time.Now()))
	unsynced, err = s.ListUnsyncedOutbox(10)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	require.Equal(t, ev2.ID, unsynced[0].ID)

	n, err := s.CountOutbox(testSlideID(0), "preview.published")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
