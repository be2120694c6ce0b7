// Package worker consumes the job queue and runs slide processing:
// first-pass metadata (P0), deferred image levels (P1), full pyramid
// builds (TILEGEN) and slide removal (CLEANUP).
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ivanlppires/supernavi-edge-sub000/pkg/dzi"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/events"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/preview"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/queue"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/store"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/tiles"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/wsi"
)

const (
	// DefaultPopTimeout bounds each blocking queue pop so the loop can
	// observe cancellation.
	DefaultPopTimeout = 5 * time.Second

	thumbWidth  = 640
	thumbHeight = 400

	// eagerImageTop is the highest level pre-generated synchronously in
	// P0 for plain image formats; the rest moves to a P1 job.
	eagerImageTop = 4
)

// Imaging is the slice of the toolchain P0 needs for WSI formats.
// *wsi.Toolchain satisfies it.
type Imaging interface {
	ReadProperties(ctx context.Context, path string) (*wsi.Properties, error)
	Thumbnail(ctx context.Context, src, dst string, width, height int) error
}

// Previewer publishes a remote preview. *preview.Publisher satisfies it.
type Previewer interface {
	Publish(ctx context.Context, slide *store.Slide) (*preview.Result, error)
}

// Cleaner removes remote objects. *objstore.Uploader satisfies it.
type Cleaner interface {
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Dispatcher is the single queue consumer.
type Dispatcher struct {
	Store   *store.Store
	Queue   *queue.Queue
	Bus     *events.Bus
	Imaging Imaging
	Builder *tiles.Builder

	// Previewer and Cleaner are nil when object storage is disabled.
	Previewer Previewer
	Cleaner   Cleaner

	RawDir        string
	DerivedDir    string
	PreviewPrefix string
	PopTimeout    time.Duration
	Log           *logrus.Entry

	wg sync.WaitGroup
}

// Run consumes jobs until ctx is cancelled, then waits for any
// asynchronous preview publications it spawned.
func (d *Dispatcher) Run(ctx context.Context) {
	timeout := d.PopTimeout
	if timeout <= 0 {
		timeout = DefaultPopTimeout
	}
	for ctx.Err() == nil {
		pl, ok := d.Queue.Pop(timeout)
		if !ok {
			continue
		}
		d.dispatch(ctx, pl)
	}
	d.wg.Wait()
}

// Drain processes jobs until the queue is empty, for one-shot
// command-line runs.
func (d *Dispatcher) Drain(ctx context.Context) {
	for ctx.Err() == nil {
		pl, ok := d.Queue.Pop(200 * time.Millisecond)
		if !ok {
			if d.Queue.Len() == 0 {
				break
			}
			continue
		}
		d.dispatch(ctx, pl)
	}
	d.wg.Wait()
}

// Requeue rebuilds queue payloads for job rows left queued by a
// previous process; their in-memory payloads died with it, but the
// active index would block re-creating the jobs forever. Run once at
// startup, after ReconcileRunningJobs.
func (d *Dispatcher) Requeue() (int, error) {
	jobs, err := d.Store.ListQueuedJobs()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range jobs {
		slide, err := d.Store.GetSlide(job.SlideID)
		if err != nil {
			if _, terr := d.Store.TransitionJob(job.ID, store.JobFailed, "slide row missing at startup"); terr != nil {
				d.logger().WithError(terr).Errorf("failed failing orphaned job %s", job.ID)
			}
			continue
		}
		startLevel := 0
		if job.Type == store.JobP1 {
			startLevel = slide.LevelReadyMax + 1
		}
		if err := d.Queue.Push(queue.Payload{
			JobID:      job.ID,
			SlideID:    slide.ID,
			Type:       job.Type,
			RawPath:    slide.RawPath,
			Format:     slide.Format,
			StartLevel: startLevel,
		}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, pl queue.Payload) {
	log := d.logger().WithFields(logrus.Fields{"job_id": pl.JobID, "slide_id": pl.SlideID, "type": pl.Type})

	if pl.Type.NeedsRawFile() {
		if _, err := os.Stat(pl.RawPath); err != nil {
			log.WithError(err).Error("raw file missing, failing job")
			d.failJob(pl, errors.Wrapf(err, "raw file missing for %s job", pl.Type))
			return
		}
	}

	if _, err := d.Store.TransitionJob(pl.JobID, store.JobRunning, ""); err != nil {
		log.WithError(err).Error("failed starting job")
		return
	}
	processing := store.SlideProcessing
	if _, err := d.Store.UpdateSlide(pl.SlideID, store.SlideUpdate{Status: &processing}); err != nil {
		log.WithError(err).Warn("failed marking slide processing")
	}

	err := d.route(ctx, pl)
	if err != nil {
		log.WithError(err).Error("job failed")
		d.failJob(pl, err)
		return
	}

	if _, err := d.Store.TransitionJob(pl.JobID, store.JobDone, ""); err != nil {
		log.WithError(err).Error("failed completing job")
		return
	}
	log.Info("job done")

	if pl.Type == store.JobCleanup {
		d.finalizeCleanup(pl.SlideID)
	}
}

func (d *Dispatcher) route(ctx context.Context, pl queue.Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("%s job panicked: %v", pl.Type, r)
		}
	}()
	switch pl.Type {
	case store.JobP0:
		return d.runP0(ctx, pl)
	case store.JobP1:
		return d.runP1(ctx, pl)
	case store.JobTilegen:
		return d.runTilegen(ctx, pl)
	case store.JobCleanup:
		return d.runCleanup(ctx, pl)
	}
	return errors.Errorf("unknown job type %s", pl.Type)
}

// failJob marks both the job and its slide failed. Legal from either
// the queued (preflight) or running state.
func (d *Dispatcher) failJob(pl queue.Payload, cause error) {
	if _, err := d.Store.TransitionJob(pl.JobID, store.JobFailed, cause.Error()); err != nil {
		d.logger().WithError(err).Errorf("failed failing job %s", pl.JobID)
	}
	failed := store.SlideFailed
	if _, err := d.Store.UpdateSlide(pl.SlideID, store.SlideUpdate{Status: &failed}); err != nil {
		d.logger().WithError(err).Errorf("failed failing slide %s", pl.SlideID)
	}
}

// runP0 extracts metadata, writes the thumbnail and local manifest,
// and chains the follow-up job for the format.
func (d *Dispatcher) runP0(ctx context.Context, pl queue.Payload) error {
	if pl.Format.IsWSI() {
		return d.p0WSI(ctx, pl)
	}
	return d.p0Image(ctx, pl)
}

func (d *Dispatcher) p0WSI(ctx context.Context, pl queue.Payload) error {
	props, err := d.Imaging.ReadProperties(ctx, pl.RawPath)
	if err != nil {
		return err
	}

	slideDir := filepath.Join(d.DerivedDir, pl.SlideID)
	if err := os.MkdirAll(slideDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed creating %s", slideDir)
	}
	if err := d.Imaging.Thumbnail(ctx, pl.RawPath, filepath.Join(slideDir, "thumb.jpg"), thumbWidth, thumbHeight); err != nil {
		return err
	}

	manifest := dzi.NewManifest(props.Width, props.Height, tileURLTemplate(pl.SlideID), true, props.AppMag, props.MPP)
	if err := writeManifest(slideDir, manifest); err != nil {
		return err
	}

	ready := store.SlideReady
	tilegenQueued := store.TilegenQueued
	slide, err := d.Store.UpdateSlide(pl.SlideID, store.SlideUpdate{
		Status:        &ready,
		TilegenStatus: &tilegenQueued,
		Width:         &props.Width,
		Height:        &props.Height,
		MaxLevel:      &manifest.LevelMax,
		AppMag:        props.AppMag,
		MPP:           props.MPP,
	})
	if err != nil {
		return err
	}

	if err := d.chain(slide, store.JobTilegen, 0); err != nil {
		return err
	}
	d.emitReady(slide)
	return nil
}

func (d *Dispatcher) p0Image(ctx context.Context, pl queue.Payload) error {
	img, err := decodeImage(pl.RawPath)
	if err != nil {
		return err
	}
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	maxLevel := dzi.MaxLevel(width, height)

	slideDir := filepath.Join(d.DerivedDir, pl.SlideID)
	if err := os.MkdirAll(slideDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed creating %s", slideDir)
	}
	if err := thumbnailFromImage(img, filepath.Join(slideDir, "thumb.jpg"), thumbWidth, thumbHeight); err != nil {
		return err
	}
	if err := writeManifest(slideDir, dzi.NewManifest(width, height, tileURLTemplate(pl.SlideID), true, nil, nil)); err != nil {
		return err
	}

	eagerTop := minInt(eagerImageTop, maxLevel)
	if err := writeImageLevels(img, filepath.Join(slideDir, "tiles"), 0, eagerTop); err != nil {
		return err
	}

	ready := store.SlideReady
	slide, err := d.Store.UpdateSlide(pl.SlideID, store.SlideUpdate{
		Status:        &ready,
		Width:         &width,
		Height:        &height,
		MaxLevel:      &maxLevel,
		LevelReadyMax: &eagerTop,
	})
	if err != nil {
		return err
	}

	if maxLevel > eagerImageTop {
		if err := d.chain(slide, store.JobP1, eagerImageTop+1); err != nil {
			return err
		}
	}
	d.emitReady(slide)
	return nil
}

// runP1 finishes the image-format levels P0 deferred.
func (d *Dispatcher) runP1(ctx context.Context, pl queue.Payload) error {
	slide, err := d.Store.GetSlide(pl.SlideID)
	if err != nil {
		return err
	}
	img, err := decodeImage(pl.RawPath)
	if err != nil {
		return err
	}
	tilesDir := filepath.Join(d.DerivedDir, pl.SlideID, "tiles")
	if err := writeImageLevels(img, tilesDir, pl.StartLevel, slide.MaxLevel); err != nil {
		return err
	}

	ready := store.SlideReady
	_, err = d.Store.UpdateSlide(pl.SlideID, store.SlideUpdate{Status: &ready, LevelReadyMax: &slide.MaxLevel})
	return err
}

// runTilegen builds the full pyramid, announces the slide through the
// outbox, and optionally fires the preview publication without
// blocking the queue.
func (d *Dispatcher) runTilegen(ctx context.Context, pl queue.Payload) error {
	slide, err := d.Store.GetSlide(pl.SlideID)
	if err != nil {
		return err
	}
	if err := d.Builder.Build(ctx, slide); err != nil {
		return err
	}
	slide, err = d.Store.GetSlide(pl.SlideID)
	if err != nil {
		return err
	}
	ready := store.SlideReady
	if slide, err = d.Store.UpdateSlide(pl.SlideID, store.SlideUpdate{Status: &ready}); err != nil {
		return err
	}

	d.Bus.Emit(events.Event{
		Kind:    events.KindTilesReady,
		SlideID: slide.ID,
		Payload: map[string]interface{}{"maxLevel": slide.MaxLevel},
	})

	if _, err := d.Store.AppendOutbox("slide", slide.ID, "slide.registered", registeredPayload(slide)); err != nil {
		return err
	}

	if d.Previewer != nil {
		d.wg.Add(1)
		go func(slide *store.Slide) {
			defer d.wg.Done()
			res, err := d.Previewer.Publish(context.Background(), slide)
			if err != nil {
				d.logger().WithError(err).Errorf("preview publish failed for slide %s", slide.ID)
				return
			}
			if !res.Skipped {
				d.Bus.Emit(events.Event{
					Kind:    events.KindPreviewPublished,
					SlideID: slide.ID,
					Payload: map[string]interface{}{"tiles": res.Uploaded, "maxLevel": res.MaxLevel},
				})
			}
		}(slide)
	}
	return nil
}

// runCleanup removes a slide's remote preview and local artefacts. The
// registry row goes last, in finalizeCleanup, after the job has been
// closed out.
func (d *Dispatcher) runCleanup(ctx context.Context, pl queue.Payload) error {
	slide, err := d.Store.GetSlide(pl.SlideID)
	if err != nil {
		return err
	}

	if d.Cleaner != nil && d.PreviewPrefix != "" {
		prefix := path.Join(d.PreviewPrefix, pl.SlideID) + "/"
		n, err := d.Cleaner.DeletePrefix(ctx, prefix)
		if err != nil {
			return err
		}
		d.logger().Infof("removed %d remote object(s) under %s", n, prefix)
	}

	if err := os.RemoveAll(filepath.Join(d.DerivedDir, pl.SlideID)); err != nil {
		return errors.Wrapf(err, "failed removing derived artefacts of slide %s", pl.SlideID)
	}

	// Raw files on the scanner mount are not ours to delete; only
	// copies committed into the raw directory go.
	if d.RawDir != "" && strings.HasPrefix(slide.RawPath, d.RawDir+string(filepath.Separator)) {
		if err := os.Remove(slide.RawPath); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed removing raw file of slide %s", pl.SlideID)
		}
	}
	return nil
}

func (d *Dispatcher) finalizeCleanup(slideID string) {
	if err := d.Store.DeleteSlide(slideID); err != nil {
		d.logger().WithError(err).Errorf("failed deleting slide %s", slideID)
		return
	}
	d.Bus.Emit(events.Event{Kind: events.KindCleanupComplete, SlideID: slideID})
	d.Bus.Emit(events.Event{Kind: events.KindSlideDeleted, SlideID: slideID})
}

// chain creates and enqueues a follow-up job for slide, skipping
// silently when one is already active.
func (d *Dispatcher) chain(slide *store.Slide, jobType store.JobType, startLevel int) error {
	job, skipped, err := d.Store.CreateJob(slide.ID, jobType)
	if err != nil {
		return err
	}
	if skipped {
		d.logger().Infof("%s already active for slide %s, not enqueuing", jobType, slide.ID)
		return nil
	}
	return d.Queue.Push(queue.Payload{
		JobID:      job.ID,
		SlideID:    slide.ID,
		Type:       jobType,
		RawPath:    slide.RawPath,
		Format:     slide.Format,
		StartLevel: startLevel,
	})
}

func (d *Dispatcher) emitReady(slide *store.Slide) {
	d.Bus.Emit(events.Event{
		Kind:    events.KindSlideReady,
		SlideID: slide.ID,
		Payload: map[string]interface{}{
			"width":    slide.Width,
			"height":   slide.Height,
			"maxLevel": slide.MaxLevel,
		},
	})
}

func (d *Dispatcher) logger() *logrus.Entry {
	if d.Log != nil {
		return d.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func registeredPayload(slide *store.Slide) map[string]interface{} {
	payload := map[string]interface{}{
		"slide_id":     slide.ID,
		"svs_filename": slide.OriginalFilename,
		"width":        slide.Width,
		"height":       slide.Height,
		"mpp":          slide.MPP,
	}
	if slide.ExternalCaseID != "" {
		payload["external_case_id"] = slide.ExternalCaseID
		payload["external_case_base"] = slide.ExternalCaseBase
		payload["external_slide_label"] = slide.ExternalSlideLabel
	}
	return payload
}

func tileURLTemplate(slideID string) string {
	return fmt.Sprintf("/v1/slides/%s/tiles/{z}/{x}/{y}.jpg", slideID)
}

func writeManifest(slideDir string, m dzi.Manifest) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed encoding manifest")
	}
	dst := filepath.Join(slideDir, "manifest.json")
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errors.Wrapf(err, "failed writing %s", tmp)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "failed committing %s", dst)
	}
	return nil
}
