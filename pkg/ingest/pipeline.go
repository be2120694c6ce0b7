// Package ingest feeds the slide registry: it watches the inbox,
// scrapes the scanner mount, commits candidate files to raw storage
// under their content digest, and queues first-phase processing.
package ingest

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ivanlppires/supernavi-edge-sub000/pkg/events"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/queue"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/store"
)

// Pipeline is the commit-and-register procedure shared by the inbox
// watcher and the scanner scraper.
type Pipeline struct {
	RawDir string
	Store  *store.Store
	Queue  *queue.Queue
	Bus    *events.Bus
	Log    *logrus.Entry
}

// IngestFile hashes src, commits it into raw storage and registers the
// slide. The source file is deleted once the commit has succeeded.
func (p *Pipeline) IngestFile(ctx context.Context, src string) (*store.Slide, error) {
	format := store.FormatFromPath(src)
	if !format.Supported() {
		return nil, errors.Errorf("unsupported slide format: %s", src)
	}

	slideID, err := HashFile(src)
	if err != nil {
		return nil, err
	}

	dest, copied, err := CommitToRaw(src, p.RawDir, slideID)
	if err != nil {
		return nil, err
	}
	if p.Log != nil && !copied {
		p.Log.WithField("slide_id", slideID).Infof("raw copy of %s already present, skipping commit", filepath.Base(src))
	}

	slide, err := p.Register(slideID, filepath.Base(src), dest, format, store.SlideUpdate{})
	if err != nil {
		return nil, err
	}

	if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
		return slide, errors.Wrapf(err, "slide %s committed but inbox source not removed", slideID)
	}
	return slide, nil
}

// Register upserts the slide row, stamps the external case identity
// parsed from the filename, applies any producer-specific extras, and
// queues a P0 job unless one is already active.
func (p *Pipeline) Register(slideID, originalFilename, rawPath string, format store.Format, extra store.SlideUpdate) (*store.Slide, error) {
	slide, created, err := p.Store.UpsertSlide(slideID, originalFilename, rawPath, format)
	if err != nil {
		return nil, err
	}

	if ref, ok := ParseCaseFilename(originalFilename); ok {
		extra.ExternalCaseID = &ref.ExternalID
		extra.ExternalCaseBase = &ref.CaseBase
		extra.ExternalSlideLabel = &ref.Label
	}
	if extra != (store.SlideUpdate{}) {
		if slide, err = p.Store.UpdateSlide(slideID, extra); err != nil {
			return nil, err
		}
	}

	job, skipped, err := p.Store.CreateJob(slideID, store.JobP0)
	if err != nil {
		return nil, err
	}
	if skipped {
		if p.Log != nil {
			p.Log.WithField("slide_id", slideID).Info("P0 already active, not enqueuing")
		}
	} else {
		err := p.Queue.Push(queue.Payload{
			JobID:   job.ID,
			SlideID: slideID,
			Type:    store.JobP0,
			RawPath: rawPath,
			Format:  format,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed enqueuing P0 for slide %s", slideID)
		}
	}

	p.Bus.Emit(events.Event{
		Kind:    events.KindSlideImport,
		SlideID: slideID,
		Payload: map[string]interface{}{
			"originalFilename": originalFilename,
			"format":           string(format),
			"created":          created,
		},
	})
	return slide, nil
}
