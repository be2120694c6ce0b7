package store

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/ivanlppires/supernavi-edge-sub000/pkg/dzi"
)

// UpsertSlide registers a slide by content digest. A new row starts at
// status queued; re-ingest of known content updates the named fields
// and resets status to queued. Returns the committed row and whether
// it was newly created.
func (s *Store) UpsertSlide(id, originalFilename, rawPath string, format Format) (*Slide, bool, error) {
	if len(id) != 64 || strings.ToLower(id) != id {
		return nil, false, errors.Wrapf(ErrInvariant, "malformed slide id %q", id)
	}

	var slide Slide
	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSlides)
		switch err := get(b, []byte(id), &slide); err {
		case nil:
			slide.OriginalFilename = originalFilename
			slide.RawPath = rawPath
			slide.Format = format
			slide.Status = SlideQueued
		case ErrNotFound:
			created = true
			slide = Slide{
				ID:               id,
				OriginalFilename: originalFilename,
				RawPath:          rawPath,
				Format:           format,
				Status:           SlideQueued,
				TileSize:         dzi.TileSize,
				TilegenStatus:    TilegenAbsent,
				OCRStatus:        OCRAbsent,
				CreatedAt:        s.now().UTC(),
			}
			if err := tx.Bucket(bucketSlidesCtime).Put(ctimeKey(slide.CreatedAt, id), []byte(id)); err != nil {
				return err
			}
		default:
			return err
		}
		return put(b, []byte(id), &slide)
	})
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed upserting slide %s", id)
	}
	return &slide, created, nil
}

// GetSlide returns the slide row for id.
func (s *Store) GetSlide(id string) (*Slide, error) {
	var slide Slide
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx.Bucket(bucketSlides), []byte(id), &slide)
	})
	if err != nil {
		return nil, err
	}
	return &slide, nil
}

// ListSlides returns all slides in reverse creation order.
func (s *Store) ListSlides() ([]*Slide, error) {
	slides := []*Slide{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSlides)
		c := tx.Bucket(bucketSlidesCtime).Cursor()
		for k, id := c.Last(); k != nil; k, id = c.Prev() {
			var slide Slide
			if err := get(b, id, &slide); err != nil {
				return err
			}
			slides = append(slides, &slide)
		}
		return nil
	})
	return slides, err
}

// FindSlideByFilename returns the most recently created slide with the
// given original filename, or ErrNotFound.
func (s *Store) FindSlideByFilename(name string) (*Slide, error) {
	var found *Slide
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSlides)
		c := tx.Bucket(bucketSlidesCtime).Cursor()
		for k, id := c.Last(); k != nil; k, id = c.Prev() {
			var slide Slide
			if err := get(b, id, &slide); err != nil {
				return err
			}
			if slide.OriginalFilename == name {
				found = &slide
				return nil
			}
		}
		return ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// ListPendingOCR returns slides whose label OCR has not completed.
func (s *Store) ListPendingOCR() ([]*Slide, error) {
	slides := []*Slide{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSlides).ForEach(func(_, v []byte) error {
			var slide Slide
			if err := jsonUnmarshal(v, &slide); err != nil {
				return err
			}
			if slide.OCRStatus == OCRPending {
				slides = append(slides, &slide)
			}
			return nil
		})
	})
	return slides, err
}

// UpdateSlide applies a typed partial update and re-validates the slide
// invariants before committing.
func (s *Store) UpdateSlide(id string, u SlideUpdate) (*Slide, error) {
	var slide Slide
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSlides)
		if err := get(b, []byte(id), &slide); err != nil {
			return err
		}
		applySlideUpdate(&slide, u)
		if err := validateSlide(&slide); err != nil {
			return err
		}
		return put(b, []byte(id), &slide)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed updating slide %s", id)
	}
	return &slide, nil
}

// DeleteSlide removes the slide row and every job belonging to it.
func (s *Store) DeleteSlide(id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSlides)
		var slide Slide
		if err := get(b, []byte(id), &slide); err != nil {
			return err
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketSlidesCtime).Delete(ctimeKey(slide.CreatedAt, id)); err != nil {
			return err
		}

		// Cascade to jobs, active index included.
		jobs := tx.Bucket(bucketJobs)
		var stale [][]byte
		if err := jobs.ForEach(func(k, v []byte) error {
			var job Job
			if err := jsonUnmarshal(v, &job); err != nil {
				return err
			}
			if job.SlideID == id {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := jobs.Delete(k); err != nil {
				return err
			}
		}
		active := tx.Bucket(bucketJobsActive)
		c := active.Cursor()
		prefix := []byte(id + "/")
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := active.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrapf(err, "failed deleting slide %s", id)
}

func applySlideUpdate(slide *Slide, u SlideUpdate) {
	if u.Status != nil {
		slide.Status = *u.Status
	}
	if u.TilegenStatus != nil {
		slide.TilegenStatus = *u.TilegenStatus
	}
	if u.Width != nil {
		slide.Width = *u.Width
	}
	if u.Height != nil {
		slide.Height = *u.Height
	}
	if u.MaxLevel != nil {
		slide.MaxLevel = *u.MaxLevel
	}
	if u.LevelReadyMax != nil {
		slide.LevelReadyMax = *u.LevelReadyMax
	}
	if u.AppMag != nil {
		slide.AppMag = u.AppMag
	}
	if u.MPP != nil {
		slide.MPP = u.MPP
	}
	if u.ExternalCaseID != nil {
		slide.ExternalCaseID = *u.ExternalCaseID
	}
	if u.ExternalCaseBase != nil {
		slide.ExternalCaseBase = *u.ExternalCaseBase
	}
	if u.ExternalSlideLabel != nil {
		slide.ExternalSlideLabel = *u.ExternalSlideLabel
	}
	if u.OCRStatus != nil {
		slide.OCRStatus = *u.OCRStatus
	}
	if u.DsmetaPath != nil {
		slide.DsmetaPath = *u.DsmetaPath
	}
	if u.Barcode != nil {
		slide.Barcode = *u.Barcode
	}
}

func validateSlide(slide *Slide) error {
	if slide.LevelReadyMax > slide.MaxLevel {
		return errors.Wrapf(ErrInvariant, "levelReadyMax %d > maxLevel %d", slide.LevelReadyMax, slide.MaxLevel)
	}
	if slide.Status == SlideReady {
		if slide.Width <= 0 || slide.Height <= 0 || slide.MaxLevel < 0 {
			return errors.Wrapf(ErrInvariant, "ready slide with dimensions %dx%d maxLevel %d", slide.Width, slide.Height, slide.MaxLevel)
		}
	}
	return nil
}
