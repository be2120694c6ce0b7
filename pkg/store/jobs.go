package store

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

func activeKey(slideID string, t JobType) []byte {
	return []byte(slideID + "/" + string(t))
}

// CreateJob inserts a queued job row for (slideID, jobType) unless an
// active (queued or running) row for the pair already exists, in which
// case it reports skipped without touching anything. This is the
// at-most-one-active guarantee.
func (s *Store) CreateJob(slideID string, jobType JobType) (*Job, bool, error) {
	var job Job
	skipped := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		active := tx.Bucket(bucketJobsActive)
		if active.Get(activeKey(slideID, jobType)) != nil {
			skipped = true
			return nil
		}

		if jobType == JobTilegen {
			var slide Slide
			if err := get(tx.Bucket(bucketSlides), []byte(slideID), &slide); err != nil {
				return err
			}
			if !slide.Format.IsWSI() {
				return errors.Wrapf(ErrInvariant, "TILEGEN job for non-WSI format %s", slide.Format)
			}
		}

		now := s.now().UTC()
		job = Job{
			ID:        uuid.NewString(),
			SlideID:   slideID,
			Type:      jobType,
			Status:    JobQueued,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := put(tx.Bucket(bucketJobs), []byte(job.ID), &job); err != nil {
			return err
		}
		return active.Put(activeKey(slideID, jobType), []byte(job.ID))
	})
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed creating %s job for slide %s", jobType, slideID)
	}
	if skipped {
		return nil, true, nil
	}
	return &job, false, nil
}

// GetJob returns the job row for id.
func (s *Store) GetJob(id string) (*Job, error) {
	var job Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx.Bucket(bucketJobs), []byte(id), &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns every job for the given slide.
func (s *Store) ListJobs(slideID string) ([]*Job, error) {
	jobs := []*Job{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var job Job
			if err := jsonUnmarshal(v, &job); err != nil {
				return err
			}
			if job.SlideID == slideID {
				jobs = append(jobs, &job)
			}
			return nil
		})
	})
	return jobs, err
}

// ListQueuedJobs returns every job row still in queued state. After a
// restart these rows have no in-memory queue payload and must be
// re-enqueued before their active-index entries block new jobs.
func (s *Store) ListQueuedJobs() ([]*Job, error) {
	jobs := []*Job{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var job Job
			if err := jsonUnmarshal(v, &job); err != nil {
				return err
			}
			if job.Status == JobQueued {
				jobs = append(jobs, &job)
			}
			return nil
		})
	})
	return jobs, errors.Wrap(err, "failed listing queued jobs")
}

// TransitionJob moves a job to the given status. Legal transitions are
// queued->running and running->done|failed; anything else violates the
// job state machine. Terminal transitions release the active index.
func (s *Store) TransitionJob(id string, status JobStatus, errMsg string) (*Job, error) {
	var job Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if err := get(b, []byte(id), &job); err != nil {
			return err
		}
		if !legalJobTransition(job.Status, status) {
			return errors.Wrapf(ErrInvariant, "job transition %s -> %s", job.Status, status)
		}
		job.Status = status
		job.Error = errMsg
		job.UpdatedAt = s.now().UTC()
		if err := put(b, []byte(id), &job); err != nil {
			return err
		}
		if !status.active() {
			return tx.Bucket(bucketJobsActive).Delete(activeKey(job.SlideID, job.Type))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed transitioning job %s to %s", id, status)
	}
	return &job, nil
}

func legalJobTransition(from, to JobStatus) bool {
	switch from {
	case JobQueued:
		return to == JobRunning || to == JobFailed
	case JobRunning:
		return to == JobDone || to == JobFailed
	}
	return false
}

// ReconcileRunningJobs fails every job left in running state by a
// previous process. Run once at startup, before the dispatcher starts:
// whatever worker owned those rows did not survive.
func (s *Store) ReconcileRunningJobs() (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		active := tx.Bucket(bucketJobsActive)
		var fixups []Job
		if err := b.ForEach(func(_, v []byte) error {
			var job Job
			if err := jsonUnmarshal(v, &job); err != nil {
				return err
			}
			if job.Status == JobRunning {
				fixups = append(fixups, job)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, job := range fixups {
			job.Status = JobFailed
			job.Error = "agent restarted while job was running"
			job.UpdatedAt = s.now().UTC()
			if err := put(b, []byte(job.ID), &job); err != nil {
				return err
			}
			if err := active.Delete(activeKey(job.SlideID, job.Type)); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, errors.Wrap(err, "failed reconciling running jobs")
}
