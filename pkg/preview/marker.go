// Package preview builds a rebased, self-contained tile pyramid for a
// slide and publishes it to object storage, idempotently.
package preview

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// Marker statuses.
const (
	MarkerComplete   = "complete"
	MarkerIncomplete = "incomplete"
)

// markerFilename sits in the slide's derived directory.
const markerFilename = "preview_published.json"

// Marker records the last preview publication for one slide. Its sole
// purpose is making re-publication a no-op while the local artefacts
// are unchanged.
type Marker struct {
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
	Error       string     `json:"error,omitempty"`

	MaxLevel     int `json:"maxLevel"`
	TargetMaxDim int `json:"targetMaxDim"`

	ThumbHash    string `json:"thumbHash,omitempty"`
	ManifestHash string `json:"manifestHash,omitempty"`
	TilesHash    string `json:"tilesHash,omitempty"`

	EventID uint64 `json:"eventId,omitempty"`
}

// LoadMarker reads the publication marker from slideDir. A missing or
// unreadable marker yields nil; the publisher then publishes afresh.
func LoadMarker(slideDir string) *Marker {
	b, err := os.ReadFile(filepath.Join(slideDir, markerFilename))
	if err != nil {
		return nil
	}
	m := &Marker{}
	if err := json.Unmarshal(b, m); err != nil {
		return nil
	}
	return m
}

// Save writes the marker atomically via a temp file and rename.
func (m *Marker) Save(slideDir string) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed encoding preview marker")
	}
	if err := os.MkdirAll(slideDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed creating %s", slideDir)
	}
	path := filepath.Join(slideDir, markerFilename)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errors.Wrapf(err, "failed writing %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "failed committing %s", path)
	}
	return nil
}

// Matches reports whether a completed marker covers the same published
// content, making a new publish redundant.
func (m *Marker) Matches(maxLevel, targetMaxDim int, thumbHash, manifestHash, tilesHash string) bool {
	return m.Status == MarkerComplete &&
		m.MaxLevel == maxLevel &&
		m.TargetMaxDim == targetMaxDim &&
		m.ThumbHash == thumbHash &&
		m.ManifestHash == manifestHash &&
		m.TilesHash == tilesHash
}
