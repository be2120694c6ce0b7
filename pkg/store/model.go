package store

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"
)

// Format is the recognised container format of a slide file.
type Format string

const (
	FormatSVS     Format = "svs"
	FormatTIFF    Format = "tiff"
	FormatNDPI    Format = "ndpi"
	FormatMRXS    Format = "mrxs"
	FormatJPG     Format = "jpg"
	FormatPNG     Format = "png"
	FormatUnknown Format = "unknown"
)

// FormatFromPath recognises a slide format from a filename extension.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".svs":
		return FormatSVS
	case ".tif", ".tiff":
		return FormatTIFF
	case ".ndpi":
		return FormatNDPI
	case ".mrxs":
		return FormatMRXS
	case ".jpg", ".jpeg":
		return FormatJPG
	case ".png":
		return FormatPNG
	}
	return FormatUnknown
}

// IsWSI reports whether the format carries native pyramid levels and
// therefore goes through TILEGEN rather than eager tile generation.
func (f Format) IsWSI() bool {
	switch f {
	case FormatSVS, FormatTIFF, FormatNDPI, FormatMRXS:
		return true
	}
	return false
}

// Supported reports whether the agent ingests this format at all.
func (f Format) Supported() bool {
	return f != FormatUnknown
}

// SlideStatus is the coarse lifecycle state of a slide.
type SlideStatus string

const (
	SlideQueued     SlideStatus = "queued"
	SlideProcessing SlideStatus = "processing"
	SlideIngesting  SlideStatus = "ingesting"
	SlideTilegen    SlideStatus = "tilegen"
	SlideReady      SlideStatus = "ready"
	SlideFailed     SlideStatus = "failed"
)

// TilegenStatus tracks the full-pyramid build for WSI slides.
type TilegenStatus string

const (
	TilegenAbsent  TilegenStatus = "absent"
	TilegenQueued  TilegenStatus = "queued"
	TilegenRunning TilegenStatus = "running"
	TilegenDone    TilegenStatus = "done"
	TilegenFailed  TilegenStatus = "failed"
)

// OCRStatus tracks label OCR, which an external collaborator performs.
type OCRStatus string

const (
	OCRAbsent  OCRStatus = "absent"
	OCRPending OCRStatus = "pending"
	OCRDone    OCRStatus = "done"
)

// Slide is the registry row for one content-addressed slide. ID is the
// sha256 of the raw file, rendered as 64 lowercase hex characters, and
// is immutable once created.
type Slide struct {
	ID               string      `json:"id"`
	OriginalFilename string      `json:"originalFilename"`
	RawPath          string      `json:"rawPath"`
	Format           Format      `json:"format"`
	Status           SlideStatus `json:"status"`

	Width         int `json:"width"`
	Height        int `json:"height"`
	MaxLevel      int `json:"maxLevel"`
	LevelReadyMax int `json:"levelReadyMax"`
	TileSize      int `json:"tileSize"`

	TilegenStatus TilegenStatus `json:"tilegenStatus"`

	AppMag *float64 `json:"appMag,omitempty"`
	MPP    *float64 `json:"mpp,omitempty"`

	ExternalCaseID     string `json:"externalCaseId,omitempty"`
	ExternalCaseBase   string `json:"externalCaseBase,omitempty"`
	ExternalSlideLabel string `json:"externalSlideLabel,omitempty"`

	OCRStatus  OCRStatus `json:"ocrStatus"`
	DsmetaPath string    `json:"dsmetaPath,omitempty"`
	Barcode    string    `json:"barcode,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// SlideUpdate is a typed partial update of the mutable slide fields.
// Nil members are left untouched.
type SlideUpdate struct {
	Status        *SlideStatus
	TilegenStatus *TilegenStatus

	Width         *int
	Height        *int
	MaxLevel      *int
	LevelReadyMax *int

	AppMag *float64
	MPP    *float64

	ExternalCaseID     *string
	ExternalCaseBase   *string
	ExternalSlideLabel *string

	OCRStatus  *OCRStatus
	DsmetaPath *string
	Barcode    *string
}

// JobType names a unit of work against a slide.
type JobType string

const (
	JobP0      JobType = "P0"
	JobP1      JobType = "P1"
	JobTilegen JobType = "TILEGEN"
	JobPreview JobType = "PREVIEW"
	JobCleanup JobType = "CLEANUP"
)

// NeedsRawFile reports whether the dispatcher must stat the raw file
// before running this job type.
func (t JobType) NeedsRawFile() bool {
	switch t {
	case JobP0, JobP1, JobTilegen:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a job row.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

func (s JobStatus) active() bool {
	return s == JobQueued || s == JobRunning
}

// Job is the registry row for one unit of work.
type Job struct {
	ID        string    `json:"id"`
	SlideID   string    `json:"slideId"`
	Type      JobType   `json:"type"`
	Status    JobStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ScannerFile records a scanner-mount path the scraper has already
// processed. Records are created once and never mutated.
type ScannerFile struct {
	Path      string     `json:"path"`
	SlideID   string     `json:"slideId"`
	Barcode   string     `json:"barcode,omitempty"`
	GUID      string     `json:"guid,omitempty"`
	ScannedAt *time.Time `json:"scannedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// OutboxEvent is one append-only domain event for the external sync
// process. Only SyncedAt is ever mutated.
type OutboxEvent struct {
	ID         uint64          `json:"id"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Op         string          `json:"op"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"createdAt"`
	SyncedAt   *time.Time      `json:"syncedAt,omitempty"`
}
