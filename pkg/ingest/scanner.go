package ingest

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ivanlppires/supernavi-edge-sub000/pkg/store"
)

// Scraper states surfaced through the health endpoint.
const (
	ScraperIdle       = "idle"
	ScraperScanning   = "scanning"
	ScraperDirMissing = "dir_missing"
)

// scannerLeafRe matches the {barcode}_{yyyymmddHHMMSS} naming the
// scanner uses for output directories and files.
var scannerLeafRe = regexp.MustCompile(`^(.+)_(\d{14})$`)

// Scraper walks a read-only scanner mount on an interval and registers
// new slide files in place; it never moves them.
type Scraper struct {
	Dir      string
	Interval time.Duration
	Pipeline *Pipeline
	Log      *logrus.Entry

	state   atomic.Value
	running atomic.Bool
}

// State returns the scraper's observable state.
func (s *Scraper) State() string {
	if st, ok := s.state.Load().(string); ok {
		return st
	}
	return ScraperIdle
}

// Run scans immediately and then on every interval tick until ctx is
// cancelled.
func (s *Scraper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Scraper) scan(ctx context.Context) {
	if n, err := s.ScanOnce(ctx); err != nil {
		if s.Log != nil {
			s.Log.WithError(err).Warn("scanner scrape failed")
		}
	} else if n > 0 && s.Log != nil {
		s.Log.Infof("scanner scrape registered %d new slide(s)", n)
	}
}

// ScanOnce walks the mount a single time. Overlapping runs are
// skipped; an inaccessible mount parks the scraper in dir_missing
// without crashing.
func (s *Scraper) ScanOnce(ctx context.Context) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer s.running.Store(false)

	if _, err := os.Stat(s.Dir); err != nil {
		s.state.Store(ScraperDirMissing)
		return 0, nil
	}
	s.state.Store(ScraperScanning)
	defer s.state.Store(ScraperIdle)

	registered := 0
	err := filepath.WalkDir(s.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if s.Log != nil {
				s.Log.WithError(err).Debugf("skipping unreadable scanner entry %s", path)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || strings.ToLower(filepath.Ext(path)) != ".svs" {
			return nil
		}

		seen, err := s.Pipeline.Store.SeenScannerPath(path)
		if err != nil {
			return err
		}
		if seen {
			return nil
		}

		if err := s.registerScannerFile(ctx, path); err != nil {
			if s.Log != nil {
				s.Log.WithError(err).Errorf("failed registering scanner file %s", path)
			}
			return nil
		}
		registered++
		return nil
	})
	return registered, err
}

func (s *Scraper) registerScannerFile(ctx context.Context, path string) error {
	slideID, err := HashFile(path)
	if err != nil {
		return err
	}

	meta := ParseScannerPath(path)
	extra := store.SlideUpdate{}
	if meta.Barcode != "" {
		extra.Barcode = &meta.Barcode
	}
	if dsmeta := dsmetaSibling(path); dsmeta != "" {
		pending := store.OCRPending
		extra.DsmetaPath = &dsmeta
		extra.OCRStatus = &pending
	}

	// Scanner files stay on the mount; rawPath points at the original.
	if _, err := s.Pipeline.Register(slideID, filepath.Base(path), path, store.FormatSVS, extra); err != nil {
		return err
	}

	return s.Pipeline.Store.PutScannerFile(store.ScannerFile{
		Path:      path,
		SlideID:   slideID,
		Barcode:   meta.Barcode,
		GUID:      meta.GUID,
		ScannedAt: meta.ScannedAt,
	})
}

// ScannerPathMeta is what the scanner encodes into its directory layout:
// /scanner/{yyyy}/{mmdd}/{GUID}/{barcode}_{yyyymmddHHMMSS}/{barcode}_{yyyymmddHHMMSS}.svs
type ScannerPathMeta struct {
	Barcode   string
	GUID      string
	ScannedAt *time.Time
}

// ParseScannerPath extracts barcode, GUID and scan time from a scanner
// mount path. Missing pieces stay empty; nothing here is fatal.
func ParseScannerPath(path string) ScannerPathMeta {
	meta := ScannerPathMeta{}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if m := scannerLeafRe.FindStringSubmatch(base); m != nil {
		meta.Barcode = m[1]
		if ts, err := time.Parse("20060102150405", m[2]); err == nil {
			meta.ScannedAt = &ts
		}
	}

	// The GUID directory sits above the {barcode}_{ts} directory.
	parent := filepath.Dir(filepath.Dir(path))
	if guid := filepath.Base(parent); guid != "." && guid != string(filepath.Separator) {
		meta.GUID = guid
	}
	return meta
}

// dsmetaSibling returns the adjacent .dsmeta directory for a slide
// file, or empty when there is none.
func dsmetaSibling(path string) string {
	candidate := strings.TrimSuffix(path, filepath.Ext(path)) + ".dsmeta"
	if info, err := os.Stat(candidate); err == nil && info.IsDir() {
		return candidate
	}
	return ""
}
