// Package tiles materialises deep-zoom tiles on demand and builds full
// pyramids, both under derived/{slideId}/tiles.
package tiles

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/ivanlppires/supernavi-edge-sub000/pkg/dzi"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/events"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/store"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/wsi"
)

// DefaultConcurrency bounds simultaneous toolchain invocations.
const DefaultConcurrency = 4

// ErrPending reports that the requested tile is being generated for a
// concurrent caller and this caller's context ran out while waiting.
var ErrPending = errors.New("tile generation pending")

// Extractor is the slice of the imaging toolchain the generator needs.
// *wsi.Toolchain satisfies it.
type Extractor interface {
	ReadProperties(ctx context.Context, path string) (*wsi.Properties, error)
	ExtractTile(ctx context.Context, src string, props *wsi.Properties, z, x, y int, dst string) error
}

// Generator serves single tiles, generating missing ones on demand.
// Identical concurrent requests coalesce onto one toolchain invocation.
type Generator struct {
	derivedDir string
	ex         Extractor
	bus        *events.Bus
	log        *logrus.Entry
	sem        *semaphore.Weighted

	mu      sync.Mutex
	pending map[string]*outcome

	propsMu sync.Mutex
	props   map[string]*wsi.Properties
}

// outcome is the shared future every coalesced waiter blocks on.
type outcome struct {
	done chan struct{}
	err  error
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithConcurrency sets how many tiles may generate at once.
func WithConcurrency(n int) GeneratorOption {
	return func(g *Generator) {
		if n > 0 {
			g.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// NewGenerator returns a tile generator writing under derivedDir.
func NewGenerator(derivedDir string, ex Extractor, bus *events.Bus, log *logrus.Entry, options ...GeneratorOption) *Generator {
	g := &Generator{
		derivedDir: derivedDir,
		ex:         ex,
		bus:        bus,
		log:        log,
		sem:        semaphore.NewWeighted(DefaultConcurrency),
		pending:    make(map[string]*outcome),
		props:      make(map[string]*wsi.Properties),
	}
	for _, opt := range options {
		opt(g)
	}
	return g
}

// TilePath returns the canonical on-disk location of a tile.
func (g *Generator) TilePath(slideID string, z, x, y int) string {
	return filepath.Join(g.derivedDir, slideID, "tiles", strconv.Itoa(z), fmt.Sprintf("%d_%d.jpg", x, y))
}

// Tile returns the path of the requested tile, generating it if it is
// not on disk yet. Requests for a tile already in flight wait on that
// generation's outcome instead of spawning their own.
func (g *Generator) Tile(ctx context.Context, slide *store.Slide, z, x, y int) (string, error) {
	if slide.Width <= 0 || slide.Height <= 0 {
		return "", errors.Wrapf(wsi.ErrBounds, "slide %s has no known dimensions", slide.ID)
	}
	p, err := dzi.NewPyramid(slide.Width, slide.Height)
	if err != nil {
		return "", err
	}
	if !p.ContainsTile(z, x, y) {
		return "", errors.Wrapf(wsi.ErrBounds, "tile %d/%d_%d of slide %s", z, x, y, slide.ID)
	}

	path := g.TilePath(slide.ID, z, x, y)
	if fileExists(path) {
		return path, nil
	}

	key := tileKey(slide.ID, z, x, y)
	g.mu.Lock()
	if o, ok := g.pending[key]; ok {
		g.mu.Unlock()
		select {
		case <-o.done:
			if o.err != nil {
				return "", o.err
			}
			return path, nil
		case <-ctx.Done():
			return "", errors.Wrapf(ErrPending, "tile %s", key)
		}
	}
	o := &outcome{done: make(chan struct{})}
	g.pending[key] = o
	g.mu.Unlock()

	o.err = g.generate(ctx, slide, z, x, y, path)

	g.mu.Lock()
	delete(g.pending, key)
	g.mu.Unlock()
	close(o.done)

	if o.err != nil {
		return "", o.err
	}
	return path, nil
}

// IsPending reports whether a generation for the tile is in flight.
func (g *Generator) IsPending(slideID string, z, x, y int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[tileKey(slideID, z, x, y)]
	return ok
}

// PendingCount returns the number of in-flight generations.
func (g *Generator) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *Generator) generate(ctx context.Context, slide *store.Slide, z, x, y int, path string) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "tile generation not admitted")
	}
	defer g.sem.Release(1)

	// Another winner may have landed this tile while we waited.
	if fileExists(path) {
		return nil
	}

	props, err := g.properties(ctx, slide)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed creating tile directory for %s", path)
	}
	tmp := strings.TrimSuffix(path, ".jpg") + ".part.jpg"
	if err := g.ex.ExtractTile(ctx, slide.RawPath, props, z, x, y, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "failed committing tile %s", path)
	}

	g.bus.Emit(events.Event{
		Kind:    events.KindTileGenerated,
		SlideID: slide.ID,
		Payload: map[string]interface{}{"z": z, "x": x, "y": y},
	})
	return nil
}

func (g *Generator) properties(ctx context.Context, slide *store.Slide) (*wsi.Properties, error) {
	g.propsMu.Lock()
	if p, ok := g.props[slide.ID]; ok {
		g.propsMu.Unlock()
		return p, nil
	}
	g.propsMu.Unlock()

	p, err := g.ex.ReadProperties(ctx, slide.RawPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed reading properties of slide %s", slide.ID)
	}

	g.propsMu.Lock()
	g.props[slide.ID] = p
	g.propsMu.Unlock()
	return p, nil
}

// Forget drops any cached metadata for a slide, after deletion.
func (g *Generator) Forget(slideID string) {
	g.propsMu.Lock()
	delete(g.props, slideID)
	g.propsMu.Unlock()
}

func tileKey(slideID string, z, x, y int) string {
	return fmt.Sprintf("%s/%d/%d_%d", slideID, z, x, y)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
