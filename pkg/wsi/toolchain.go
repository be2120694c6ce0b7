// Package wsi wraps the external imaging toolchain (libvips and the
// OpenSlide property dumper) used to read whole-slide images. All
// child-process invocation and output parsing stays inside this
// package; callers only see typed results and errors.
package wsi

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Default invocation budgets. Tile-sized operations get the short
// budget; full pyramid builds run much longer.
const (
	DefaultTileTimeout    = 60 * time.Second
	DefaultPyramidTimeout = 30 * time.Minute
)

// Toolchain invokes imaging binaries as child processes.
type Toolchain struct {
	vipsBin       string
	vipsHeaderBin string
	openslideBin  string

	tileTimeout    time.Duration
	pyramidTimeout time.Duration

	log *logrus.Entry
}

// Option configures a Toolchain.
type Option func(*Toolchain)

// WithBinaries overrides the executables invoked by the adapter.
func WithBinaries(vips, vipsheader, openslide string) Option {
	return func(tc *Toolchain) {
		tc.vipsBin = vips
		tc.vipsHeaderBin = vipsheader
		tc.openslideBin = openslide
	}
}

// WithTileTimeout sets the budget for tile-sized operations.
func WithTileTimeout(d time.Duration) Option {
	return func(tc *Toolchain) { tc.tileTimeout = d }
}

// WithPyramidTimeout sets the budget for full deep-zoom builds.
func WithPyramidTimeout(d time.Duration) Option {
	return func(tc *Toolchain) { tc.pyramidTimeout = d }
}

// New returns a Toolchain ready to use.
func New(log *logrus.Entry, options ...Option) *Toolchain {
	tc := &Toolchain{
		vipsBin:        "vips",
		vipsHeaderBin:  "vipsheader",
		openslideBin:   "openslide-show-properties",
		tileTimeout:    DefaultTileTimeout,
		pyramidTimeout: DefaultPyramidTimeout,
		log:            log,
	}
	for _, opt := range options {
		opt(tc)
	}
	return tc
}

// run executes bin with args under the given budget and returns its
// stdout. A killed-by-deadline child reports ErrTimeout; any other
// non-zero exit reports a toolchain error carrying stderr.
func (tc *Toolchain) run(ctx context.Context, budget time.Duration, bin string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if tc.log != nil {
		tc.log.WithFields(logrus.Fields{"bin": bin, "took": time.Since(start)}).Debug(args)
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.Wrapf(ErrTimeout, "%s exceeded %s budget", bin, budget)
		}
		return nil, errors.Wrapf(ErrToolchain, "%s %v: %v: %s", bin, args, err, firstLine(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
