package wsi

import "github.com/pkg/errors"

var (
	// ErrTimeout means a child process exceeded its invocation budget.
	ErrTimeout = errors.New("imaging toolchain timed out")

	// ErrToolchain means a child process exited non-zero or produced
	// output we could not parse.
	ErrToolchain = errors.New("imaging toolchain failed")

	// ErrBounds means the requested tile lies outside the slide.
	ErrBounds = errors.New("tile coordinates out of bounds")
)

// IsTimeout reports whether err was caused by an exceeded budget.
func IsTimeout(err error) bool { return errors.Cause(err) == ErrTimeout || errors.Is(err, ErrTimeout) }

// IsBounds reports whether err was caused by out-of-range coordinates.
func IsBounds(err error) bool { return errors.Cause(err) == ErrBounds || errors.Is(err, ErrBounds) }
