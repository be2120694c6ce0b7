package ingest

import (
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrSizeMismatch means the copy into raw storage did not match the
// source size. The temp file is removed and the source left in place.
var ErrSizeMismatch = errors.New("committed size does not match source")

// CommitToRaw places src into rawDir as {slideID}_{basename}. The copy
// goes through a uniquely named temp file, is size-verified, and is
// renamed into place, so the procedure is atomic on the destination
// and works across devices. When the destination already exists with
// the same size (a re-scan of known content) nothing is copied.
// Returns the destination path and whether a copy actually happened.
func CommitToRaw(src, rawDir, slideID string) (string, bool, error) {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return "", false, errors.Wrapf(err, "failed to stat ingest source %s", src)
	}

	dest := filepath.Join(rawDir, slideID+"_"+filepath.Base(src))
	if destInfo, err := os.Stat(dest); err == nil && destInfo.Size() == srcInfo.Size() {
		return dest, false, nil
	}

	if err := os.MkdirAll(rawDir, 0o755); err != nil {
		return "", false, errors.Wrapf(err, "failed creating raw directory %s", rawDir)
	}

	tmp := filepath.Join(rawDir, ".ingest-"+uuid.NewString()+".tmp")
	if err := copyFile(src, tmp); err != nil {
		os.Remove(tmp)
		return "", false, err
	}

	tmpInfo, err := os.Stat(tmp)
	if err != nil {
		os.Remove(tmp)
		return "", false, errors.Wrapf(err, "failed to stat committed copy %s", tmp)
	}
	if tmpInfo.Size() != srcInfo.Size() {
		os.Remove(tmp)
		return "", false, errors.Wrapf(ErrSizeMismatch, "copied %d bytes of %d from %s", tmpInfo.Size(), srcInfo.Size(), src)
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", false, errors.Wrapf(err, "failed renaming %s into place", tmp)
	}
	return dest, true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "failed opening %s", src)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "failed creating %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "failed copying %s to %s", src, dst)
	}
	if err := out.Close(); err != nil {
		return errors.Wrapf(err, "failed flushing %s", dst)
	}
	return nil
}

// CleanupTempFiles removes orphaned .ingest-*.tmp files left in rawDir
// by a crashed commit. Run once at startup.
func CleanupTempFiles(rawDir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(rawDir, ".ingest-*.tmp"))
	if err != nil {
		return 0, errors.Wrapf(err, "failed globbing temp files in %s", rawDir)
	}
	n := 0
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			return n, errors.Wrapf(err, "failed removing stale temp file %s", m)
		}
		n++
	}
	return n, nil
}
