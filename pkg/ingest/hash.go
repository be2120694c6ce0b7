package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/pkg/errors"
)

// hashChunkSize keeps streaming reads large enough for rotational
// storage without holding meaningful memory.
const hashChunkSize = 1 << 20

// HashFile streams the file at path through sha256 and returns the
// digest as 64 lowercase hex characters, which is the slide id.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed opening %s for hashing", path)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.CopyBuffer(h, f, make([]byte, hashChunkSize)); err != nil {
		return "", errors.Wrapf(err, "failed hashing %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
