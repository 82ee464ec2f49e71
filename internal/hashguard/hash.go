// Package hashguard computes content hashes for idempotent deduplication.
package hashguard

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Hash reads r to the end, returns the hex sha256 digest, and seeks r back to
// the start so the same stream can be re-read for upload.
func Hash(r io.ReadSeeker) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
