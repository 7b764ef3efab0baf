// Package hashutil implements C1: stable content hashing and injection
// fingerprint derivation. A fixed 256-bit digest (crypto/sha256) is used
// throughout; no ecosystem hash library improves on the standard library for
// this, the same way the teacher reaches for stdlib crypto/sha1 for its one
// hash need.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// fingerprintPrefix is prepended to every fingerprint's canonical input, per
// spec.md §4.1, so fingerprints are namespaced to this tool's wire format and
// never collide with a hash of raw loader bytes computed elsewhere.
const fingerprintPrefix = "vmm-v1"

// Bytes returns the lower-case hex SHA-256 digest of data.
func Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Reader returns the lower-case hex SHA-256 digest of everything read from r.
func Reader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// File returns the lower-case hex SHA-256 digest of the file at path.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	return Reader(f)
}

// Fingerprint derives the injection fingerprint from the loader's content
// hash and the ordered list of enabled mod ids, per spec.md §4.1:
// sha256("vmm-v1" ‖ loaderContentHash ‖ orderedEnabledModIDs).
func Fingerprint(loaderContentHash string, orderedEnabledModIDs []string) string {
	buf := []byte(fingerprintPrefix)
	buf = append(buf, loaderContentHash...)
	for _, id := range orderedEnabledModIDs {
		buf = append(buf, id...)
	}
	return Bytes(buf)
}
