package hashing

import (
	"crypto/md5"  //nolint:gosec // content fingerprint, not a security boundary
	"crypto/sha1" //nolint:gosec // content fingerprint, not a security boundary
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"sort"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"
)

// DefaultAlgorithm is used when no algorithm is configured.
const DefaultAlgorithm = "sha256"

// ErrUnknownAlgorithm is returned for algorithm names with no registered
// implementation.
var ErrUnknownAlgorithm = errors.New("unknown hash algorithm")

var algorithms = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha512": sha512.New,
	"xxh64":  func() hash.Hash { return xxhash.New() },
	"blake2b-256": func() hash.Hash {
		h, _ := blake2b.New256(nil) // only fails for oversized keys
		return h
	},
}

// Supported reports whether name is a registered algorithm.
func Supported(name string) bool {
	_, ok := algorithms[name]
	return ok
}

// Algorithms returns the registered algorithm names in sorted order.
func Algorithms() []string {
	names := make([]string, 0, len(algorithms))
	for n := range algorithms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FileDigest streams the file at path through the named algorithm and
// returns the lowercase hex digest.
func FileDigest(path, algorithm string) (string, error) {
	newHash, ok := algorithms[algorithm]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}

	f, err := os.Open(path) //nolint:gosec // path comes from the attachment table
	if err != nil {
		return "", err
	}
	defer f.Close() //nolint:errcheck

	h := newHash()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
