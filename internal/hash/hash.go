// Package hash computes the content digests used throughout the
// fingerprint engine.  Every digest produced here is a "sha256:<hex>"
// string so that records, logs, and CLI output can all print a digest
// without knowing where it came from.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

const prefix = "sha256:"

// Bytes hashes raw content.
func Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return prefix + hex.EncodeToString(sum[:])
}

// String hashes a UTF-8 string.
func String(s string) string {
	return Bytes([]byte(s))
}

// File streams a file's content through SHA-256 without loading it
// entirely into memory.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hash file %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash file %s: %w", path, err)
	}
	return prefix + hex.EncodeToString(h.Sum(nil)), nil
}

// Canonical produces a deterministic digest of a table of primitive
// values: keys are sorted lexicographically before hashing so that
// the same logical table always produces the same digest regardless
// of map iteration order.
func Canonical(values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('\x00')
		b.WriteString(values[k])
		b.WriteByte('\x00')
	}
	return String(b.String())
}

// CanonicalList digests an ordered list of strings, e.g. the
// concatenated source of a task's action bodies.
func CanonicalList(values []string) string {
	var b strings.Builder
	for _, v := range values {
		b.WriteString(v)
		b.WriteByte('\x00')
	}
	return String(b.String())
}
