// Package cache implements the on-disk transcode cache: key derivation,
// file layout, validity checks, the eviction window and the active set.
package cache

import (
	"crypto/md5" //nolint:gosec // content addressing, not security
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrInvalidURL is returned for source URLs that are not absolute http(s) URLs.
	ErrInvalidURL = errors.New("invalid source url")
	// ErrInvalidKey is returned for strings that are not cache keys.
	ErrInvalidKey = errors.New("invalid cache id")
)

// keyLength is the length of a hex-encoded MD5 digest.
const keyLength = 32

// Key identifies a cache entry and the job producing it.
type Key string

func (k Key) String() string { return string(k) }

// Short returns the first eight characters, for log lines.
func (k Key) Short() string {
	if len(k) < 8 {
		return string(k)
	}
	return string(k[:8])
}

// Normalize validates a source URL and returns its canonical form: trimmed,
// scheme and host lowercased, fragment removed. Only http and https are
// accepted.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

// KeyFor derives the cache key of a source URL. It is a pure function of the
// normalized URL; input that does not normalize is hashed as trimmed.
func KeyFor(sourceURL string) Key {
	normalized, err := Normalize(sourceURL)
	if err != nil {
		normalized = strings.TrimSpace(sourceURL)
	}
	sum := md5.Sum([]byte(normalized)) //nolint:gosec // content addressing
	return Key(hex.EncodeToString(sum[:]))
}

// ParseKey validates an externally supplied cache id.
func ParseKey(s string) (Key, error) {
	if len(s) != keyLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, s)
		}
	}
	return Key(s), nil
}
