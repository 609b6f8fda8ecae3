// Package bytesize parses and formats human-readable byte sizes such as
// "64KB", "1.5 GB" or "262144". Units are binary (1 KB = 1024 bytes) and
// case-insensitive; a bare number is a byte count.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Size is a byte count.
type Size int64

// Binary size units.
const (
	B  Size = 1
	KB      = 1024 * B
	MB      = 1024 * KB
	GB      = 1024 * MB
	TB      = 1024 * GB
)

// units is ordered largest first so Format picks the biggest unit that fits.
var units = []struct {
	size    Size
	suffix  string
	aliases []string
}{
	{TB, "TB", []string{"t", "tb", "tib"}},
	{GB, "GB", []string{"g", "gb", "gib"}},
	{MB, "MB", []string{"m", "mb", "mib"}},
	{KB, "KB", []string{"k", "kb", "kib"}},
	{B, "B", []string{"", "b", "byte", "bytes"}},
}

var sizePattern = regexp.MustCompile(`(?i)^\s*([0-9]+(?:\.[0-9]+)?)\s*([a-z]*)\s*$`)

// Parse converts a string like "5MB" into a Size.
func Parse(s string) (Size, error) {
	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("bytesize: invalid size %q", s)
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("bytesize: invalid number %q: %w", m[1], err)
	}

	unit := strings.ToLower(m[2])
	for _, u := range units {
		for _, alias := range u.aliases {
			if alias == unit {
				return Size(value * float64(u.size)), nil
			}
		}
	}
	return 0, fmt.Errorf("bytesize: unknown unit %q", m[2])
}

// Format renders s using the largest unit with a value of at least one,
// trimming insignificant decimals ("1.5MB", "64KB", "0B").
func Format(s Size) string {
	sign := ""
	if s < 0 {
		sign = "-"
		s = -s
	}
	for _, u := range units {
		if s < u.size {
			continue
		}
		if u.size == B {
			return fmt.Sprintf("%s%dB", sign, s)
		}
		v := strconv.FormatFloat(float64(s)/float64(u.size), 'f', 2, 64)
		v = strings.TrimRight(strings.TrimRight(v, "0"), ".")
		return sign + v + u.suffix
	}
	return "0B"
}

// String implements fmt.Stringer.
func (s Size) String() string {
	return Format(s)
}

// Int64 returns the size in bytes.
func (s Size) Int64() int64 {
	return int64(s)
}
