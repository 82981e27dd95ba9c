package memory

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSize parses a textual memory size like "512MB", "2GB", or a bare
// byte count, into a byte count. It intentionally only understands this
// small, fixed set of suffixes — it is not a general unit parser, since
// the engine has no separate host shim to delegate that responsibility
// to.
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("memory: empty size string")
	}

	upper := strings.ToUpper(s)
	multiplier := uint64(1)
	numPart := upper

	suffixes := []struct {
		suffix string
		mul    uint64
	}{
		{"TB", 1 << 40},
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}
	for _, sfx := range suffixes {
		if strings.HasSuffix(upper, sfx.suffix) {
			multiplier = sfx.mul
			numPart = strings.TrimSuffix(upper, sfx.suffix)
			break
		}
	}

	numPart = strings.TrimSpace(numPart)
	value, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("memory: invalid size %q: %w", s, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("memory: negative size %q", s)
	}
	return uint64(value * float64(multiplier)), nil
}
