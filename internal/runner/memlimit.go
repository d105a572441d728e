package runner

import (
	"strconv"
	"strings"

	"github.com/cuemby/sandboxctl/internal/sberrors"
)

// ParseMemLimit parses a docker-style memory limit string ("256m",
// "1g", "512k", or a bare byte count) into a byte count, the form
// container.Resources.Memory expects.
func ParseMemLimit(limit string) (int64, error) {
	s := strings.TrimSpace(strings.ToLower(limit))
	if s == "" {
		return 0, sberrors.BadConfigf("empty memory limit")
	}

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "b"):
		s = strings.TrimSuffix(s, "b")
	case strings.HasSuffix(s, "k"):
		multiplier = 1 << 10
		s = strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "m"):
		multiplier = 1 << 20
		s = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "g"):
		multiplier = 1 << 30
		s = strings.TrimSuffix(s, "g")
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, sberrors.BadConfigf("malformed memory limit %q", limit)
	}
	if n < 0 {
		return 0, sberrors.BadConfigf("negative memory limit %q", limit)
	}
	return n * multiplier, nil
}
