package config

import (
	"fmt"
	"strings"
	"time"
)

// duration parses a Go duration string at path. Blank or zero yields def;
// negative values are rejected.
func duration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration (want e.g. 50ms, 30s, 1m)", path, raw)
	case d < 0:
		return 0, fmt.Errorf("%s: %s is negative", path, s)
	case d == 0:
		return def, nil
	}
	return d, nil
}
