package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string for the config field at
// path. Blank means zero; negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def standing in for a
// blank or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// DurationField binds one raw config value to its destination.
type DurationField struct {
	Path    string
	Raw     string
	Default time.Duration
	Dst     *time.Duration
}

// ParseDurations fills every field's Dst and reports all bad fields at once.
func ParseDurations(fields ...DurationField) error {
	var errs []error
	for _, f := range fields {
		d, err := ParseDurationOrDefault(f.Path, f.Raw, f.Default)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*f.Dst = d
	}
	return errors.Join(errs...)
}
