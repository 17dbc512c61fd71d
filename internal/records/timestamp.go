package records

import (
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the wire format for record timestamps (UTC, microsecond precision).
const TimestampLayout = "2006-01-02T15:04:05.000000"

var acceptedLayouts = []string{
	TimestampLayout,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
}

// FormatTimestamp renders microseconds since the epoch in TimestampLayout.
func FormatTimestamp(micros int64) string {
	return time.UnixMicro(micros).UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts TimestampLayout, RFC3339 and a few legacy variants.
// Values without a zone are interpreted as UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrInvalidTimestamp)
	}
	for _, layout := range acceptedLayouts {
		parsed, err := time.ParseInLocation(layout, trimmed, time.UTC)
		if err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, raw)
}
