package records

import (
	"sort"
	"strings"
)

// Filter selects the records a poll or a waiter is interested in.
type Filter struct {
	Topic Topic
	// DeviceIDs restricts the device scope; empty means all devices.
	DeviceIDs []string
	// Names restricts record names; empty means any name.
	Names []string
	// RecordID pins the filter to a single stored record when non-zero.
	RecordID int64
	// RequireStatus only admits records whose status is set.
	RequireStatus bool
}

// AllDevices reports whether the filter spans every device.
func (f Filter) AllDevices() bool {
	return len(f.DeviceIDs) == 0
}

// Normalized returns a copy with trimmed, de-duplicated and sorted device ids and names.
func (f Filter) Normalized() Filter {
	f.DeviceIDs = normalizeSet(f.DeviceIDs)
	f.Names = normalizeSet(f.Names)
	return f
}

// CoversDevice reports whether deviceID falls within the device scope.
func (f Filter) CoversDevice(deviceID string) bool {
	if f.AllDevices() {
		return true
	}
	for _, candidate := range f.DeviceIDs {
		if candidate == deviceID {
			return true
		}
	}
	return false
}

// AllowsName reports whether name passes the name filter.
func (f Filter) AllowsName(name string) bool {
	if len(f.Names) == 0 {
		return true
	}
	for _, candidate := range f.Names {
		if candidate == name {
			return true
		}
	}
	return false
}

// Matches reports whether the event satisfies the filter for a waiter that has seen
// everything up to sinceMicros. The since bound is skipped for record-pinned filters
// because updates keep the original command timestamp.
func (f Filter) Matches(event Event, sinceMicros int64) bool {
	if event.Topic != f.Topic {
		return false
	}
	if !f.CoversDevice(event.DeviceID) {
		return false
	}
	if !f.AllowsName(event.Record.Name) {
		return false
	}
	if f.RecordID != 0 {
		if event.Record.ID != f.RecordID {
			return false
		}
	} else if event.Record.TimestampMicros <= sinceMicros {
		return false
	}
	if f.RequireStatus && event.Record.Status == "" {
		return false
	}
	return true
}

// ParseList splits a comma separated query value into a normalized set.
func ParseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return normalizeSet(strings.Split(raw, ","))
}

func normalizeSet(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	if len(result) == 0 {
		return nil
	}
	sort.Strings(result)
	return result
}
