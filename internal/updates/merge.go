package updates

import (
	"bytes"
	"encoding/json"

	"github.com/MarcoPoloResearchLab/hive/internal/records"
	"gorm.io/datatypes"
)

// Merge applies update over stored and returns the new state together with the
// names of the fields whose value actually changed. Absent fields are copied from
// stored, null fields are cleared and value fields overwrite. Immutable fields
// (id, deviceId, timestamp) may only repeat the stored value.
func Merge(stored records.Record, update CommandUpdate) (records.Record, []string, error) {
	if err := update.Validate(); err != nil {
		return stored, nil, err
	}
	if err := checkImmutable(stored, update); err != nil {
		return stored, nil, err
	}

	merged := stored
	applied := make([]string, 0, 6)

	if applyComparable(update.Command, &merged.Name) {
		applied = append(applied, FieldCommand)
	}
	if applyJSON(update.Parameters, &merged.Parameters) {
		applied = append(applied, FieldParameters)
	}
	if applyComparable(update.Lifetime, &merged.Lifetime) {
		applied = append(applied, FieldLifetime)
	}
	if applyComparable(update.Flags, &merged.Flags) {
		applied = append(applied, FieldFlags)
	}
	if applyComparable(update.Status, &merged.Status) {
		applied = append(applied, FieldStatus)
	}
	if applyJSON(update.Result, &merged.Result) {
		applied = append(applied, FieldResult)
	}

	return merged, applied, nil
}

func checkImmutable(stored records.Record, update CommandUpdate) error {
	switch update.ID.State() {
	case StateNull:
		return &records.ValidationError{Field: FieldID, Reason: "cannot be cleared"}
	case StateValue:
		if id, _ := update.ID.Get(); id != stored.ID {
			return &records.ValidationError{Field: FieldID, Reason: "is immutable"}
		}
	}

	switch update.DeviceID.State() {
	case StateNull:
		return &records.ValidationError{Field: FieldDeviceID, Reason: "cannot be cleared"}
	case StateValue:
		if deviceID, _ := update.DeviceID.Get(); deviceID != stored.DeviceID {
			return &records.ValidationError{Field: FieldDeviceID, Reason: "is immutable"}
		}
	}

	switch update.Timestamp.State() {
	case StateNull:
		return &records.ValidationError{Field: FieldTimestamp, Reason: "cannot be cleared"}
	case StateValue:
		raw, _ := update.Timestamp.Get()
		parsed, err := records.ParseTimestamp(raw)
		if err != nil {
			return &records.ValidationError{Field: FieldTimestamp, Reason: err.Error()}
		}
		if parsed.UnixMicro() != stored.TimestampMicros {
			return &records.ValidationError{Field: FieldTimestamp, Reason: "is immutable"}
		}
	}
	return nil
}

func applyComparable[T comparable](field Field[T], target *T) bool {
	next, ok := field.resolve(*target)
	if !ok || next == *target {
		return false
	}
	*target = next
	return true
}

func applyJSON(field Field[json.RawMessage], target *datatypes.JSON) bool {
	var next datatypes.JSON
	switch field.State() {
	case StateAbsent:
		return false
	case StateValue:
		raw, _ := field.Get()
		next = datatypes.JSON(compactJSON(raw))
	}
	if bytes.Equal(compactJSON(*target), next) {
		return false
	}
	*target = next
	return true
}

func compactJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	var buffer bytes.Buffer
	if err := json.Compact(&buffer, raw); err != nil {
		return raw
	}
	return buffer.Bytes()
}
