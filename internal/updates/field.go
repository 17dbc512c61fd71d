package updates

import (
	"bytes"
	"encoding/json"
)

// State is the presence state of a sparse field.
type State uint8

const (
	// StateAbsent leaves the stored value untouched.
	StateAbsent State = iota
	// StateNull clears the stored value to its zero value.
	StateNull
	// StateValue overwrites the stored value.
	StateValue
)

// String returns a readable state name.
func (s State) String() string {
	switch s {
	case StateNull:
		return "null"
	case StateValue:
		return "value"
	default:
		return "absent"
	}
}

var nullLiteral = []byte("null")

// Field is a three-state wrapper: absent, explicit null, or a value.
// The zero value is absent, so a JSON key that never appears stays absent.
type Field[T any] struct {
	state State
	value T
}

// Absent returns a field that does not take part in a merge.
func Absent[T any]() Field[T] {
	return Field[T]{}
}

// Null returns a field that clears the stored value.
func Null[T any]() Field[T] {
	return Field[T]{state: StateNull}
}

// Value returns a field that overwrites the stored value.
func Value[T any](value T) Field[T] {
	return Field[T]{state: StateValue, value: value}
}

// State reports the presence state.
func (f Field[T]) State() State {
	return f.state
}

// IsAbsent reports whether the field was omitted.
func (f Field[T]) IsAbsent() bool {
	return f.state == StateAbsent
}

// IsNull reports whether the field was an explicit null.
func (f Field[T]) IsNull() bool {
	return f.state == StateNull
}

// IsPresent reports whether the field carries a value.
func (f Field[T]) IsPresent() bool {
	return f.state == StateValue
}

// Get returns the carried value and whether one is present.
func (f Field[T]) Get() (T, bool) {
	return f.value, f.state == StateValue
}

// IsZero lets `omitzero` drop absent fields when encoding.
func (f Field[T]) IsZero() bool {
	return f.state == StateAbsent
}

// resolve returns the value the field produces when applied over current,
// and whether the field takes part in the merge at all.
func (f Field[T]) resolve(current T) (T, bool) {
	switch f.state {
	case StateNull:
		var zero T
		return zero, true
	case StateValue:
		return f.value, true
	default:
		return current, false
	}
}

// MarshalJSON encodes null for null and absent fields; pair it with `omitzero`.
func (f Field[T]) MarshalJSON() ([]byte, error) {
	if f.state != StateValue {
		return nullLiteral, nil
	}
	return json.Marshal(f.value)
}

// UnmarshalJSON is only invoked for keys present in the document.
func (f *Field[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), nullLiteral) {
		var zero T
		f.state = StateNull
		f.value = zero
		return nil
	}
	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	f.state = StateValue
	f.value = value
	return nil
}
