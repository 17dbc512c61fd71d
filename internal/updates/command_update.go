package updates

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/hive/internal/records"
)

const maxStatusLength = 190

// Field names reported in the applied set.
const (
	FieldID         = "id"
	FieldDeviceID   = "deviceId"
	FieldTimestamp  = "timestamp"
	FieldCommand    = "command"
	FieldParameters = "parameters"
	FieldLifetime   = "lifetime"
	FieldFlags      = "flags"
	FieldStatus     = "status"
	FieldResult     = "result"
)

// CommandUpdate is a sparse modification of a stored command, typically a device
// reporting execution status and result.
type CommandUpdate struct {
	ID         Field[int64]           `json:"id,omitzero"`
	DeviceID   Field[string]          `json:"deviceId,omitzero"`
	Timestamp  Field[string]          `json:"timestamp,omitzero"`
	Command    Field[string]          `json:"command,omitzero"`
	Parameters Field[json.RawMessage] `json:"parameters,omitzero"`
	Lifetime   Field[int]             `json:"lifetime,omitzero"`
	Flags      Field[int]             `json:"flags,omitzero"`
	Status     Field[string]          `json:"status,omitzero"`
	Result     Field[json.RawMessage] `json:"result,omitzero"`
}

// Decode parses a JSON document into a CommandUpdate.
func Decode(payload []byte) (CommandUpdate, error) {
	var update CommandUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		return CommandUpdate{}, &records.ValidationError{Field: "update", Reason: err.Error()}
	}
	return update, nil
}

// Encode renders the update as JSON, omitting absent fields.
func (u CommandUpdate) Encode() ([]byte, error) {
	return json.Marshal(u)
}

// Empty reports whether no field is present.
func (u CommandUpdate) Empty() bool {
	return u.ID.IsAbsent() && u.DeviceID.IsAbsent() && u.Timestamp.IsAbsent() &&
		u.Command.IsAbsent() && u.Parameters.IsAbsent() && u.Lifetime.IsAbsent() &&
		u.Flags.IsAbsent() && u.Status.IsAbsent() && u.Result.IsAbsent()
}

// Validate rejects structurally malformed updates. Checks against the stored
// record happen in Merge.
func (u CommandUpdate) Validate() error {
	if lifetime, ok := u.Lifetime.Get(); ok && lifetime < 0 {
		return &records.ValidationError{Field: FieldLifetime, Reason: "must not be negative"}
	}
	if status, ok := u.Status.Get(); ok {
		if len(status) > maxStatusLength {
			return &records.ValidationError{Field: FieldStatus, Reason: fmt.Sprintf("exceeds %d characters", maxStatusLength)}
		}
		// An empty status means "not reported"; clearing it takes an explicit null.
		if strings.TrimSpace(status) == "" {
			return &records.ValidationError{Field: FieldStatus, Reason: "blank; send null to clear"}
		}
	}
	if raw, ok := u.Timestamp.Get(); ok {
		if _, err := records.ParseTimestamp(raw); err != nil {
			return &records.ValidationError{Field: FieldTimestamp, Reason: err.Error()}
		}
	}
	for name, field := range map[string]Field[json.RawMessage]{FieldParameters: u.Parameters, FieldResult: u.Result} {
		if raw, ok := field.Get(); ok && !json.Valid(raw) {
			return &records.ValidationError{Field: name, Reason: "not valid JSON"}
		}
	}
	return nil
}
