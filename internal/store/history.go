package store

import "strings"

// CommandUpdateHistory captures an append-only audit trail of merges applied to commands.
type CommandUpdateHistory struct {
	ID              int64  `gorm:"column:id;primaryKey;autoIncrement"`
	CommandID       int64  `gorm:"column:command_id;not null;index:idx_command_history_command,priority:1"`
	DeviceID        string `gorm:"column:device_id;size:190;not null"`
	AppliedFields   string `gorm:"column:applied_fields;size:190;not null"`
	PayloadJSON     string `gorm:"column:payload_json;type:text;not null"`
	AppliedAtMicros int64  `gorm:"column:applied_at_us;not null;index:idx_command_history_command,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (CommandUpdateHistory) TableName() string {
	return "command_update_history"
}

// Fields splits the stored applied field list.
func (h CommandUpdateHistory) Fields() []string {
	if h.AppliedFields == "" {
		return nil
	}
	return strings.Split(h.AppliedFields, ",")
}
