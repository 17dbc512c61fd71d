package records

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Topic names a channel of message traffic.
type Topic string

const (
	// TopicCommand carries commands issued by clients to devices.
	TopicCommand Topic = "command"
	// TopicNotification carries notifications published by devices.
	TopicNotification Topic = "notification"
	// TopicCommandUpdate carries device reports that modify a stored command.
	TopicCommandUpdate Topic = "command-update"
)

const maxIdentifierLength = 190

// Topics lists every topic the delivery core consumes.
func Topics() []Topic {
	return []Topic{TopicCommand, TopicNotification, TopicCommandUpdate}
}

// ParseTopic validates raw input and returns a Topic.
func ParseTopic(rawInput string) (Topic, error) {
	switch Topic(strings.ToLower(strings.TrimSpace(rawInput))) {
	case TopicCommand:
		return TopicCommand, nil
	case TopicNotification:
		return TopicNotification, nil
	case TopicCommandUpdate:
		return TopicCommandUpdate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTopic, rawInput)
	}
}

// String returns the underlying topic name.
func (t Topic) String() string {
	return string(t)
}

// Stored reports whether records of the topic are persisted as their own rows.
// Command updates modify command rows instead.
func (t Topic) Stored() bool {
	return t == TopicCommand || t == TopicNotification
}

// Record is the persisted envelope shared by commands and notifications.
type Record struct {
	ID              int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	MessageID       string         `gorm:"column:message_id;size:64;uniqueIndex:idx_device_records_message_id,where:message_id <> ''" json:"messageId,omitempty"`
	Topic           Topic          `gorm:"column:topic;size:32;not null;index:idx_records_device_topic_ts,priority:2;index:idx_records_topic_ts,priority:1" json:"topic"`
	DeviceID        string         `gorm:"column:device_id;size:190;not null;index:idx_records_device_topic_ts,priority:1" json:"deviceId"`
	Name            string         `gorm:"column:name;size:190;not null" json:"name"`
	TimestampMicros int64          `gorm:"column:timestamp_us;not null;index:idx_records_device_topic_ts,priority:3;index:idx_records_topic_ts,priority:2" json:"timestampUs,omitempty"`
	Parameters      datatypes.JSON `gorm:"column:parameters" json:"parameters,omitempty"`
	Lifetime        int            `gorm:"column:lifetime;not null;default:0" json:"lifetime,omitempty"`
	Flags           int            `gorm:"column:flags;not null;default:0" json:"flags,omitempty"`
	Status          string         `gorm:"column:status;size:190;not null;default:''" json:"status,omitempty"`
	Result          datatypes.JSON `gorm:"column:result" json:"result,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "device_records"
}

// Timestamp converts the stored microsecond timestamp to a UTC time.
func (r Record) Timestamp() time.Time {
	return time.UnixMicro(r.TimestampMicros).UTC()
}

// Validate checks the fields a publisher must supply before a record enters the broker.
func (r Record) Validate() error {
	if !r.Topic.Stored() {
		return &ValidationError{Field: "topic", Reason: fmt.Sprintf("topic %q is not persisted", r.Topic)}
	}
	if err := validateIdentifier("deviceId", r.DeviceID); err != nil {
		return err
	}
	if err := validateIdentifier("name", r.Name); err != nil {
		return err
	}
	if r.Lifetime < 0 {
		return &ValidationError{Field: "lifetime", Reason: "must not be negative"}
	}
	return nil
}

func validateIdentifier(field, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return &ValidationError{Field: field, Reason: "empty"}
	}
	if len(trimmed) > maxIdentifierLength {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("exceeds %d characters", maxIdentifierLength)}
	}
	return nil
}

// Event is a persisted, matchable unit of work produced from one inbound broker message.
type Event struct {
	Topic    Topic
	DeviceID string
	Record   Record
}

// NewEvent builds the dispatch event for a persisted record.
func NewEvent(topic Topic, record Record) Event {
	return Event{Topic: topic, DeviceID: record.DeviceID, Record: record}
}
