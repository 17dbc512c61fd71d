package records

import (
	"errors"
	"testing"
	"time"
)

func TestFilterMatchesDeviceScopeAndNames(t *testing.T) {
	event := NewEvent(TopicCommand, Record{ID: 7, DeviceID: "D1", Name: "reboot", TimestampMicros: 200})

	tests := []struct {
		name   string
		filter Filter
		since  int64
		want   bool
	}{
		{name: "single-device", filter: Filter{Topic: TopicCommand, DeviceIDs: []string{"D1"}}, since: 100, want: true},
		{name: "other-device", filter: Filter{Topic: TopicCommand, DeviceIDs: []string{"D2"}}, since: 100, want: false},
		{name: "device-set", filter: Filter{Topic: TopicCommand, DeviceIDs: []string{"D0", "D1"}}, since: 100, want: true},
		{name: "all-devices", filter: Filter{Topic: TopicCommand}, since: 100, want: true},
		{name: "wrong-topic", filter: Filter{Topic: TopicNotification}, since: 100, want: false},
		{name: "name-allowed", filter: Filter{Topic: TopicCommand, Names: []string{"reboot", "ping"}}, since: 100, want: true},
		{name: "name-rejected", filter: Filter{Topic: TopicCommand, Names: []string{"ping"}}, since: 100, want: false},
		{name: "not-newer", filter: Filter{Topic: TopicCommand}, since: 200, want: false},
		{name: "pinned-ignores-since", filter: Filter{Topic: TopicCommand, RecordID: 7}, since: 500, want: true},
		{name: "pinned-other-record", filter: Filter{Topic: TopicCommand, RecordID: 8}, since: 0, want: false},
		{name: "status-required", filter: Filter{Topic: TopicCommand, RecordID: 7, RequireStatus: true}, since: 0, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(event, tt.since); got != tt.want {
				t.Fatalf("expected match=%v, got %v", tt.want, got)
			}
		})
	}
}

func TestParseListNormalizes(t *testing.T) {
	values := ParseList(" b, a ,,b ")
	if len(values) != 2 || values[0] != "a" || values[1] != "b" {
		t.Fatalf("unexpected list %v", values)
	}
	if ParseList("  ") != nil {
		t.Fatalf("expected nil for blank input")
	}
}

func TestParseTopic(t *testing.T) {
	topic, err := ParseTopic(" Command-Update ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if topic != TopicCommandUpdate {
		t.Fatalf("unexpected topic %q", topic)
	}
	if _, err := ParseTopic("telemetry"); !errors.Is(err, ErrUnknownTopic) {
		t.Fatalf("expected ErrUnknownTopic, got %v", err)
	}
}

func TestParseTimestampLayouts(t *testing.T) {
	expected := time.Date(2024, 3, 1, 12, 30, 15, 123456000, time.UTC)

	for _, raw := range []string{"2024-03-01T12:30:15.123456", "2024-03-01T12:30:15.123456Z", "2024-03-01T14:30:15.123456+02:00"} {
		parsed, err := ParseTimestamp(raw)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", raw, err)
		}
		if !parsed.Equal(expected) {
			t.Fatalf("expected %v for %q, got %v", expected, raw, parsed)
		}
	}

	if _, err := ParseTimestamp("yesterday"); !errors.Is(err, ErrInvalidTimestamp) {
		t.Fatalf("expected ErrInvalidTimestamp, got %v", err)
	}
	if FormatTimestamp(expected.UnixMicro()) != "2024-03-01T12:30:15.123456" {
		t.Fatalf("unexpected formatted timestamp %q", FormatTimestamp(expected.UnixMicro()))
	}
}

func TestRecordValidate(t *testing.T) {
	valid := Record{Topic: TopicCommand, DeviceID: "D1", Name: "reboot"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	invalid := []Record{
		{Topic: TopicCommandUpdate, DeviceID: "D1", Name: "reboot"},
		{Topic: TopicCommand, DeviceID: " ", Name: "reboot"},
		{Topic: TopicNotification, DeviceID: "D1"},
		{Topic: TopicCommand, DeviceID: "D1", Name: "reboot", Lifetime: -1},
	}
	for index, record := range invalid {
		if err := record.Validate(); !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", index, err)
		}
	}
}
