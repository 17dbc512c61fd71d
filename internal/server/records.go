package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/hive/internal/longpoll"
	"github.com/MarcoPoloResearchLab/hive/internal/records"
	"github.com/MarcoPoloResearchLab/hive/internal/store"
	"github.com/MarcoPoloResearchLab/hive/internal/updates"
	"github.com/gin-gonic/gin"
)

const maxRequestBody = 1 << 20

type recordPayload struct {
	ID           int64           `json:"id"`
	MessageID    string          `json:"messageId,omitempty"`
	Command      string          `json:"command,omitempty"`
	Notification string          `json:"notification,omitempty"`
	DeviceID     string          `json:"deviceId"`
	Timestamp    string          `json:"timestamp"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	Lifetime     int             `json:"lifetime,omitempty"`
	Flags        int             `json:"flags,omitempty"`
	Status       string          `json:"status,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

func newRecordPayload(record records.Record) recordPayload {
	payload := recordPayload{
		ID:        record.ID,
		MessageID: record.MessageID,
		DeviceID:  record.DeviceID,
		Timestamp: records.FormatTimestamp(record.TimestampMicros),
	}
	if len(record.Parameters) > 0 {
		payload.Parameters = json.RawMessage(record.Parameters)
	}
	if record.Topic == records.TopicNotification {
		payload.Notification = record.Name
		return payload
	}
	payload.Command = record.Name
	payload.Lifetime = record.Lifetime
	payload.Flags = record.Flags
	payload.Status = record.Status
	if len(record.Result) > 0 {
		payload.Result = json.RawMessage(record.Result)
	}
	return payload
}

func newRecordPayloads(found []records.Record) []recordPayload {
	payloads := make([]recordPayload, 0, len(found))
	for _, record := range found {
		payloads = append(payloads, newRecordPayload(record))
	}
	return payloads
}

type submitRequestPayload struct {
	Command      string          `json:"command"`
	Notification string          `json:"notification"`
	Parameters   json.RawMessage `json:"parameters"`
	Lifetime     int             `json:"lifetime"`
	Flags        int             `json:"flags"`
}

type submitResponsePayload struct {
	MessageID string `json:"messageId"`
}

type updateResponsePayload struct {
	AppliedFields []string `json:"appliedFields"`
}

type historyPayload struct {
	AppliedFields []string        `json:"appliedFields"`
	Update        json.RawMessage `json:"update"`
	AppliedAt     string          `json:"appliedAt"`
}

func newHistoryPayloads(history []store.CommandUpdateHistory) []historyPayload {
	payloads := make([]historyPayload, 0, len(history))
	for _, entry := range history {
		fields := entry.Fields()
		if fields == nil {
			fields = []string{}
		}
		payloads = append(payloads, historyPayload{
			AppliedFields: fields,
			Update:        json.RawMessage(entry.PayloadJSON),
			AppliedAt:     records.FormatTimestamp(entry.AppliedAtMicros),
		})
	}
	return payloads
}

func (h *httpHandler) handlePoll(topic records.Topic) gin.HandlerFunc {
	return func(c *gin.Context) {
		deviceIDs := records.ParseList(c.Query("deviceIds"))
		if len(deviceIDs) == 0 {
			deviceIDs = records.ParseList(c.Query("deviceGuids"))
		}
		if deviceID := strings.TrimSpace(c.Param("deviceId")); deviceID != "" {
			deviceIDs = []string{deviceID}
		}

		since, err := parseOptionalTimestamp(c.Query("timestamp"))
		if err != nil {
			h.writeError(c, err)
			return
		}
		wait, err := h.parseWaitTimeout(c.Query("waitTimeout"))
		if err != nil {
			h.writeError(c, err)
			return
		}

		found, err := h.delivery.Poll(c.Request.Context(), longpoll.PollRequest{
			Filter: records.Filter{
				Topic:     topic,
				DeviceIDs: deviceIDs,
				Names:     records.ParseList(c.Query("names")),
			},
			Since:       since,
			WaitTimeout: wait,
		})
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, newRecordPayloads(found))
	}
}

func (h *httpHandler) handleWaitForTerminal(c *gin.Context) {
	commandID, err := parseRecordID(c.Param("commandId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	wait, err := h.parseWaitTimeout(c.Query("waitTimeout"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	record, terminal, err := h.delivery.WaitForTerminal(c.Request.Context(), c.Param("deviceId"), commandID, wait)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !terminal {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, newRecordPayload(record))
}

func (h *httpHandler) handleGet(topic records.Topic, idParam string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseRecordID(c.Param(idParam))
		if err != nil {
			h.writeError(c, err)
			return
		}
		record, err := h.delivery.Get(c.Request.Context(), topic, c.Param("deviceId"), id)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, newRecordPayload(record))
	}
}

func (h *httpHandler) handleQuery(topic records.Topic) gin.HandlerFunc {
	nameParam := "command"
	if topic == records.TopicNotification {
		nameParam = "notification"
	}
	return func(c *gin.Context) {
		start, err := parseOptionalTimestamp(c.Query("start"))
		if err != nil {
			h.writeError(c, err)
			return
		}
		end, err := parseOptionalTimestamp(c.Query("end"))
		if err != nil {
			h.writeError(c, err)
			return
		}
		descending, err := parseSortOrder(c.Query("sortOrder"))
		if err != nil {
			h.writeError(c, err)
			return
		}
		take, err := parseOptionalInt("take", c.Query("take"))
		if err != nil {
			h.writeError(c, err)
			return
		}
		skip, err := parseOptionalInt("skip", c.Query("skip"))
		if err != nil {
			h.writeError(c, err)
			return
		}

		found, err := h.delivery.Query(c.Request.Context(), store.QueryRequest{
			Topic:          topic,
			DeviceID:       c.Param("deviceId"),
			Start:          start,
			End:            end,
			Name:           c.Query(nameParam),
			Status:         c.Query("status"),
			SortField:      c.Query("sortField"),
			SortDescending: descending,
			Take:           take,
			Skip:           skip,
		})
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, newRecordPayloads(found))
	}
}

func (h *httpHandler) handleSubmit(topic records.Topic) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request submitRequestPayload
		if err := c.ShouldBindJSON(&request); err != nil {
			h.writeError(c, &records.ValidationError{Field: "body", Reason: err.Error()})
			return
		}
		if len(request.Parameters) > 0 && !json.Valid(request.Parameters) {
			h.writeError(c, &records.ValidationError{Field: "parameters", Reason: "not valid JSON"})
			return
		}

		record := records.Record{
			Topic:      topic,
			DeviceID:   c.Param("deviceId"),
			Parameters: []byte(request.Parameters),
		}
		if topic == records.TopicNotification {
			record.Name = request.Notification
		} else {
			record.Name = request.Command
			record.Lifetime = request.Lifetime
			record.Flags = request.Flags
		}

		submission, err := h.delivery.SubmitRecord(c.Request.Context(), record)
		if err != nil {
			h.writeError(c, err)
			return
		}
		if submission.Pending {
			c.JSON(http.StatusAccepted, submitResponsePayload{MessageID: submission.MessageID})
			return
		}
		c.JSON(http.StatusCreated, newRecordPayload(submission.Record))
	}
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	commandID, err := parseRecordID(c.Param("commandId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil {
		h.writeError(c, &records.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	update, err := updates.Decode(body)
	if err != nil {
		h.writeError(c, err)
		return
	}

	submission, err := h.delivery.SubmitUpdate(c.Request.Context(), c.Param("deviceId"), commandID, update)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if submission.Pending {
		c.JSON(http.StatusAccepted, submitResponsePayload{MessageID: submission.MessageID})
		return
	}
	c.JSON(http.StatusOK, updateResponsePayload{AppliedFields: submission.AppliedFields})
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	commandID, err := parseRecordID(c.Param("commandId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	history, err := h.delivery.History(c.Request.Context(), c.Param("deviceId"), commandID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newHistoryPayloads(history))
}

// parseWaitTimeout reads whole seconds within [0, maxWait]; empty means the default.
func (h *httpHandler) parseWaitTimeout(raw string) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return h.defaultWait, nil
	}
	seconds, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, &records.ValidationError{Field: "waitTimeout", Reason: "not an integer"}
	}
	maxSeconds := int64(h.maxWait / time.Second)
	if seconds < 0 || seconds > maxSeconds {
		return 0, &records.ValidationError{Field: "waitTimeout", Reason: "must be between 0 and " + strconv.FormatInt(maxSeconds, 10)}
	}
	return time.Duration(seconds) * time.Second, nil
}

func parseOptionalTimestamp(raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parsed, err := records.ParseTimestamp(raw)
	if err != nil {
		return nil, &records.ValidationError{Field: "timestamp", Reason: "unparseable timestamp"}
	}
	return &parsed, nil
}

func parseRecordID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, &records.ValidationError{Field: "id", Reason: "must be a positive integer"}
	}
	return id, nil
}

func parseOptionalInt(field, raw string) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value < 0 {
		return 0, &records.ValidationError{Field: field, Reason: "must be a non-negative integer"}
	}
	return value, nil
}

func parseSortOrder(raw string) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "ASC":
		return false, nil
	case "DESC":
		return true, nil
	default:
		return false, &records.ValidationError{Field: "sortOrder", Reason: "must be ASC or DESC"}
	}
}
