package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/hive/internal/records"
	"go.uber.org/zap"
)

const (
	// DefaultTake bounds query results when the caller does not ask for a page size.
	DefaultTake = 1000
	maxTake     = 10000
)

var sortColumns = map[string]string{
	"":          "timestamp_us",
	"timestamp": "timestamp_us",
	"id":        "id",
	"name":      "name",
	"command":   "name",
	"status":    "status",
}

// QueryRequest describes a historical range query over stored records.
type QueryRequest struct {
	Topic          records.Topic
	DeviceID       string
	Start          *time.Time
	End            *time.Time
	Name           string
	Status         string
	SortField      string
	SortDescending bool
	Take           int
	Skip           int
}

// Query lists stored records of one device within an optional time range.
func (g *Gateway) Query(ctx context.Context, request QueryRequest) ([]records.Record, error) {
	if !request.Topic.Stored() {
		err := &records.ValidationError{Field: "topic", Reason: "not a stored topic"}
		return nil, newServiceError(opQuery, "invalid_topic", err)
	}
	column, ok := sortColumns[strings.ToLower(strings.TrimSpace(request.SortField))]
	if !ok {
		err := &records.ValidationError{Field: "sortField", Reason: fmt.Sprintf("unsupported value %q", request.SortField)}
		return nil, newServiceError(opQuery, "invalid_sort_field", err)
	}
	if request.Skip < 0 {
		err := &records.ValidationError{Field: "skip", Reason: "must not be negative"}
		return nil, newServiceError(opQuery, "invalid_skip", err)
	}

	take := request.Take
	if take <= 0 {
		take = DefaultTake
	}
	if take > maxTake {
		take = maxTake
	}

	direction := "ASC"
	if request.SortDescending {
		direction = "DESC"
	}

	query := g.db.WithContext(ctx).Where("topic = ? AND device_id = ?", request.Topic, request.DeviceID)
	if request.Start != nil {
		query = query.Where("timestamp_us >= ?", request.Start.UTC().UnixMicro())
	}
	if request.End != nil {
		query = query.Where("timestamp_us <= ?", request.End.UTC().UnixMicro())
	}
	if name := strings.TrimSpace(request.Name); name != "" {
		query = query.Where("name = ?", name)
	}
	if status := strings.TrimSpace(request.Status); status != "" {
		query = query.Where("status = ?", status)
	}

	var found []records.Record
	if err := query.
		Order(fmt.Sprintf("%s %s", column, direction)).
		Order(fmt.Sprintf("id %s", direction)).
		Offset(request.Skip).
		Limit(take).
		Find(&found).Error; err != nil {
		g.logError(opQuery, "query_failed", err, zap.String("device_id", request.DeviceID))
		return nil, newServiceError(opQuery, "query_failed", err)
	}
	return found, nil
}
