package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/hive/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultSinceLimit = 1000

var noOpLogger = zap.NewNop()

// Config describes the dependencies of the Gateway.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Gateway persists commands, notifications and their update history.
// Inserts are serialized so that assigned timestamps follow persist order.
type Gateway struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger

	insertMu   sync.Mutex
	lastMicros int64
}

// NewGateway constructs a Gateway and seeds the timestamp sequence from stored data.
func NewGateway(cfg Config) (*Gateway, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opGatewayNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	gateway := &Gateway{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}

	var latest struct{ Latest int64 }
	if err := cfg.Database.Model(&records.Record{}).
		Select("COALESCE(MAX(timestamp_us), 0) AS latest").
		Scan(&latest).Error; err != nil {
		return nil, newServiceError(opGatewayNew, "seed_failed", err)
	}
	gateway.lastMicros = latest.Latest

	return gateway, nil
}

// Insert persists a fresh record, assigning its id and, when absent, its timestamp.
// A record whose message id or id is already stored is returned unchanged with
// created=false, which makes broker redelivery harmless.
func (g *Gateway) Insert(ctx context.Context, record records.Record) (records.Record, bool, error) {
	if !record.Topic.Stored() {
		err := &records.ValidationError{Field: "topic", Reason: "not a stored topic"}
		return records.Record{}, false, newServiceError(opInsert, "invalid_topic", err)
	}

	g.insertMu.Lock()
	defer g.insertMu.Unlock()

	db := g.db.WithContext(ctx)

	existing, found, err := g.findExisting(db, record)
	if err != nil {
		g.logError(opInsert, "lookup_failed", err, zap.String("message_id", record.MessageID))
		return records.Record{}, false, newServiceError(opInsert, "lookup_failed", err)
	}
	if found {
		return existing, false, nil
	}

	record.ID = 0
	if record.TimestampMicros == 0 {
		record.TimestampMicros = g.nextTimestamp()
	} else if record.TimestampMicros > g.lastMicros {
		g.lastMicros = record.TimestampMicros
	}

	if err := db.Create(&record).Error; err != nil {
		g.logError(opInsert, "create_failed", err,
			zap.String("device_id", record.DeviceID),
			zap.String("topic", record.Topic.String()))
		return records.Record{}, false, newServiceError(opInsert, "create_failed", err)
	}

	return record, true, nil
}

func (g *Gateway) findExisting(db *gorm.DB, record records.Record) (records.Record, bool, error) {
	var existing records.Record
	var err error
	switch {
	case record.MessageID != "":
		err = db.Where("message_id = ?", record.MessageID).Take(&existing).Error
	case record.ID != 0:
		err = db.Where("id = ? AND topic = ?", record.ID, record.Topic).Take(&existing).Error
	default:
		return records.Record{}, false, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return records.Record{}, false, nil
	}
	if err != nil {
		return records.Record{}, false, err
	}
	return existing, true, nil
}

// nextTimestamp hands out strictly increasing microsecond timestamps. Callers hold insertMu.
func (g *Gateway) nextTimestamp() int64 {
	now := g.clock().UTC().UnixMicro()
	if now <= g.lastMicros {
		now = g.lastMicros + 1
	}
	g.lastMicros = now
	return now
}

// GetSince returns records matching filter with a timestamp after sinceMicros,
// ordered by timestamp and then insertion sequence.
func (g *Gateway) GetSince(ctx context.Context, filter records.Filter, sinceMicros int64, limit int) ([]records.Record, error) {
	topic := filter.Topic
	if topic == records.TopicCommandUpdate {
		topic = records.TopicCommand
	}
	if !topic.Stored() {
		err := &records.ValidationError{Field: "topic", Reason: "not a stored topic"}
		return nil, newServiceError(opGetSince, "invalid_topic", err)
	}
	if limit <= 0 {
		limit = defaultSinceLimit
	}

	query := g.db.WithContext(ctx).Where("topic = ?", topic)
	if filter.RecordID != 0 {
		query = query.Where("id = ?", filter.RecordID)
	} else {
		query = query.Where("timestamp_us > ?", sinceMicros)
	}
	if !filter.AllDevices() {
		query = query.Where("device_id IN ?", filter.DeviceIDs)
	}
	if len(filter.Names) > 0 {
		query = query.Where("name IN ?", filter.Names)
	}
	if filter.RequireStatus {
		query = query.Where("status <> ''")
	}

	var found []records.Record
	if err := query.Order("timestamp_us ASC").Order("id ASC").Limit(limit).Find(&found).Error; err != nil {
		g.logError(opGetSince, "query_failed", err, zap.String("topic", topic.String()))
		return nil, newServiceError(opGetSince, "query_failed", err)
	}
	return found, nil
}

// GetByID loads a record by topic and id. Command updates resolve to commands.
func (g *Gateway) GetByID(ctx context.Context, topic records.Topic, id int64) (records.Record, error) {
	if id == 0 {
		return records.Record{}, newServiceError(opGetByID, "missing_id", errMissingRecordID)
	}
	if topic == records.TopicCommandUpdate {
		topic = records.TopicCommand
	}

	var record records.Record
	err := g.db.WithContext(ctx).Where("id = ? AND topic = ?", id, topic).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return records.Record{}, newServiceError(opGetByID, "not_found", records.ErrNotFound)
	}
	if err != nil {
		g.logError(opGetByID, "query_failed", err, zap.Int64("record_id", id))
		return records.Record{}, newServiceError(opGetByID, "query_failed", err)
	}
	return record, nil
}

// Update persists the merged state of a command and appends a history row in one transaction.
func (g *Gateway) Update(ctx context.Context, record records.Record, applied []string, payloadJSON string) error {
	if record.ID == 0 {
		return newServiceError(opUpdate, "missing_id", errMissingRecordID)
	}

	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current records.Record
		err := tx.Where("id = ? AND topic = ?", record.ID, records.TopicCommand).Take(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdate, "not_found", records.ErrNotFound)
		}
		if err != nil {
			g.logError(opUpdate, "select_failed", err, zap.Int64("record_id", record.ID))
			return newServiceError(opUpdate, "select_failed", err)
		}

		if err := tx.Model(&current).
			Select("name", "parameters", "lifetime", "flags", "status", "result").
			Updates(&record).Error; err != nil {
			g.logError(opUpdate, "save_failed", err, zap.Int64("record_id", record.ID))
			return newServiceError(opUpdate, "save_failed", err)
		}

		history := CommandUpdateHistory{
			CommandID:       record.ID,
			DeviceID:        current.DeviceID,
			AppliedFields:   strings.Join(applied, ","),
			PayloadJSON:     payloadJSON,
			AppliedAtMicros: g.clock().UTC().UnixMicro(),
		}
		if err := tx.Create(&history).Error; err != nil {
			g.logError(opUpdate, "history_insert_failed", err, zap.Int64("record_id", record.ID))
			return newServiceError(opUpdate, "history_insert_failed", err)
		}
		return nil
	})
}

// History lists the applied updates of a command, oldest first.
func (g *Gateway) History(ctx context.Context, commandID int64) ([]CommandUpdateHistory, error) {
	var history []CommandUpdateHistory
	if err := g.db.WithContext(ctx).
		Where("command_id = ?", commandID).
		Order("applied_at_us ASC").Order("id ASC").
		Find(&history).Error; err != nil {
		g.logError(opHistory, "query_failed", err, zap.Int64("record_id", commandID))
		return nil, newServiceError(opHistory, "query_failed", err)
	}
	return history, nil
}

func (g *Gateway) loggerOrDefault() *zap.Logger {
	if g == nil || g.logger == nil {
		return noOpLogger
	}
	return g.logger
}

func (g *Gateway) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	g.loggerOrDefault().Error("store gateway error", attrs...)
}
