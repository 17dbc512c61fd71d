// Package delivery is the facade the HTTP layer calls: long polls, terminal
// waits, command and notification submission, command updates and history
// queries.
//
// Submissions travel through the broker. When a receipt source is configured
// the service waits a bounded time for the dispatcher's verdict on the
// published message and reports the stored record or the applied fields;
// otherwise, or when the verdict is late, the submission is reported pending.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/hive/internal/broker"
	"github.com/MarcoPoloResearchLab/hive/internal/dispatch"
	"github.com/MarcoPoloResearchLab/hive/internal/longpoll"
	"github.com/MarcoPoloResearchLab/hive/internal/records"
	"github.com/MarcoPoloResearchLab/hive/internal/store"
	"github.com/MarcoPoloResearchLab/hive/internal/updates"
	"go.uber.org/zap"
)

const defaultReceiptTimeout = 5 * time.Second

var (
	errMissingStore      = errors.New("store dependency required")
	errMissingPoller     = errors.New("poller dependency required")
	errMissingPublisher  = errors.New("publisher dependency required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "delivery.service.new"
	opSubmitRecord  = "delivery.submit_record"
	opSubmitUpdate  = "delivery.submit_update"
	opGet           = "delivery.get"
	opPoll          = "delivery.poll"
	opWaitTerminal  = "delivery.wait_for_terminal"
	opQueryRecords  = "delivery.query"
	opHistory       = "delivery.history"
	reasonPublish   = "publish_failed"
	reasonDispatch  = "dispatch_failed"
	reasonNotFound  = "not_found"
	reasonInvalid   = "invalid_input"
	reasonLoad      = "load_failed"
	reasonEncode    = "encode_failed"
	reasonIDFailure = "id_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Store is the read side of persistence used by the facade.
type Store interface {
	GetByID(ctx context.Context, topic records.Topic, id int64) (records.Record, error)
	Query(ctx context.Context, request store.QueryRequest) ([]records.Record, error)
	History(ctx context.Context, commandID int64) ([]store.CommandUpdateHistory, error)
}

// Poller runs long polls.
type Poller interface {
	Poll(ctx context.Context, request longpoll.PollRequest) ([]records.Record, error)
	WaitForTerminal(ctx context.Context, deviceID string, commandID int64, wait time.Duration) (records.Record, bool, error)
}

// ReceiptSource reports what the dispatcher did with a published message.
type ReceiptSource interface {
	Expect(messageID string) (<-chan dispatch.Receipt, func())
}

// Submission describes a published command, notification or command update.
type Submission struct {
	MessageID string
	// Record is the stored command or notification.
	Record records.Record
	// AppliedFields lists the fields a command update changed.
	AppliedFields []string
	// Pending is set when no dispatch verdict arrived in time; the message is
	// still delivered.
	Pending bool
}

// IDProvider issues broker message identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the Service.
type ServiceConfig struct {
	Store      Store
	Poller     Poller
	Publisher  broker.Publisher
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger

	// ReceiptTimeout bounds the wait for a dispatch verdict from Receipts.
	Receipts       ReceiptSource
	ReceiptTimeout time.Duration
}

// Service implements the REST-facing operations.
type Service struct {
	store      Store
	poller     Poller
	publisher  broker.Publisher
	idProvider     IDProvider
	receipts       ReceiptSource
	receiptTimeout time.Duration
	clock          func() time.Time
	logger         *zap.Logger
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Poller == nil {
		return nil, newServiceError(opServiceNew, "missing_poller", errMissingPoller)
	}
	if cfg.Publisher == nil {
		return nil, newServiceError(opServiceNew, "missing_publisher", errMissingPublisher)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	receiptTimeout := cfg.ReceiptTimeout
	if receiptTimeout <= 0 {
		receiptTimeout = defaultReceiptTimeout
	}

	return &Service{
		store:          cfg.Store,
		poller:         cfg.Poller,
		publisher:      cfg.Publisher,
		idProvider:     cfg.IDProvider,
		receipts:       cfg.Receipts,
		receiptTimeout: receiptTimeout,
		clock:          clock,
		logger:         logger,
	}, nil
}

// Poll waits for commands or notifications matching the request.
func (s *Service) Poll(ctx context.Context, request longpoll.PollRequest) ([]records.Record, error) {
	if !request.Filter.Topic.Stored() {
		err := &records.ValidationError{Field: "topic", Reason: "only commands and notifications can be polled"}
		return nil, newServiceError(opPoll, reasonInvalid, err)
	}
	return s.poller.Poll(ctx, request)
}

// WaitForTerminal waits until the device reports a status for the command.
func (s *Service) WaitForTerminal(ctx context.Context, deviceID string, commandID int64, wait time.Duration) (records.Record, bool, error) {
	record, terminal, err := s.poller.WaitForTerminal(ctx, deviceID, commandID, wait)
	if errors.Is(err, records.ErrNotFound) {
		return records.Record{}, false, newServiceError(opWaitTerminal, reasonNotFound, err)
	}
	return record, terminal, err
}

// SubmitRecord publishes a new command or notification. The store assigns the
// record id and timestamp when the dispatcher persists it; the returned
// submission carries the stored record unless it is pending.
func (s *Service) SubmitRecord(ctx context.Context, record records.Record) (Submission, error) {
	if err := record.Validate(); err != nil {
		return Submission{}, newServiceError(opSubmitRecord, reasonInvalid, err)
	}

	messageID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSubmitRecord, reasonIDFailure, err)
		return Submission{}, newServiceError(opSubmitRecord, reasonIDFailure, err)
	}
	record.ID = 0
	record.MessageID = messageID
	record.TimestampMicros = 0
	record.Status = ""
	record.Result = nil

	payload, err := json.Marshal(record)
	if err != nil {
		return Submission{}, newServiceError(opSubmitRecord, reasonEncode, err)
	}

	receipt, received, err := s.publish(ctx, opSubmitRecord, broker.Message{
		ID:                messageID,
		Topic:             record.Topic,
		DeviceID:          record.DeviceID,
		Payload:           payload,
		PublishedAtMicros: s.clock().UTC().UnixMicro(),
	})
	if err != nil {
		return Submission{}, err
	}
	if !received {
		return Submission{MessageID: messageID, Pending: true}, nil
	}
	if receipt.Err != nil {
		return Submission{}, receiptError(opSubmitRecord, receipt.Err)
	}
	return Submission{MessageID: messageID, Record: receipt.Record}, nil
}

// SubmitUpdate validates a command update against the stored command and
// publishes it. The submission lists the fields the dispatcher changed, which
// is empty when the update repeats the stored state.
func (s *Service) SubmitUpdate(ctx context.Context, deviceID string, commandID int64, update updates.CommandUpdate) (Submission, error) {
	if err := update.Validate(); err != nil {
		return Submission{}, newServiceError(opSubmitUpdate, reasonInvalid, err)
	}

	stored, err := s.Get(ctx, records.TopicCommand, deviceID, commandID)
	if err != nil {
		return Submission{}, err
	}
	// Immutable-field violations are caught before publishing. The applied set
	// is decided by the dispatcher against the state it finds.
	if _, _, err := updates.Merge(stored, update); err != nil {
		return Submission{}, newServiceError(opSubmitUpdate, reasonInvalid, err)
	}

	payload, err := update.Encode()
	if err != nil {
		return Submission{}, newServiceError(opSubmitUpdate, reasonEncode, err)
	}
	messageID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSubmitUpdate, reasonIDFailure, err)
		return Submission{}, newServiceError(opSubmitUpdate, reasonIDFailure, err)
	}

	receipt, received, err := s.publish(ctx, opSubmitUpdate, broker.Message{
		ID:                messageID,
		Topic:             records.TopicCommandUpdate,
		DeviceID:          deviceID,
		RecordID:          commandID,
		Payload:           payload,
		PublishedAtMicros: s.clock().UTC().UnixMicro(),
	})
	if err != nil {
		return Submission{}, err
	}
	if !received {
		return Submission{MessageID: messageID, Pending: true}, nil
	}
	if receipt.Err != nil {
		return Submission{}, receiptError(opSubmitUpdate, receipt.Err)
	}
	applied := receipt.AppliedFields
	if applied == nil {
		applied = []string{}
	}
	return Submission{MessageID: messageID, AppliedFields: applied}, nil
}

// publish sends message and waits for its dispatch receipt. received is false
// when no receipt source is configured or the verdict did not arrive in time.
func (s *Service) publish(ctx context.Context, operation string, message broker.Message) (dispatch.Receipt, bool, error) {
	var (
		receipts <-chan dispatch.Receipt
		forget   = func() {}
	)
	if s.receipts != nil {
		receipts, forget = s.receipts.Expect(message.ID)
	}
	defer forget()

	if err := s.publisher.Publish(ctx, message); err != nil {
		s.logError(operation, reasonPublish, err,
			zap.String("device_id", message.DeviceID),
			zap.Int64("record_id", message.RecordID))
		return dispatch.Receipt{}, false, newServiceError(operation, reasonPublish, err)
	}
	if receipts == nil {
		return dispatch.Receipt{}, false, nil
	}

	timer := time.NewTimer(s.receiptTimeout)
	defer timer.Stop()
	select {
	case receipt := <-receipts:
		return receipt, true, nil
	case <-timer.C:
		s.logger.Warn("dispatch receipt timed out",
			zap.String("operation", operation),
			zap.String("message_id", message.ID),
			zap.Duration("timeout", s.receiptTimeout))
		return dispatch.Receipt{}, false, nil
	case <-ctx.Done():
		return dispatch.Receipt{}, false, ctx.Err()
	}
}

func receiptError(operation string, err error) error {
	switch {
	case errors.Is(err, records.ErrNotFound):
		return newServiceError(operation, reasonNotFound, err)
	case errors.Is(err, records.ErrValidation), errors.Is(err, records.ErrUnknownTopic):
		return newServiceError(operation, reasonInvalid, err)
	default:
		return newServiceError(operation, reasonDispatch, err)
	}
}

// Get loads one record owned by deviceID.
func (s *Service) Get(ctx context.Context, topic records.Topic, deviceID string, id int64) (records.Record, error) {
	record, err := s.store.GetByID(ctx, topic, id)
	if errors.Is(err, records.ErrNotFound) {
		return records.Record{}, newServiceError(opGet, reasonNotFound, err)
	}
	if err != nil {
		return records.Record{}, newServiceError(opGet, reasonLoad, err)
	}
	if record.DeviceID != deviceID {
		return records.Record{}, newServiceError(opGet, reasonNotFound, records.ErrNotFound)
	}
	return record, nil
}

// Query lists stored records of one device.
func (s *Service) Query(ctx context.Context, request store.QueryRequest) ([]records.Record, error) {
	found, err := s.store.Query(ctx, request)
	if err != nil {
		if errors.Is(err, records.ErrValidation) {
			return nil, newServiceError(opQueryRecords, reasonInvalid, err)
		}
		return nil, newServiceError(opQueryRecords, reasonLoad, err)
	}
	return found, nil
}

// History lists the applied updates of a command owned by deviceID.
func (s *Service) History(ctx context.Context, deviceID string, commandID int64) ([]store.CommandUpdateHistory, error) {
	if _, err := s.Get(ctx, records.TopicCommand, deviceID, commandID); err != nil {
		return nil, err
	}
	history, err := s.store.History(ctx, commandID)
	if err != nil {
		return nil, newServiceError(opHistory, reasonLoad, err)
	}
	return history, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("delivery service error", attrs...)
}
