package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/hive/internal/broker"
	"github.com/MarcoPoloResearchLab/hive/internal/delivery"
	"github.com/MarcoPoloResearchLab/hive/internal/longpoll"
	"github.com/MarcoPoloResearchLab/hive/internal/records"
	"github.com/MarcoPoloResearchLab/hive/internal/registry"
	"github.com/MarcoPoloResearchLab/hive/internal/store"
	"github.com/MarcoPoloResearchLab/hive/internal/updates"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultWaitTimeout = 30 * time.Second
	defaultMaxWait     = 60 * time.Second
)

var errMissingDeliveryService = errors.New("delivery service dependency required")

// DeliveryService is the delivery core as seen by the HTTP layer.
type DeliveryService interface {
	Poll(ctx context.Context, request longpoll.PollRequest) ([]records.Record, error)
	WaitForTerminal(ctx context.Context, deviceID string, commandID int64, wait time.Duration) (records.Record, bool, error)
	SubmitRecord(ctx context.Context, record records.Record) (delivery.Submission, error)
	SubmitUpdate(ctx context.Context, deviceID string, commandID int64, update updates.CommandUpdate) (delivery.Submission, error)
	Get(ctx context.Context, topic records.Topic, deviceID string, id int64) (records.Record, error)
	Query(ctx context.Context, request store.QueryRequest) ([]records.Record, error)
	History(ctx context.Context, deviceID string, commandID int64) ([]store.CommandUpdateHistory, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Delivery           DeliveryService
	Logger             *zap.Logger
	MetricsHandler     http.Handler
	HealthCheck        func(ctx context.Context) error
	DefaultWaitTimeout time.Duration
	MaxWaitTimeout     time.Duration
}

// NewHTTPHandler builds the REST surface of the delivery core.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Delivery == nil {
		return nil, errMissingDeliveryService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	maxWait := deps.MaxWaitTimeout
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	defaultWait := deps.DefaultWaitTimeout
	if defaultWait <= 0 {
		defaultWait = defaultWaitTimeout
	}
	defaultWait = min(defaultWait, maxWait)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware())

	handler := &httpHandler{
		delivery:    deps.Delivery,
		logger:      logger,
		healthCheck: deps.HealthCheck,
		defaultWait: defaultWait,
		maxWait:     maxWait,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	router.GET("/device/command/poll", handler.handlePoll(records.TopicCommand))
	router.GET("/device/notification/poll", handler.handlePoll(records.TopicNotification))

	device := router.Group("/device/:deviceId")
	device.GET("/command", handler.handleQuery(records.TopicCommand))
	device.POST("/command", handler.handleSubmit(records.TopicCommand))
	device.GET("/command/poll", handler.handlePoll(records.TopicCommand))
	device.GET("/command/:commandId", handler.handleGet(records.TopicCommand, "commandId"))
	device.PUT("/command/:commandId", handler.handleUpdate)
	device.GET("/command/:commandId/poll", handler.handleWaitForTerminal)
	device.GET("/command/:commandId/history", handler.handleHistory)

	device.GET("/notification", handler.handleQuery(records.TopicNotification))
	device.POST("/notification", handler.handleSubmit(records.TopicNotification))
	device.GET("/notification/poll", handler.handlePoll(records.TopicNotification))
	device.GET("/notification/:notificationId", handler.handleGet(records.TopicNotification, "notificationId"))

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	})
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(started)))
	}
}

type httpHandler struct {
	delivery    DeliveryService
	logger      *zap.Logger
	healthCheck func(ctx context.Context) error
	defaultWait time.Duration
	maxWait     time.Duration
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.healthCheck != nil {
		if err := h.healthCheck(c.Request.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type codedError interface {
	Code() string
}

// writeError maps delivery-core errors to HTTP statuses.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	body := gin.H{}
	var coded codedError
	if errors.As(err, &coded) {
		body["code"] = coded.Code()
	}

	var validation *records.ValidationError
	switch {
	case errors.Is(err, context.Canceled):
		// The client went away; nobody reads the response.
		c.Abort()
		return
	case errors.As(err, &validation):
		body["error"] = "invalid_request"
		body["field"] = validation.Field
		body["reason"] = validation.Reason
		c.AbortWithStatusJSON(http.StatusBadRequest, body)
	case errors.Is(err, records.ErrValidation), errors.Is(err, records.ErrUnknownTopic):
		body["error"] = "invalid_request"
		c.AbortWithStatusJSON(http.StatusBadRequest, body)
	case errors.Is(err, records.ErrNotFound):
		body["error"] = "not_found"
		c.AbortWithStatusJSON(http.StatusNotFound, body)
	case errors.Is(err, registry.ErrTooManyWaiters):
		body["error"] = "too_many_waiters"
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, body)
	case errors.Is(err, registry.ErrClosed):
		body["error"] = "shutting_down"
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, body)
	case errors.Is(err, broker.ErrDelivery), errors.Is(err, broker.ErrClosed):
		h.logger.Error("broker unavailable", zap.String("route", c.FullPath()), zap.Error(err))
		body["error"] = "broker_unavailable"
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, body)
	default:
		h.logger.Error("request failed", zap.String("route", c.FullPath()), zap.Error(err))
		body["error"] = "internal_error"
		c.AbortWithStatusJSON(http.StatusInternalServerError, body)
	}
}
