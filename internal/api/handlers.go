package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/dalfonso89/fine-life/internal/config"
	"github.com/dalfonso89/fine-life/internal/currency"
	"github.com/dalfonso89/fine-life/internal/events"
	"github.com/dalfonso89/fine-life/internal/logger"
	"github.com/dalfonso89/fine-life/internal/middleware"
	"github.com/dalfonso89/fine-life/internal/models"
	"github.com/dalfonso89/fine-life/internal/offline"
	"github.com/dalfonso89/fine-life/internal/ratelimit"
)

const version = "1.0.0"

// HandlerConfig holds everything the HTTP surface needs
type HandlerConfig struct {
	Config      *config.Config
	Logger      *logger.Logger
	Converter   *currency.Converter
	Queue       *offline.Queue
	Replayer    *offline.Replayer
	Gateway     *offline.Gateway
	Bus         *events.Bus
	RateLimiter *ratelimit.Limiter
}

// Handlers contains all HTTP handlers
type Handlers struct {
	configuration *config.Config
	rootLogger    *logger.Logger
	logger        *logrus.Entry
	converter     *currency.Converter
	queue         *offline.Queue
	replayer      *offline.Replayer
	gateway       *offline.Gateway
	rateLimiter   *ratelimit.Limiter
	hub           *Hub
	startTime     time.Time
}

// NewHandlers creates a new handlers instance
func NewHandlers(handlerConfig HandlerConfig) *Handlers {
	entry := handlerConfig.Logger.Component("api")
	return &Handlers{
		configuration: handlerConfig.Config,
		rootLogger:    handlerConfig.Logger,
		logger:        entry,
		converter:     handlerConfig.Converter,
		queue:         handlerConfig.Queue,
		replayer:      handlerConfig.Replayer,
		gateway:       handlerConfig.Gateway,
		rateLimiter:   handlerConfig.RateLimiter,
		hub: NewHub(HubConfig{
			Bus:            handlerConfig.Bus,
			Queue:          handlerConfig.Queue,
			Replayer:       handlerConfig.Replayer,
			AllowedOrigins: handlerConfig.Config.CORSAllowedOrigins,
			Logger:         handlerConfig.Logger.Component("websocket"),
		}),
		startTime: time.Now(),
	}
}

// SetupRoutes configures all the routes using Gin
func (handlers *Handlers) SetupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(handlers.rootLogger))
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(handlers.configuration.CORSAllowedOrigins))

	router.GET("/health", handlers.HealthCheck)
	router.GET("/ws", handlers.hub.ServeWS)

	apiV1 := router.Group("/api/v1")
	if handlers.rateLimiter != nil {
		apiV1.Use(handlers.rateLimiter.Middleware())
	}
	{
		apiV1.GET("/convert", handlers.Convert)
		apiV1.GET("/convert/supported", handlers.ConversionSupported)
		apiV1.GET("/rates/:base", handlers.GetRatesByBase)

		apiV1.GET("/sync/queue", handlers.QueueStatus)
		apiV1.POST("/sync", handlers.SyncNow)
		apiV1.GET("/sync/status", handlers.SyncStatus)
	}

	// application traffic with offline fallbacks
	intercepted := gin.WrapF(handlers.gateway.HandleIntercepted)
	router.Any("/api/transactions", intercepted)
	router.Any("/api/transactions/*path", intercepted)
	router.Any("/api/preferences", intercepted)
	router.Any("/api/preferences/*path", intercepted)
	router.NoRoute(gin.WrapF(handlers.gateway.HandleCacheFirst))

	return router
}

// HealthCheck handles health check requests
func (handlers *Handlers) HealthCheck(context *gin.Context) {
	healthStatus := "healthy"
	queueLength, countError := handlers.queue.Count(context.Request.Context())
	if countError != nil {
		healthStatus = "degraded"
		handlers.logger.Warnf("Offline queue unreadable: %v", countError)
	}

	context.JSON(http.StatusOK, models.HealthCheck{
		Status:      healthStatus,
		Timestamp:   time.Now(),
		Version:     version,
		Uptime:      time.Since(handlers.startTime).Round(time.Second).String(),
		QueueLength: queueLength,
		StoreDriver: handlers.configuration.StoreDriver,
	})
}

// Convert converts an amount between two currencies. Rate failures degrade
// to an identity conversion flagged as fallback, never to an error status.
func (handlers *Handlers) Convert(context *gin.Context) {
	var query models.ConvertQuery
	if bindError := context.ShouldBindQuery(&query); bindError != nil {
		handlers.writeValidationError(context, bindError)
		return
	}

	amount, parseError := decimal.NewFromString(context.DefaultQuery("amount", "0"))
	if parseError != nil {
		handlers.writeErrorResponse(context, http.StatusBadRequest, "invalid amount", parseError.Error())
		return
	}

	result := handlers.converter.Convert(context.Request.Context(), amount, query.From, query.To)
	context.JSON(http.StatusOK, result)
}

// ConversionSupported reports whether a rate exists for from -> to
func (handlers *Handlers) ConversionSupported(context *gin.Context) {
	from, to := context.Query("from"), context.Query("to")
	if from == "" || to == "" {
		handlers.writeErrorResponse(context, http.StatusBadRequest, "validation failed", "from and to are required")
		return
	}

	supported := handlers.converter.IsConversionSupported(context.Request.Context(), from, to)
	context.JSON(http.StatusOK, gin.H{
		"from":      strings.ToUpper(from),
		"to":        strings.ToUpper(to),
		"supported": supported,
	})
}

// GetRatesByBase returns the rate from base to each currency listed in ?to=
func (handlers *Handlers) GetRatesByBase(context *gin.Context) {
	baseCurrency := strings.ToUpper(context.Param("base"))

	var targets []string
	for _, code := range strings.Split(context.Query("to"), ",") {
		if code = strings.TrimSpace(code); code != "" {
			targets = append(targets, code)
		}
	}
	if len(targets) == 0 {
		handlers.writeErrorResponse(context, http.StatusBadRequest, "validation failed", "to must list at least one currency")
		return
	}

	rates := handlers.converter.GetMultipleRates(context.Request.Context(), baseCurrency, targets)
	context.JSON(http.StatusOK, gin.H{
		"base":  baseCurrency,
		"rates": rates,
	})
}

type queuedOperationView struct {
	models.QueuedOperation
	State offline.ReplayState `json:"state"`
}

// QueueStatus lists the operations waiting for the upstream
func (handlers *Handlers) QueueStatus(context *gin.Context) {
	operations, listError := handlers.queue.List(context.Request.Context())
	if listError != nil {
		handlers.logger.Errorf("Failed to read offline queue: %v", listError)
		handlers.writeErrorResponse(context, http.StatusInternalServerError, "failed to read offline queue", listError.Error())
		return
	}

	views := make([]queuedOperationView, 0, len(operations))
	for _, operation := range operations {
		views = append(views, queuedOperationView{QueuedOperation: operation, State: offline.StateOf(operation)})
	}
	context.JSON(http.StatusOK, gin.H{
		"count":      len(views),
		"operations": views,
	})
}

// SyncNow replays the queue immediately, online or not
func (handlers *Handlers) SyncNow(context *gin.Context) {
	summary, replayError := handlers.replayer.Replay(context.Request.Context())
	if replayError != nil {
		handlers.logger.Errorf("Manual replay failed: %v", replayError)
		handlers.writeErrorResponse(context, http.StatusInternalServerError, "replay failed", replayError.Error())
		return
	}
	context.JSON(http.StatusOK, summary)
}

// SyncStatus returns the most recent replay record
func (handlers *Handlers) SyncStatus(context *gin.Context) {
	requestContext := context.Request.Context()

	record, found, readError := handlers.replayer.LastSync(requestContext)
	if readError != nil {
		handlers.writeErrorResponse(context, http.StatusInternalServerError, "failed to read sync status", readError.Error())
		return
	}
	queueLength, countError := handlers.queue.Count(requestContext)
	if countError != nil {
		handlers.writeErrorResponse(context, http.StatusInternalServerError, "failed to read offline queue", countError.Error())
		return
	}

	response := gin.H{"queueLength": queueLength, "lastSync": nil}
	if found {
		response["lastSync"] = record
	}
	context.JSON(http.StatusOK, response)
}

// writeValidationError renders binding failures field by field
func (handlers *Handlers) writeValidationError(context *gin.Context, bindError error) {
	var validationErrors validator.ValidationErrors
	if !errors.As(bindError, &validationErrors) {
		handlers.writeErrorResponse(context, http.StatusBadRequest, "validation failed", bindError.Error())
		return
	}

	details := make([]string, 0, len(validationErrors))
	for _, fieldError := range validationErrors {
		detail := fmt.Sprintf("%s failed on '%s'", strings.ToLower(fieldError.Field()), fieldError.Tag())
		if fieldError.Param() != "" {
			detail += "=" + fieldError.Param()
		}
		details = append(details, detail)
	}
	handlers.writeErrorResponse(context, http.StatusBadRequest, "validation failed", strings.Join(details, "; "))
}

// writeErrorResponse writes an error response using Gin context
func (handlers *Handlers) writeErrorResponse(context *gin.Context, statusCode int, errorMessage, errorDetails string) {
	context.JSON(statusCode, models.ErrorResponse{
		Error:   errorMessage,
		Message: errorDetails,
		Code:    statusCode,
	})
}
