package fortunebot

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	apiPrefix       = "/api"
	apiHealthCheck  = "/healthz"
	apiPathUsers    = "/users"
	apiPathUser     = "/user/:id"
	apiPathMeta     = "/meta"
	apiPathMetrics  = "/metrics"
	apiBearerPrefix = "Bearer "

	xRequestIDHeader = "X-Request-ID"
)

// API is the optional read-only status API. Records are never modified
// through it.
type API struct {
	config            *APIConfig
	httpServer        *http.Server
	listener          net.Listener
	listenerMu        sync.Mutex
	engine            *gin.Engine
	authFailedLimiter *rate.Limiter
	requestMetrics    map[string]int
	requestMetricsMu  sync.Mutex
	shutdownTimeout   time.Duration
	logger            *slog.Logger

	handlers *APIHandlers
}

func newAPI(b *Bot, config *APIConfig) (*API, error) {
	if config == nil {
		return nil, errors.New("api config is required")
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	limit := rate.Inf
	if config.AuthRateLimit > 0 {
		limit = rate.Limit(config.AuthRateLimit)
	}

	api := &API{
		config:            config,
		engine:            r,
		requestMetrics:    map[string]int{},
		authFailedLimiter: rate.NewLimiter(limit, 1),
		shutdownTimeout:   b.config.ShutdownTimeout,
		logger: slog.New(
			newHandler(defaultLogWriter, config.LogLevel),
		).With(loggerNameKey, "api"),
	}
	api.handlers = &APIHandlers{b: b, api: api}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(api),
	)

	r.GET(apiHealthCheck, api.handlers.healthCheck)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(api))
	protected.GET(apiPathUsers, api.handlers.getUsers)
	protected.GET(apiPathUser, api.handlers.getUser)
	protected.GET(apiPathMeta, api.handlers.getMeta)
	protected.GET(apiPathMetrics, api.handlers.getMetrics)

	return api, nil
}

// Serve listens on the configured address and serves the API until ctx
// is canceled, then shuts the server down gracefully.
func (a *API) Serve(ctx context.Context) error {
	a.listenerMu.Lock()
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			a.listenerMu.Unlock()
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	ln := a.listener
	a.listenerMu.Unlock()

	a.logger.InfoContext(ctx, "serving api", "addr", ln.Addr().String())

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-stopped:
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(
				context.Background(),
				a.shutdownTimeout,
			)
			defer cancel()
			if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("error shutting down api", tint.Err(err))
			}
		}
	}()

	return a.httpServer.Serve(ln)
}

// Addr returns the listener address, once Serve has been called
func (a *API) Addr() net.Addr {
	a.listenerMu.Lock()
	defer a.listenerMu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// APIHandlers holds the API request handlers
type APIHandlers struct {
	b   *Bot
	api *API
}

// healthCheckResponse represents the response structure for a health
// check endpoint.
type healthCheckResponse struct {
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	Templates               int    `json:"templates"`
	SharedPool              bool   `json:"shared_pool"`
	Uptime                  string `json:"uptime"`
	Version                 string `json:"version"`
}

// usersResponse is a page of users
type usersResponse struct {
	Users  []User `json:"users"`
	Total  int64  `json:"total"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		DiscordGatewayConnected: h.b.discord.connected.Load(),
		SharedPool:              h.b.config.Dispenser.SharedPool,
		Version:                 Version,
	}
	if h.b.content != nil {
		resp.Templates = h.b.content.Size()
	}
	if !h.b.startedAt.IsZero() {
		resp.Uptime = time.Since(h.b.startedAt).Truncate(time.Second).String()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) storeOrAbort(c *gin.Context) (UserStore, bool) {
	if h.b.store == nil {
		c.AbortWithStatusJSON(
			http.StatusServiceUnavailable,
			httpError{Error: "database not ready"},
		)
		return nil, false
	}
	return h.b.store, true
}

// getUsers returns a page of user records, excluding the meta record
// unless include_meta is set.
//
// Query parameters:
//   - limit: page size (default 50, max 500)
//   - offset: number of records to skip
//   - order: 'asc' or 'desc', by record ID
//   - include_meta: include the meta record
func (h *APIHandlers) getUsers(c *gin.Context) {
	store, ok := h.storeOrAbort(c)
	if !ok {
		return
	}
	var opts ListOptions
	if err := c.ShouldBindQuery(&opts); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}
	if opts.Limit == 0 {
		opts.Limit = defaultPageSize
	}

	log := ginContextLogger(c)
	users, total, err := store.List(c.Request.Context(), opts)
	if err != nil {
		log.Error("error getting users", tint.Err(err))
		ginReplyError(c, "error getting users")
		return
	}
	if users == nil {
		users = []User{}
	}
	c.JSON(
		http.StatusOK,
		usersResponse{
			Users:  users,
			Total:  total,
			Limit:  opts.Limit,
			Offset: opts.Offset,
		},
	)
}

// getUser returns the record for the given discord user ID
func (h *APIHandlers) getUser(c *gin.Context) {
	store, ok := h.storeOrAbort(c)
	if !ok {
		return
	}
	userID := c.Param("id")
	if userID == "" || userID == MetaUserID {
		c.JSON(http.StatusNotFound, httpError{Error: "user not found"})
		return
	}
	h.replyUser(c, store, userID)
}

// getMeta returns the shared-pool meta record
func (h *APIHandlers) getMeta(c *gin.Context) {
	store, ok := h.storeOrAbort(c)
	if !ok {
		return
	}
	if !h.b.config.Dispenser.SharedPool {
		c.JSON(http.StatusNotFound, httpError{Error: "shared pool disabled"})
		return
	}
	h.replyUser(c, store, MetaUserID)
}

func (h *APIHandlers) replyUser(c *gin.Context, store UserStore, userID string) {
	u, err := store.FindByUserID(c.Request.Context(), userID)
	switch {
	case errors.Is(err, ErrUserNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: "user not found"})
	case err != nil:
		ginContextLogger(c).Error("error getting user", tint.Err(err))
		ginReplyError(c, "error getting user")
	default:
		c.JSON(http.StatusOK, u)
	}
}

// getMetrics returns API request counts and discord gateway counters
func (h *APIHandlers) getMetrics(c *gin.Context) {
	h.api.requestMetricsMu.Lock()
	requests := make(map[string]int, len(h.api.requestMetrics))
	for k, v := range h.api.requestMetrics {
		requests[k] = v
	}
	h.api.requestMetricsMu.Unlock()

	c.JSON(
		http.StatusOK,
		gin.H{
			"requests":            requests,
			"discord_connects":    h.b.discord.metricConnects.Load(),
			"discord_disconnects": h.b.discord.metricDisconnects.Load(),
			"discord_messages":    h.b.discord.metricMessagesHandled.Load(),
		},
	)
}

// authMiddleware requires a bearer token matching APIConfig.Secret.
// Failed attempts are rate limited, responding with HTTP 429 once the
// limit is exceeded.
func authMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, apiBearerPrefix)
		if found && a.config.Secret != "" && subtle.ConstantTimeCompare(
			[]byte(token),
			[]byte(a.config.Secret),
		) == 1 {
			c.Next()
			return
		}

		if !a.authFailedLimiter.Allow() {
			ginContextLogger(c).Warn("too many failed auth attempts")
			c.AbortWithStatusJSON(
				http.StatusTooManyRequests,
				httpError{Error: "too many requests"},
			)
			return
		}
		c.AbortWithStatusJSON(
			http.StatusUnauthorized,
			httpError{Error: "unauthorized"},
		)
	}
}

// requestIDMiddleware generates a Gin middleware function that assigns a
// unique request ID to each incoming request, set in the context and
// response header as X-Request-ID
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := v.(*slog.Logger); ok {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging HTTP
// requests, with their duration and response status.
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := logger.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				"errors", errs.String(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests per method and route
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		key := fmt.Sprintf("%s %s", c.Request.Method, route)
		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

// generateRandomHexString creates a random hexadecimal string of the
// specified length, rounded up to an even number.
func generateRandomHexString(length int) (string, error) {
	if length%2 != 0 {
		length++
	}
	b := make([]byte, length/2)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
