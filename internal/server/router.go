package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fieldops/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldops/internal/datasync"
	"github.com/MarcoPoloResearchLab/fieldops/internal/notifier"
	"github.com/MarcoPoloResearchLab/fieldops/internal/session"
	"github.com/MarcoPoloResearchLab/fieldops/internal/timestamps"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingHub           = errors.New("hub dependency required")
	errMissingRealtime      = errors.New("realtime status dependency required")
	errMissingNotifications = errors.New("notification log dependency required")
	errMissingSessions      = errors.New("session store dependency required")
	errMissingCredentials   = errors.New("credential inspector dependency required")
	errMissingFormatter     = errors.New("timestamp formatter dependency required")
)

// RealtimeStatus reports the health of the realtime connection.
type RealtimeStatus interface {
	State() notifier.State
	Stats() notifier.Stats
}

// CredentialInspector vets credentials before they are stored.
type CredentialInspector interface {
	Inspect(credential string) (auth.Credential, error)
}

type SessionStore interface {
	SetToken(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

type Dependencies struct {
	Hub               *datasync.Hub
	Realtime          RealtimeStatus
	Notifications     *notifier.Log
	Sessions          SessionStore
	Credentials       CredentialInspector
	Formatter         *timestamps.Formatter
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}
	if deps.Notifications == nil {
		return nil, errMissingNotifications
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Credentials == nil {
		return nil, errMissingCredentials
	}
	if deps.Formatter == nil {
		return nil, errMissingFormatter
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeatInterval := deps.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		realtime:          deps.Realtime,
		notifications:     deps.Notifications,
		sessions:          deps.Sessions,
		credentials:       deps.Credentials,
		formatter:         deps.Formatter,
		heartbeatInterval: heartbeatInterval,
		logger:            logger,
	}

	router.GET("/healthz", handler.handleHealth)

	sync := router.Group("/sync", provisionHub(deps.Hub))
	sync.GET("/counters", handler.handleCounters)
	sync.GET("/counters/:counter", handler.handleCounter)
	sync.POST("/refresh/:counter", handler.handleRefresh)
	sync.GET("/stream", handler.handleCounterStream)

	notifications := router.Group("/notifications")
	notifications.GET("", handler.handleListNotifications)
	notifications.POST("/read-all", handler.handleMarkAllRead)
	notifications.POST("/:id/read", handler.handleMarkRead)
	notifications.DELETE("/:id", handler.handleRemoveNotification)
	notifications.DELETE("", handler.handleClearNotifications)

	router.GET("/realtime/status", handler.handleRealtimeStatus)

	router.PUT("/session", handler.handleSetSession)
	router.DELETE("/session", handler.handleClearSession)

	router.POST("/timestamps/resolve", handler.handleResolveTimestamp)
	router.POST("/timestamps/sort", handler.handleSortByTimestamp)

	return router, nil
}

// provisionHub scopes hub to every request of the group. Handlers outside the
// scope that resolve the hub panic.
func provisionHub(hub *datasync.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(datasync.WithHub(c.Request.Context(), hub))
		c.Next()
	}
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || containsWildcard(allowedOrigins) {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if strings.TrimSpace(origin) == "*" {
			return true
		}
	}
	return false
}

type httpHandler struct {
	realtime          RealtimeStatus
	notifications     *notifier.Log
	sessions          SessionStore
	credentials       CredentialInspector
	formatter         *timestamps.Formatter
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "realtime": h.realtime.State()})
}

type counterResponsePayload struct {
	Counter  datasync.Counter `json:"counter"`
	Resolved datasync.Counter `json:"resolved"`
	Value    uint64           `json:"value"`
}

func (h *httpHandler) handleCounters(c *gin.Context) {
	hub := datasync.FromContext(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"counters": hub.Snapshot()})
}

func (h *httpHandler) handleCounter(c *gin.Context) {
	counter := datasync.Counter(strings.TrimSpace(c.Param("counter")))
	hub := datasync.FromContext(c.Request.Context())
	c.JSON(http.StatusOK, counterResponsePayload{
		Counter:  counter,
		Resolved: resolveCounter(counter),
		Value:    hub.Counter(counter),
	})
}

func (h *httpHandler) handleRefresh(c *gin.Context) {
	counter := datasync.Counter(strings.TrimSpace(c.Param("counter")))
	hub := datasync.FromContext(c.Request.Context())
	hub.Trigger(counter)
	h.logger.Debug("manual refresh requested", zap.String("counter", string(counter)))
	c.JSON(http.StatusAccepted, counterResponsePayload{
		Counter:  counter,
		Resolved: resolveCounter(counter),
		Value:    hub.Counter(counter),
	})
}

func resolveCounter(counter datasync.Counter) datasync.Counter {
	if counter.IsKnown() {
		return counter
	}
	return datasync.CounterAll
}

type notificationsResponsePayload struct {
	Notifications []notifier.Notification `json:"notifications"`
	UnreadCount   int                     `json:"unread_count"`
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	entries := h.notifications.List()
	if entries == nil {
		entries = []notifier.Notification{}
	}
	c.JSON(http.StatusOK, notificationsResponsePayload{
		Notifications: entries,
		UnreadCount:   h.notifications.UnreadCount(),
	})
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	if !h.notifications.MarkRead(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification_not_found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleMarkAllRead(c *gin.Context) {
	h.notifications.MarkAllRead()
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRemoveNotification(c *gin.Context) {
	if !h.notifications.Remove(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification_not_found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleClearNotifications(c *gin.Context) {
	h.notifications.Clear()
	c.Status(http.StatusNoContent)
}

type realtimeStatusPayload struct {
	State     notifier.State `json:"state"`
	Connected bool           `json:"connected"`
	Stats     notifier.Stats `json:"stats"`
}

func (h *httpHandler) handleRealtimeStatus(c *gin.Context) {
	state := h.realtime.State()
	c.JSON(http.StatusOK, realtimeStatusPayload{
		State:     state,
		Connected: state == notifier.StateConnected,
		Stats:     h.realtime.Stats(),
	})
}

type sessionRequestPayload struct {
	AccessToken string `json:"access_token"`
}

type sessionResponsePayload struct {
	Subject   string     `json:"subject,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Verified  bool       `json:"verified"`
	Opaque    bool       `json:"opaque"`
}

func (h *httpHandler) handleSetSession(c *gin.Context) {
	var request sessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.AccessToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	credential, err := h.credentials.Inspect(request.AccessToken)
	switch {
	case errors.Is(err, auth.ErrExpiredCredential):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "credential_expired"})
		return
	case err != nil:
		h.logger.Warn("rejected session credential", zap.Error(err))
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "credential_invalid"})
		return
	}

	if err := h.sessions.SetToken(c.Request.Context(), request.AccessToken); err != nil {
		h.logger.Error("failed to store session credential", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_store_failed"})
		return
	}

	response := sessionResponsePayload{
		Subject:  credential.Subject,
		Verified: credential.Verified,
		Opaque:   credential.Opaque,
	}
	if !credential.ExpiresAt.IsZero() {
		expiresAt := credential.ExpiresAt
		response.ExpiresAt = &expiresAt
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleClearSession(c *gin.Context) {
	if err := h.sessions.Clear(c.Request.Context()); err != nil {
		var storeErr *session.StoreError
		if errors.As(err, &storeErr) {
			h.logger.Error("failed to clear session credential", zap.String("code", storeErr.Code()), zap.Error(err))
		} else {
			h.logger.Error("failed to clear session credential", zap.Error(err))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_store_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

type resolveRequestPayload struct {
	EntityType string            `json:"entity_type"`
	Entity     timestamps.Entity `json:"entity"`
	Layout     string            `json:"layout"`
}

type resolveResponsePayload struct {
	Formatted string                         `json:"formatted"`
	Snapshot  timestamps.Snapshot            `json:"snapshot"`
	Fields    map[string]timestamps.Snapshot `json:"fields"`
}

func (h *httpHandler) handleResolveTimestamp(c *gin.Context) {
	var request resolveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.EntityType) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	c.JSON(http.StatusOK, resolveResponsePayload{
		Formatted: h.formatter.FormatEntity(request.Entity, request.EntityType, request.Layout),
		Snapshot:  h.formatter.Snapshot(request.Entity, request.EntityType),
		Fields:    h.formatter.Multiple(request.Entity),
	})
}

type sortRequestPayload struct {
	EntityType string              `json:"entity_type"`
	Entities   []timestamps.Entity `json:"entities"`
	Ascending  bool                `json:"ascending"`
}

func (h *httpHandler) handleSortByTimestamp(c *gin.Context) {
	var request sortRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.EntityType) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	sorted := timestamps.SortByTimestamp(request.Entities, request.EntityType, request.Ascending)
	if sorted == nil {
		sorted = []timestamps.Entity{}
	}
	c.JSON(http.StatusOK, gin.H{"entities": sorted})
}
