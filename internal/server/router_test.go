package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/MarcoPoloResearchLab/fieldops/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldops/internal/datasync"
	"github.com/MarcoPoloResearchLab/fieldops/internal/notifier"
	"github.com/MarcoPoloResearchLab/fieldops/internal/session"
	"github.com/MarcoPoloResearchLab/fieldops/internal/timestamps"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var testClockNow = time.Date(2024, time.June, 1, 17, 4, 0, 0, time.UTC)

type stubRealtime struct {
	state notifier.State
	stats notifier.Stats
}

func (s stubRealtime) State() notifier.State { return s.state }

func (s stubRealtime) Stats() notifier.Stats { return s.stats }

type testServer struct {
	handler       http.Handler
	hub           *datasync.Hub
	notifications *notifier.Log
	store         *session.KeyringStore
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := session.NewKeyringStore(session.KeyringStoreConfig{Keyring: keyring.NewArrayKeyring(nil)})
	if err != nil {
		t.Fatalf("failed to build session store: %v", err)
	}
	clock := func() time.Time { return testClockNow }
	hub := datasync.NewHub()
	notifications := notifier.NewLog(notifier.LogConfig{Clock: clock})
	handler, err := NewHTTPHandler(Dependencies{
		Hub: hub,
		Realtime: stubRealtime{
			state: notifier.StateConnected,
			stats: notifier.Stats{Connects: 2, FramesAccepted: 7},
		},
		Notifications:     notifications,
		Sessions:          store,
		Credentials:       auth.NewCredentialInspector(auth.CredentialInspectorConfig{Clock: clock}),
		Formatter:         timestamps.NewFormatter(timestamps.FormatterConfig{Clock: clock, Location: time.UTC}),
		HeartbeatInterval: 20 * time.Millisecond,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return testServer{handler: handler, hub: hub, notifications: notifications, store: store}
}

func (s testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatalf("expected missing dependency error")
	}
}

func TestCountersEndpoints(t *testing.T) {
	server := newTestServer(t)
	server.hub.TriggerMessage(datasync.Message{Type: datasync.TopicComment, Action: "create"})

	recorder := server.do(t, http.MethodGet, "/sync/counters", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	var all struct {
		Counters map[string]uint64 `json:"counters"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &all); err != nil {
		t.Fatalf("failed to decode counters: %v", err)
	}
	if all.Counters["comments"] != 1 || all.Counters["tickets"] != 1 || all.Counters["all"] != 1 {
		t.Fatalf("unexpected counters %v", all.Counters)
	}

	recorder = server.do(t, http.MethodGet, "/sync/counters/widgets", nil)
	var single counterResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &single); err != nil {
		t.Fatalf("failed to decode counter: %v", err)
	}
	if single.Resolved != datasync.CounterAll || single.Value != 1 {
		t.Fatalf("expected unknown counter to read all, got %+v", single)
	}
}

func TestRefreshEndpointIsNotDebounced(t *testing.T) {
	server := newTestServer(t)

	for attempt := 0; attempt < 2; attempt++ {
		recorder := server.do(t, http.MethodPost, "/sync/refresh/sites", nil)
		if recorder.Code != http.StatusAccepted {
			t.Fatalf("unexpected status %d", recorder.Code)
		}
	}
	if got := server.hub.Counter(datasync.CounterSites); got != 2 {
		t.Fatalf("expected sites 2, got %d", got)
	}
	if got := server.hub.Counter(datasync.CounterAll); got != 2 {
		t.Fatalf("expected all 2, got %d", got)
	}
}

func TestProvisionHubScopesRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := datasync.NewHub()
	router := gin.New()
	router.Use(gin.Recovery())
	scoped := router.Group("/scoped", provisionHub(hub))
	scoped.GET("", func(c *gin.Context) {
		if datasync.FromContext(c.Request.Context()) != hub {
			t.Errorf("expected the provisioned hub")
		}
		c.Status(http.StatusNoContent)
	})
	router.GET("/unscoped", func(c *gin.Context) {
		datasync.FromContext(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/scoped", nil))
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected scoped request to resolve the hub, got %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/unscoped", nil))
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected unscoped resolution to fail loudly, got %d", recorder.Code)
	}
}

func TestNotificationEndpoints(t *testing.T) {
	server := newTestServer(t)
	first, _ := server.notifications.Append(notifier.Classification{Text: "New ticket created", Category: notifier.CategoryInfo})
	server.notifications.Append(notifier.Classification{Text: "Comment deleted", Category: notifier.CategoryWarning})

	recorder := server.do(t, http.MethodGet, "/notifications", nil)
	var listed notificationsResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &listed); err != nil {
		t.Fatalf("failed to decode notifications: %v", err)
	}
	if len(listed.Notifications) != 2 || listed.UnreadCount != 2 || listed.Notifications[0].Message != "Comment deleted" {
		t.Fatalf("unexpected listing %+v", listed)
	}

	if recorder := server.do(t, http.MethodPost, "/notifications/"+first.ID+"/read", nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("unexpected mark read status %d", recorder.Code)
	}
	if recorder := server.do(t, http.MethodPost, "/notifications/missing/read", nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d", recorder.Code)
	}
	if got := server.notifications.UnreadCount(); got != 1 {
		t.Fatalf("expected 1 unread, got %d", got)
	}
	if recorder := server.do(t, http.MethodPost, "/notifications/read-all", nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("unexpected read-all status %d", recorder.Code)
	}
	if got := server.notifications.UnreadCount(); got != 0 {
		t.Fatalf("expected 0 unread, got %d", got)
	}
	if recorder := server.do(t, http.MethodDelete, "/notifications/"+first.ID, nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("unexpected remove status %d", recorder.Code)
	}
	if recorder := server.do(t, http.MethodDelete, "/notifications", nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("unexpected clear status %d", recorder.Code)
	}
	if got := server.notifications.Len(); got != 0 {
		t.Fatalf("expected empty log, got %d", got)
	}

	recorder = server.do(t, http.MethodGet, "/notifications", nil)
	if !strings.Contains(recorder.Body.String(), `"notifications":[]`) {
		t.Fatalf("expected empty array, got %s", recorder.Body.String())
	}
}

func TestRealtimeStatusEndpoint(t *testing.T) {
	server := newTestServer(t)
	recorder := server.do(t, http.MethodGet, "/realtime/status", nil)
	var status realtimeStatusPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &status); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if status.State != notifier.StateConnected || !status.Connected || status.Stats.Connects != 2 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestSessionEndpoints(t *testing.T) {
	server := newTestServer(t)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "tech-7",
		ExpiresAt: jwt.NewNumericDate(testClockNow.Add(time.Hour)),
	})
	valid, err := token.SignedString([]byte("issuer-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	expiredToken := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "tech-7",
		ExpiresAt: jwt.NewNumericDate(testClockNow.Add(-time.Minute)),
	})
	expired, err := expiredToken.SignedString([]byte("issuer-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if recorder := server.do(t, http.MethodPut, "/session", gin.H{"access_token": " "}); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank token, got %d", recorder.Code)
	}
	if recorder := server.do(t, http.MethodPut, "/session", gin.H{"access_token": expired}); recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for expired token, got %d", recorder.Code)
	}

	recorder := server.do(t, http.MethodPut, "/session", gin.H{"access_token": valid})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	var response sessionResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode session response: %v", err)
	}
	if response.Subject != "tech-7" || response.ExpiresAt == nil || response.Verified {
		t.Fatalf("unexpected session response %+v", response)
	}
	if stored, _ := server.store.Token(context.Background()); stored != valid {
		t.Fatalf("expected token to be stored")
	}

	if recorder := server.do(t, http.MethodDelete, "/session", nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("unexpected clear status %d", recorder.Code)
	}
	if stored, _ := server.store.Token(context.Background()); stored != "" {
		t.Fatalf("expected token to be cleared, got %q", stored)
	}
}

func TestResolveTimestampEndpoint(t *testing.T) {
	server := newTestServer(t)
	recorder := server.do(t, http.MethodPost, "/timestamps/resolve", gin.H{
		"entity_type": "tickets",
		"entity": gin.H{
			"created_at":   "2024-06-01T15:04:00Z",
			"date_created": "2023-01-01T00:00:00Z",
		},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	var response resolveResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Formatted != "Jun 1, 2024 3:04 PM" {
		t.Fatalf("expected created_at to win, got %q", response.Formatted)
	}
	if !response.Snapshot.Valid || !response.Snapshot.IsToday || response.Snapshot.HoursAgo == nil || *response.Snapshot.HoursAgo != 2 {
		t.Fatalf("unexpected snapshot %+v", response.Snapshot)
	}

	recorder = server.do(t, http.MethodPost, "/timestamps/resolve", gin.H{"entity_type": "tickets", "entity": gin.H{}})
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Formatted != timestamps.NotAvailable || response.Snapshot.Valid {
		t.Fatalf("expected N/A for missing timestamp, got %+v", response)
	}

	if recorder := server.do(t, http.MethodPost, "/timestamps/resolve", gin.H{"entity": gin.H{}}); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without entity_type, got %d", recorder.Code)
	}
}

func TestSortTimestampEndpoint(t *testing.T) {
	server := newTestServer(t)
	recorder := server.do(t, http.MethodPost, "/timestamps/sort", gin.H{
		"entity_type": "tickets",
		"entities": []gin.H{
			{"id": "old", "created_at": "2024-01-01T00:00:00Z"},
			{"id": "none"},
			{"id": "new", "created_at": "2024-05-01T00:00:00Z"},
		},
	})
	var response struct {
		Entities []map[string]any `json:"entities"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	order := make([]string, 0, len(response.Entities))
	for _, entity := range response.Entities {
		order = append(order, entity["id"].(string))
	}
	if strings.Join(order, ",") != "new,old,none" {
		t.Fatalf("unexpected order %v", order)
	}
}
