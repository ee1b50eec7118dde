package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"huddle/internal/core/services"
	"huddle/internal/infrastructure/repositories/memory"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc := services.NewPresenceService(
		memory.NewMemoryPresenceRepository(),
		30*time.Second,
		10*time.Second,
		zap.NewNop().Sugar(),
	)

	handler := NewPresenceHandler(svc, nil)
	router := gin.New()
	handler.SetupRoutes(router)
	return router
}

func postJSON(router *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestPresenceHandler_Register(t *testing.T) {
	router := newTestRouter(t)

	t.Run("successful registration", func(t *testing.T) {
		w := postJSON(router, "/register", gin.H{"peerId": "peer-1", "displayName": "Alice"})
		assert.Equal(t, http.StatusOK, w.Code)

		var resp map[string]interface{}
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, true, resp["success"])
		assert.Equal(t, "peer-1", resp["peerId"])
	})

	t.Run("missing peer id is a bad request", func(t *testing.T) {
		w := postJSON(router, "/register", gin.H{"displayName": "Alice"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing display name is a bad request", func(t *testing.T) {
		w := postJSON(router, "/register", gin.H{"peerId": "peer-2"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("malformed body is a bad request", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader([]byte("{not json")))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestPresenceHandler_Unregister(t *testing.T) {
	router := newTestRouter(t)

	postJSON(router, "/register", gin.H{"peerId": "peer-1", "displayName": "Alice"})

	t.Run("removes a registered peer", func(t *testing.T) {
		w := postJSON(router, "/unregister", gin.H{"peerId": "peer-1"})
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("unknown peer still succeeds", func(t *testing.T) {
		w := postJSON(router, "/unregister", gin.H{"peerId": "peer-1"})
		assert.Equal(t, http.StatusOK, w.Code)

		var resp map[string]interface{}
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, true, resp["success"])
	})
}

func TestPresenceHandler_Heartbeat(t *testing.T) {
	router := newTestRouter(t)

	postJSON(router, "/register", gin.H{"peerId": "peer-1", "displayName": "Alice"})

	t.Run("refreshes a registered peer", func(t *testing.T) {
		w := postJSON(router, "/heartbeat", gin.H{"peerId": "peer-1"})
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("unknown peer gets not found", func(t *testing.T) {
		w := postJSON(router, "/heartbeat", gin.H{"peerId": "ghost"})
		assert.Equal(t, http.StatusNotFound, w.Code)

		var resp map[string]interface{}
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, false, resp["success"])
	})
}

func TestPresenceHandler_ListPeers(t *testing.T) {
	router := newTestRouter(t)

	postJSON(router, "/register", gin.H{"peerId": "bob", "displayName": "Bob"})
	postJSON(router, "/register", gin.H{"peerId": "alice", "displayName": "Alice"})

	req := httptest.NewRequest(http.MethodGet, "/users", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Users []struct {
			PeerID      string `json:"peerId"`
			DisplayName string `json:"displayName"`
		} `json:"users"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Users, 2)
	assert.Equal(t, "alice", resp.Users[0].PeerID)
	assert.Equal(t, "bob", resp.Users[1].PeerID)
}

func TestPresenceHandler_Health(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
}
