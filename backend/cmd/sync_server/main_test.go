package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"syncServer/backend/internal/ws"
)

// 健康检查不需要 token；/collab 下的路由需要
func TestSetupRouter_HealthzUnauthenticated(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := setupRouter(ws.NewManager(nil, nil, nil), "secret", "")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/collab/ws", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated /collab/ws status = %d, want 401", w.Code)
	}
}
