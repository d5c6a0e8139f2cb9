package http_server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomcollabgo/internal/database/db_client"
	"roomcollabgo/internal/database/migrations"
	"roomcollabgo/internal/http/roomhandler"
	"roomcollabgo/internal/http/uploadhandler"
	"roomcollabgo/internal/services/collab"
	"roomcollabgo/internal/services/rooms"
	"roomcollabgo/internal/services/store"
	"roomcollabgo/internal/uploads"
	"roomcollabgo/internal/ws"
)

func newTestServer(t *testing.T, cors CORSConfig) *httpServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := db_client.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrations.Apply(context.Background(), db, migrations.SQLite, "1"))

	dir := t.TempDir()
	images, err := uploads.NewStorage(dir, "/uploads")
	require.NoError(t, err)

	st := store.NewStore(db)
	reg := rooms.NewMemoryRegistry(3)
	hub := ws.NewHub()
	svc := collab.NewService(st, reg, hub, nil, images)
	wsSrv := ws.NewWsServer(hub, svc, func(string) bool { return true })

	return NewHttpServer(context.Background(), 3000, wsSrv,
		roomhandler.New(st, reg), uploadhandler.New(images, 1<<20), dir, cors)
}

func TestEngineRoutes(t *testing.T) {
	engine := newTestServer(t, CORSConfig{AllowAll: true}).Engine()

	for _, path := range []string{"/health", "/api/rooms", "/api/rooms/1"} {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/uploads/missing.png", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCORS(t *testing.T) {
	engine := newTestServer(t, CORSConfig{AllowedOrigins: []string{"https://lab.example/"}}).Engine()

	req := httptest.NewRequest(http.MethodOptions, "/api/rooms", nil)
	req.Header.Set("Origin", "https://lab.example")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://lab.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMatchOrigin(t *testing.T) {
	cc := CORSConfig{AllowedOrigins: []string{"http://localhost:5173"}, AllowAll: true}
	assert.Equal(t, "http://localhost:5173/", cc.matchOrigin("http://localhost:5173/"))
	assert.Equal(t, "*", cc.matchOrigin("https://other.example"))
	assert.Empty(t, cc.matchOrigin(""))
}
