package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upass/nfc-bridge/internal/comm"
	"github.com/upass/nfc-bridge/internal/nfcsvc/handlers"
	"github.com/upass/nfc-bridge/internal/nfcsvc/routes"
	"github.com/upass/nfc-bridge/internal/nfcsvc/ws"
)

type staticReaders []string

func (r staticReaders) Readers() []string { return r }

func setupRouter(readers staticReaders) (*chi.Mux, *ws.Hub, string) {
	hub := ws.NewHub(readers)
	h := handlers.NewHandler(hub, readers, []string{"http://localhost:3000"})
	tokenAuth := routes.InitAuth("test-secret")
	_, token, _ := tokenAuth.Encode(map[string]interface{}{"service_id": "test"})

	r := chi.NewRouter()
	routes.SetRoutes(r, h, tokenAuth)
	return r, hub, token
}

func TestGetReaders(t *testing.T) {
	t.Run("no readers", func(t *testing.T) {
		router, _, _ := setupRouter(nil)

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/api/readers", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"readers":[],"count":0,"status":"no_readers","connected_clients":0}`, w.Body.String())
	})

	t.Run("with readers", func(t *testing.T) {
		router, _, _ := setupRouter(staticReaders{"ACS ACR122U"})

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/api/readers", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"readers":["ACS ACR122U"],"count":1,"status":"ok","connected_clients":0}`, w.Body.String())
	})
}

func TestGetStatus(t *testing.T) {
	router, _, _ := setupRouter(staticReaders{"ACS A", "ACS B"})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/status", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var rsp handlers.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rsp))
	assert.Equal(t, "running", rsp.Status)
	assert.Equal(t, []string{"ACS A", "ACS B"}, rsp.Readers)
	assert.Equal(t, 2, rsp.ReaderCount)
	assert.GreaterOrEqual(t, rsp.Uptime, 0.0)
}

func TestHealthRequiresToken(t *testing.T) {
	router, _, token := setupRouter(nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/health", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/v1/health", nil)
	req.Header.Set("Authorization", "BEARER "+token)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebSocketSession(t *testing.T) {
	router, hub, _ := setupRouter(nil)
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	var msg comm.WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, comm.TypeReaders, msg.Type)
	assert.JSONEq(t, `[]`, string(msg.Data))

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, comm.TypeError, msg.Type)
	assert.Equal(t, 1, hub.Count())

	ev, err := comm.Encode(comm.CardDetected{Reader: "ACS X", CardNumber: "01670000000001234565"})
	require.NoError(t, err)
	hub.Broadcast(ev)

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, comm.TypeCardDetected, msg.Type)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestWebSocketRejectsUnknownOrigin(t *testing.T) {
	router, hub, _ := setupRouter(nil)
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, rsp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, rsp)
	assert.Equal(t, http.StatusForbidden, rsp.StatusCode)
	assert.Zero(t, hub.Count())
}
