package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/upass/nfc-bridge/internal/nfcsvc/ws"
)

type Handler struct {
	upgrader websocket.Upgrader
	hub      *ws.Hub
	readers  ws.ReaderLister
	started  time.Time
}

type ReadersResponse struct {
	Readers          []string `json:"readers"`
	Count            int      `json:"count"`
	Status           string   `json:"status"` // "ok" or "no_readers"
	ConnectedClients int      `json:"connected_clients"`
}

type StatusResponse struct {
	Status           string   `json:"status"`
	Readers          []string `json:"readers"`
	ReaderCount      int      `json:"reader_count"`
	ConnectedClients int      `json:"connected_clients"`
	Uptime           float64  `json:"uptime"` // seconds
}

type Response struct {
	Message string      `json:"message"`
	Code    int         `json:"code"`
	Data    interface{} `json:"data"`
	Error   string      `json:"error"`
}

func NewHandler(hub *ws.Hub, readers ws.ReaderLister, origins []string) *Handler {
	h := &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(origins),
		},
		hub:     hub,
		readers: readers,
		started: time.Now(),
	}
	return h
}

// checkOrigin accepts listed browser origins and clients that send none.
func checkOrigin(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed["*"] || allowed[origin]
	}
}

// HandleWebSocket upgrades the request into a bridge session.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("Failed to upgrade to WebSocket: %v", err)
		return
	}

	socketId := uuid.New().String()
	session := ws.NewConn(socketId, conn)
	h.hub.StoreConnection(session)

	go h.handleConnection(conn, session)
}

// handleConnection only watches for the client going away; sessions are push only.
func (h *Handler) handleConnection(conn *websocket.Conn, session *ws.Conn) {
	defer func() {
		h.hub.HandleDisconnect(session.ID())
		session.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Errorf("WebSocket unexpected close error for socket %s: %v", session.ID(), err)
			}
			return
		}
	}
}

func (h *Handler) GetReaders(w http.ResponseWriter, r *http.Request) {
	names := h.readerNames()
	status := "ok"
	if len(names) == 0 {
		status = "no_readers"
	}
	h.writeJSON(w, http.StatusOK, ReadersResponse{
		Readers:          names,
		Count:            len(names),
		Status:           status,
		ConnectedClients: h.hub.Count(),
	})
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	names := h.readerNames()
	h.writeJSON(w, http.StatusOK, StatusResponse{
		Status:           "running",
		Readers:          names,
		ReaderCount:      len(names),
		ConnectedClients: h.hub.Count(),
		Uptime:           time.Since(h.started).Seconds(),
	})
}

func (h *Handler) readerNames() []string {
	if names := h.readers.Readers(); names != nil {
		return names
	}
	return []string{}
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	h.CreateResponse(w, Response{
		Message: "nfc bridge is running",
		Code:    http.StatusOK,
	})
}

func (h *Handler) CreateResponse(w http.ResponseWriter, rsp Response) {
	h.writeJSON(w, rsp.Code, rsp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Failed to encode response: %v", err)
	}
}
