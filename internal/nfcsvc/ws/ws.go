package ws

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/upass/nfc-bridge/internal/comm"
)

// NoReadersMessage is sent next to an empty reader snapshot.
const NoReadersMessage = "No NFC readers detected. Please connect an ACS reader."

// Session is one connected client the hub pushes messages to.
type Session interface {
	ID() string
	// Send queues msg without blocking and reports whether it was accepted.
	Send(msg comm.WSMessage) bool
	Close()
}

// Sink receives every broadcast message besides the sessions.
type Sink interface {
	Publish(msg comm.WSMessage) error
}

type ReaderLister interface {
	Readers() []string
}

// Hub fans reader events out to all connected sessions.
type Hub struct {
	readers ReaderLister
	sinks   []Sink

	mu    sync.RWMutex
	conns map[string]Session // socketId -> session
}

func NewHub(readers ReaderLister, sinks ...Sink) *Hub {
	return &Hub{
		readers: readers,
		sinks:   sinks,
		conns:   make(map[string]Session),
	}
}

// StoreConnection registers s and sends it the current reader list. The
// snapshot is taken under the lock, so a broadcast is either part of the
// snapshot or delivered to s afterwards.
func (h *Hub) StoreConnection(s Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	names := h.readers.Readers()
	h.conns[s.ID()] = s
	s.Send(comm.ReadersMessage(names))
	if len(names) == 0 {
		msg, _ := comm.Encode(comm.ReaderError{Message: NoReadersMessage})
		s.Send(msg)
	}
	log.Infof("session %s connected, %d readers, %d sessions", s.ID(), len(names), len(h.conns))
}

// HandleDisconnect drops the session. Readers are left untouched.
func (h *Hub) HandleDisconnect(socketId string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[socketId]; !ok {
		return
	}
	delete(h.conns, socketId)
	log.Infof("session %s disconnected, %d sessions", socketId, len(h.conns))
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Run broadcasts every event until ctx is cancelled or events is closed.
func (h *Hub) Run(ctx context.Context, events <-chan comm.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg, err := comm.Encode(ev)
			if err != nil {
				log.Errorf("Error encoding %s event: %v", ev.EventType(), err)
				continue
			}
			h.Broadcast(msg)
		}
	}
}

// Broadcast sends msg to every session and sink.
func (h *Hub) Broadcast(msg comm.WSMessage) {
	h.mu.RLock()
	for id, s := range h.conns {
		if !s.Send(msg) {
			log.Warnf("session %s missed %s event", id, msg.Type)
		}
	}
	h.mu.RUnlock()

	for _, sink := range h.sinks {
		if err := sink.Publish(msg); err != nil {
			log.Errorf("Error publishing %s event: %v", msg.Type, err)
		}
	}
}

// CloseAll closes and forgets every session.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, s := range h.conns {
		s.Close()
		delete(h.conns, id)
	}
}
