package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upass/nfc-bridge/internal/comm"
)

type staticReaders []string

func (r staticReaders) Readers() []string { return r }

type fakeSession struct {
	id  string
	cap int

	mu     sync.Mutex
	msgs   []comm.WSMessage
	closed bool
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Send(msg comm.WSMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cap > 0 && len(s.msgs) >= s.cap {
		return false
	}
	s.msgs = append(s.msgs, msg)
	return true
}

func (s *fakeSession) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeSession) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.msgs {
		out = append(out, m.Type)
	}
	return out
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []comm.WSMessage
	err  error
}

func (r *recordingSink) Publish(msg comm.WSMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recordingSink) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestHub_SnapshotWithoutReaders(t *testing.T) {
	h := NewHub(staticReaders(nil))
	s := &fakeSession{id: "a"}
	h.StoreConnection(s)

	require.Equal(t, []string{"readers", "error"}, s.types())
	assert.JSONEq(t, `[]`, string(s.msgs[0].Data))

	var payload comm.ReaderError
	require.NoError(t, json.Unmarshal(s.msgs[1].Data, &payload))
	assert.Equal(t, NoReadersMessage, payload.Message)
	assert.Equal(t, 1, h.Count())
}

func TestHub_SnapshotWithReaders(t *testing.T) {
	h := NewHub(staticReaders{"ACS X"})
	s := &fakeSession{id: "a"}
	h.StoreConnection(s)

	require.Equal(t, []string{"readers"}, s.types())
	assert.JSONEq(t, `["ACS X"]`, string(s.msgs[0].Data))
}

func TestHub_FanOutOrder(t *testing.T) {
	sink := &recordingSink{err: errors.New("nats down")}
	h := NewHub(staticReaders{"ACS X"}, sink)
	a := &fakeSession{id: "a"}
	b := &fakeSession{id: "b"}
	h.StoreConnection(a)
	h.StoreConnection(b)

	events := make(chan comm.Event, 4)
	events <- comm.CardDetected{Reader: "ACS X", CardNumber: "01670000000001234565"}
	events <- comm.CardRemoved{Reader: "ACS X"}
	close(events)

	done := make(chan struct{})
	go func() {
		h.Run(context.Background(), events)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop after events closed")
	}

	want := []string{"readers", "cardDetected", "cardRemoved"}
	assert.Equal(t, want, a.types())
	assert.Equal(t, want, b.types())
	assert.JSONEq(t, `{"reader":"ACS X","cardNumber":"01670000000001234565"}`, string(a.msgs[1].Data))
	assert.Equal(t, 2, sink.len(), "sink errors do not stop the fan-out")
}

func TestHub_Disconnect(t *testing.T) {
	h := NewHub(staticReaders{"ACS X"})
	a := &fakeSession{id: "a"}
	b := &fakeSession{id: "b"}
	h.StoreConnection(a)
	h.StoreConnection(b)

	h.HandleDisconnect("a")
	h.HandleDisconnect("unknown")
	assert.Equal(t, 1, h.Count())

	msg, err := comm.Encode(comm.ReaderRemoved{Name: "ACS X"})
	require.NoError(t, err)
	h.Broadcast(msg)

	assert.Equal(t, []string{"readers"}, a.types())
	assert.Equal(t, []string{"readers", "readerDisconnected"}, b.types())
}

// arrivingReader reports no readers while a reader arrives concurrently.
type arrivingReader struct {
	hub *Hub
}

func (r *arrivingReader) Readers() []string {
	broadcast := make(chan struct{})
	go func() {
		msg, _ := comm.Encode(comm.ReaderAdded{Name: "ACS X"})
		r.hub.Broadcast(msg)
		close(broadcast)
	}()
	select {
	case <-broadcast:
	case <-time.After(50 * time.Millisecond):
	}
	return nil
}

func TestHub_ReaderArrivingDuringConnect(t *testing.T) {
	lister := &arrivingReader{}
	h := NewHub(lister)
	lister.hub = h

	s := &fakeSession{id: "a"}
	h.StoreConnection(s)

	assert.Eventually(t, func() bool {
		types := s.types()
		return len(types) == 3 && types[2] == "readerConnected"
	}, time.Second, 10*time.Millisecond, "session saw %v", s.types())
	assert.Equal(t, []string{"readers", "error", "readerConnected"}, s.types())
}

func TestHub_SlowSessionMissesEvents(t *testing.T) {
	h := NewHub(staticReaders{"ACS X"})
	slow := &fakeSession{id: "slow", cap: 1}
	fast := &fakeSession{id: "fast"}
	h.StoreConnection(slow)
	h.StoreConnection(fast)

	msg, _ := comm.Encode(comm.CardRemoved{Reader: "ACS X"})
	h.Broadcast(msg)
	h.Broadcast(msg)

	assert.Equal(t, []string{"readers"}, slow.types())
	assert.Equal(t, []string{"readers", "cardRemoved", "cardRemoved"}, fast.types())
}

func TestHub_CloseAll(t *testing.T) {
	h := NewHub(staticReaders(nil))
	a := &fakeSession{id: "a"}
	h.StoreConnection(a)

	h.CloseAll()
	assert.Zero(t, h.Count())
	assert.True(t, a.closed)
}
