package reader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/upass/nfc-bridge/internal/cardno"
	"github.com/upass/nfc-bridge/internal/comm"
)

// GetUID is the PC/SC pseudo-APDU returning the card UID.
var GetUID = []byte{0xFF, 0xCA, 0x00, 0x00, 0x00}

// DefaultFilter is the vendor substring a reader name must contain.
const DefaultFilter = "ACS"

var ErrCardTimeout = errors.New("card read timed out")

// Card is a connection to the card sitting in one reader.
type Card interface {
	Transmit(cmd []byte) ([]byte, error)
	// Disconnect releases the connection and leaves the card in the reader.
	Disconnect() error
}

// Connector opens shared-mode connections to cards.
type Connector interface {
	Connect(reader string) (Card, error)
}

type State int

const (
	Idle State = iota
	CardPresent
	// Failed means a card is present but could not be read.
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CardPresent:
		return "card-present"
	case Failed:
		return "error"
	}
	return "unknown"
}

type Kind int

const (
	Added Kind = iota
	Removed
	StatusChanged
	MiddlewareError
)

// Notification is what the smart-card middleware reports to the manager.
type Notification struct {
	Kind    Kind
	Reader  string
	Present bool
	Raw     uint32 // middleware state bitmask
	Err     error
}

// Handle is the manager's view of one accepted reader.
type Handle struct {
	Name string

	mu    sync.Mutex
	state State
	raw   uint32
	queue chan Notification
	done  chan struct{} // closed once the handle has reported its removal
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Raw is the last state bitmask the middleware reported.
func (h *Handle) Raw() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.raw
}

func (h *Handle) setState(s State, raw uint32) {
	h.mu.Lock()
	h.state = s
	h.raw = raw
	h.mu.Unlock()
}

type Options struct {
	Filter string
	// CardTimeout bounds connect+transmit. Zero waits for the middleware.
	CardTimeout time.Duration
}

// Manager tracks accepted readers and turns presence changes into events.
// Notifications for one reader are handled in order by that reader's own
// goroutine, so a slow card read never holds up other readers.
type Manager struct {
	conn    Connector
	events  chan<- comm.Event
	filter  string
	timeout time.Duration

	mu      sync.RWMutex
	readers map[string]*Handle

	// removed handles still draining their queue, touched only by Run
	retiring map[string]*Handle

	wg   sync.WaitGroup
	done chan struct{}
}

func NewManager(conn Connector, events chan<- comm.Event, opts Options) *Manager {
	if opts.Filter == "" {
		opts.Filter = DefaultFilter
	}
	return &Manager{
		conn:     conn,
		events:   events,
		filter:   opts.Filter,
		timeout:  opts.CardTimeout,
		readers:  make(map[string]*Handle),
		retiring: make(map[string]*Handle),
		done:     make(chan struct{}),
	}
}

// Run consumes middleware notifications until ctx is cancelled or in is closed.
func (m *Manager) Run(ctx context.Context, in <-chan Notification) {
	defer m.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-in:
			if !ok {
				return
			}
			m.dispatch(n)
		}
	}
}

// Readers returns the names of the accepted readers, sorted.
func (m *Manager) Readers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.readers))
	for name := range m.readers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle returns the handle tracked under name.
func (m *Manager) Handle(name string) (*Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.readers[name]
	return h, ok
}

func (m *Manager) dispatch(n Notification) {
	switch n.Kind {
	case Added:
		m.addReader(n.Reader)
	case Removed:
		m.removeReader(n.Reader)
	case StatusChanged:
		h, ok := m.Handle(n.Reader)
		if !ok {
			return
		}
		select {
		case h.queue <- n:
		case <-m.done:
		}
	case MiddlewareError:
		log.Errorf("PC/SC error: %v", n.Err)
		m.publish(comm.ReaderError{Message: "PC/SC error", Error: errString(n.Err)})
	}
}

func (m *Manager) addReader(name string) {
	if !strings.Contains(name, m.filter) {
		log.WithField("reader", name).Infof("ignoring reader without %q in its name", m.filter)
		return
	}

	m.mu.Lock()
	if _, ok := m.readers[name]; ok {
		m.mu.Unlock()
		return
	}
	h := &Handle{
		Name:  name,
		queue: make(chan Notification, 16),
		done:  make(chan struct{}),
	}
	m.readers[name] = h
	m.mu.Unlock()

	prev := m.retiring[name]
	delete(m.retiring, name)

	m.wg.Add(1)
	go m.watch(h, prev)
}

func (m *Manager) removeReader(name string) {
	m.mu.Lock()
	h, ok := m.readers[name]
	if ok {
		delete(m.readers, name)
	}
	m.mu.Unlock()

	if ok {
		// watch drains what is queued, then reports the removal
		close(h.queue)
		m.retiring[name] = h
	}
}

// watch runs one handle. A reader that comes back under the same name
// waits until the previous handle has reported its removal.
func (m *Manager) watch(h, prev *Handle) {
	defer m.wg.Done()
	defer close(h.done)

	if prev != nil {
		select {
		case <-prev.done:
		case <-m.done:
			return
		}
	}

	log.WithField("reader", h.Name).Info("reader connected")
	m.publish(comm.ReaderAdded{Name: h.Name})

	for n := range h.queue {
		m.statusChanged(h, n)
	}

	log.WithField("reader", h.Name).Info("reader disconnected")
	m.publish(comm.ReaderRemoved{Name: h.Name})
}

func (m *Manager) statusChanged(h *Handle, n Notification) {
	prev := h.State()

	switch {
	case n.Present && prev == Idle:
		h.setState(CardPresent, n.Raw)
		m.readCard(h, n.Raw)
	case !n.Present && prev != Idle:
		h.setState(Idle, n.Raw)
		log.WithField("reader", h.Name).Info("card removed")
		m.publish(comm.CardRemoved{Reader: h.Name})
	default:
		h.setState(prev, n.Raw)
	}
}

func (m *Manager) readCard(h *Handle, raw uint32) {
	logger := log.WithField("reader", h.Name)

	uid, err := m.transmit(h.Name)
	if err != nil {
		logger.Errorf("card read failed: %v", err)
		h.setState(Failed, raw)
		m.publish(comm.ReaderError{Message: "Error reading card", Error: err.Error()})
		return
	}

	number := cardno.Decode(uid)
	if number == "" {
		logger.Warnf("invalid card data % X", uid)
		h.setState(Failed, raw)
		m.publish(comm.ReaderError{Message: "Invalid card data received"})
		return
	}

	logger.WithField("card", number).Info("card detected")
	m.publish(comm.CardDetected{Reader: h.Name, CardNumber: number})
}

func (m *Manager) transmit(reader string) ([]byte, error) {
	if m.timeout <= 0 {
		return m.readUID(reader)
	}

	type result struct {
		uid []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		uid, err := m.readUID(reader)
		ch <- result{uid, err}
	}()

	select {
	case r := <-ch:
		return r.uid, r.err
	case <-time.After(m.timeout):
		return nil, ErrCardTimeout
	}
}

func (m *Manager) readUID(reader string) ([]byte, error) {
	card, err := m.conn.Connect(reader)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if err := card.Disconnect(); err != nil {
			log.WithField("reader", reader).Warnf("disconnect: %v", err)
		}
	}()

	uid, err := card.Transmit(GetUID)
	if err != nil {
		return nil, fmt.Errorf("transmit: %w", err)
	}
	return uid, nil
}

func (m *Manager) publish(ev comm.Event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

func (m *Manager) shutdown() {
	close(m.done)

	m.mu.Lock()
	for name, h := range m.readers {
		close(h.queue)
		delete(m.readers, name)
	}
	m.mu.Unlock()

	m.wg.Wait()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
