// Package client drives one operator session against the NFC bridge: it
// connects when a scan dialog opens, reduces bridge events into display
// state, and validates the card number before handing it to a confirm step.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/upass/nfc-bridge/internal/cardno"
	"github.com/upass/nfc-bridge/internal/comm"
)

var ErrInvalidCardNumber = errors.New("card number must be exactly 20 digits")

// Messages shown to the operator.
const (
	MsgConnecting    = "Connecting to NFC bridge..."
	MsgConnected     = "Connected. Waiting for readers..."
	MsgConnectFailed = "Unable to connect to the NFC bridge. Make sure the bridge process is running."
	MsgConnLost      = "Connection to the NFC bridge was lost. Reopen the dialog to reconnect."
	MsgReady         = "Ready. Tap a card on the reader."
	MsgNoReaders     = "No readers connected."
	MsgCardDetected  = "Card detected. Confirm to allocate."
	MsgCardRemoved   = "Card removed. Scan again or enter the number manually."
	MsgInvalidNumber = "Card number must be exactly 20 digits."
)

type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

// State is what the dialog renders.
type State struct {
	Status     Status
	Readers    []string
	CardNumber string // pending number, never submitted automatically
	Error      string
	Message    string
	FieldError string
}

// ConfirmFunc receives a validated card number.
type ConfirmFunc func(cardNumber string) error

type Option func(*Controller)

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Controller) { c.dialer = d }
}

// WithOnChange registers a callback run after every state change.
func WithOnChange(fn func(State)) Option {
	return func(c *Controller) { c.onChange = fn }
}

type Controller struct {
	url      string
	dialer   *websocket.Dialer
	confirm  ConfirmFunc
	onChange func(State)

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
	gen   int // bumped on every open and close so stale connections are ignored
}

func New(url string, confirm ConfirmFunc, opts ...Option) *Controller {
	c := &Controller{
		url:     url,
		dialer:  websocket.DefaultDialer,
		confirm: confirm,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open starts a session. A failed attempt is not retried.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	c.teardownLocked()
	c.state = State{Status: Connecting, Message: MsgConnecting}
	gen := c.gen
	c.mu.Unlock()
	c.notify()

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)

	c.mu.Lock()
	if gen != c.gen {
		// closed while dialing
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return nil
	}
	if err != nil {
		c.state.Status = Disconnected
		c.state.Message = ""
		c.state.Error = MsgConnectFailed
		c.mu.Unlock()
		c.notify()
		log.Errorf("Error connecting to NFC bridge %s: %v", c.url, err)
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	c.conn = conn
	c.state.Status = Connected
	c.state.Message = MsgConnected
	c.mu.Unlock()
	c.notify()

	go c.readLoop(conn, gen)
	return nil
}

// Close ends the session and resets every field, whatever the connection state.
func (c *Controller) Close() {
	c.mu.Lock()
	c.teardownLocked()
	c.state = State{}
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) teardownLocked() {
	c.gen++
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Controller) readLoop(conn *websocket.Conn, gen int) {
	for {
		var msg comm.WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			c.mu.Lock()
			if gen != c.gen {
				c.mu.Unlock()
				return
			}
			log.Warnf("NFC bridge connection closed: %v", err)
			c.conn = nil
			c.state.Status = Disconnected
			c.state.Error = MsgConnLost
			c.mu.Unlock()
			c.notify()
			return
		}

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.applyLocked(msg)
		c.mu.Unlock()
		c.notify()
	}
}

// Apply reduces one bridge message into the state.
func (c *Controller) Apply(msg comm.WSMessage) {
	c.mu.Lock()
	c.applyLocked(msg)
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) applyLocked(msg comm.WSMessage) {
	s := &c.state

	switch msg.Type {
	case comm.TypeReaders:
		var names []string
		if err := json.Unmarshal(msg.Data, &names); err != nil {
			log.Errorf("invalid readers payload: %v", err)
			return
		}
		s.Readers = names
		if len(names) > 0 {
			s.Error = ""
			s.Message = MsgReady
		}
	case comm.TypeReaderConnected:
		var p comm.ReaderAdded
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			log.Errorf("invalid readerConnected payload: %v", err)
			return
		}
		if !contains(s.Readers, p.Name) {
			s.Readers = append(s.Readers, p.Name)
		}
		s.Error = ""
		s.Message = MsgReady
	case comm.TypeReaderDisconnected:
		var p comm.ReaderRemoved
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			log.Errorf("invalid readerDisconnected payload: %v", err)
			return
		}
		s.Readers = remove(s.Readers, p.Name)
		if len(s.Readers) == 0 {
			s.Message = MsgNoReaders
		}
	case comm.TypeCardDetected:
		var p comm.CardDetected
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			log.Errorf("invalid cardDetected payload: %v", err)
			return
		}
		s.CardNumber = p.CardNumber
		s.Error = ""
		s.FieldError = ""
		s.Message = MsgCardDetected
	case comm.TypeCardRemoved:
		s.Message = MsgCardRemoved
	case comm.TypeError:
		var p comm.ReaderError
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			log.Errorf("invalid error payload: %v", err)
			return
		}
		s.Error = p.Message
	default:
		log.Warnf("unknown event received: %s", msg.Type)
	}
}

// Submit validates input and passes it to the confirm step.
func (c *Controller) Submit(input string) error {
	if !cardno.Valid(input) {
		c.mu.Lock()
		c.state.FieldError = MsgInvalidNumber
		c.mu.Unlock()
		c.notify()
		return ErrInvalidCardNumber
	}

	c.mu.Lock()
	c.state.FieldError = ""
	c.mu.Unlock()
	c.notify()

	return c.confirm(input)
}

// State returns a copy of the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	s.Readers = append([]string(nil), c.state.Readers...)
	return s
}

func (c *Controller) notify() {
	if c.onChange != nil {
		c.onChange(c.State())
	}
}

func contains(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}

func remove(list []string, name string) []string {
	out := list[:0]
	for _, v := range list {
		if v != name {
			out = append(out, v)
		}
	}
	return out
}
