package comm

import (
	"encoding/json"
)

// Message types pushed from the bridge to sessions.
const (
	TypeReaders            = "readers"
	TypeReaderConnected    = "readerConnected"
	TypeReaderDisconnected = "readerDisconnected"
	TypeCardDetected       = "cardDetected"
	TypeCardRemoved        = "cardRemoved"
	TypeError              = "error"
)

type WSMessage struct {
	Type string          `json:"type"` // e.g. "readers", "cardDetected"
	Data json.RawMessage `json:"data"`
}

// Event is a domain event produced by the reader manager.
type Event interface {
	EventType() string
}

type ReaderAdded struct {
	Name string `json:"name"`
}

type ReaderRemoved struct {
	Name string `json:"name"`
}

type CardDetected struct {
	Reader     string `json:"reader"`
	CardNumber string `json:"cardNumber"`
}

type CardRemoved struct {
	Reader string `json:"reader"`
}

type ReaderError struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

func (ReaderAdded) EventType() string   { return TypeReaderConnected }
func (ReaderRemoved) EventType() string { return TypeReaderDisconnected }
func (CardDetected) EventType() string  { return TypeCardDetected }
func (CardRemoved) EventType() string   { return TypeCardRemoved }
func (ReaderError) EventType() string   { return TypeError }

// Encode wraps an event into its wire envelope.
func Encode(ev Event) (WSMessage, error) {
	return newMessage(ev.EventType(), ev)
}

// ReadersMessage is the snapshot sent to a session right after it connects.
func ReadersMessage(names []string) WSMessage {
	if names == nil {
		names = []string{}
	}
	msg, _ := newMessage(TypeReaders, names)
	return msg
}

func newMessage(typ string, v interface{}) (WSMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return WSMessage{}, err
	}
	return WSMessage{Type: typ, Data: data}, nil
}
