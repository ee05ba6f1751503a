package broker

import (
	"encoding/json"

	log "github.com/sirupsen/logrus"
	"github.com/upass/nfc-bridge/internal/comm"
)

const (
	// EventsTopic carries every message broadcast to bridge sessions.
	EventsTopic = "nfc.events"
	// AllocateTopic carries card numbers confirmed by an operator.
	AllocateTopic = "upass.allocate"
)

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type Broker struct {
	Conn     Publisher
	Instance string
}

// Allocation asks the portal to bind a card number to a student record.
type Allocation struct {
	CardNumber string `json:"cardNumber"`
	Instance   string `json:"instance,omitempty"`
}

func NewBroker(conn Publisher, instance string) *Broker {
	return &Broker{
		Conn:     conn,
		Instance: instance,
	}
}

// Publish mirrors a session message to EventsTopic.
func (b *Broker) Publish(msg comm.WSMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.publish(EventsTopic, payload)
}

// PublishAllocation sends a confirmed card number to AllocateTopic.
func (b *Broker) PublishAllocation(cardNumber string) error {
	payload, err := json.Marshal(Allocation{CardNumber: cardNumber, Instance: b.Instance})
	if err != nil {
		return err
	}
	return b.publish(AllocateTopic, payload)
}

func (b *Broker) publish(topic string, payload []byte) error {
	if err := b.Conn.Publish(topic, payload); err != nil {
		log.Errorf("Error publishing to topic %s: %s", topic, err)
		return err
	}
	return nil
}
