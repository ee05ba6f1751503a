package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	config "github.com/upass/nfc-bridge/configs"
	"github.com/upass/nfc-bridge/internal/client"
	natscli "github.com/upass/nfc-bridge/internal/nats"
	"github.com/upass/nfc-bridge/internal/nfcsvc/broker"
)

const SERVICE_NAME = "nfcwatch"

var instanceId string

func init() {
	instanceId = config.CreateUniqueInstance(SERVICE_NAME)
	config.Logging(SERVICE_NAME + "_service_" + instanceId)
	config.LoadEnv(SERVICE_NAME)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	confirm := func(cardNumber string) error {
		log.WithField("card", cardNumber).Info("card number confirmed")
		fmt.Printf("confirmed %s\n", cardNumber)
		return nil
	}
	if cfg.NatsURL != "" {
		n, err := natscli.Connect("NFC Watch "+instanceId, cfg.NatsURL, cfg.NatsToken)
		if err != nil {
			log.Fatalf("unable to connect to NATS: %v", err)
		}
		defer n.Conn.Close()
		b := broker.NewBroker(n.Conn, instanceId)
		confirm = func(cardNumber string) error {
			if err := b.PublishAllocation(cardNumber); err != nil {
				return err
			}
			fmt.Printf("sent %s for allocation\n", cardNumber)
			return nil
		}
	}

	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ctrl := client.New(cfg.BridgeURL, confirm,
		client.WithDialer(dialer),
		client.WithOnChange(render()),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := ctrl.Open(ctx); err != nil {
		os.Exit(1)
	}
	defer ctrl.Close()

	fmt.Println("type a card number, or press enter to confirm the scanned one (q to quit)")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || line == "q" {
				return
			}
			if line == "" {
				line = ctrl.State().CardNumber
			}
			err := ctrl.Submit(line)
			switch {
			case errors.Is(err, client.ErrInvalidCardNumber):
				fmt.Printf("invalid: %s\n", client.MsgInvalidNumber)
			case err != nil:
				fmt.Printf("confirm failed: %v\n", err)
			}
		}
	}
}

// render prints the parts of the state that changed.
func render() func(client.State) {
	var (
		mu   sync.Mutex
		last client.State
	)
	return func(s client.State) {
		mu.Lock()
		defer mu.Unlock()
		if s.Status != last.Status {
			fmt.Printf("[%s]\n", s.Status)
		}
		if s.Message != "" && s.Message != last.Message {
			fmt.Println(s.Message)
		}
		if s.Error != "" && s.Error != last.Error {
			fmt.Printf("error: %s\n", s.Error)
		}
		if s.CardNumber != "" && s.CardNumber != last.CardNumber {
			fmt.Printf("card: %s\n", s.CardNumber)
		}
		last = s
	}
}
