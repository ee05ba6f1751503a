package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/ebfe/scard"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/httprate"
	log "github.com/sirupsen/logrus"

	config "github.com/upass/nfc-bridge/configs"
	"github.com/upass/nfc-bridge/internal/comm"
	natscli "github.com/upass/nfc-bridge/internal/nats"
	"github.com/upass/nfc-bridge/internal/nfcsvc/broker"
	"github.com/upass/nfc-bridge/internal/nfcsvc/handlers"
	"github.com/upass/nfc-bridge/internal/nfcsvc/routes"
	"github.com/upass/nfc-bridge/internal/nfcsvc/ws"
	"github.com/upass/nfc-bridge/internal/reader"
)

const SERVICE_NAME = "nfcbridge"

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

	// the monitor and card connections each get their own PC/SC context
	monitorCtx, err := scard.EstablishContext()
	if err != nil {
		log.Fatalf("Failed to initialise PC/SC: %v", err)
	}
	defer monitorCtx.Release()

	cardCtx, err := scard.EstablishContext()
	if err != nil {
		log.Fatalf("Failed to initialise PC/SC: %v", err)
	}
	defer cardCtx.Release()
	log.Info("PC/SC context established")

	if cfg.CardTimeout > 0 {
		log.Warnf("card reads are bounded to %s", cfg.CardTimeout)
	}

	events := make(chan comm.Event, 64)
	manager := reader.NewManager(reader.NewPCSC(cardCtx), events, reader.Options{
		Filter:      cfg.ReaderFilter,
		CardTimeout: cfg.CardTimeout,
	})

	var sinks []ws.Sink
	if cfg.NatsURL != "" {
		n, err := natscli.Connect("NFC Bridge "+instanceId, cfg.NatsURL, cfg.NatsToken)
		if err != nil {
			log.Errorf("Error: unable to connect to NATS server %v", err)
		} else {
			defer n.Conn.Close()
			log.Infof("NATS connection established successfully %s", n.Url)
			sinks = append(sinks, broker.NewBroker(n.Conn, instanceId))
		}
	}
	hub := ws.NewHub(manager, sinks...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notes := make(chan reader.Notification)
	monitor := reader.NewMonitor(monitorCtx, cfg.PollInterval)
	go monitor.Run(ctx, notes)

	managerDone := make(chan struct{})
	go func() {
		manager.Run(ctx, notes)
		close(managerDone)
	}()
	go hub.Run(ctx, events)

	// Setup router
	r := chi.NewRouter()
	c := config.CORS(cfg.AllowedOrigins)

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(config.CustomLoggerMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(c.Handler)
	r.Use(httprate.LimitByIP(cfg.RateLimit, 1*time.Minute))

	secret := cfg.JWTSecret
	if secret == "" {
		log.Warn("JWT_SECRET_KEY not set, /v1/health uses a per-process key")
		secret = instanceId
	}
	h := handlers.NewHandler(hub, manager, cfg.AllowedOrigins)
	routes.SetRoutes(r, h, routes.InitAuth(secret))

	// no write timeout, websocket sessions are long lived
	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ListenAndServe(): %v", err)
		}
	}()
	log.Infof("%s service running at port %s", SERVICE_NAME, server.Addr)

	// Wait for interrupt signal to gracefully shutdown the server
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	cancel()
	if !waitDone(shutdownCtx, managerDone) {
		// a card read still blocked in the middleware
		log.Warn("reader manager did not stop in time")
	}
	hub.CloseAll()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("%s service shutdown Failed:%+v", SERVICE_NAME, err)
	}
	log.Infof("%s service gracefully stopped", SERVICE_NAME)
}

// waitDone reports whether done closed before ctx expired.
func waitDone(ctx context.Context, done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
