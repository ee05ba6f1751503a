package routes

import (
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/jwtauth"
	log "github.com/sirupsen/logrus"
	"github.com/upass/nfc-bridge/internal/nfcsvc/handlers"
)

func SetRoutes(r *chi.Mux, h *handlers.Handler, tokenAuth *jwtauth.JWTAuth) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/readers", h.GetReaders)
		r.Get("/status", h.GetStatus)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/ws", h.HandleWebSocket)
		// Secure routes
		r.Group(func(r chi.Router) {
			r.Use(jwtauth.Verifier(tokenAuth))
			r.Use(jwtauth.Authenticator)

			r.Get("/health", h.HealthHandler)
		})
	})
}

func InitAuth(secret string) *jwtauth.JWTAuth {
	tokenAuth := jwtauth.New("HS256", []byte(secret), nil)

	expirationTime := time.Now().Add(7 * 24 * time.Hour).Unix()

	_, tokenString, _ := tokenAuth.Encode(map[string]interface{}{
		"service_id": "nfc-bridge",
		"exp":        expirationTime,
	})

	log.Debugf("health check token: %s", tokenString)
	return tokenAuth
}
