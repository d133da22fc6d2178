package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/zhouzirui/markchat/backend/internal/config"
	"github.com/zhouzirui/markchat/backend/internal/handler/answer"
	"github.com/zhouzirui/markchat/backend/internal/handler/chat"
	"github.com/zhouzirui/markchat/backend/internal/handler/events"
	"github.com/zhouzirui/markchat/backend/internal/handler/relay"
	chatService "github.com/zhouzirui/markchat/backend/internal/service/chat"
	relayService "github.com/zhouzirui/markchat/backend/internal/service/relay"
)

// NewRouter wires the relay, the conversation API and the event feed.
func NewRouter(serverCfg config.ServerConfig, relaySvc *relayService.Service, chatSvc *chatService.Service, sender chat.Sender) http.Handler {
	r := newBaseRouter(serverCfg)

	relay.New(relaySvc).RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		chat.New(chatSvc, sender).RegisterRoutes(api)
		events.NewWebSocketHandler(chatSvc).RegisterRoutes(api)
	})

	return r
}

// NewAnswerRouter serves the reference answering backend.
func NewAnswerRouter(serverCfg config.ServerConfig, answerer answer.Answerer) http.Handler {
	r := newBaseRouter(serverCfg)
	answer.New(answerer).RegisterRoutes(r)
	return r
}

func newBaseRouter(serverCfg config.ServerConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   serverCfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", relay.SessionHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}
