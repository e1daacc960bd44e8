// Package server assembles the bridge's HTTP surface: the client websocket
// endpoints, the conversation and transcript queries, and the ops endpoints,
// behind the middleware chain.
package server

import (
	"log/slog"
	"net/http"

	"github.com/adamd9/delegate1/pkg/bridge/config"
	"github.com/adamd9/delegate1/pkg/bridge/conversation"
	"github.com/adamd9/delegate1/pkg/bridge/handlers"
	"github.com/adamd9/delegate1/pkg/bridge/mw"
	"github.com/adamd9/delegate1/pkg/bridge/protocol"
	"github.com/adamd9/delegate1/pkg/bridge/registry"
)

// Deps are the wired components the server exposes over HTTP.
type Deps struct {
	Store       *conversation.Store
	Registry    *registry.Registry
	Bridge      handlers.TurnSubmitter
	Finalizer   handlers.Finalizer
	Router      handlers.DispatchResetter
	Upstream    handlers.UpstreamResetter
	Transcripts handlers.TranscriptReader
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Deps
}

func New(cfg config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})

	wsHandler := handlers.WSHandler{
		Store:        s.deps.Store,
		Registry:     s.deps.Registry,
		Bridge:       s.deps.Bridge,
		Finalizer:    s.deps.Finalizer,
		Logger:       s.logger,
		PingInterval: s.cfg.WSPingInterval,
		WriteTimeout: s.cfg.WSWriteTimeout,
	}

	text := wsHandler
	text.DefaultChannel = protocol.ChannelText
	s.mux.Handle("/ws", text)

	voice := wsHandler
	voice.DefaultChannel = protocol.ChannelVoice
	s.mux.Handle("/voice", voice)

	s.mux.Handle("/conversations", handlers.ConversationsHandler{Store: s.deps.Store})
	s.mux.Handle("/transcripts", handlers.TranscriptsHandler{Transcripts: s.deps.Transcripts})
	s.mux.Handle("/transcripts/", handlers.TranscriptsHandler{Transcripts: s.deps.Transcripts})
	s.mux.Handle("/reset", handlers.ResetHandler{
		Store:    s.deps.Store,
		Registry: s.deps.Registry,
		Router:   s.deps.Router,
		Upstream: s.deps.Upstream,
		Logger:   s.logger,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
