package websocket

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Arvindchoudhary21/editor/domain"
)

// Server upgrades HTTP requests and hands each connection to the message
// handler under a fresh identity.
type Server struct {
	upgrader websocket.Upgrader
	handler  domain.MessageHandler
	opts     Options
	log      *slog.Logger
}

// NewServer builds an upgrade handler. allowedOrigin "*" or "" accepts any
// origin; requests without an Origin header are always accepted.
func NewServer(h domain.MessageHandler, opts Options, allowedOrigin string, log *slog.Logger) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigin),
		},
		handler: h,
		opts:    opts,
		log:     log,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("upgrade error", "error", err)
		return
	}

	conn := NewConn(uuid.New().String(), ws, s.handler, s.opts, s.log)
	s.log.Debug("client connected", "clientId", conn.ID(), "remote", r.RemoteAddr)
	conn.Start()
}

func checkOrigin(allowed string) func(*http.Request) bool {
	if allowed == "" || allowed == "*" {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || origin == allowed
	}
}
