package relay

import (
	"net/http"
	"sync"

	"github.com/ehrlich-b/deskrelay/internal/store"
)

// ServerConfig holds the transport settings that differ per deployment.
type ServerConfig struct {
	Version    string
	Profile    string
	ReadLimit  int64
	SendBuffer int
}

type Server struct {
	Relay  *Relay
	Store  *store.Store // optional; enables /audit
	Config ServerConfig
	mux    *http.ServeMux

	connMu sync.Mutex
	conns  map[string]*wsPeer
}

func NewServer(rl *Relay, cfg ServerConfig) *Server {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 8 * 1024 * 1024
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	s := &Server{
		Relay:  rl,
		Config: cfg,
		mux:    http.NewServeMux(),
		conns:  make(map[string]*wsPeer),
	}
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /frame.jpg", s.handleFrame)
	s.mux.HandleFunc("GET /audit", s.handleAudit)
	s.mux.HandleFunc("GET /ws", s.handleWS)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
