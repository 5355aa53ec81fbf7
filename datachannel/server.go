package datachannel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/stagegrid/errors"
)

// Server multiplexes a node's inbound data endpoints on one HTTP listener.
type Server struct {
	addr     string
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu        sync.Mutex
	listener  net.Listener
	server    *http.Server
	endpoints map[string]*Endpoint
	wg        sync.WaitGroup
}

// NewServer creates a server that will listen on addr ("host:port"; port 0
// picks a free port).
func NewServer(addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:   addr,
		logger: logger.With("component", "datachannel"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		endpoints: make(map[string]*Endpoint),
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "start")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", "listen on "+s.addr)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/data/", s.handle)
	s.listener = ln
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func(srv *http.Server) {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Data server failed", "error", err)
		}
	}(s.server)

	s.logger.Debug("Data server listening", "address", ln.Addr().String())
	return nil
}

// Address returns the bound listener address, or the configured one before Start.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Endpoint registers an inbound endpoint on path. Each path accepts a single
// connection.
func (s *Server) Endpoint(path string) (*Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.endpoints[path]; exists {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: endpoint %s registered twice", errors.ErrAPIMisuse, path),
			"Server", "Endpoint", "register endpoint")
	}
	ep := &Endpoint{path: path, conns: make(chan *websocket.Conn, 1)}
	s.endpoints[path] = ep
	return ep, nil
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ep, ok := s.endpoints[r.URL.Path]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	if !ep.claim() {
		http.Error(w, "endpoint already connected", http.StatusConflict)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ep.release()
		s.logger.Warn("Data endpoint upgrade failed", "path", ep.path, "error", err)
		return
	}
	if ep.isAbandoned() {
		_ = conn.Close()
		return
	}
	ep.conns <- conn
}

// Stop closes the listener. Connections already handed to readers stay open
// until their readers finish.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	s.wg.Wait()
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown")
	}
	return nil
}

// Endpoint is one inbound data path on a Server.
type Endpoint struct {
	path  string
	conns chan *websocket.Conn

	mu        sync.Mutex
	claimed   bool
	abandoned bool
}

// Path returns the endpoint's server path.
func (e *Endpoint) Path() string { return e.path }

func (e *Endpoint) claim() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.claimed {
		return false
	}
	e.claimed = true
	return true
}

func (e *Endpoint) release() {
	e.mu.Lock()
	if !e.abandoned {
		e.claimed = false
	}
	e.mu.Unlock()
}

// abandon refuses every later connection and closes one already handed over
// but never accepted.
func (e *Endpoint) abandon() {
	e.mu.Lock()
	e.claimed = true
	e.abandoned = true
	e.mu.Unlock()

	select {
	case conn := <-e.conns:
		_ = conn.Close()
	default:
	}
}

func (e *Endpoint) isAbandoned() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.abandoned
}

// Accept waits for the peer's connection.
func (e *Endpoint) Accept(ctx context.Context) (*websocket.Conn, error) {
	select {
	case conn := <-e.conns:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
