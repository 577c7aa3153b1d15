package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/aeolun/parley/pkg/database"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// debugLog is disabled by default; EnableDebugLogging switches it to stderr
var debugLog = log.New(io.Discard, "", log.Ldate|log.Ltime|log.Lmicroseconds)

// Server owns the shared registries and accepts client connections
type Server struct {
	db       *database.DB
	presence *PresenceRegistry
	router   *MessageRouter
	guard    *AuthGuard
	config   ServerConfig

	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	metrics    *Metrics

	sessions  map[uint64]*Session
	sessMu    sync.Mutex
	nextID    uint64
	startTime time.Time
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// NewServer creates a new server instance. Every already-registered
// username gets its presence entry and pending queue up front, so offline
// delivery works from the first accepted connection.
func NewServer(dbPath string, config ServerConfig) (*Server, error) {
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	presence := NewPresenceRegistry()
	router := NewMessageRouter()

	usernames, err := db.ListUsernames()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load users: %w", err)
	}
	for _, username := range usernames {
		presence.Track(username)
		router.Track(username)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	return &Server{
		db:       db,
		presence: presence,
		router:   router,
		guard:    NewAuthGuard(config.FailureThreshold, config.LockoutTicks),
		config:   config,
		registry: registry,
		metrics:  NewMetrics(registry),
		sessions: make(map[uint64]*Session),
		nextID:   1,
		shutdown: make(chan struct{}),
	}, nil
}

// EnableDebugLogging turns on per-session debug output
func (s *Server) EnableDebugLogging() {
	debugLog = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds)
}

// Start starts the TCP listener, the auth decay ticker and the HTTP surface
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.startTime = time.Now()
	log.Printf("TCP server listening on %s", listener.Addr())

	if s.config.HTTPPort > 0 {
		if err := s.startHTTPServer(); err != nil {
			s.listener.Close()
			return err
		}
	}

	s.wg.Add(1)
	go s.authDecayLoop()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the address the TCP listener is bound to
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the server: the listener and every live session are
// closed, then the credential store is persisted.
func (s *Server) Stop() error {
	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.httpServer.Shutdown(ctx)
		cancel()
		s.httpServer = nil
	}

	// Close every live session first so goroutines parked in reads can
	// exit, then wait for them along with the loop goroutines. The
	// database closes only after no session can still be touching it.
	s.closeAllSessions()
	s.wg.Wait()

	// Close database (checkpoints the credential mapping)
	return s.db.Close()
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Accept error: %v", err)
				continue
			}
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.wg.Add(1)
		go s.handleConnection(conn, "tcp")
	}
}

// handleConnection runs one session over an accepted control connection.
// Also the entry point for WebSocket-adapted connections. Runs inside the
// server WaitGroup so Stop does not return mid-handshake.
func (s *Server) handleConnection(conn net.Conn, transport string) {
	defer s.wg.Done()

	select {
	case <-s.shutdown:
		conn.Close()
		return
	default:
	}

	sess := s.newSession(conn)
	log.Printf("New connection from %s (session %d, %s)", conn.RemoteAddr(), sess.id, transport)

	sess.run()
	s.removeSession(sess.id)
}

// authDecayLoop drives the failure/lockout decay once per interval
func (s *Server) authDecayLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.DecayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.guard.Tick()
		}
	}
}

// startHTTPServer exposes /health, /metrics and the /ws control transport
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.HealthHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", s.HandleWebSocket)

	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	httpListener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{Handler: mux}
	log.Printf("HTTP server listening on %s", httpListener.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(httpListener); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	return nil
}

func (s *Server) addSession(sess *Session) {
	s.sessMu.Lock()
	s.sessions[sess.id] = sess
	count := len(s.sessions)
	s.sessMu.Unlock()

	s.metrics.RecordSessionCreated()
	s.metrics.RecordActiveSessions(count)
}

func (s *Server) removeSession(id uint64) {
	s.sessMu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	count := len(s.sessions)
	s.sessMu.Unlock()

	if ok {
		s.metrics.RecordSessionDisconnected()
		s.metrics.RecordActiveSessions(count)
	}
}

func (s *Server) closeAllSessions() {
	s.sessMu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[uint64]*Session)
	s.sessMu.Unlock()

	for _, sess := range sessions {
		sess.closeConns()
	}
}
