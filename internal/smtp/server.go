package smtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shineum/smtp-receiver-lite/internal/email"
)

const (
	// DefaultWelcomeMessage is the banner template; %s is the server domain.
	DefaultWelcomeMessage = "220 %s Welcome to smtp-receiver-lite."

	// DefaultHeloResponse is the HELO reply template; %s is the server domain.
	DefaultHeloResponse = "250 %s"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// maxAcceptDelay caps the backoff between failed Accept calls.
const maxAcceptDelay = time.Second

// ErrServerClosed is returned by Start and ListenAndServe once the server
// has been stopped.
var ErrServerClosed = errors.New("smtp: server closed")

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Domain is advertised in the banner and HELO reply. Defaults to the
	// host name of the machine.
	Domain string

	// WelcomeMessage and HeloResponse are reply templates. A %s in either
	// is replaced with Domain.
	WelcomeMessage string
	HeloResponse   string

	// Background makes Start return once listening, running the accept
	// loop on its own goroutine.
	Background bool

	// RecipientFilter decides which recipients are accepted. Defaults to
	// accepting addresses whose domain equals Domain.
	RecipientFilter RecipientFilter

	// Deliver receives each completed message.
	Deliver DeliveryFunc

	// Logger receives server and connection logs. Nil discards them.
	Logger *slog.Logger

	MaxMessageSize int
	MaxLineLength  int
	ReadTimeout    time.Duration
}

// Server accepts SMTP connections and runs a Session for each on its own
// goroutine.
type Server struct {
	config ServerConfig
	logger *slog.Logger

	// nextID is the last connection id handed out.
	nextID atomic.Int64

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	running  bool
	stopped  bool

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain()
	}
	if cfg.WelcomeMessage == "" {
		cfg.WelcomeMessage = DefaultWelcomeMessage
	}
	if cfg.HeloResponse == "" {
		cfg.HeloResponse = DefaultHeloResponse
	}
	if cfg.RecipientFilter == nil {
		cfg.RecipientFilter = domainFilter(cfg.Domain)
	}
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}

	return &Server{
		config: cfg,
		logger: cfg.Logger,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and runs the accept loop. Without Background
// it blocks until Stop is called and then returns nil.
func (s *Server) Start() error {
	ln, err := s.listen()
	if err != nil {
		return err
	}

	if s.config.Background {
		go s.serve(ln)
		return nil
	}

	s.serve(ln)
	return nil
}

// ListenAndServe starts the SMTP server and blocks until the context is cancelled.
// On context cancellation, it stops accepting new connections and waits up to
// 30 seconds for in-flight sessions to complete before closing them.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)

	// Monitor context for shutdown
	go func() {
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down SMTP server")
			s.closeListener()
		case <-done:
		}
	}()

	s.serve(ln)
	s.waitForSessions()
	s.Stop()
	return nil
}

// Stop closes the listener and every live connection. It is safe to call
// more than once and from any goroutine.
func (s *Server) Stop() {
	s.mu.Lock()
	s.running = false
	s.stopped = true
	ln := s.listener
	conns := s.conns
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for conn := range conns {
		conn.Close()
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Domain returns the advertised domain.
func (s *Server) Domain() string {
	return s.config.Domain
}

func (s *Server) listen() (net.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrServerClosed
	}
	if s.listener != nil {
		return nil, errors.New("smtp: server already started")
	}

	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	s.listener = ln
	s.running = true

	s.logger.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"domain", s.config.Domain,
		"max_message_size", s.config.MaxMessageSize,
	)
	return ln, nil
}

// serve accepts connections until the listener is closed.
func (s *Server) serve(ln net.Listener) {
	var delay time.Duration

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.isRunning() || errors.Is(err, net.ErrClosed) {
				s.logger.Debug("accept loop stopped")
				return
			}

			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			s.logger.Error("accept error", "error", err, "retry_in", delay)
			time.Sleep(delay)
			continue
		}
		delay = 0

		if !s.track(conn) {
			conn.Close()
			continue
		}

		id := s.nextID.Add(1)
		go s.handle(id, conn)
	}
}

// handle runs one session and releases its connection when it ends.
func (s *Server) handle(id int64, conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)

	metricConnections.Inc()
	metricActiveConnections.Inc()
	defer metricActiveConnections.Dec()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("connection handler failed", "conn_id", id, "panic", r)
		}
	}()

	s.logger.Debug("connection accepted", "conn_id", id, "remote_addr", conn.RemoteAddr().String())

	session := NewSession(id, conn, SessionConfig{
		Domain:          s.config.Domain,
		WelcomeMessage:  s.config.WelcomeMessage,
		HeloResponse:    s.config.HeloResponse,
		RecipientFilter: s.config.RecipientFilter,
		Deliver:         s.config.Deliver,
		MaxMessageSize:  s.config.MaxMessageSize,
		MaxLineLength:   s.config.MaxLineLength,
		ReadTimeout:     s.config.ReadTimeout,
		Logger:          s.logger,
	})
	session.Run()

	s.logger.Debug("connection finished", "conn_id", id)
}

// track registers a live connection. It reports false once the server is
// no longer running.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()

	conn.Close()
}

func (s *Server) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// closeListener stops accepting new connections without touching live ones.
func (s *Server) closeListener() {
	s.mu.Lock()
	s.running = false
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		s.logger.Warn("shutdown timeout reached, forcing close")
	}
}

// domainFilter accepts recipients whose domain equals domain, ignoring case.
func domainFilter(domain string) RecipientFilter {
	return func(_ *Transaction, rcpt *mail.Address) bool {
		return strings.EqualFold(email.Domain(rcpt), domain)
	}
}

// DefaultDomain returns the machine host name, or "localhost" when it
// cannot be determined. It is the advertised domain when none is configured.
func DefaultDomain() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "localhost"
	}
	return name
}
