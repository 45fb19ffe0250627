package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/gonzalop/ftpd/internal/glob"
	"github.com/gonzalop/ftpd/internal/pasv"
)

// Server is the FTP server.
//
// It handles listening for incoming connections and dispatching them to
// client sessions. Each connection runs in its own goroutine.
//
// Lifecycle:
//  1. Create server with NewServer()
//  2. Start with ListenAndServe() or Serve()
//  3. Server runs until Close() is called
//  4. With WithDestroySockets, Close() also drops the live sessions
//
// Basic example:
//
//	s, err := server.NewServer(":21", server.WithRoot("/srv/ftp"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(s.ListenAndServe())
type Server struct {
	// addr is the TCP address to listen on (e.g., ":21").
	addr string

	// Collaborators.
	fs         afero.Fs
	auth       Authenticator
	root       PathProvider
	initialCwd PathProvider
	identity   IdentityResolver

	logger           *slog.Logger
	onEvent          EventHandler
	metricsCollector MetricsCollector

	// tlsConfig is the TLS configuration for FTPS.
	// If nil, TLS is disabled.
	tlsConfig            *tls.Config
	tlsOnly              bool
	allowUnauthorizedTLS bool

	pasvMinPort     int
	pasvMaxPort     int
	pasvHoldTimeout time.Duration
	publicHost      string

	// Listing behaviour.
	maxStatsAtOnce    int
	noWildcards       bool
	hideDotFiles      bool
	dontSortFilenames bool
	filenameSortKey   func(string) string
	filenameSortFunc  func(a, b string) int

	// Transfer strategies.
	useReadFile        bool
	useWriteFile       bool
	uploadMaxSlurpSize int64
	bandwidthLimit     int64

	// allowedCommands is nil when every command is allowed.
	allowedCommands map[string]bool
	noopCancelsQuit bool
	destroySockets  bool

	// welcomeMessage is the banner sent to clients on connection.
	welcomeMessage string

	// maxIdleTime is the maximum time a connection can be idle before being closed.
	// Defaults to 5 minutes.
	maxIdleTime time.Duration

	// readTimeout is the deadline for read operations on connections.
	// If 0, no timeout is applied.
	readTimeout time.Duration

	// writeTimeout is the deadline for write operations on connections.
	// If 0, no timeout is applied.
	writeTimeout time.Duration

	// maxConnections is the maximum number of simultaneous connections.
	// If 0, there is no limit.
	maxConnections int

	// activeConns tracks the number of currently active connections.
	activeConns atomic.Int32

	pasv *pasv.Pool

	// Shutdown handling
	mu         sync.Mutex
	listener   net.Listener
	sessions   map[*session]struct{}
	inShutdown atomic.Bool
}

// ErrServerClosed is returned by the Server's Serve and ListenAndServe
// methods after a call to Close.
var ErrServerClosed = errors.New("ftpd: Server closed")

// NewServer creates a new FTP server with the given address and options.
// The address should be in the form ":port" or "host:port".
// A sandbox root must be provided with WithRoot or WithRootFunc.
//
// Default values:
//   - Filesystem: afero.NewOsFs()
//   - Authenticator: anonymous users only, read-only
//   - Logger: slog.Default()
//   - MaxIdleTime: 5 minutes
//   - MaxConnections: 0 (unlimited)
//   - MaxStatsAtOnce: 5
//   - Passive ports: OS-assigned
//   - TLS: disabled
//
// With TLS (Explicit FTPS):
//
//	cert, _ := tls.LoadX509KeyPair("server.crt", "server.key")
//	s, _ := server.NewServer(":21",
//	    server.WithRoot("/srv/ftp"),
//	    server.WithTLS(&tls.Config{Certificates: []tls.Certificate{cert}}),
//	)
func NewServer(addr string, options ...Option) (*Server, error) {
	s := &Server{
		addr:            addr,
		logger:          slog.Default(),
		welcomeMessage:  "FTP Server Ready",
		maxIdleTime:     5 * time.Minute,
		maxStatsAtOnce:  glob.DefaultMaxStatsAtOnce,
		pasvHoldTimeout: pasv.DefaultHoldTimeout,
		sessions:        make(map[*session]struct{}),
	}

	// Apply options
	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	// Validate required fields
	if s.root == nil {
		return nil, fmt.Errorf("root is required (use WithRoot or WithRootFunc)")
	}

	if s.fs == nil {
		s.fs = afero.NewOsFs()
	}
	if s.auth == nil {
		s.auth = anonymousAuth{fs: s.fs}
	}
	if s.initialCwd == nil {
		s.initialCwd = StaticPath("/")
	}
	if s.identity == nil {
		s.identity = staticIdentity("ftp")
	}

	s.pasv = pasv.NewPool(pasv.Config{
		MinPort:     s.pasvMinPort,
		MaxPort:     s.pasvMaxPort,
		HoldTimeout: s.pasvHoldTimeout,
		Logger:      s.logger,
	})

	return s, nil
}

// ListenAndServe starts the FTP server on the configured address.
// It blocks until the server stops or an error occurs.
//
// This is a convenience method that creates a TCP listener and calls Serve().
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.logger.Info("server_listening", "addr", ln.Addr().String())
	return s.Serve(ln)
}

// Close stops accepting connections.
//
// Sessions already running are left alone unless WithDestroySockets is
// set, in which case their control and data sockets are closed and the
// passive listener pool is shut down too.
func (s *Server) Close() error {
	s.inShutdown.Store(true)

	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	sessions := s.sessions
	if s.destroySockets {
		s.sessions = make(map[*session]struct{})
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}

	if !s.destroySockets {
		return err
	}

	for sess := range sessions {
		sess.destroy()
	}
	if perr := s.pasv.Close(); perr != nil && err == nil {
		err = perr
	}
	return err
}

// Serve accepts incoming connections on the listener l.
// It blocks until the listener is closed or an error occurs.
//
// Each connection is handled in a separate goroutine. The server enforces
// connection limits (if configured) and idle timeouts. A listener from
// tls.Listen gives implicit FTPS.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.inShutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.listener == l {
			s.listener = nil
		}
		s.mu.Unlock()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.inShutdown.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("accept_error", "error", err)
				time.Sleep(10 * time.Millisecond)
				continue
			}
			s.emit(Event{Type: EventError, Err: err})
			return err
		}

		go s.handleConnection(conn)
	}
}

// handleConnection enforces the connection limit and runs a session.
func (s *Server) handleConnection(conn net.Conn) {
	remoteIP := hostOf(conn.RemoteAddr())

	if s.maxConnections > 0 && s.activeConns.Load() >= int32(s.maxConnections) {
		// Security audit: connection limit reached
		s.logger.Warn("connection_rejected",
			"remote_ip", remoteIP,
			"reason", "global_limit_reached",
			"limit", s.maxConnections,
		)
		if s.metricsCollector != nil {
			s.metricsCollector.RecordConnection(false, "global_limit_reached")
		}
		fmt.Fprintf(conn, "421 Too many users, sorry.\r\n")
		conn.Close()
		return
	}

	s.activeConns.Add(1)
	defer s.activeConns.Add(-1)

	if s.metricsCollector != nil {
		s.metricsCollector.RecordConnection(true, "accepted")
	}

	sess := newSession(s, conn)
	if !s.trackSession(sess, true) {
		conn.Close()
		return
	}
	defer s.trackSession(sess, false)

	s.emit(Event{Type: EventClientConnected, SessionID: sess.id, RemoteAddr: conn.RemoteAddr()})
	sess.serve()
}

// trackSession returns false if we're shutting down with WithDestroySockets.
func (s *Server) trackSession(sess *session, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !add {
		delete(s.sessions, sess)
		return true
	}
	if s.inShutdown.Load() && s.destroySockets {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

// hostOf returns the IP part of addr.
func hostOf(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
