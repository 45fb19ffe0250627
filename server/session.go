package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/gonzalop/ftpd/internal/glob"
	"github.com/gonzalop/ftpd/internal/pasv"
)

// Transfer types set with TYPE.
const (
	typeASCII  = "A"
	typeBinary = "I"
)

// session represents an FTP client session.
type session struct {
	server *Server
	id     string
	logger *slog.Logger

	mu     sync.Mutex // Protects conn, reader, writer and the fields marked (mu)
	conn   net.Conn
	reader *controlReader
	writer *bufio.Writer
	secure bool

	// Login state. user is non-empty once PASS succeeded.
	user        string
	pendingUser string
	fs          afero.Fs
	glob        *glob.Engine
	root        string
	cwd         string

	previousCommand string
	renameFrom      string
	restartOffset   int64
	transferType    string

	pbszReceived bool
	protPrivate  bool

	// Data connection state (mu)
	dataConfigured bool
	dataHost       string
	dataPort       int
	dataConn       net.Conn
	pasvClaim      *pasv.DataConn

	// Background transfer state (mu)
	busy           bool
	hasQuit        bool
	closing        bool
	lastCode       int
	transferCancel context.CancelFunc
	transferDone   chan struct{}
	transferWG     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	// Reader synchronization
	cmdReqChan chan struct{}
}

// newSession creates a new session.
func newSession(server *Server, conn net.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()

	s := &session{
		server:       server,
		id:           id,
		conn:         conn,
		reader:       newControlReader(conn),
		writer:       bufio.NewWriter(conn),
		cwd:          "/",
		transferType: typeBinary,
		ctx:          ctx,
		cancel:       cancel,
		cmdReqChan:   make(chan struct{}),
	}
	s.logger = server.logger.With("session_id", id, "remote_ip", hostOf(conn.RemoteAddr()))

	// Implicit TLS: the connection is already a *tls.Conn
	if _, ok := conn.(*tls.Conn); ok {
		s.secure = true
	}
	return s
}

func (s *session) info() SessionInfo {
	user := s.user
	if user == "" {
		user = s.pendingUser
	}
	return SessionInfo{
		ID:         s.id,
		User:       user,
		RemoteAddr: s.conn.RemoteAddr(),
		Secure:     s.secure,
	}
}

func (s *session) event(typ EventType) Event {
	return Event{
		Type:       typ,
		SessionID:  s.id,
		RemoteAddr: s.conn.RemoteAddr(),
		User:       s.user,
	}
}

type command struct {
	line string
	err  error
}

// serve handles the FTP session.
//
// A reader goroutine reads one line at a time from the control connection
// and hands it to this loop. It then waits on cmdReqChan, which the loop
// signals only after the handler returned, so a handler may replace the
// connection (AUTH TLS) without racing the reader.
//
// Data commands run in a background goroutine and mark the session busy;
// the loop keeps reading so that ABOR, STAT, NOOP and QUIT can be answered
// during the transfer.
func (s *session) serve() {
	defer s.close()

	if s.secure {
		if !s.handshakeImplicit() {
			return
		}
	}

	s.reply(220, s.server.welcomeMessage)

	s.logger.Info("session_started", "secure", s.secure)

	done := make(chan struct{})
	defer close(done)

	cmdChan := s.startCommandReader(done)

	for {
		cmd, ok := <-cmdChan
		if !ok {
			return
		}

		if cmd.err != nil {
			switch {
			case errors.Is(cmd.err, errLineTooLong):
				s.reply(500, "Command line too long.")
			case errors.Is(cmd.err, io.EOF), errors.Is(cmd.err, net.ErrClosed):
			default:
				s.logger.Warn("read_error", "user", s.user, "error", cmd.err)
				s.server.emit(Event{Type: EventError, SessionID: s.id, RemoteAddr: s.conn.RemoteAddr(), Err: cmd.err})
			}
			return
		}

		if s.server.writeTimeout > 0 {
			_ = s.controlConn().SetWriteDeadline(time.Now().Add(s.server.writeTimeout))
		}

		s.handleCommand(cmd.line)

		if s.server.writeTimeout > 0 {
			_ = s.controlConn().SetWriteDeadline(time.Time{})
		}

		if s.isClosing() {
			return
		}

		select {
		case s.cmdReqChan <- struct{}{}:
		case <-done:
			return
		}
	}
}

func (s *session) startCommandReader(done chan struct{}) chan command {
	cmdChan := make(chan command)
	go func() {
		defer close(cmdChan)
		for {
			s.mu.Lock()
			conn := s.conn
			r := s.reader
			s.mu.Unlock()

			if s.server.readTimeout > 0 {
				_ = conn.SetReadDeadline(time.Now().Add(s.server.readTimeout))
			} else if s.server.maxIdleTime > 0 {
				_ = conn.SetReadDeadline(time.Now().Add(s.server.maxIdleTime))
			}

			line, err := r.ReadLine()

			select {
			case cmdChan <- command{line, err}:
			case <-done:
				return
			}

			if err != nil {
				return
			}

			select {
			case <-s.cmdReqChan:
			case <-done:
				return
			}
		}
	}()
	return cmdChan
}

// handleCommand gates and dispatches one command line.
func (s *session) handleCommand(line string) {
	cmd, arg := parseCommand(line)
	if cmd == "" {
		return
	}

	logArg := arg
	if cmd == "PASS" {
		logArg = "***"
	}
	s.logger.Debug("command_received", "user", s.user, "cmd", cmd, "arg", logArg)

	s.mu.Lock()
	busy := s.busy
	hasQuit := s.hasQuit
	dataConfigured := s.dataConfigured
	s.mu.Unlock()

	if hasQuit {
		if cmd == "NOOP" && s.server.noopCancelsQuit {
			s.mu.Lock()
			s.hasQuit = false
			s.mu.Unlock()
			s.reply(200, "OK.")
		}
		return
	}

	handler, ok := commandHandlers[cmd]
	if !ok || (s.server.allowedCommands != nil && !s.server.allowedCommands[cmd]) {
		s.reply(502, "Command not implemented.")
		return
	}

	if busy && !busyCommands[cmd] {
		s.reply(503, "Transfer in progress, please ABOR or wait.")
		return
	}

	if !noAuthCommands[cmd] {
		switch {
		case s.server.tlsOnly && !s.secure:
			s.reply(522, "A TLS connection is required; use AUTH TLS.")
			return
		case s.user == "":
			s.reply(530, "Not logged in.")
			return
		case dataCommands[cmd] && !dataConfigured:
			s.reply(425, "Data connection not configured; send PASV or PORT")
			return
		}
	}

	start := time.Now()
	s.dispatch(cmd, arg, handler)
	if s.server.metricsCollector != nil && !dataCommands[cmd] {
		s.mu.Lock()
		code := s.lastCode
		s.mu.Unlock()
		s.server.metricsCollector.RecordCommand(cmd, code < 400, time.Since(start))
	}

	s.previousCommand = cmd
}

// dispatch runs handler, turning a panic into a 421 and a closed session.
func (s *session) dispatch(cmd, arg string, handler commandFunc) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler_panic", "cmd", cmd, "panic", r, "stack", string(debug.Stack()))
			s.fail("Internal error.")
		}
	}()
	handler(s, arg)
}

// fail sends a 421 and ends the session after the current command.
func (s *session) fail(msg string) {
	s.reply(421, msg)
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
}

func (s *session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *session) controlConn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// close closes the session and underlying connection.
func (s *session) close() {
	s.cancel()

	s.mu.Lock()
	if s.transferCancel != nil {
		s.transferCancel()
	}
	conn := s.conn
	s.mu.Unlock()

	// Unblock a transfer stuck on a socket before waiting for it.
	s.closeDataConn()
	s.transferWG.Wait()
	s.resetData()
	conn.Close()

	s.logger.Debug("session_closed", "user", s.user)
	s.server.emit(s.event(EventClose))
}

// destroy closes the sockets of a running session from another goroutine.
func (s *session) destroy() {
	s.mu.Lock()
	s.closing = true
	conn := s.conn
	s.mu.Unlock()
	s.closeDataConn()
	conn.Close()
}

// replyError sends a standard error response based on the error type.
func (s *session) replyError(err error) {
	switch {
	case os.IsNotExist(err):
		s.reply(550, "File not found.")
	case os.IsPermission(err):
		s.reply(550, "Permission denied.")
	case os.IsExist(err):
		s.reply(550, "File already exists.")
	default:
		s.reply(550, "Action failed.")
	}
}

// reply sends a response to the client.
func (s *session) reply(code int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCode = code
	fmt.Fprintf(s.writer, "%d %s\r\n", code, message)
	s.writer.Flush()
}

// replyLines sends a multi-line response: code-first, lines, code last.
func (s *session) replyLines(code int, first string, lines []string, last string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCode = code
	fmt.Fprintf(s.writer, "%d-%s\r\n", code, first)
	for _, l := range lines {
		s.writer.WriteString(strings.TrimRight(l, "\r\n") + "\r\n")
	}
	fmt.Fprintf(s.writer, "%d %s\r\n", code, last)
	s.writer.Flush()
}
