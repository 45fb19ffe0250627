package server

import (
	"net"
	"time"
)

// MetricsCollector is an optional interface for collecting server metrics.
// Implementations can send metrics to monitoring systems like Prometheus,
// StatsD, DataDog, etc. The metrics package provides a Prometheus one.
//
// All methods are called from various points in the server lifecycle and
// should be non-blocking. If a method takes significant time, it should
// dispatch the work asynchronously.
//
// The server will check if the collector is nil before calling methods,
// so implementations don't need to handle nil receivers.
type MetricsCollector interface {
	// RecordCommand records metrics for an FTP command execution.
	// cmd is the command name (e.g., "RETR", "STOR", "LIST").
	// success indicates whether the command completed with a 1xx-3xx reply.
	// duration is how long the command took to execute.
	RecordCommand(cmd string, success bool, duration time.Duration)

	// RecordTransfer records metrics for a file transfer operation.
	// operation is "RETR", "STOR" or "APPE".
	// bytes is the number of bytes transferred.
	// duration is how long the transfer took.
	RecordTransfer(operation string, bytes int64, duration time.Duration)

	// RecordConnection records metrics for connection attempts.
	// accepted indicates whether the connection was accepted.
	// reason provides context (e.g., "global_limit_reached", "accepted").
	RecordConnection(accepted bool, reason string)

	// RecordAuthentication records metrics for authentication attempts.
	// success indicates whether authentication succeeded.
	// user is the username that attempted to authenticate.
	RecordAuthentication(success bool, user string)
}

// EventType names a server or session event.
type EventType string

const (
	// EventClientConnected is raised when a control connection is accepted.
	EventClientConnected EventType = "client:connected"
	// EventError is raised for connection-level errors.
	EventError EventType = "error"
	// EventClose is raised when a session ends.
	EventClose EventType = "close"
	// EventUser is raised for every USER command.
	EventUser EventType = "command:user"
	// EventPass is raised for every PASS command, successful or not.
	EventPass EventType = "command:pass"
	// EventRetr is raised when a download opens, finishes or fails.
	EventRetr EventType = "file:retr"
	// EventRetrContents carries the bytes of a whole-file download.
	EventRetrContents EventType = "file:retr:contents"
	// EventStor is raised when an upload opens, finishes or fails.
	EventStor EventType = "file:stor"
	// EventStorContents carries the bytes of a buffered upload.
	EventStorContents EventType = "file:stor:contents"
)

// Transfer phases reported in Event.Phase.
const (
	PhaseOpen  = "open"
	PhaseClose = "close"
	PhaseError = "error"
)

// Event describes something that happened on the server.
// Only the fields meaningful for Type are set.
type Event struct {
	Type       EventType
	SessionID  string
	RemoteAddr net.Addr
	User       string

	// Path is the virtual path of the file for file events.
	Path string
	// Phase is PhaseOpen, PhaseClose or PhaseError for file events.
	Phase    string
	Bytes    int64
	Duration time.Duration

	// Contents is set for EventRetrContents and EventStorContents. The
	// handler must not retain it after returning.
	Contents []byte

	Err error
}

// EventHandler receives events. See WithEventHandler.
type EventHandler func(Event)

func (s *Server) emit(ev Event) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}
