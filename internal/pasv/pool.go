// Package pasv manages the listening sockets used for passive-mode FTP data
// connections.
//
// A Pool owns a port range. Each port in use has one listener, and a
// listener can serve several sessions at once as long as they come from
// different client addresses: an inbound socket is handed to the session
// that is waiting for its remote IP on that port. Listeners are bound on the
// first request for a port and closed again as soon as nothing is waiting on
// or connected through them, so the number of open listening sockets follows
// the number of passive negotiations in flight, not the size of the range.
package pasv

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
)

// DefaultHoldTimeout is how long a DataConn waits for its client to connect.
const DefaultHoldTimeout = 9 * time.Second

var (
	// ErrNoPorts is returned when every port in the range is taken.
	ErrNoPorts = errors.New("pasv: no free port in range")

	// ErrTimeout is reported by a DataConn whose client never connected.
	ErrTimeout = errors.New("pasv: timed out waiting for data connection")

	// ErrClosed is reported by a DataConn closed before its client connected.
	ErrClosed = errors.New("pasv: data connection closed")

	// ErrPoolClosed is returned by CreateDataConnection after Close.
	ErrPoolClosed = errors.New("pasv: pool closed")

	// errPortBusy means the port cannot take this client right now, either
	// because the OS refused the bind or because the same client address is
	// already waiting on it.
	errPortBusy = errors.New("pasv: port busy")
)

// Config configures a Pool.
type Config struct {
	// MinPort and MaxPort bound the passive port range (inclusive).
	// If either is zero, every request binds its own OS-assigned port.
	MinPort int
	MaxPort int

	// BindHost is the local address listeners bind to. Empty means all
	// interfaces.
	BindHost string

	// HoldTimeout defaults to DefaultHoldTimeout.
	HoldTimeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Pool hands out passive data connections. It is safe for concurrent use.
type Pool struct {
	cfg Config

	mu        sync.Mutex
	listeners map[int]*listener
	closed    bool
}

// NewPool returns a Pool. No socket is opened until the first request.
func NewPool(cfg Config) *Pool {
	if cfg.HoldTimeout <= 0 {
		cfg.HoldTimeout = DefaultHoldTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MinPort <= 0 || cfg.MaxPort < cfg.MinPort {
		cfg.MinPort, cfg.MaxPort = 0, 0
	}
	return &Pool{
		cfg:       cfg,
		listeners: make(map[int]*listener),
	}
}

// CreateDataConnection reserves a passive port for a client at remoteIP.
// The returned DataConn's Port must be announced to the client; the
// connection becomes ready when that client connects to it.
func (p *Pool) CreateDataConnection(remoteIP net.IP) (*DataConn, error) {
	key := ipKey(remoteIP)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	if p.cfg.MinPort == 0 {
		return newListener(p, 0).listenForClient(key)
	}

	for port := p.cfg.MinPort; port <= p.cfg.MaxPort; port++ {
		l, ok := p.listeners[port]
		if !ok {
			l = newListener(p, port)
		}
		dc, err := l.listenForClient(key)
		if errors.Is(err, errPortBusy) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("pasv: listen on port %d: %w", port, err)
		}
		return dc, nil
	}
	return nil, fmt.Errorf("%w [%d, %d]", ErrNoPorts, p.cfg.MinPort, p.cfg.MaxPort)
}

// ListenerCount returns the number of listening sockets currently open.
func (p *Pool) ListenerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners)
}

// Close stops every listener and fails all waiting data connections.
// Connections already handed to a session are left to that session.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	listeners := p.listeners
	p.listeners = make(map[int]*listener)

	var result error
	var waiting []*DataConn
	for _, l := range listeners {
		for _, dc := range l.waiting {
			waiting = append(waiting, dc)
		}
		l.waiting = make(map[string]*DataConn)
		if l.ln != nil {
			if err := l.ln.Close(); err != nil {
				result = multierror.Append(result, err)
			}
			l.ln = nil
		}
	}
	p.mu.Unlock()

	for _, dc := range waiting {
		dc.fail(ErrClosed)
	}
	return result
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

// ipKey normalizes an address so IPv4-mapped IPv6 peers match plain IPv4.
func ipKey(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

func remoteKey(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return ipKey(tcp.IP)
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	if ip := net.ParseIP(host); ip != nil {
		return ipKey(ip)
	}
	return host
}
