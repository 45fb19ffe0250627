package pasv

import (
	"net"
	"strconv"
	"time"
)

// listener is one bound passive port. All fields are guarded by pool.mu.
type listener struct {
	pool *Pool
	port int
	ln   net.Listener

	waiting   map[string]*DataConn
	connected map[*DataConn]struct{}
}

func newListener(p *Pool, port int) *listener {
	return &listener{
		pool:      p,
		port:      port,
		waiting:   make(map[string]*DataConn),
		connected: make(map[*DataConn]struct{}),
	}
}

// listenForClient registers a waiting DataConn for key, binding the socket
// first if needed. Caller holds pool.mu.
func (l *listener) listenForClient(key string) (*DataConn, error) {
	// A second waiter for the same address would make the match ambiguous.
	if _, ok := l.waiting[key]; ok {
		return nil, errPortBusy
	}

	if l.ln == nil {
		if err := l.start(); err != nil {
			return nil, err
		}
	}

	dc := &DataConn{
		Port:     l.port,
		listener: l,
		key:      key,
		ready:    make(chan struct{}),
	}
	l.waiting[key] = dc

	// The callback takes dc.mu, so it cannot observe timer before it is set.
	dc.mu.Lock()
	dc.timer = time.AfterFunc(l.pool.cfg.HoldTimeout, func() {
		l.pool.cfg.Logger.Debug("passive_hold_timeout", "port", l.port, "client", key)
		dc.expire(ErrTimeout)
	})
	dc.mu.Unlock()
	return dc, nil
}

// start binds the socket. Caller holds pool.mu.
func (l *listener) start() error {
	addr := net.JoinHostPort(l.pool.cfg.BindHost, strconv.Itoa(l.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if isAddrInUse(err) {
			return errPortBusy
		}
		return err
	}
	l.ln = ln
	if l.port == 0 {
		l.port = ln.Addr().(*net.TCPAddr).Port
	}
	l.pool.listeners[l.port] = l

	l.pool.cfg.Logger.Debug("passive_listener_started", "port", l.port)
	go l.acceptLoop(ln)
	return nil
}

// stopIfIdle closes the socket once nobody waits on or uses it.
// Caller holds pool.mu.
func (l *listener) stopIfIdle() {
	if len(l.waiting) > 0 || len(l.connected) > 0 || l.ln == nil {
		return
	}
	_ = l.ln.Close()
	l.ln = nil
	if l.pool.listeners[l.port] == l {
		delete(l.pool.listeners, l.port)
	}
	l.pool.cfg.Logger.Debug("passive_listener_stopped", "port", l.port)
}

func (l *listener) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			l.acceptFailed(ln, err)
			return
		}

		key := remoteKey(conn.RemoteAddr())

		l.pool.mu.Lock()
		dc, ok := l.waiting[key]
		if ok {
			delete(l.waiting, key)
			l.connected[dc] = struct{}{}
		}
		l.pool.mu.Unlock()

		if !ok {
			l.pool.cfg.Logger.Warn("passive_connection_unmatched", "port", l.port, "remote_ip", key)
			conn.Close()
			continue
		}
		dc.connect(conn)
	}
}

// acceptFailed handles the accept loop ending. A socket closed by
// stopIfIdle or Pool.Close is expected; anything else fails the waiters.
func (l *listener) acceptFailed(ln net.Listener, err error) {
	l.pool.mu.Lock()
	if l.ln != ln {
		l.pool.mu.Unlock()
		return
	}
	waiting := l.waiting
	l.waiting = make(map[string]*DataConn)
	_ = ln.Close()
	l.ln = nil
	if l.pool.listeners[l.port] == l {
		delete(l.pool.listeners, l.port)
	}
	l.pool.mu.Unlock()

	l.pool.cfg.Logger.Error("passive_listener_failed", "port", l.port, "error", err)
	for _, dc := range waiting {
		dc.fail(err)
	}
}

// release forgets dc and stops the listener if it became idle.
func (l *listener) release(dc *DataConn) {
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()

	if l.waiting[dc.key] == dc {
		delete(l.waiting, dc.key)
	}
	delete(l.connected, dc)
	l.stopIfIdle()
}
