package pasv

import (
	"context"
	"net"
	"sync"
	"time"
)

// State is the lifecycle position of a DataConn.
type State int

const (
	// Waiting means the port is announced and the client has not connected.
	Waiting State = iota
	// Connected means the client's socket has been matched.
	Connected
	// Closed is terminal.
	Closed
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Connected:
		return "connected"
	default:
		return "closed"
	}
}

// DataConn is one session's claim on a passive port.
//
// Ready is closed exactly once: when the client connects, when the hold
// timeout expires, or when the claim is closed first. Conn then reports the
// outcome.
type DataConn struct {
	// Port is the port to announce to the client.
	Port int

	listener *listener
	key      string
	ready    chan struct{}

	mu    sync.Mutex
	timer *time.Timer
	state State
	conn  net.Conn
	err   error
}

// Ready is closed once the connection is usable or has failed.
func (d *DataConn) Ready() <-chan struct{} {
	return d.ready
}

// State returns the current lifecycle state.
func (d *DataConn) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Conn returns the matched socket, or the error that ended the wait.
// It must only be called after Ready is closed.
func (d *DataConn) Conn() (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	if d.conn == nil {
		return nil, ErrClosed
	}
	return d.conn, nil
}

// Wait blocks until the client connects, the claim fails, or ctx is done.
func (d *DataConn) Wait(ctx context.Context) (net.Conn, error) {
	select {
	case <-d.ready:
		return d.Conn()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases the claim and closes the socket if one was matched.
func (d *DataConn) Close() error {
	d.mu.Lock()
	prev := d.state
	conn := d.conn
	d.state = Closed
	if prev == Waiting {
		d.err = ErrClosed
	}
	d.stopTimer()
	d.mu.Unlock()

	if prev == Closed {
		return nil
	}
	if prev == Waiting {
		close(d.ready)
	}
	d.listener.release(d)

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// connect hands a matched socket to the claim.
func (d *DataConn) connect(conn net.Conn) {
	d.mu.Lock()
	if d.state != Waiting {
		d.mu.Unlock()
		conn.Close()
		d.listener.release(d)
		return
	}
	d.state = Connected
	d.conn = conn
	d.stopTimer()
	d.mu.Unlock()

	close(d.ready)
}

// fail ends a waiting claim with err. The listener has already forgotten it.
func (d *DataConn) fail(err error) {
	d.mu.Lock()
	if d.state != Waiting {
		d.mu.Unlock()
		return
	}
	d.state = Closed
	d.err = err
	d.stopTimer()
	d.mu.Unlock()

	close(d.ready)
}

// stopTimer cancels the hold timer. Caller holds d.mu.
func (d *DataConn) stopTimer() {
	if d.timer != nil {
		d.timer.Stop()
	}
}

// expire fails a waiting claim and releases its slot on the listener.
func (d *DataConn) expire(err error) {
	d.fail(err)
	d.listener.release(d)
}
