package pasv

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var loopback = net.ParseIP("127.0.0.1")

// freePorts finds n consecutive ports that are currently free.
func freePorts(t *testing.T, n int) (int, int) {
	t.Helper()
	for attempt := 0; attempt < 20; attempt++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		start := ln.Addr().(*net.TCPAddr).Port
		ln.Close()
		if start+n-1 > 65535 {
			continue
		}

		ok := true
		for p := start; p < start+n; p++ {
			l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p)))
			if err != nil {
				ok = false
				break
			}
			l.Close()
		}
		if ok {
			return start, start + n - 1
		}
	}
	t.Fatal("could not find free port range")
	return 0, 0
}

func dial(t *testing.T, port int) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 2*time.Second)
	require.NoError(t, err)
	return c
}

func TestCreateDataConnectionAndConnect(t *testing.T) {
	t.Parallel()
	minPort, maxPort := freePorts(t, 2)
	p := NewPool(Config{MinPort: minPort, MaxPort: maxPort, BindHost: "127.0.0.1"})
	defer p.Close()

	dc, err := p.CreateDataConnection(loopback)
	require.NoError(t, err)
	require.Equal(t, minPort, dc.Port)
	require.Equal(t, Waiting, dc.State())
	require.Equal(t, 1, p.ListenerCount())

	client := dial(t, dc.Port)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := dc.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, Connected, dc.State())

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	require.NoError(t, dc.Close())
	require.Equal(t, Closed, dc.State())
	require.Equal(t, 0, p.ListenerCount())
}

func TestSameClientTwiceUsesNextPort(t *testing.T) {
	t.Parallel()
	minPort, maxPort := freePorts(t, 2)
	p := NewPool(Config{MinPort: minPort, MaxPort: maxPort, BindHost: "127.0.0.1"})
	defer p.Close()

	first, err := p.CreateDataConnection(loopback)
	require.NoError(t, err)
	second, err := p.CreateDataConnection(loopback)
	require.NoError(t, err)
	require.NotEqual(t, first.Port, second.Port)
	require.Equal(t, 2, p.ListenerCount())

	// Range exhausted for this client.
	_, err = p.CreateDataConnection(loopback)
	require.ErrorIs(t, err, ErrNoPorts)

	// A different client can share the first port.
	other, err := p.CreateDataConnection(net.ParseIP("10.1.2.3"))
	require.NoError(t, err)
	require.Equal(t, first.Port, other.Port)

	require.NoError(t, first.Close())
	require.NoError(t, second.Close())
	require.NoError(t, other.Close())
	require.Equal(t, 0, p.ListenerCount())
}

func TestListenerRestartsAfterIdle(t *testing.T) {
	t.Parallel()
	minPort, maxPort := freePorts(t, 1)
	p := NewPool(Config{MinPort: minPort, MaxPort: maxPort, BindHost: "127.0.0.1"})
	defer p.Close()

	for i := 0; i < 3; i++ {
		dc, err := p.CreateDataConnection(loopback)
		require.NoError(t, err)
		require.Equal(t, minPort, dc.Port)

		client := dial(t, dc.Port)
		_, err = dc.Wait(context.Background())
		require.NoError(t, err)
		client.Close()
		require.NoError(t, dc.Close())
		require.Equal(t, 0, p.ListenerCount())
	}
}

func TestHoldTimeout(t *testing.T) {
	t.Parallel()
	p := NewPool(Config{BindHost: "127.0.0.1", HoldTimeout: 50 * time.Millisecond})
	defer p.Close()

	dc, err := p.CreateDataConnection(loopback)
	require.NoError(t, err)
	require.NotZero(t, dc.Port)

	select {
	case <-dc.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("hold timeout did not fire")
	}
	_, err = dc.Conn()
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, Closed, dc.State())
	require.Eventually(t, func() bool { return p.ListenerCount() == 0 }, time.Second, 10*time.Millisecond)

	// Closing after failure is harmless.
	require.NoError(t, dc.Close())
}

func TestHoldTimeoutFiringImmediately(t *testing.T) {
	t.Parallel()
	// A timer that fires before listenForClient returns must still see
	// its own DataConn fully set up.
	p := NewPool(Config{BindHost: "127.0.0.1", HoldTimeout: time.Nanosecond})
	defer p.Close()

	for i := 0; i < 50; i++ {
		dc, err := p.CreateDataConnection(loopback)
		require.NoError(t, err)
		select {
		case <-dc.Ready():
		case <-time.After(2 * time.Second):
			t.Fatal("hold timeout did not fire")
		}
		_, err = dc.Conn()
		require.ErrorIs(t, err, ErrTimeout)
		require.NoError(t, dc.Close())
	}
	require.Eventually(t, func() bool { return p.ListenerCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestUnmatchedConnectionIsDropped(t *testing.T) {
	t.Parallel()
	p := NewPool(Config{BindHost: "127.0.0.1"})
	defer p.Close()

	dc, err := p.CreateDataConnection(net.ParseIP("192.0.2.10"))
	require.NoError(t, err)
	defer dc.Close()

	client := dial(t, dc.Port)
	defer client.Close()
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, err = client.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, Waiting, dc.State())
}

func TestCloseWhileWaiting(t *testing.T) {
	t.Parallel()
	p := NewPool(Config{BindHost: "127.0.0.1"})
	defer p.Close()

	dc, err := p.CreateDataConnection(loopback)
	require.NoError(t, err)
	require.NoError(t, dc.Close())

	_, err = dc.Wait(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.Equal(t, 0, p.ListenerCount())
}

func TestPoolCloseFailsWaiters(t *testing.T) {
	t.Parallel()
	p := NewPool(Config{BindHost: "127.0.0.1"})

	dc, err := p.CreateDataConnection(loopback)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	_, err = dc.Wait(context.Background())
	require.ErrorIs(t, err, ErrClosed)

	_, err = p.CreateDataConnection(loopback)
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()
	p := NewPool(Config{BindHost: "127.0.0.1"})
	defer p.Close()

	dc, err := p.CreateDataConnection(loopback)
	require.NoError(t, err)
	defer dc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = dc.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIPKeyNormalizesMappedAddresses(t *testing.T) {
	t.Parallel()
	require.Equal(t, "127.0.0.1", ipKey(net.ParseIP("::ffff:127.0.0.1")))
	require.Equal(t, "127.0.0.1", ipKey(net.ParseIP("127.0.0.1")))
	require.Equal(t, "2001:db8::1", ipKey(net.ParseIP("2001:db8::1")))

	addr := &net.TCPAddr{IP: net.ParseIP("::ffff:10.0.0.7"), Port: 40000}
	require.Equal(t, "10.0.0.7", remoteKey(addr))
}
