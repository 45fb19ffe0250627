package server

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func TestCommandGating(t *testing.T) {
	_, addr := startServer(t, newTestFs(t))
	c := dialControl(t, addr)

	tests := []struct {
		line string
		code int
	}{
		{"PWD", 530},
		{"LIST", 530},
		{"BOGUS", 502},
		{"SYST", 215},
		{"NOOP", 200},
		{"TYPE I", 200},
		{"FEAT", 211},
	}
	for _, tt := range tests {
		if code, msg := c.cmd("%s", tt.line); code != tt.code {
			t.Errorf("%s: expected %d, got %d %s", tt.line, tt.code, code, msg)
		}
	}

	c.login()
	msg := c.must(425, "LIST")
	if msg != "Data connection not configured; send PASV or PORT" {
		t.Errorf("unexpected reply %q", msg)
	}
	c.must(425, "RETR hello.txt")
	c.must(503, "USER bob")
}

func TestFeatures(t *testing.T) {
	_, addr := startServer(t, newTestFs(t))
	c := dialControl(t, addr)

	msg := c.must(211, "FEAT")
	for _, f := range []string{"SIZE", "MDTM", "EPSV", "REST STREAM"} {
		if !strings.Contains(msg, f) {
			t.Errorf("FEAT missing %s: %q", f, msg)
		}
	}
	if strings.Contains(msg, "AUTH TLS") {
		t.Errorf("AUTH TLS advertised without TLS: %q", msg)
	}
}

func TestCompliance(t *testing.T) {
	_, addr := startServer(t, newTestFs(t))
	c := dialControl(t, addr)
	c.login()

	tests := []struct {
		line string
		code int
	}{
		{"TYPE A", 200},
		{"TYPE L 8", 200},
		{"TYPE E", 504},
		{"MODE S", 200},
		{"MODE B", 504},
		{"MODE X", 501},
		{"STRU F", 200},
		{"STRU R", 504},
		{"ACCT x", 202},
		{"ALLO 100", 202},
		{"HELP", 214},
		{"STAT", 211},
		{"OPTS UTF8 ON", 501},
		{"OPTS MLST type", 501},
		{"REST -1", 501},
		{"PWD extra", 501},
		{"MDTM hello.txt", 213},
		{"MDTM nope", 550},
		{"SIZE nope", 450},
	}
	for _, tt := range tests {
		if code, msg := c.cmd("%s", tt.line); code != tt.code {
			t.Errorf("%s: expected %d, got %d %s", tt.line, tt.code, code, msg)
		}
	}
}

func TestStatPath(t *testing.T) {
	_, addr := startServer(t, newTestFs(t))
	c := dialControl(t, addr)
	c.login()

	msg := c.must(213, "STAT /pub")
	if !strings.Contains(msg, "notes.txt") || !strings.Contains(msg, "docs") {
		t.Errorf("STAT listing incomplete: %q", msg)
	}
	if !strings.Contains(msg, "drwx") {
		t.Errorf("expected a directory line: %q", msg)
	}
}

func TestAllowedCommands(t *testing.T) {
	_, addr := startServer(t, newTestFs(t),
		WithAllowedCommands(ExceptCommands(WriteCommands)...))
	c := dialControl(t, addr)
	c.login()

	c.must(257, "PWD")
	c.must(502, "MKD x")
	c.must(502, "DELE hello.txt")
	c.must(502, "STOR x")
}

func TestAllowedCommandsRejectsUnknown(t *testing.T) {
	_, err := NewServer(":0", WithRoot("/"), WithAllowedCommands("USER", "FROB"))
	if err == nil {
		t.Fatal("expected an error for an unknown command")
	}
}

func TestNewServerRequiresRoot(t *testing.T) {
	_, err := NewServer(":0")
	if err == nil || !strings.Contains(err.Error(), "root is required") {
		t.Fatalf("expected root error, got %v", err)
	}

	if _, err := NewServer(":0", WithRoot("/"), WithRoot("/tmp")); err == nil {
		t.Error("expected an error when the root is set twice")
	}
	if _, err := NewServer(":0", WithRoot("/"), WithPasvPortRange(3000, 2000)); err == nil {
		t.Error("expected an error for an inverted port range")
	}
	if _, err := NewServer(":0", WithRoot("/"), WithMaxStatsAtOnce(0)); err == nil {
		t.Error("expected an error for a zero stat limit")
	}
}

func TestInitialCwdAndRootFunc(t *testing.T) {
	fsys := newTestFs(t)

	ln := listenLoopback(t)
	srv, err := NewServer(ln.Addr().String(),
		WithFilesystem(fsys),
		WithAuthenticator(testAuth),
		WithRootFunc(func(_ context.Context, info SessionInfo) (string, error) {
			return "/srv/" + map[string]string{"alice": "pub"}[info.User], nil
		}),
		WithInitialCwd("/docs"),
		WithDestroySockets(true),
	)
	fatalIfErr(t, err, "NewServer")
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	c := dialControl(t, ln.Addr().String())
	c.login()
	msg := c.must(257, "PWD")
	if !strings.HasPrefix(msg, `"/docs"`) {
		t.Errorf("unexpected PWD %q", msg)
	}
	c.must(213, "SIZE guide.txt")
	c.must(213, "SIZE /notes.txt")
}

func TestPasvReannouncesPort(t *testing.T) {
	srv, addr := startServer(t, newTestFs(t))
	c := dialControl(t, addr)
	c.login()

	first := c.epsv()
	second := c.epsv()
	if first != second {
		t.Errorf("expected the same port twice, got %d and %d", first, second)
	}
	if n := srv.pasv.ListenerCount(); n != 1 {
		t.Errorf("expected one listener, got %d", n)
	}

	msg := c.must(227, "PASV")
	p1, p2 := parsePasvPort(t, msg)
	if p1*256+p2 != first {
		t.Errorf("PASV port %d, EPSV port %d", p1*256+p2, first)
	}
}

func parsePasvPort(t *testing.T, msg string) (int, int) {
	t.Helper()
	start := strings.Index(msg, "(")
	end := strings.Index(msg, ")")
	if start < 0 || end < start {
		t.Fatalf("cannot parse PASV reply %q", msg)
	}
	parts := strings.Split(msg[start+1:end], ",")
	if len(parts) != 6 {
		t.Fatalf("cannot parse PASV reply %q", msg)
	}
	p1, _ := strconv.Atoi(parts[4])
	p2, _ := strconv.Atoi(parts[5])
	return p1, p2
}

func TestPasvPortRange(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	fatalIfErr(t, err, "listen probe")
	base := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, addr := startServer(t, newTestFs(t), WithPasvPortRange(base, base))
	a := dialControl(t, addr)
	a.login()
	if port := a.epsv(); port != base {
		t.Errorf("expected port %d, got %d", base, port)
	}

	// The same client address cannot wait twice on one port.
	b := dialControl(t, addr)
	b.login()
	b.must(421, "EPSV")

	// Switching a to active mode frees the port.
	a.must(200, "PORT 127,0,0,1,40,1")
	if port := b.epsv(); port != base {
		t.Errorf("expected port %d after release, got %d", base, port)
	}
}

func TestActiveModeValidation(t *testing.T) {
	_, addr := startServer(t, newTestFs(t))
	c := dialControl(t, addr)
	c.login()

	tests := []struct {
		line string
		code int
	}{
		{"PORT 127,0,0,1,0,21", 501},
		{"PORT 127,0,0,1", 501},
		{"PORT 10,9,8,7,40,1", 500},
		{"EPRT |2|::1|5000|", 522},
		{"EPRT |1|127.0.0.1|80|", 501},
		{"EPRT |3|x|5000|", 501},
		{"EPSV 2", 202},
		{"PORT 127,0,0,1,40,1", 200},
		{"EPRT |1|127.0.0.1|10241|", 200},
	}
	for _, tt := range tests {
		if code, msg := c.cmd("%s", tt.line); code != tt.code {
			t.Errorf("%s: expected %d, got %d %s", tt.line, tt.code, code, msg)
		}
	}
}

func TestActiveModeTransfer(t *testing.T) {
	_, addr := startServer(t, newTestFs(t))
	c := dialControl(t, addr)
	c.login()

	ln := listenLoopback(t)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	c.must(200, "PORT 127,0,0,1,%d,%d", port>>8, port&0xFF)
	c.must(150, "RETR hello.txt")

	conn, err := ln.Accept()
	fatalIfErr(t, err, "accept")
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	got, err := io.ReadAll(conn)
	fatalIfErr(t, err, "read")
	c.expect(226)
	if string(got) != "Hello, FTP World!" {
		t.Errorf("unexpected contents %q", got)
	}
}

func TestBusySession(t *testing.T) {
	_, addr := startServer(t, newTestFs(t))
	c := dialControl(t, addr)
	c.login()

	// LIST waits for a client that never connects.
	c.epsv()
	if _, err := c.Cmd("LIST"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	c.must(503, "PWD")
	msg := c.must(211, "STAT")
	if !strings.Contains(msg, "Transfer in progress") {
		t.Errorf("STAT does not report the transfer: %q", msg)
	}

	// The transfer answers first, then ABOR.
	c.must(425, "ABOR")
	c.expect(226)

	c.must(257, "PWD")
	c.must(226, "ABOR")
}

func TestQuitAfterTransfer(t *testing.T) {
	_, addr := startServer(t, newTestFs(t), WithPasvHoldTimeout(200*time.Millisecond))
	c := dialControl(t, addr)
	c.login()

	c.epsv()
	if _, err := c.Cmd("LIST"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	c.must(221, "QUIT")

	// Ignored while the transfer finishes.
	if _, err := c.Cmd("NOOP"); err != nil {
		t.Fatal(err)
	}
	c.expect(425)

	if _, _, err := c.ReadResponse(0); err == nil {
		t.Error("expected the connection to be closed")
	}
}

func TestNoopCancelsQuit(t *testing.T) {
	_, addr := startServer(t, newTestFs(t),
		WithPasvHoldTimeout(200*time.Millisecond),
		WithNoopCancelsQuit(true),
	)
	c := dialControl(t, addr)
	c.login()

	c.epsv()
	if _, err := c.Cmd("LIST"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	c.must(221, "QUIT")
	c.must(200, "NOOP")
	c.expect(425)

	c.must(257, "PWD")
}

func TestMaxConnections(t *testing.T) {
	_, addr := startServer(t, newTestFs(t), WithMaxConnections(1))
	first := dialControl(t, addr)
	first.login()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	fatalIfErr(t, err, "dial")
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	buf := make([]byte, 64)
	n, _ := conn.Read(buf)
	if !strings.HasPrefix(string(buf[:n]), "421") {
		t.Errorf("expected 421, got %q", buf[:n])
	}
}

func TestCloseDestroysSessions(t *testing.T) {
	fsys := newTestFs(t)
	ln := listenLoopback(t)
	srv, err := NewServer(ln.Addr().String(),
		WithFilesystem(fsys),
		WithRoot("/srv"),
		WithAuthenticator(testAuth),
		WithDestroySockets(true),
	)
	fatalIfErr(t, err, "NewServer")

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	c := dialControl(t, ln.Addr().String())
	c.login()

	fatalIfErr(t, srv.Close(), "Close")

	select {
	case err := <-served:
		if err != ErrServerClosed {
			t.Errorf("expected ErrServerClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	if _, err := c.Cmd("NOOP"); err == nil {
		if _, _, err := c.ReadResponse(0); err == nil {
			t.Error("expected the session to be closed")
		}
	}
}

func TestIdleTimeout(t *testing.T) {
	_, addr := startServer(t, newTestFs(t), WithMaxIdleTime(100*time.Millisecond))
	c := dialControl(t, addr)

	time.Sleep(300 * time.Millisecond)
	if _, _, err := c.ReadResponse(0); err == nil {
		t.Error("expected the idle session to be closed")
	}
}

func TestQuit(t *testing.T) {
	_, addr := startServer(t, newTestFs(t))
	c := dialControl(t, addr)
	c.must(221, "QUIT")
	if _, _, err := c.ReadResponse(0); err == nil {
		t.Error("expected EOF after QUIT")
	}
}

type fakeCollector struct {
	mu        sync.Mutex
	commands  map[string]int
	transfers map[string]int64
	logins    []bool
	accepted  int
}

func (f *fakeCollector) RecordCommand(cmd string, success bool, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if success {
		f.commands[cmd]++
	}
}

func (f *fakeCollector) RecordTransfer(op string, bytes int64, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers[op] += bytes
}

func (f *fakeCollector) RecordConnection(accepted bool, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if accepted {
		f.accepted++
	}
}

func (f *fakeCollector) RecordAuthentication(success bool, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins = append(f.logins, success)
}

func TestMetricsCollectorHook(t *testing.T) {
	mc := &fakeCollector{commands: map[string]int{}, transfers: map[string]int64{}}
	_, addr := startServer(t, newTestFs(t), WithMetricsCollector(mc))

	c := dialControl(t, addr)
	c.must(331, "USER alice")
	c.must(530, "PASS nope")
	c.login()

	port := c.epsv()
	data := dialData(t, port)
	c.must(150, "RETR hello.txt")
	_, err := io.ReadAll(data)
	fatalIfErr(t, err, "read data")
	c.expect(226)
	c.must(257, "PWD")
	// PWD is recorded after its reply; the next reply proves it happened.
	c.must(200, "NOOP")

	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.accepted != 1 {
		t.Errorf("expected one accepted connection, got %d", mc.accepted)
	}
	if len(mc.logins) != 2 || mc.logins[0] || !mc.logins[1] {
		t.Errorf("unexpected logins %v", mc.logins)
	}
	if mc.transfers["RETR"] != int64(len("Hello, FTP World!")) {
		t.Errorf("unexpected transfer bytes %d", mc.transfers["RETR"])
	}
	if mc.commands["RETR"] != 1 || mc.commands["PWD"] != 1 {
		t.Errorf("unexpected command counts %v", mc.commands)
	}
}

// slowIdentity names owners after a delay and records how many lookups
// overlap.
type slowIdentity struct {
	mu      sync.Mutex
	running int
	peak    int
}

func (r *slowIdentity) lookup(prefix string, id int) (string, error) {
	r.mu.Lock()
	r.running++
	if r.running > r.peak {
		r.peak = r.running
	}
	r.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	r.mu.Lock()
	r.running--
	r.mu.Unlock()
	return prefix + strconv.Itoa(id), nil
}

func (r *slowIdentity) UserName(_ context.Context, uid int) (string, error) {
	return r.lookup("u", uid)
}

func (r *slowIdentity) GroupName(_ context.Context, gid int) (string, error) {
	return r.lookup("g", gid)
}

func TestIdentityLookupsBounded(t *testing.T) {
	fsys := newTestFs(t)
	fatalIfErr(t, fsys.MkdirAll("/srv/many", 0o755), "mkdir")
	for i := 0; i < 12; i++ {
		fatalIfErr(t, afero.WriteFile(fsys, "/srv/many/f"+strconv.Itoa(i), nil, 0o644), "write fixture")
	}
	ident := &slowIdentity{}
	_, addr := startServer(t, fsys, WithIdentityResolver(ident), WithMaxStatsAtOnce(3))

	c := dialControl(t, addr)
	c.login()
	msg := c.must(213, "STAT /many")
	if strings.Count(msg, " u0 g0 ") != 12 {
		t.Errorf("expected 12 entries owned by u0/g0, got %q", msg)
	}

	ident.mu.Lock()
	peak := ident.peak
	ident.mu.Unlock()
	if peak > 3 {
		t.Errorf("%d lookups ran at once, limit is 3", peak)
	}
	if peak < 2 {
		t.Errorf("lookups never overlapped (peak %d)", peak)
	}
}

func TestPasvWithoutIPv4ResetsData(t *testing.T) {
	_, addr := startServer(t, newTestFs(t), WithPublicHost("::1"))
	c := dialControl(t, addr)
	c.login()

	ln := listenLoopback(t)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	c.must(200, "PORT 127,0,0,1,%d,%d", port>>8, port&0xFF)
	c.must(425, "PASV")
	msg := c.must(425, "LIST")
	if msg != "Data connection not configured; send PASV or PORT" {
		t.Errorf("earlier PORT survived a failed PASV: %q", msg)
	}

	// EPSV carries no address and still works.
	c.epsv()
}
