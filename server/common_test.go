package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"net/textproto"
	"regexp"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func fatalIfErr(t *testing.T, err error, format string, args ...interface{}) {
	t.Helper()
	if err != nil {
		t.Fatalf(format+": %v", append(args, err)...)
	}
}

// testAuth accepts alice/secret.
var testAuth = AuthFuncs{
	Pass: func(_ context.Context, _ SessionInfo, user, pass string) (*Login, error) {
		if user != "alice" || pass != "secret" {
			return nil, fmt.Errorf("bad credentials for %s", user)
		}
		return &Login{Username: user}, nil
	},
}

// newTestFs returns a filesystem with a few fixtures under /srv.
func newTestFs(t *testing.T) afero.Fs {
	t.Helper()
	fsys := afero.NewMemMapFs()
	fatalIfErr(t, fsys.MkdirAll("/srv/pub/docs", 0o755), "mkdir")
	fatalIfErr(t, afero.WriteFile(fsys, "/srv/hello.txt", []byte("Hello, FTP World!"), 0o644), "write hello")
	fatalIfErr(t, afero.WriteFile(fsys, "/srv/pub/notes.txt", []byte("notes"), 0o644), "write notes")
	fatalIfErr(t, afero.WriteFile(fsys, "/srv/pub/.hidden", []byte("x"), 0o644), "write hidden")
	fatalIfErr(t, afero.WriteFile(fsys, "/srv/pub/docs/guide.txt", []byte("guide"), 0o644), "write guide")
	return fsys
}

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	fatalIfErr(t, err, "Failed to listen")
	return ln
}

// startServer runs a server on a loopback port rooted at /srv of fsys and
// returns it with its address. It is closed when the test ends.
func startServer(t *testing.T, fsys afero.Fs, opts ...Option) (*Server, string) {
	t.Helper()

	ln := listenLoopback(t)
	addr := ln.Addr().String()

	base := []Option{
		WithFilesystem(fsys),
		WithRoot("/srv"),
		WithAuthenticator(testAuth),
		WithDestroySockets(true),
	}
	server, err := NewServer(addr, append(base, opts...)...)
	fatalIfErr(t, err, "Failed to create server")

	go func() {
		if err := server.Serve(ln); err != nil && err != ErrServerClosed {
			t.Logf("Server stopped: %v", err)
		}
	}()
	t.Cleanup(func() {
		if err := server.Close(); err != nil {
			t.Logf("Close error: %v", err)
		}
	})
	return server, addr
}

// controlClient speaks the raw protocol so tests can check exact codes.
type controlClient struct {
	t *testing.T
	*textproto.Conn
	raw net.Conn
}

func dialControl(t *testing.T, addr string) *controlClient {
	t.Helper()
	raw, err := net.DialTimeout("tcp", addr, 2*time.Second)
	fatalIfErr(t, err, "Failed to dial")
	_ = raw.SetDeadline(time.Now().Add(10 * time.Second))

	c := &controlClient{t: t, Conn: textproto.NewConn(raw), raw: raw}
	t.Cleanup(func() { c.Close() })

	c.expect(220)
	return c
}

// cmd sends a command and returns the reply.
func (c *controlClient) cmd(format string, args ...any) (int, string) {
	c.t.Helper()
	if _, err := c.Cmd(format, args...); err != nil {
		c.t.Fatalf("send %q: %v", fmt.Sprintf(format, args...), err)
	}
	return c.read()
}

func (c *controlClient) read() (int, string) {
	c.t.Helper()
	code, msg, err := c.ReadResponse(0)
	if err != nil {
		c.t.Fatalf("read response: %v", err)
	}
	return code, msg
}

// expect reads a reply and fails the test unless it has the given code.
func (c *controlClient) expect(want int) string {
	c.t.Helper()
	code, msg := c.read()
	if code != want {
		c.t.Fatalf("expected %d, got %d %s", want, code, msg)
	}
	return msg
}

// must sends a command and requires the given reply code.
func (c *controlClient) must(want int, format string, args ...any) string {
	c.t.Helper()
	code, msg := c.cmd(format, args...)
	if code != want {
		c.t.Fatalf("%s: expected %d, got %d %s", fmt.Sprintf(format, args...), want, code, msg)
	}
	return msg
}

func (c *controlClient) login() {
	c.t.Helper()
	c.must(331, "USER alice")
	c.must(230, "PASS secret")
}

var epsvPort = regexp.MustCompile(`\(\|\|\|(\d+)\|\)`)

// epsv enters passive mode and returns the announced port.
func (c *controlClient) epsv() int {
	c.t.Helper()
	msg := c.must(229, "EPSV")
	m := epsvPort.FindStringSubmatch(msg)
	if m == nil {
		c.t.Fatalf("cannot parse EPSV reply %q", msg)
	}
	port, _ := strconv.Atoi(m[1])
	return port
}

func dialData(t *testing.T, port int) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 2*time.Second)
	fatalIfErr(t, err, "Failed to dial data port %d", port)
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn
}

// eventRecorder collects events raised by a server.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.Contents != nil {
		ev.Contents = append([]byte(nil), ev.Contents...)
	}
	r.events = append(r.events, ev)
}

func (r *eventRecorder) ofType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// selfSignedTLS returns a server config with a fresh certificate for
// 127.0.0.1.
func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	fatalIfErr(t, err, "generate key")

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "ftpd test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		IsCA:         true,

		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	fatalIfErr(t, err, "create certificate")

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
}
