package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// tlsHandshakeTimeout bounds every server-side handshake.
const tlsHandshakeTimeout = 30 * time.Second

var errUnauthorizedPeer = errors.New("client certificate not authorized")

// handleAUTH handles authentication mechanisms, specifically TLS (RFC 4217).
func (s *session) handleAUTH(arg string) {
	if s.server.tlsConfig == nil {
		s.reply(502, "TLS not configured.")
		return
	}
	if mech := strings.ToUpper(arg); mech != "TLS" && mech != "TLS-C" {
		s.reply(504, "Only AUTH TLS is supported.")
		return
	}
	if s.secure {
		s.reply(503, "TLS already active.")
		return
	}

	s.reply(234, "AUTH TLS successful.")

	// Upgrade connection. The reader goroutine is parked until this
	// handler returns, so swapping the reader here is safe.
	tlsConn := tls.Server(s.conn, s.server.tlsConfig)
	if err := s.handshake(tlsConn); err != nil {
		s.logger.Warn("tls_handshake_failed", "error", err)
		s.server.emit(Event{Type: EventError, SessionID: s.id, RemoteAddr: s.conn.RemoteAddr(), Err: err})
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.conn = tlsConn
	s.reader = newControlReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.secure = true
	s.mu.Unlock()

	s.logger.Info("tls_established", "version", tls.VersionName(tlsConn.ConnectionState().Version))
}

// handshakeImplicit completes the handshake of a connection accepted from a
// TLS listener before the banner is sent.
func (s *session) handshakeImplicit() bool {
	tlsConn := s.conn.(*tls.Conn)
	if err := s.handshake(tlsConn); err != nil {
		s.logger.Warn("tls_handshake_failed", "error", err)
		s.server.emit(Event{Type: EventError, SessionID: s.id, RemoteAddr: s.conn.RemoteAddr(), Err: err})
		return false
	}
	return true
}

// handshake runs the server handshake on conn and checks the client
// certificate when the configuration asks for one.
func (s *session) handshake(conn *tls.Conn) error {
	ctx, cancel := context.WithTimeout(s.ctx, tlsHandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(ctx); err != nil {
		return err
	}
	return s.checkPeer(conn)
}

func (s *session) checkPeer(conn *tls.Conn) error {
	if s.server.tlsConfig.ClientAuth == tls.NoClientCert || s.server.allowUnauthorizedTLS {
		return nil
	}
	if !peerAuthorized(conn.ConnectionState(), s.server.tlsConfig.ClientCAs) {
		return errUnauthorizedPeer
	}
	return nil
}

// peerAuthorized reports whether the client presented a certificate that
// chains to roots. A chain already verified during the handshake counts.
func peerAuthorized(state tls.ConnectionState, roots *x509.CertPool) bool {
	if len(state.VerifiedChains) > 0 {
		return true
	}
	if len(state.PeerCertificates) == 0 {
		return false
	}
	intermediates := x509.NewCertPool()
	for _, c := range state.PeerCertificates[1:] {
		intermediates.AddCert(c)
	}
	_, err := state.PeerCertificates[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	return err == nil
}

// secureDataConn wraps a data socket in TLS. RFC 4217: the FTP server
// always acts as the TLS server, whichever side opened the socket.
func (s *session) secureDataConn(ctx context.Context, conn net.Conn) (net.Conn, error) {
	tlsConn := tls.Server(conn, s.server.tlsConfig)

	hctx, cancel := context.WithTimeout(ctx, tlsHandshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("data connection handshake: %w", err)
	}
	if err := s.checkPeer(tlsConn); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

func (s *session) handlePBSZ(_ string) {
	if s.server.tlsConfig == nil {
		s.reply(202, "TLS not configured.")
		return
	}
	if !s.secure {
		s.reply(503, "PBSZ requires a secure control connection.")
		return
	}
	// We only support buffer size 0.
	s.pbszReceived = true
	s.reply(200, "PBSZ=0")
}

func (s *session) handlePROT(arg string) {
	if s.server.tlsConfig == nil {
		s.reply(202, "TLS not configured.")
		return
	}
	if !s.pbszReceived {
		s.reply(503, "PBSZ required first.")
		return
	}
	// RFC 4217: C clear, S safe, E confidential, P private.
	switch strings.ToUpper(arg) {
	case "P":
		s.protPrivate = true
		s.reply(200, "PROT P OK.")
	case "C", "S", "E":
		s.reply(536, "Only PROT P is supported.")
	default:
		s.reply(504, "PROT not implemented.")
	}
}
