package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gonzalop/ftpd/internal/pasv"
)

var errNoDataConnection = errors.New("no data connection configured")

// activeDialTimeout bounds how long PORT/EPRT targets get to accept.
const activeDialTimeout = 10 * time.Second

// handlePASV handles the PASV command.
func (s *session) handlePASV(_ string) {
	ip, err := s.passiveIPv4()
	if err != nil {
		s.logger.Warn("pasv_address_unavailable", "error", err)
		s.resetData()
		s.reply(425, "Can't open passive connection.")
		return
	}

	port, ok := s.enterPassive()
	if !ok {
		return
	}

	ip4 := ip.To4()
	s.reply(227, fmt.Sprintf("Entering Passive Mode (%d,%d,%d,%d,%d,%d)",
		ip4[0], ip4[1], ip4[2], ip4[3], port>>8, port&0xFF))
}

// handleEPSV handles the EPSV command (RFC 2428).
func (s *session) handleEPSV(arg string) {
	if arg != "" && arg != "1" {
		s.reply(202, "Only IPv4 (1) is supported.")
		return
	}

	port, ok := s.enterPassive()
	if !ok {
		return
	}
	s.reply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%d|)", port))
}

// enterPassive makes sure the session holds a waiting passive claim and
// returns its port. A claim that is still waiting is reused so a client
// repeating PASV sees the same port. On failure a 421 has been sent.
func (s *session) enterPassive() (int, bool) {
	s.mu.Lock()
	claim := s.pasvClaim
	conn := s.dataConn
	s.dataConn = nil
	s.dataHost, s.dataPort = "", 0
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	if claim != nil && claim.State() == pasv.Waiting {
		s.mu.Lock()
		s.dataConfigured = true
		s.mu.Unlock()
		return claim.Port, true
	}
	if claim != nil {
		claim.Close()
	}

	remote := net.ParseIP(hostOf(s.conn.RemoteAddr()))
	claim, err := s.server.pasv.CreateDataConnection(remote)
	if err != nil {
		s.logger.Error("pasv_failed", "error", err)
		s.resetData()
		s.reply(421, "Can't open passive connection.")
		return 0, false
	}

	s.mu.Lock()
	s.pasvClaim = claim
	s.dataConfigured = true
	s.mu.Unlock()

	s.logger.Debug("pasv_claimed", "port", claim.Port)
	return claim.Port, true
}

// passiveIPv4 returns the address announced in a 227 reply.
func (s *session) passiveIPv4() (net.IP, error) {
	if host := s.server.publicHost; host != "" {
		if ip := net.ParseIP(host); ip != nil {
			if ip.To4() == nil {
				return nil, fmt.Errorf("public host %s is not IPv4", host)
			}
			return ip, nil
		}
		ips, err := net.DefaultResolver.LookupIP(s.ctx, "ip4", host)
		if err != nil {
			return nil, fmt.Errorf("resolve public host %q: %w", host, err)
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("public host %q has no IPv4 address", host)
		}
		return ips[0], nil
	}

	ip := net.ParseIP(hostOf(s.conn.LocalAddr()))
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("control connection is not IPv4: %v", s.conn.LocalAddr())
	}
	return ip, nil
}

// handlePORT handles the PORT command: h1,h2,h3,h4,p1,p2.
func (s *session) handlePORT(arg string) {
	parts := strings.Split(arg, ",")
	if len(parts) != 6 {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}

	nums := make([]int, 6)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 255 {
			s.reply(501, "Syntax error in parameters or arguments.")
			return
		}
		nums[i] = n
	}

	ip := net.IPv4(byte(nums[0]), byte(nums[1]), byte(nums[2]), byte(nums[3]))
	s.setActive(ip, nums[4]<<8|nums[5])
}

// handleEPRT handles the EPRT command: |1|ip|port| (RFC 2428).
func (s *session) handleEPRT(arg string) {
	if len(arg) < 2 {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}
	delim := arg[:1]
	parts := strings.Split(arg, delim)
	// Leading and trailing delimiters give empty first and last fields.
	if len(parts) != 5 || parts[0] != "" || parts[4] != "" {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}

	switch parts[1] {
	case "1":
	case "2":
		s.reply(522, "Network protocol not supported, use (1)")
		return
	default:
		s.reply(501, "Unknown network protocol.")
		return
	}

	ip := net.ParseIP(parts[2])
	if ip == nil || ip.To4() == nil {
		s.reply(501, "Invalid address.")
		return
	}
	port, err := strconv.Atoi(parts[3])
	if err != nil {
		s.reply(501, "Invalid port.")
		return
	}
	s.setActive(ip, port)
}

// setActive validates an active-mode target and records it.
func (s *session) setActive(ip net.IP, port int) {
	if port < 1024 || port > 65535 {
		s.reply(501, "Port out of range.")
		return
	}

	// Refuse targets other than the client itself (FTP bounce).
	if !s.validateActiveIP(ip) {
		s.logger.Warn("active_target_rejected", "target", ip.String())
		s.reply(500, "Rejected data connection address.")
		return
	}

	s.resetData()

	s.mu.Lock()
	s.dataHost = ip.String()
	s.dataPort = port
	s.dataConfigured = true
	s.mu.Unlock()

	s.reply(200, "Command okay.")
}

// validateActiveIP ensures the data connection target matches the control connection source.
func (s *session) validateActiveIP(ip net.IP) bool {
	remoteIP := net.ParseIP(hostOf(s.conn.RemoteAddr()))
	if remoteIP == nil {
		return false
	}
	return ip.Equal(remoteIP)
}

// whenDataReady returns the data connection for the current transfer:
// the socket already open, the passive client once it connects, or a
// fresh dial to the active target. TLS is applied when PROT P is set.
//
// opened runs once a new socket is connected and before its TLS handshake;
// clients only start the handshake after they see the preliminary reply.
func (s *session) whenDataReady(ctx context.Context, opened func()) (net.Conn, error) {
	s.mu.Lock()
	if s.dataConn != nil {
		conn := s.dataConn
		s.mu.Unlock()
		return conn, nil
	}
	claim := s.pasvClaim
	host, port := s.dataHost, s.dataPort
	s.mu.Unlock()

	var conn net.Conn
	var err error
	switch {
	case claim != nil:
		s.logger.Debug("waiting_for_passive_connection", "port", claim.Port)
		conn, err = claim.Wait(ctx)
	case host != "":
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		s.logger.Debug("dialing_active_connection", "addr", addr)
		d := net.Dialer{Timeout: activeDialTimeout}
		conn, err = d.DialContext(ctx, "tcp", addr)
	default:
		err = errNoDataConnection
	}
	if err != nil {
		return nil, err
	}

	if opened != nil {
		opened()
	}

	if s.protPrivate {
		conn, err = s.secureDataConn(ctx, conn)
		if err != nil {
			return nil, err
		}
	}

	// Apply timeouts to data connection
	if s.server.readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.server.readTimeout))
	}
	if s.server.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.server.writeTimeout))
	}

	s.mu.Lock()
	s.dataConn = conn
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// closeDataConn closes the open data socket, if any, leaving the rest of
// the data state in place.
func (s *session) closeDataConn() {
	s.mu.Lock()
	conn := s.dataConn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// resetData drops every piece of data-channel state. A new PASV, EPSV,
// PORT or EPRT is needed before the next data command.
func (s *session) resetData() {
	s.mu.Lock()
	conn := s.dataConn
	claim := s.pasvClaim
	s.dataConn = nil
	s.pasvClaim = nil
	s.dataHost, s.dataPort = "", 0
	s.dataConfigured = false
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if claim != nil {
		claim.Close()
	}
}

// runTransfer runs fn in the background as the session's single transfer.
// fn returns the final reply; the data state is reset and the session
// marked idle before that reply goes out, so the client may send its next
// command as soon as it reads it.
func (s *session) runTransfer(cmd string, fn func(ctx context.Context) (int, string)) {
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.busy = true
	s.transferCancel = cancel
	s.transferDone = done
	s.mu.Unlock()

	s.transferWG.Add(1)
	go func() {
		defer s.transferWG.Done()
		defer close(done)
		defer cancel()

		start := time.Now()
		code, msg := 451, "Local error in processing."
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("transfer_panic", "cmd", cmd, "panic", r)
				}
			}()
			code, msg = fn(ctx)
		}()

		s.resetData()

		s.mu.Lock()
		s.busy = false
		s.transferCancel = nil
		s.transferDone = nil
		quit := s.hasQuit
		s.mu.Unlock()

		if s.server.metricsCollector != nil {
			s.server.metricsCollector.RecordCommand(cmd, code < 400, time.Since(start))
		}

		if code != 0 {
			s.reply(code, msg)
		}

		if quit {
			s.destroy()
		}
	}()
}

// handleABOR handles the ABOR command.
func (s *session) handleABOR(_ string) {
	s.mu.Lock()
	busy := s.busy
	cancel := s.transferCancel
	done := s.transferDone
	s.mu.Unlock()

	if !busy {
		s.reply(226, "ABOR command successful; no transfer in progress.")
		return
	}

	// Transfer is in progress.
	s.logger.Info("transfer_abort_requested", "user", s.user)

	// Close data connection to interrupt the background transfer goroutine.
	s.closeDataConn()
	if cancel != nil {
		cancel()
	}

	// The transfer answers its own command with 426 before ABOR gets 226.
	if done != nil {
		<-done
	}
	s.reply(226, "ABOR command successful; transfer aborted.")
}
