// Package server implements an embeddable FTP server engine on top of an
// afero filesystem.
//
// # Overview
//
// A Server accepts control connections and runs one session per client.
// Each session walks the login sequence (USER, PASS), keeps a virtual
// working directory inside a per-session root, and negotiates data
// connections in passive (PASV, EPSV) or active (PORT, EPRT) mode. Passive
// ports are shared between sessions through a pool, so a small port range
// can serve many clients at once.
//
// Data commands (LIST, NLST, RETR, STOR, APPE) run in the background. While
// one is in flight only ABOR, STAT, NOOP and QUIT are accepted.
//
// # Getting Started
//
//	package main
//
//	import (
//	    "log"
//
//	    "github.com/gonzalop/ftpd/server"
//	)
//
//	func main() {
//	    s, err := server.NewServer(":2121", server.WithRoot("/srv/ftp"))
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    log.Fatal(s.ListenAndServe())
//	}
//
// Without an Authenticator only the "anonymous" and "ftp" users may log in,
// and they see a read-only view of the filesystem.
//
// # Authentication and Roots
//
// AuthFuncs adapts plain functions to the Authenticator interface. A Login
// may carry its own afero.Fs, which replaces the server filesystem for
// that session:
//
//	s, _ := server.NewServer(":2121",
//	    server.WithAuthenticator(server.AuthFuncs{
//	        Pass: func(ctx context.Context, info server.SessionInfo, user, pass string) (*server.Login, error) {
//	            if !checkPassword(user, pass) {
//	                return nil, errors.New("bad password")
//	            }
//	            return &server.Login{Username: user}, nil
//	        },
//	    }),
//	    server.WithRootFunc(func(ctx context.Context, info server.SessionInfo) (string, error) {
//	        return path.Join("/srv/ftp/home", info.User), nil
//	    }),
//	)
//
// Client paths never leave the root: ".." at the top stays at "/".
//
// # FTPS
//
// WithTLS enables AUTH TLS, PBSZ and PROT (RFC 4217). WithTLSOnly refuses
// every command except the handshake and login preliminaries until the
// control connection is encrypted. For implicit FTPS, hand Serve a
// tls.NewListener; such sessions start out secure.
//
// When the tls.Config requests client certificates, peers that do not
// chain to ClientCAs are dropped unless WithAllowUnauthorizedTLS is set.
//
// # Passive Mode
//
// WithPasvPortRange limits the ports handed out by PASV and EPSV.
// WithPublicHost sets the address announced in 227 replies, which is
// needed behind NAT. A port that nobody connects to is released after
// WithPasvHoldTimeout.
//
// # Events and Metrics
//
// WithEventHandler receives connection, login and transfer events. With
// WithReadFile or WithWriteFile the whole file passes through memory and
// is included in the event, which suits small files and auditing hooks.
// WithMetricsCollector plugs in counters; see the metrics package for a
// Prometheus implementation.
package server
