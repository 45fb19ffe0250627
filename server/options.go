package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// Option is a functional option for configuring an FTP server.
type Option func(*Server) error

// WithFilesystem sets the filesystem sessions operate on.
// If not specified, afero.NewOsFs() is used.
//
// Example:
//
//	s, _ := server.NewServer(":21",
//	    server.WithFilesystem(afero.NewMemMapFs()),
//	    server.WithRoot("/"),
//	)
func WithFilesystem(fsys afero.Fs) Option {
	return func(s *Server) error {
		if fsys == nil {
			return fmt.Errorf("filesystem cannot be nil")
		}
		s.fs = fsys
		return nil
	}
}

// WithAuthenticator sets the user/password verifier.
// If not specified, only "anonymous" and "ftp" may log in, read-only.
func WithAuthenticator(auth Authenticator) Option {
	return func(s *Server) error {
		if s.auth != nil {
			return fmt.Errorf("authenticator already set")
		}
		s.auth = auth
		return nil
	}
}

// WithRoot confines every session to dir on the server filesystem.
// Either WithRoot or WithRootFunc is required.
func WithRoot(dir string) Option {
	return func(s *Server) error {
		if s.root != nil {
			return fmt.Errorf("root already set")
		}
		s.root = StaticPath(dir)
		return nil
	}
}

// WithRootFunc computes the sandbox root per session after login.
//
// Example (per-user home directories):
//
//	server.WithRootFunc(func(_ context.Context, info server.SessionInfo) (string, error) {
//	    return filepath.Join("/srv/ftp", info.User), nil
//	})
func WithRootFunc(fn func(ctx context.Context, info SessionInfo) (string, error)) Option {
	return func(s *Server) error {
		if s.root != nil {
			return fmt.Errorf("root already set")
		}
		s.root = PathFunc(fn)
		return nil
	}
}

// WithInitialCwd sets the virtual directory sessions start in. Defaults to "/".
func WithInitialCwd(dir string) Option {
	return func(s *Server) error {
		s.initialCwd = StaticPath(dir)
		return nil
	}
}

// WithInitialCwdFunc computes the starting virtual directory per session.
func WithInitialCwdFunc(fn func(ctx context.Context, info SessionInfo) (string, error)) Option {
	return func(s *Server) error {
		s.initialCwd = PathFunc(fn)
		return nil
	}
}

// WithIdentityResolver sets how numeric owners are named in LIST output.
// If not specified, every file is reported as owned by "ftp".
func WithIdentityResolver(r IdentityResolver) Option {
	return func(s *Server) error {
		s.identity = r
		return nil
	}
}

// WithTLS enables TLS (FTPS) with the provided configuration.
// Supports both Explicit FTPS (AUTH TLS) and Implicit FTPS.
//
// For Explicit FTPS (recommended, port 21):
//
//	cert, _ := tls.LoadX509KeyPair("server.crt", "server.key")
//	s, _ := server.NewServer(":21",
//	    server.WithRoot("/srv/ftp"),
//	    server.WithTLS(&tls.Config{
//	        Certificates: []tls.Certificate{cert},
//	        MinVersion:   tls.VersionTLS12,
//	    }),
//	)
//
// For Implicit FTPS (legacy, port 990):
//
//	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}
//	ln, _ := tls.Listen("tcp", ":990", tlsConfig)
//	s.Serve(ln)
func WithTLS(config *tls.Config) Option {
	return func(s *Server) error {
		s.tlsConfig = config
		return nil
	}
}

// WithTLSOnly refuses every command except the pre-login set until the
// control connection has been upgraded with AUTH TLS.
func WithTLSOnly(enable bool) Option {
	return func(s *Server) error {
		s.tlsOnly = enable
		return nil
	}
}

// WithAllowUnauthorizedTLS keeps connections open when the tls.Config asks
// for client certificates and the peer's certificate does not verify.
func WithAllowUnauthorizedTLS(allow bool) Option {
	return func(s *Server) error {
		s.allowUnauthorizedTLS = allow
		return nil
	}
}

// WithPasvPortRange restricts passive listeners to [min, max].
// Without a range every PASV/EPSV binds an OS-assigned port.
//
// Example:
//
//	s, _ := server.NewServer(":21",
//	    server.WithRoot("/srv/ftp"),
//	    server.WithPasvPortRange(30000, 30100),
//	)
func WithPasvPortRange(min, max int) Option {
	return func(s *Server) error {
		if min < 1 || max > 65535 || min > max {
			return fmt.Errorf("invalid passive port range %d-%d", min, max)
		}
		s.pasvMinPort = min
		s.pasvMaxPort = max
		return nil
	}
}

// WithPublicHost sets the IPv4 address (or host name) announced in PASV
// replies. Useful behind NAT. Defaults to the local address of the control
// connection.
func WithPublicHost(host string) Option {
	return func(s *Server) error {
		s.publicHost = host
		return nil
	}
}

// WithPasvHoldTimeout sets how long a passive port waits for the client.
func WithPasvHoldTimeout(d time.Duration) Option {
	return func(s *Server) error {
		s.pasvHoldTimeout = d
		return nil
	}
}

// WithMaxStatsAtOnce bounds concurrent stat and owner lookups per listing.
func WithMaxStatsAtOnce(n int) Option {
	return func(s *Server) error {
		if n < 1 {
			return fmt.Errorf("max stats at once must be positive")
		}
		s.maxStatsAtOnce = n
		return nil
	}
}

// WithUploadMaxSlurpSize caps the in-memory buffer used by WithWriteFile
// uploads. Larger uploads are streamed to the file instead. Zero means no cap.
func WithUploadMaxSlurpSize(n int64) Option {
	return func(s *Server) error {
		s.uploadMaxSlurpSize = n
		return nil
	}
}

// WithBandwidthLimit caps each RETR, STOR and APPE at bytesPerSecond.
// Zero means unlimited.
func WithBandwidthLimit(bytesPerSecond int64) Option {
	return func(s *Server) error {
		if bytesPerSecond < 0 {
			return fmt.Errorf("bandwidth limit must not be negative")
		}
		s.bandwidthLimit = bytesPerSecond
		return nil
	}
}

// WithReadFile makes RETR read whole files into memory and report their
// contents in a file:retr:contents event.
func WithReadFile(enable bool) Option {
	return func(s *Server) error {
		s.useReadFile = enable
		return nil
	}
}

// WithWriteFile makes STOR and APPE buffer uploads in memory, write them in
// one call and report the contents in a file:stor:contents event.
func WithWriteFile(enable bool) Option {
	return func(s *Server) error {
		s.useWriteFile = enable
		return nil
	}
}

// WithHideDotFiles omits names starting with "." from listings.
func WithHideDotFiles(hide bool) Option {
	return func(s *Server) error {
		s.hideDotFiles = hide
		return nil
	}
}

// WithDontSortFilenames lists entries in filesystem order.
func WithDontSortFilenames(dontSort bool) Option {
	return func(s *Server) error {
		s.dontSortFilenames = dontSort
		return nil
	}
}

// WithFilenameSortKey sets the key listings are sorted by.
// Defaults to strings.ToUpper, i.e. case-insensitive.
func WithFilenameSortKey(key func(name string) string) Option {
	return func(s *Server) error {
		s.filenameSortKey = key
		return nil
	}
}

// WithFilenameSortFunc sets a comparison used instead of the sort key.
func WithFilenameSortFunc(cmp func(a, b string) int) Option {
	return func(s *Server) error {
		s.filenameSortFunc = cmp
		return nil
	}
}

// WithDestroySockets makes Close also close every live session and the
// passive listener pool, instead of only the accepting listener.
func WithDestroySockets(destroy bool) Option {
	return func(s *Server) error {
		s.destroySockets = destroy
		return nil
	}
}

// WithAllowedCommands restricts the server to the given commands. Others
// get "502 Command not implemented.".
//
// Example (read-only server):
//
//	s, _ := server.NewServer(":21",
//	    server.WithRoot("/srv/ftp"),
//	    server.WithAllowedCommands(server.ExceptCommands(server.WriteCommands)...),
//	)
func WithAllowedCommands(cmds ...string) Option {
	return func(s *Server) error {
		allowed := make(map[string]bool, len(cmds))
		for _, c := range cmds {
			c = strings.ToUpper(strings.TrimSpace(c))
			if _, ok := commandHandlers[c]; !ok {
				return fmt.Errorf("unknown command %q", c)
			}
			allowed[c] = true
		}
		s.allowedCommands = allowed
		return nil
	}
}

// WithNoWildcards makes LIST, NLST and STAT treat '*' and '?' literally.
func WithNoWildcards(disable bool) Option {
	return func(s *Server) error {
		s.noWildcards = disable
		return nil
	}
}

// WithNoopCancelsQuit lets a NOOP sent while a QUIT waits for a running
// transfer keep the session open. Some old clients rely on this.
func WithNoopCancelsQuit(enable bool) Option {
	return func(s *Server) error {
		s.noopCancelsQuit = enable
		return nil
	}
}

// WithEventHandler registers a callback for server and session events.
// The handler runs on the goroutine that raised the event and should not
// block.
func WithEventHandler(h EventHandler) Option {
	return func(s *Server) error {
		s.onEvent = h
		return nil
	}
}

// WithMetricsCollector sets a collector for command, transfer, connection
// and authentication metrics.
func WithMetricsCollector(c MetricsCollector) Option {
	return func(s *Server) error {
		s.metricsCollector = c
		return nil
	}
}

// WithLogger sets a custom logger for the server.
// If not specified, slog.Default() is used.
//
// Example with debug logging:
//
//	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	}))
//	s, _ := server.NewServer(":21",
//	    server.WithRoot("/srv/ftp"),
//	    server.WithLogger(logger),
//	)
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithMaxIdleTime sets the maximum time a connection can be idle before being closed.
// If not specified, defaults to 5 minutes.
func WithMaxIdleTime(duration time.Duration) Option {
	return func(s *Server) error {
		s.maxIdleTime = duration
		return nil
	}
}

// WithReadTimeout sets the deadline applied to each control read and to
// data connections. Zero disables it.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) error {
		s.readTimeout = d
		return nil
	}
}

// WithWriteTimeout sets the deadline applied while a reply is written and
// to data connections. Zero disables it.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) error {
		s.writeTimeout = d
		return nil
	}
}

// WithMaxConnections sets the maximum number of simultaneous connections.
// If 0, there is no limit. This is the default.
//
// When the limit is reached, new connections receive a "421 Too many users" response.
func WithMaxConnections(max int) Option {
	return func(s *Server) error {
		s.maxConnections = max
		return nil
	}
}

// WithWelcomeMessage sets the 220 banner.
func WithWelcomeMessage(msg string) Option {
	return func(s *Server) error {
		s.welcomeMessage = msg
		return nil
	}
}
