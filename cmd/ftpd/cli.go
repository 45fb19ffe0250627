package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/gonzalop/ftpd/metrics"
	"github.com/gonzalop/ftpd/server"
)

// config holds the command-line settings.
type config struct {
	addr        string
	root        string
	userHomes   bool
	users       []string
	readOnly    bool
	welcome     string
	logLevel    string
	metricsAddr string

	pasvMinPort int
	pasvMaxPort int
	publicHost  string
	pasvHold    time.Duration

	tlsCert     string
	tlsKey      string
	tlsOnly     bool
	implicitTLS bool

	maxConnections int
	idleTimeout    time.Duration
	maxStatsAtOnce int

	hideDotFiles    bool
	noWildcards     bool
	noopCancelsQuit bool
	readFile        bool
	writeFile       bool
	slurpMax        int64
	bandwidth       int64
	destroySockets  bool
}

func newRootCommand() *cobra.Command {
	cfg := &config{}

	rootCmd := &cobra.Command{
		Use:           "ftpd",
		Short:         "Serve a directory over FTP and FTPS.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, cmd.ErrOrStderr())
		},
	}

	f := rootCmd.Flags()
	f.StringVar(&cfg.addr, "addr", ":2121", "address to listen on")
	f.StringVar(&cfg.root, "root", "", "directory to serve (required)")
	f.BoolVar(&cfg.userHomes, "user-homes", false, "confine each user to <root>/<user>")
	f.StringArrayVar(&cfg.users, "user", nil, "account as name:bcrypt-hash (repeatable); without any, only anonymous read-only logins are allowed")
	f.BoolVar(&cfg.readOnly, "read-only", false, "refuse every command that modifies files")
	f.StringVar(&cfg.welcome, "welcome", "", "greeting sent with the 220 reply")
	f.StringVar(&cfg.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	f.StringVar(&cfg.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	f.IntVar(&cfg.pasvMinPort, "pasv-min-port", 0, "first passive port")
	f.IntVar(&cfg.pasvMaxPort, "pasv-max-port", 0, "last passive port")
	f.StringVar(&cfg.publicHost, "public-host", "", "address announced in PASV replies")
	f.DurationVar(&cfg.pasvHold, "pasv-hold", 0, "how long a passive port waits for its client")

	f.StringVar(&cfg.tlsCert, "tls-cert", "", "PEM certificate for FTPS")
	f.StringVar(&cfg.tlsKey, "tls-key", "", "PEM private key for FTPS")
	f.BoolVar(&cfg.tlsOnly, "tls-only", false, "require AUTH TLS before login")
	f.BoolVar(&cfg.implicitTLS, "implicit-tls", false, "speak TLS from the first byte")

	f.IntVar(&cfg.maxConnections, "max-connections", 0, "maximum concurrent sessions (0 means unlimited)")
	f.DurationVar(&cfg.idleTimeout, "idle-timeout", 5*time.Minute, "close sessions idle for this long")
	f.IntVar(&cfg.maxStatsAtOnce, "max-stats", 0, "concurrent stat calls per listing")

	f.BoolVar(&cfg.hideDotFiles, "hide-dot-files", false, "leave dot files out of listings")
	f.BoolVar(&cfg.noWildcards, "no-wildcards", false, "treat * and ? in listing arguments literally")
	f.BoolVar(&cfg.noopCancelsQuit, "noop-cancels-quit", false, "let NOOP undo a QUIT sent during a transfer")
	f.BoolVar(&cfg.readFile, "read-file", false, "read whole files into memory for RETR")
	f.BoolVar(&cfg.writeFile, "write-file", false, "buffer uploads in memory before writing")
	f.Int64Var(&cfg.slurpMax, "upload-max-slurp", 0, "with --write-file, stream uploads larger than this many bytes")
	f.Int64Var(&cfg.bandwidth, "bandwidth", 0, "per-transfer limit in bytes per second (0 means unlimited)")
	f.BoolVar(&cfg.destroySockets, "destroy-sockets", true, "close open sessions on shutdown")

	_ = rootCmd.MarkFlagRequired("root")

	rootCmd.AddCommand(newHashCommand())
	return rootCmd
}

// newHashCommand prints a bcrypt hash for use with --user.
func newHashCommand() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its bcrypt hash.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			pass := strings.TrimRight(line, "\r\n")
			if pass == "" {
				return errors.New("empty password")
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(pass), cost)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return err
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}

// serverOptions translates cfg into server options.
func serverOptions(cfg *config, logger *slog.Logger) ([]server.Option, *tls.Config, error) {
	opts := []server.Option{
		server.WithLogger(logger),
		server.WithFilesystem(afero.NewOsFs()),
		server.WithMaxIdleTime(cfg.idleTimeout),
		server.WithDestroySockets(cfg.destroySockets),
		server.WithHideDotFiles(cfg.hideDotFiles),
		server.WithNoWildcards(cfg.noWildcards),
		server.WithNoopCancelsQuit(cfg.noopCancelsQuit),
		server.WithReadFile(cfg.readFile),
		server.WithWriteFile(cfg.writeFile),
	}

	if cfg.userHomes {
		root := cfg.root
		opts = append(opts, server.WithRootFunc(func(_ context.Context, info server.SessionInfo) (string, error) {
			return path.Join(root, path.Clean("/"+info.User)), nil
		}))
	} else {
		opts = append(opts, server.WithRoot(cfg.root))
	}

	if len(cfg.users) > 0 {
		users, err := parseUsers(cfg.users)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, server.WithAuthenticator(users.authenticator()))
	}

	if cfg.readOnly {
		opts = append(opts, server.WithAllowedCommands(server.ExceptCommands(server.WriteCommands)...))
	}
	if cfg.welcome != "" {
		opts = append(opts, server.WithWelcomeMessage(cfg.welcome))
	}
	if cfg.pasvMinPort != 0 || cfg.pasvMaxPort != 0 {
		opts = append(opts, server.WithPasvPortRange(cfg.pasvMinPort, cfg.pasvMaxPort))
	}
	if cfg.publicHost != "" {
		opts = append(opts, server.WithPublicHost(cfg.publicHost))
	}
	if cfg.pasvHold > 0 {
		opts = append(opts, server.WithPasvHoldTimeout(cfg.pasvHold))
	}
	if cfg.maxConnections > 0 {
		opts = append(opts, server.WithMaxConnections(cfg.maxConnections))
	}
	if cfg.maxStatsAtOnce > 0 {
		opts = append(opts, server.WithMaxStatsAtOnce(cfg.maxStatsAtOnce))
	}
	if cfg.bandwidth > 0 {
		opts = append(opts, server.WithBandwidthLimit(cfg.bandwidth))
	}
	if cfg.slurpMax > 0 {
		opts = append(opts, server.WithUploadMaxSlurpSize(cfg.slurpMax))
	}

	var tlsConfig *tls.Config
	switch {
	case cfg.tlsCert != "" && cfg.tlsKey != "":
		cert, err := tls.LoadX509KeyPair(cfg.tlsCert, cfg.tlsKey)
		if err != nil {
			return nil, nil, fmt.Errorf("load TLS key pair: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		opts = append(opts, server.WithTLS(tlsConfig), server.WithTLSOnly(cfg.tlsOnly))
	case cfg.tlsCert != "" || cfg.tlsKey != "":
		return nil, nil, errors.New("--tls-cert and --tls-key must be given together")
	case cfg.tlsOnly || cfg.implicitTLS:
		return nil, nil, errors.New("--tls-only and --implicit-tls need --tls-cert and --tls-key")
	}

	return opts, tlsConfig, nil
}

// run serves until ctx is done.
func run(ctx context.Context, cfg *config, stderr io.Writer) error {
	logger, err := newLogger(stderr, cfg.logLevel)
	if err != nil {
		return err
	}

	opts, tlsConfig, err := serverOptions(cfg, logger)
	if err != nil {
		return err
	}

	var metricsSrv *http.Server
	if cfg.metricsAddr != "" {
		collector := metrics.New()
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collector,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, server.WithMetricsCollector(collector))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{
			Addr:              cfg.metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	srv, err := server.NewServer(cfg.addr, opts...)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.addr)
	if err != nil {
		return err
	}
	if cfg.implicitTLS {
		ln = tls.NewListener(ln, tlsConfig)
	}

	if metricsSrv != nil {
		go func() {
			logger.Info("metrics_listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics_server_failed", "error", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting_down")
		if metricsSrv != nil {
			_ = metricsSrv.Close()
		}
		if err := srv.Close(); err != nil {
			logger.Warn("close_failed", "error", err)
		}
	}()

	logger.Info("server_listening", "addr", ln.Addr().String(), "root", cfg.root, "implicit_tls", cfg.implicitTLS)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, server.ErrServerClosed) {
		return err
	}
	return nil
}
