package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/afero"

	"github.com/gonzalop/ftpd/internal/ratelimit"
)

// slurpInitialSize is the first buffer size for in-memory uploads.
const slurpInitialSize = 32 * 1024

func (s *session) handleREST(arg string) {
	offset, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || offset < 0 {
		s.reply(501, "Invalid restart offset.")
		return
	}
	s.restartOffset = offset
	s.reply(350, fmt.Sprintf("Restarting at %d. Send STORE or RETRIEVE to initiate transfer.", offset))
}

// takeRestartOffset returns the REST offset and clears it; it applies to
// the next transfer only.
func (s *session) takeRestartOffset() int64 {
	off := s.restartOffset
	s.restartOffset = 0
	return off
}

func (s *session) handleRETR(arg string) {
	virtual, target := s.resolve(arg)
	offset := s.takeRestartOffset()
	ascii := s.transferType == typeASCII

	s.runTransfer("RETR", func(ctx context.Context) (int, string) {
		ev := s.event(EventRetr)
		ev.Path = virtual

		start := time.Now()
		var n int64
		var err error
		if s.server.useReadFile {
			n, err = s.retrWhole(ctx, target, virtual, offset, ascii)
		} else {
			n, err = s.retrStream(ctx, target, virtual, offset, ascii)
		}
		ev.Bytes, ev.Duration = n, time.Since(start)

		var te *transferError
		if errors.As(err, &te) {
			ev.Phase, ev.Err = PhaseError, te.err
			s.server.emit(ev)
			s.logger.Debug("retr_failed", "path", virtual, "error", te.err)
			return te.code, te.msg
		}

		ev.Phase = PhaseClose
		s.server.emit(ev)
		s.logTransfer("RETR", virtual, n, ev.Duration)
		return 226, fmt.Sprintf("Closing data connection, sent %d bytes", n)
	})
}

// retrStream copies an open file to the data connection.
func (s *session) retrStream(ctx context.Context, target, virtual string, offset int64, ascii bool) (int64, error) {
	f, err := s.fs.Open(target)
	if err != nil {
		return 0, openError(err)
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.IsDir() {
		return 0, &transferError{550, "Not Accessible", errors.New("is a directory")}
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return 0, &transferError{550, "Not Accessible", err}
		}
	}
	s.emitRetrOpen(virtual)

	conn, err := s.openData(ctx, "RETR", ascii)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(downloadWriter(ctx, conn, s.limiter(), ascii), f)
	if err != nil {
		return n, aborted(err)
	}
	s.closeDataConn()
	return n, nil
}

// retrWhole reads the file into memory before sending it.
func (s *session) retrWhole(ctx context.Context, target, virtual string, offset int64, ascii bool) (int64, error) {
	if isDir, err := afero.IsDir(s.fs, target); err == nil && isDir {
		return 0, &transferError{550, "Not Accessible", errors.New("is a directory")}
	}
	data, err := afero.ReadFile(s.fs, target)
	if err != nil {
		return 0, openError(err)
	}
	s.emitRetrOpen(virtual)

	ev := s.event(EventRetrContents)
	ev.Path = virtual
	ev.Contents = data
	ev.Bytes = int64(len(data))
	s.server.emit(ev)

	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	data = data[offset:]

	conn, err := s.openData(ctx, "RETR", ascii)
	if err != nil {
		return 0, err
	}
	n, err := downloadWriter(ctx, conn, s.limiter(), ascii).Write(data)
	if err != nil {
		return int64(n), aborted(err)
	}
	s.closeDataConn()
	return int64(n), nil
}

func (s *session) emitRetrOpen(virtual string) {
	ev := s.event(EventRetr)
	ev.Path = virtual
	ev.Phase = PhaseOpen
	s.server.emit(ev)
}

func (s *session) handleSTOR(arg string) { s.store(arg, "STOR") }
func (s *session) handleAPPE(arg string) { s.store(arg, "APPE") }

// store runs STOR or APPE.
func (s *session) store(arg, cmd string) {
	virtual, target := s.resolve(arg)
	offset := s.takeRestartOffset()
	appendMode := cmd == "APPE"
	ascii := s.transferType == typeASCII

	s.runTransfer(cmd, func(ctx context.Context) (int, string) {
		ev := s.event(EventStor)
		ev.Path = virtual

		start := time.Now()
		var n int64
		var err error
		if s.server.useWriteFile {
			n, err = s.storSlurp(ctx, cmd, target, virtual, appendMode, offset, ascii)
		} else {
			n, err = s.storStream(ctx, cmd, target, virtual, appendMode, offset, ascii, nil, nil)
		}
		ev.Bytes, ev.Duration = n, time.Since(start)

		var te *transferError
		if errors.As(err, &te) {
			ev.Phase, ev.Err = PhaseError, te.err
			s.server.emit(ev)
			s.logger.Debug("stor_failed", "path", virtual, "error", te.err)
			return te.code, te.msg
		}

		ev.Phase = PhaseClose
		s.server.emit(ev)
		s.logTransfer(cmd, virtual, n, ev.Duration)
		return 226, "Transfer complete."
	})
}

// openUpload opens the destination of an upload.
func (s *session) openUpload(target string, appendMode bool, offset int64) (afero.File, error) {
	flags := os.O_WRONLY | os.O_CREATE
	switch {
	case appendMode:
		flags |= os.O_APPEND
	case offset == 0:
		flags |= os.O_TRUNC
	}

	f, err := s.fs.OpenFile(target, flags, 0o644)
	if err != nil {
		return nil, &transferError{553, "Could not create file.", err}
	}
	if offset > 0 && !appendMode {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, &transferError{553, "Could not create file.", err}
		}
	}
	return f, nil
}

// storStream writes the upload to the file as it arrives. A slurp that
// overflowed its cap passes the bytes it already read as prefix and the
// reader it was using as src; otherwise src is nil and the data
// connection is opened here.
func (s *session) storStream(ctx context.Context, cmd, target, virtual string, appendMode bool, offset int64, ascii bool, prefix []byte, src io.Reader) (int64, error) {
	f, err := s.openUpload(target, appendMode, offset)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	s.emitStorOpen(virtual)

	if src == nil {
		conn, err := s.openData(ctx, cmd, ascii)
		if err != nil {
			return 0, err
		}
		src = uploadReader(ctx, conn, s.limiter(), ascii)
	}

	var n int64
	if len(prefix) > 0 {
		w, err := f.Write(prefix)
		n += int64(w)
		if err != nil {
			return n, aborted(err)
		}
	}

	copied, err := io.Copy(f, src)
	n += copied
	if err != nil {
		return n, aborted(err)
	}
	if err := f.Close(); err != nil {
		return n, aborted(err)
	}
	return n, nil
}

// storSlurp buffers the upload in memory and writes it in one call. If the
// upload outgrows uploadMaxSlurpSize it switches to streaming, replaying
// what was buffered so far.
func (s *session) storSlurp(ctx context.Context, cmd, target, virtual string, appendMode bool, offset int64, ascii bool) (int64, error) {
	conn, err := s.openData(ctx, cmd, ascii)
	if err != nil {
		return 0, err
	}

	src := uploadReader(ctx, conn, s.limiter(), ascii)
	limit := s.server.uploadMaxSlurpSize
	buf, err := slurp(src, limit)
	if errors.Is(err, errSlurpLimit) {
		s.logger.Debug("slurp_limit_exceeded", "path", virtual, "limit", limit)
		return s.storStream(ctx, cmd, target, virtual, appendMode, offset, ascii, buf, src)
	}
	if err != nil {
		return int64(len(buf)), aborted(err)
	}

	f, err := s.openUpload(target, appendMode, offset)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	s.emitStorOpen(virtual)
	if _, err := f.Write(buf); err != nil {
		return 0, &transferError{553, "Could not write file.", err}
	}
	if err := f.Close(); err != nil {
		return 0, &transferError{553, "Could not write file.", err}
	}

	ev := s.event(EventStorContents)
	ev.Path = virtual
	ev.Contents = buf
	ev.Bytes = int64(len(buf))
	s.server.emit(ev)

	return int64(len(buf)), nil
}

func (s *session) emitStorOpen(virtual string) {
	ev := s.event(EventStor)
	ev.Path = virtual
	ev.Phase = PhaseOpen
	s.server.emit(ev)
}

var errSlurpLimit = errors.New("upload exceeds in-memory limit")

// slurp reads r to EOF into a buffer that doubles as it fills. With a
// positive limit, reading stops with errSlurpLimit as soon as more than
// limit bytes have arrived; the bytes read so far are returned.
func slurp(r io.Reader, limit int64) ([]byte, error) {
	buf := make([]byte, 0, slurpInitialSize)
	for {
		if len(buf) == cap(buf) {
			grown := make([]byte, len(buf), 2*cap(buf))
			copy(grown, buf)
			buf = grown
		}
		n, err := r.Read(buf[len(buf):cap(buf)])
		buf = buf[:len(buf)+n]
		if limit > 0 && int64(len(buf)) > limit {
			return buf, errSlurpLimit
		}
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return buf, err
		}
	}
}

// limiter returns a fresh per-transfer limiter, or nil when unlimited.
func (s *session) limiter() *ratelimit.Limiter {
	return ratelimit.New(s.server.bandwidthLimit)
}

// downloadWriter is where file and listing data going to the client is
// written: conn, throttled by lim, with line endings converted in ASCII
// mode.
func downloadWriter(ctx context.Context, conn net.Conn, lim *ratelimit.Limiter, ascii bool) io.Writer {
	w := ratelimit.NewWriter(ctx, conn, lim)
	if ascii {
		return newASCIIWriter(w)
	}
	return w
}

// uploadReader is the counterpart of downloadWriter for STOR and APPE.
func uploadReader(ctx context.Context, conn net.Conn, lim *ratelimit.Limiter, ascii bool) io.Reader {
	r := ratelimit.NewReader(ctx, conn, lim)
	if ascii {
		return newASCIIReader(r)
	}
	return r
}

// typeName names the transfer type in replies.
func typeName(ascii bool) string {
	if ascii {
		return "ASCII"
	}
	return "BINARY"
}

// openData waits for the data connection. The 150 preliminary reply goes
// out when a new socket connects; a socket already open is reused silently.
func (s *session) openData(ctx context.Context, cmd string, ascii bool) (net.Conn, error) {
	conn, err := s.whenDataReady(ctx, func() {
		s.reply(150, fmt.Sprintf("Opening %s mode data connection for %s.", typeName(ascii), cmd))
	})
	if err != nil {
		s.logger.Warn("data_connection_failed", "cmd", cmd, "error", err)
		return nil, &transferError{425, "Can't open data connection.", err}
	}
	return conn, nil
}

// transferError is a failed transfer and the reply that reports it.
type transferError struct {
	code int
	msg  string
	err  error
}

func (e *transferError) Error() string { return e.err.Error() }
func (e *transferError) Unwrap() error { return e.err }

func openError(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return &transferError{550, "Not Found", err}
	}
	return &transferError{550, "Not Accessible", err}
}

func aborted(err error) error {
	return &transferError{426, "Connection closed; transfer aborted.", err}
}

// logTransfer logs a completed transfer and feeds the metrics collector.
func (s *session) logTransfer(cmd, virtual string, bytes int64, duration time.Duration) {
	// Calculate throughput in MB/s
	throughputMBps := float64(0)
	if duration.Seconds() > 0 {
		throughputMBps = float64(bytes) / duration.Seconds() / 1024 / 1024
	}

	s.logger.Info("transfer_complete",
		"user", s.user,
		"operation", cmd,
		"path", virtual,
		"bytes", bytes,
		"duration_ms", duration.Milliseconds(),
		"throughput_mbps", fmt.Sprintf("%.2f", throughputMBps),
	)

	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordTransfer(cmd, bytes, duration)
	}
}
