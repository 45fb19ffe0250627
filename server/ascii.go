package server

import (
	"bufio"
	"io"
)

// asciiWriter converts bare LF to CRLF on the way to the client (RETR,
// LIST, NLST in TYPE A). Existing CRLF pairs pass through unchanged.
type asciiWriter struct {
	w      io.Writer
	prevCR bool
	buf    []byte
}

func newASCIIWriter(w io.Writer) *asciiWriter {
	return &asciiWriter{w: w}
}

func (a *asciiWriter) Write(p []byte) (int, error) {
	a.buf = a.buf[:0]
	for _, b := range p {
		if b == '\n' && !a.prevCR {
			a.buf = append(a.buf, '\r')
		}
		a.buf = append(a.buf, b)
		a.prevCR = b == '\r'
	}
	if _, err := a.w.Write(a.buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

// asciiReader converts CRLF from the client to LF (STOR, APPE in TYPE A).
// A CR not followed by LF is kept.
type asciiReader struct {
	r *bufio.Reader
}

func newASCIIReader(r io.Reader) *asciiReader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &asciiReader{r: br}
}

func (a *asciiReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		// Only block for the first byte of a call.
		if n > 0 && a.r.Buffered() == 0 {
			break
		}
		b, err := a.r.ReadByte()
		if err != nil {
			if n > 0 {
				break
			}
			return 0, err
		}
		if b == '\r' {
			if next, err := a.r.Peek(1); err == nil && next[0] == '\n' {
				continue
			}
		}
		p[n] = b
		n++
	}
	return n, nil
}
