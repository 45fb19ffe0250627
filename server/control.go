package server

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// MaxCommandLength is the maximum length of a command line.
const MaxCommandLength = 4096

// Telnet bytes that may appear on the control channel (RFC 854).
const (
	telnetIAC  = 0xFF
	telnetWILL = 0xFB
	telnetWONT = 0xFC
	telnetDO   = 0xFD
	telnetDONT = 0xFE
)

var errLineTooLong = errors.New("command too long")

// controlReader reads command lines from the control connection, dropping
// Telnet negotiation sequences and keeping escaped 0xFF bytes.
type controlReader struct {
	r *bufio.Reader
}

func newControlReader(r io.Reader) *controlReader {
	return &controlReader{r: bufio.NewReader(r)}
}

// ReadLine returns the next line without its CRLF terminator.
// Lines longer than MaxCommandLength yield errLineTooLong.
func (c *controlReader) ReadLine() (string, error) {
	var line []byte
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return string(line), err
		}

		if b == telnetIAC {
			next, err := c.r.ReadByte()
			if err != nil {
				return string(line), err
			}
			switch next {
			case telnetIAC:
				// Escaped 0xFF, keep it
			case telnetWILL, telnetWONT, telnetDO, telnetDONT:
				if _, err := c.r.ReadByte(); err != nil {
					return string(line), err
				}
				continue
			default:
				continue
			}
		}

		if b == '\n' {
			return strings.TrimSuffix(string(line), "\r"), nil
		}
		if len(line) >= MaxCommandLength {
			return "", errLineTooLong
		}
		line = append(line, b)
	}
}

// parseCommand splits a line into an upper-cased command and its trimmed
// argument.
func parseCommand(line string) (cmd, arg string) {
	line = strings.TrimLeft(line, " ")
	cmd, arg, _ = strings.Cut(line, " ")
	return strings.ToUpper(cmd), strings.TrimSpace(arg)
}
