package server

import (
	"fmt"
	"strings"
)

func (s *session) handleFEAT(_ string) {
	features := []string{
		"SIZE",
		"MDTM",
		"PASV",
		"EPSV",
		"EPRT",
		"REST STREAM",
	}

	if s.server.tlsConfig != nil {
		features = append(features, "AUTH TLS", "PBSZ", "PROT")
	}

	lines := make([]string, len(features))
	for i, f := range features {
		lines[i] = " " + f
	}
	s.replyLines(211, "Features:", lines, "End")
}

// handleOPTS answers OPTS. No feature in FEAT takes options, so every
// request is refused; UTF8 is not advertised and names pass through as
// raw bytes.
func (s *session) handleOPTS(arg string) {
	s.reply(501, fmt.Sprintf("Option not supported: %s.", strings.ToUpper(strings.Join(strings.Fields(arg), " "))))
}
