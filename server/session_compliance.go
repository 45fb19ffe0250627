package server

import (
	"fmt"
	"runtime"
	"strings"
)

// handleACCT handles the ACCT command.
// RFC 1123 requires this command, but most modern servers don't need it.
func (s *session) handleACCT(_ string) {
	s.reply(202, "Command not implemented, superfluous at this site.")
}

// handleALLO handles the ALLO command. No storage is reserved.
func (s *session) handleALLO(_ string) {
	s.reply(202, "No storage allocation necessary.")
}

// handleTYPE sets the transfer type. In ASCII mode line endings are
// converted on RETR, STOR, APPE and listings.
func (s *session) handleTYPE(arg string) {
	switch strings.ToUpper(strings.Join(strings.Fields(arg), " ")) {
	case "I", "L 8":
		s.transferType = typeBinary
		s.reply(200, "Switching to Binary mode.")
	case "A", "A N":
		s.transferType = typeASCII
		s.reply(200, "Switching to ASCII mode.")
	default:
		s.reply(504, "Command not implemented for that parameter.")
	}
}

// handleMODE handles the MODE command.
// RFC 1123 requires Stream mode support.
func (s *session) handleMODE(arg string) {
	switch strings.ToUpper(arg) {
	case "S":
		s.reply(200, "Mode set to Stream.")
	case "B", "C":
		s.reply(504, "Only Stream mode is supported.")
	default:
		s.reply(501, "Syntax error in parameters or arguments.")
	}
}

// handleSTRU handles the STRU command.
// RFC 1123 requires File structure support.
func (s *session) handleSTRU(arg string) {
	switch strings.ToUpper(arg) {
	case "F":
		s.reply(200, "Structure set to File.")
	case "R", "P":
		s.reply(504, "Only File structure is supported.")
	default:
		s.reply(501, "Syntax error in parameters or arguments.")
	}
}

// handleSYST handles the SYST command.
// Returns the system type, dynamically detected based on runtime.GOOS.
func (s *session) handleSYST(_ string) {
	var systType string
	switch runtime.GOOS {
	case "windows":
		systType = "Windows_NT"
	case "plan9":
		systType = "Plan9"
	default:
		systType = "UNIX Type: L8"
	}
	s.reply(215, systType)
}

// statSession answers STAT without argument.
func (s *session) statSession() {
	s.mu.Lock()
	busy := s.busy
	configured := s.dataConfigured
	passive := s.pasvClaim != nil
	host, port := s.dataHost, s.dataPort
	s.mu.Unlock()

	lines := []string{" Connected from " + hostOf(s.conn.RemoteAddr())}
	if s.user != "" {
		lines = append(lines, " Logged in as "+s.user)
	} else {
		lines = append(lines, " Not logged in")
	}

	mode := typeName(s.transferType == typeASCII)
	lines = append(lines, fmt.Sprintf(" TYPE: %s; STRUcture: File; transfer MODE: Stream", mode))

	if s.secure {
		prot := "Clear"
		if s.protPrivate {
			prot = "Private"
		}
		lines = append(lines, " Control connection is TLS; data protection "+prot)
	}

	switch {
	case !configured:
		lines = append(lines, " No data connection")
	case passive:
		lines = append(lines, " Passive mode")
	default:
		lines = append(lines, fmt.Sprintf(" Active mode to %s:%d", host, port))
	}
	if busy {
		lines = append(lines, " Transfer in progress")
	}

	s.replyLines(211, "FTP server status:", lines, "End of status")
}

// handleHELP handles the HELP command.
func (s *session) handleHELP(arg string) {
	if arg != "" {
		s.reply(214, fmt.Sprintf("No help available for %s.", strings.ToUpper(arg)))
		return
	}

	s.replyLines(214, "The following commands are recognized:", []string{
		" USER PASS QUIT ACCT NOOP",
		" CWD XCWD CDUP XCUP PWD XPWD MKD XMKD RMD XRMD",
		" LIST NLST RETR STOR APPE DELE RNFR RNTO REST ALLO",
		" TYPE MODE STRU PORT PASV EPSV EPRT ABOR",
		" SIZE MDTM FEAT OPTS AUTH PBSZ PROT",
		" SYST STAT HELP",
	}, "Help OK.")
}
