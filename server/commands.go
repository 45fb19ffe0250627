package server

import (
	"slices"
	"sort"
)

type commandFunc func(*session, string)

// commandHandlers maps FTP commands to their handler functions.
// All handlers have the signature: func(s *session, arg string)
var commandHandlers = map[string]commandFunc{
	// Access control
	"USER": (*session).handleUSER,
	"PASS": (*session).handlePASS,
	"QUIT": (*session).handleQUIT,
	"NOOP": (*session).handleNOOP,

	// File Management
	"CWD":  (*session).handleCWD,
	"XCWD": (*session).handleCWD,
	"CDUP": (*session).handleCDUP,
	"XCUP": (*session).handleCDUP,
	"PWD":  (*session).handlePWD,
	"XPWD": (*session).handlePWD,
	"LIST": (*session).handleLIST,
	"NLST": (*session).handleNLST,
	"MKD":  (*session).handleMKD,
	"XMKD": (*session).handleMKD,
	"RMD":  (*session).handleRMD,
	"XRMD": (*session).handleRMD,
	"DELE": (*session).handleDELE,
	"RNFR": (*session).handleRNFR,
	"RNTO": (*session).handleRNTO,

	// File Transfer
	"RETR": (*session).handleRETR,
	"STOR": (*session).handleSTOR,
	"APPE": (*session).handleAPPE,

	// Transfer Parameters
	"TYPE": (*session).handleTYPE,
	"PORT": (*session).handlePORT,
	"PASV": (*session).handlePASV,
	"EPSV": (*session).handleEPSV,
	"EPRT": (*session).handleEPRT,
	"REST": (*session).handleREST,
	"ALLO": (*session).handleALLO,

	// Information
	"SIZE": (*session).handleSIZE,
	"MDTM": (*session).handleMDTM,
	"FEAT": (*session).handleFEAT,
	"OPTS": (*session).handleOPTS,

	// Security
	"AUTH": (*session).handleAUTH,
	"PROT": (*session).handlePROT,
	"PBSZ": (*session).handlePBSZ,

	// RFC 1123 Compliance
	"ACCT": (*session).handleACCT,
	"MODE": (*session).handleMODE,
	"STRU": (*session).handleSTRU,
	"SYST": (*session).handleSYST,
	"STAT": (*session).handleSTAT,
	"HELP": (*session).handleHELP,

	// Special
	"ABOR": (*session).handleABOR,
}

// noAuthCommands may be used before login.
var noAuthCommands = map[string]bool{
	"AUTH": true,
	"FEAT": true,
	"NOOP": true,
	"PASS": true,
	"PBSZ": true,
	"PROT": true,
	"QUIT": true,
	"TYPE": true,
	"SYST": true,
	"USER": true,
}

// dataCommands need a prior PASV, EPSV, PORT or EPRT.
var dataCommands = map[string]bool{
	"LIST": true,
	"NLST": true,
	"RETR": true,
	"STOR": true,
	"APPE": true,
}

// busyCommands are accepted while a transfer runs.
var busyCommands = map[string]bool{
	"ABOR": true,
	"STAT": true,
	"NOOP": true,
	"QUIT": true,
}

// Predefined command groups for use with WithAllowedCommands and
// ExceptCommands.
//
// Example usage:
//
//	// Passive mode only
//	srv, _ := server.NewServer(":21",
//	    server.WithRoot("/srv/ftp"),
//	    server.WithAllowedCommands(server.ExceptCommands(server.ActiveModeCommands)...),
//	)
var (
	// LegacyCommands contains deprecated X* command variants from RFC 775.
	LegacyCommands = []string{"XCWD", "XCUP", "XPWD", "XMKD", "XRMD"}

	// ActiveModeCommands contains commands for active mode data connections.
	ActiveModeCommands = []string{"PORT", "EPRT"}

	// WriteCommands contains all commands that modify the filesystem.
	WriteCommands = []string{
		"STOR", "APPE", "DELE", "RMD", "XRMD", "MKD", "XMKD", "RNFR", "RNTO",
	}
)

// Commands returns the names of every supported command, sorted.
func Commands() []string {
	names := make([]string, 0, len(commandHandlers))
	for name := range commandHandlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExceptCommands returns Commands() without the given groups.
func ExceptCommands(groups ...[]string) []string {
	var out []string
	for _, name := range Commands() {
		excluded := false
		for _, g := range groups {
			if slices.Contains(g, name) {
				excluded = true
				break
			}
		}
		if !excluded {
			out = append(out, name)
		}
	}
	return out
}
