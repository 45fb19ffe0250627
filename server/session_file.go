package server

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strconv"
)

// resolve maps a command argument to its virtual and filesystem paths.
func (s *session) resolve(arg string) (virtual, target string) {
	virtual = withCwd(s.cwd, arg)
	return virtual, fsPath(s.root, virtual)
}

func (s *session) handleCWD(arg string) {
	s.changeDir(withCwd(s.cwd, arg))
}

func (s *session) handleCDUP(_ string) {
	s.changeDir(path.Dir(s.cwd))
}

func (s *session) changeDir(virtual string) {
	info, err := s.fs.Stat(fsPath(s.root, virtual))
	if err != nil {
		s.reply(550, "Directory not found.")
		return
	}
	if !info.IsDir() {
		s.reply(550, "Not a directory")
		return
	}
	s.cwd = virtual
	s.reply(250, fmt.Sprintf("CWD successful. %s is current directory", quotePath(virtual)))
}

func (s *session) handlePWD(arg string) {
	if arg != "" {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}
	s.reply(257, quotePath(s.cwd)+" is current directory")
}

func (s *session) handleMKD(arg string) {
	if arg == "" {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}
	virtual, target := s.resolve(arg)
	if err := s.fs.Mkdir(target, 0o755); err != nil {
		s.logger.Debug("mkdir_failed", "path", virtual, "error", err)
		s.replyError(err)
		return
	}
	s.reply(257, quotePath(virtual)+" directory created")
}

func (s *session) handleRMD(arg string) {
	if arg == "" {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}
	virtual, target := s.resolve(arg)
	info, err := s.fs.Stat(target)
	if err == nil && !info.IsDir() {
		s.reply(550, "Not a directory")
		return
	}
	if err == nil {
		err = s.fs.Remove(target)
	}
	if err != nil {
		s.logger.Debug("rmdir_failed", "path", virtual, "error", err)
		s.replyError(err)
		return
	}
	s.reply(250, "Directory removed.")
}

func (s *session) handleDELE(arg string) {
	if arg == "" {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}
	virtual, target := s.resolve(arg)
	info, err := s.fs.Stat(target)
	if err == nil && info.IsDir() {
		s.reply(550, "Is a directory")
		return
	}
	if err == nil {
		err = s.fs.Remove(target)
	}
	if err != nil {
		s.logger.Debug("delete_failed", "path", virtual, "error", err)
		s.replyError(err)
		return
	}
	s.reply(250, "File deleted.")
}

func (s *session) handleRNFR(arg string) {
	if arg == "" {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}
	virtual, target := s.resolve(arg)
	if _, err := s.fs.Stat(target); err != nil {
		s.replyError(err)
		return
	}
	s.renameFrom = virtual
	s.reply(350, "Ready for RNTO.")
}

func (s *session) handleRNTO(arg string) {
	from := s.renameFrom
	s.renameFrom = ""
	if s.previousCommand != "RNFR" || from == "" {
		s.reply(503, "Bad sequence of commands; send RNFR first.")
		return
	}
	if arg == "" {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}

	to, target := s.resolve(arg)
	if err := s.fs.Rename(fsPath(s.root, from), target); err != nil {
		s.logger.Debug("rename_failed", "from", from, "to", to, "error", err)
		if errors.Is(err, fs.ErrNotExist) {
			s.reply(550, "Rename failed: source file not found")
			return
		}
		s.replyError(err)
		return
	}

	s.logger.Info("file_renamed", "user", s.user, "from", from, "to", to)
	s.reply(250, "Rename successful.")
}

func (s *session) handleSIZE(arg string) {
	_, target := s.resolve(arg)
	info, err := s.fs.Stat(target)
	if err != nil || info.IsDir() {
		s.reply(450, "Could not get file size.")
		return
	}
	s.reply(213, strconv.FormatInt(info.Size(), 10))
}

func (s *session) handleMDTM(arg string) {
	_, target := s.resolve(arg)
	info, err := s.fs.Stat(target)
	if err != nil {
		s.reply(550, "Could not get file modification time.")
		return
	}

	// YYYYMMDDHHMMSS format
	// RFC 3659 Section 2.3: "Time values are always represented in UTC"
	s.reply(213, info.ModTime().UTC().Format("20060102150405"))
}
