package server

import "github.com/gonzalop/ftpd/internal/glob"

// handleUSER handles the USER command.
func (s *session) handleUSER(user string) {
	if s.server.tlsOnly && !s.secure {
		s.reply(530, "TLS required before login.")
		return
	}
	if s.user != "" {
		s.reply(503, "Already logged in.")
		return
	}

	s.pendingUser = user
	ev := s.event(EventUser)
	ev.User = user

	if err := s.server.auth.CheckUser(s.ctx, s.info(), user); err != nil {
		s.pendingUser = ""
		ev.Err = err
		s.server.emit(ev)
		s.logger.Warn("user_rejected", "user", user, "error", err)
		s.reply(530, "Not logged in.")
		return
	}
	s.server.emit(ev)
	s.reply(331, "User name okay, need password.")
}

// handlePASS handles the PASS command.
func (s *session) handlePASS(pass string) {
	if s.server.tlsOnly && !s.secure {
		s.reply(530, "TLS required before login.")
		return
	}
	if s.previousCommand != "USER" || s.pendingUser == "" {
		s.reply(503, "Login with USER first.")
		return
	}

	user := s.pendingUser
	ev := s.event(EventPass)
	ev.User = user

	login, err := s.server.auth.Authenticate(s.ctx, s.info(), user, pass)
	if err == nil && login == nil {
		err = errLoginRejected
	}
	if err != nil {
		s.pendingUser = ""
		ev.Err = err
		s.server.emit(ev)
		// Security audit: failed authentication
		s.logger.Warn("authentication_failed", "user", user, "error", err)
		if s.server.metricsCollector != nil {
			s.server.metricsCollector.RecordAuthentication(false, user)
		}
		s.reply(530, "Not logged in.")
		return
	}

	if login.Username != "" {
		user = login.Username
	}
	fsys := login.FS
	if fsys == nil {
		fsys = s.server.fs
	}

	info := s.info()
	info.User = user
	root, err := s.server.root.Path(s.ctx, info)
	if err == nil {
		var cwd string
		cwd, err = s.server.initialCwd.Path(s.ctx, info)
		s.cwd = withCwd("/", cwd)
	}
	if err != nil {
		ev.Err = err
		s.server.emit(ev)
		s.logger.Error("session_setup_failed", "user", user, "error", err)
		s.fail("Unable to set up session.")
		return
	}

	s.user = user
	s.pendingUser = ""
	s.root = root
	s.fs = fsys
	s.glob = glob.New(fsys, glob.Options{
		MaxStatsAtOnce: s.server.maxStatsAtOnce,
		NoWildcards:    s.server.noWildcards,
	})

	ev.User = user
	s.server.emit(ev)
	s.logger.Info("authentication_success", "user", user)
	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordAuthentication(true, user)
	}
	s.reply(230, "User logged in, proceed.")
}

// handleQUIT ends the session, or schedules the end after a running transfer.
func (s *session) handleQUIT(_ string) {
	s.reply(221, "Service closing control connection.")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		s.hasQuit = true
		return
	}
	s.closing = true
}

func (s *session) handleNOOP(_ string) {
	s.reply(200, "OK.")
}
