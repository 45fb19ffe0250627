package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/gonzalop/ftpd/internal/glob"
)

// listEntry is one line of a listing with owner names resolved.
type listEntry struct {
	glob.FileInfo
	owner string
	group string
}

func (s *session) handleLIST(arg string) { s.list(arg, true) }
func (s *session) handleNLST(arg string) { s.list(arg, false) }

// list runs LIST (detailed) or NLST (names only) over the data connection.
func (s *session) list(arg string, detailed bool) {
	cmd := "NLST"
	if detailed {
		cmd = "LIST"
	}
	target := listTarget(arg)
	ascii := s.transferType == typeASCII
	s.runTransfer(cmd, func(ctx context.Context) (int, string) {
		entries, err := s.listing(ctx, target, detailed)
		if err != nil {
			s.logger.Debug("list_failed", "path", target, "error", err)
			return 550, "Could not list directory."
		}

		conn, err := s.whenDataReady(ctx, func() {
			s.reply(150, "Here comes the directory listing.")
		})
		if err != nil {
			s.logger.Warn("data_connection_failed", "error", err)
			return 425, "Can't open data connection."
		}

		w := bufio.NewWriter(downloadWriter(ctx, conn, nil, ascii))
		for _, e := range entries {
			if detailed {
				_, err = io.WriteString(w, formatListLine(e))
			} else {
				_, err = io.WriteString(w, e.Name+"\r\n")
			}
			if err != nil {
				break
			}
		}
		if err == nil {
			err = w.Flush()
		}
		if err != nil {
			return 426, "Connection closed; transfer aborted."
		}

		s.closeDataConn()
		return 226, "Transfer complete."
	})
}

// handleSTAT reports session status, or lists a path over the control
// connection when given an argument.
func (s *session) handleSTAT(arg string) {
	if arg == "" {
		s.statSession()
		return
	}

	entries, err := s.listing(s.ctx, listTarget(arg), true)
	if err != nil {
		s.reply(550, "Could not list directory.")
		return
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = formatListLine(e)
	}
	s.replyLines(213, "Status follows", lines, "End of status")
}

// listTarget drops the ls-style "-flag" tokens many clients send.
func listTarget(arg string) string {
	fields := strings.Fields(arg)
	i := 0
	for i < len(fields) && strings.HasPrefix(fields[i], "-") {
		i++
	}
	return strings.Join(fields[i:], " ")
}

// listing globs target relative to the working directory and returns the
// filtered, resolved and sorted entries.
func (s *session) listing(ctx context.Context, target string, detailed bool) ([]listEntry, error) {
	infos, err := s.glob.Glob(ctx, fsPath(s.root, withCwd(s.cwd, target)))
	if err != nil {
		return nil, err
	}

	if s.server.hideDotFiles {
		infos = slices.DeleteFunc(infos, func(fi glob.FileInfo) bool {
			return strings.HasPrefix(fi.Name, ".")
		})
	}

	entries := make([]listEntry, len(infos))
	for i, fi := range infos {
		entries[i].FileInfo = fi
	}

	if detailed {
		if err := s.resolveOwners(ctx, entries); err != nil {
			return nil, err
		}
	}

	if !s.server.dontSortFilenames {
		s.sortEntries(entries)
	}
	return entries, nil
}

// resolveOwners names the owner and group of each entry, with at most
// maxStatsAtOnce lookups running. A failed lookup falls back to the number.
func (s *session) resolveOwners(ctx context.Context, entries []listEntry) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.server.maxStatsAtOnce)

	for i := range entries {
		e := &entries[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			owner, err := s.server.identity.UserName(gctx, e.UID)
			if err != nil || owner == "" {
				owner = strconv.Itoa(e.UID)
			}
			group, err := s.server.identity.GroupName(gctx, e.GID)
			if err != nil || group == "" {
				group = strconv.Itoa(e.GID)
			}
			e.owner, e.group = owner, group
			return nil
		})
	}
	return g.Wait()
}

func (s *session) sortEntries(entries []listEntry) {
	if cmp := s.server.filenameSortFunc; cmp != nil {
		slices.SortStableFunc(entries, func(a, b listEntry) int {
			return cmp(a.Name, b.Name)
		})
		return
	}

	key := s.server.filenameSortKey
	if key == nil {
		key = strings.ToUpper
	}
	slices.SortStableFunc(entries, func(a, b listEntry) int {
		return strings.Compare(key(a.Name), key(b.Name))
	})
}

// formatListLine renders an entry the way "ls -l" does.
func formatListLine(e listEntry) string {
	return fmt.Sprintf("%s 1 %s %s %12d %12s %s\r\n",
		permString(e.Mode, e.IsDir),
		e.owner,
		e.group,
		e.Size,
		e.ModTime.Format("Jan 02 15:04"),
		e.Name,
	)
}

// permString returns the ten-character ls mode string.
func permString(mode fs.FileMode, isDir bool) string {
	b := []byte("----------")
	switch {
	case isDir:
		b[0] = 'd'
	case mode&fs.ModeSymlink != 0:
		b[0] = 'l'
	}
	const rwx = "rwxrwxrwx"
	perm := mode.Perm()
	for i := 0; i < 9; i++ {
		if perm&(1<<uint(8-i)) != 0 {
			b[i+1] = rwx[i]
		}
	}
	return string(b)
}
