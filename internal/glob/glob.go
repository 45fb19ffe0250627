// Package glob resolves FTP directory-listing arguments against an
// afero filesystem.
//
// A listing argument is either a plain path (a directory, whose contents are
// listed, or a single file) or a path whose final segment contains the
// wildcards '*' and '?'. Stat calls are fanned out with a fixed upper bound
// on the number of calls in flight, so very large directories do not open
// an unbounded number of concurrent filesystem operations.
package glob

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxStatsAtOnce is the stat concurrency used when Options leaves it unset.
const DefaultMaxStatsAtOnce = 5

// ErrWildcardInDirectory is returned when a wildcard appears before the
// final path segment, e.g. "/a*/b".
var ErrWildcardInDirectory = errors.New("glob: wildcards are only allowed in the last path segment")

// FileInfo is a single listing result.
type FileInfo struct {
	Name    string
	Mode    fs.FileMode
	Size    int64
	ModTime time.Time
	UID     int
	GID     int
	IsDir   bool
}

// Options configures an Engine.
type Options struct {
	// MaxStatsAtOnce caps the number of concurrent Stat calls.
	// Zero or negative means DefaultMaxStatsAtOnce.
	MaxStatsAtOnce int

	// NoWildcards disables pattern handling; '*' and '?' are then treated
	// as ordinary characters.
	NoWildcards bool
}

// Engine runs listings against one filesystem.
type Engine struct {
	fs   afero.Fs
	opts Options
}

// New returns an Engine reading from fsys.
func New(fsys afero.Fs, opts Options) *Engine {
	if opts.MaxStatsAtOnce <= 0 {
		opts.MaxStatsAtOnce = DefaultMaxStatsAtOnce
	}
	return &Engine{fs: fsys, opts: opts}
}

// Glob returns the entries matching p.
//
// A missing path yields an empty result and no error; callers decide how to
// report an empty listing. When a wildcard pattern matches exactly one
// directory, the contents of that directory are returned instead of the
// directory entry itself.
func (e *Engine) Glob(ctx context.Context, p string) ([]FileInfo, error) {
	idx := -1
	if !e.opts.NoWildcards {
		idx = wildcardIndex(p)
	}
	if idx < 0 {
		return e.list(ctx, p)
	}

	if strings.Contains(p[idx:], "/") {
		return nil, ErrWildcardInDirectory
	}

	base, pattern := ".", p
	if slash := strings.LastIndex(p[:idx], "/"); slash >= 0 {
		base, pattern = p[:slash], p[slash+1:]
		if base == "" {
			base = "/"
		}
	}

	names, err := e.readDirNames(base)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []FileInfo{}, nil
		}
		return nil, err
	}

	var matched []string
	for _, name := range names {
		if MatchPattern(pattern, name) {
			matched = append(matched, name)
		}
	}

	infos, err := e.StatList(ctx, base, matched)
	if err != nil {
		return nil, err
	}
	if len(infos) == 1 && infos[0].IsDir {
		return e.list(ctx, path.Join(base, infos[0].Name))
	}
	return infos, nil
}

// list returns the contents of dir, or a single entry if dir is a file.
func (e *Engine) list(ctx context.Context, dir string) ([]FileInfo, error) {
	info, err := e.fs.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []FileInfo{}, nil
		}
		return nil, err
	}
	if !info.IsDir() {
		return []FileInfo{fromOS(path.Base(dir), info)}, nil
	}

	names, err := e.readDirNames(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []FileInfo{}, nil
		}
		return nil, err
	}
	return e.StatList(ctx, dir, names)
}

func (e *Engine) readDirNames(dir string) ([]string, error) {
	f, err := e.fs.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdirnames(-1)
}

// StatList stats every name inside dir.
//
// At most MaxStatsAtOnce calls run at the same time; each finished call
// immediately makes room for the next queued name. The first error cancels
// the remaining work and is returned without partial results. The result
// order follows names, not completion order.
func (e *Engine) StatList(ctx context.Context, dir string, names []string) ([]FileInfo, error) {
	results := make([]FileInfo, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.MaxStatsAtOnce)

	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			info, err := e.fs.Stat(path.Join(dir, name))
			if err != nil {
				return err
			}
			results[i] = fromOS(name, info)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func fromOS(name string, info os.FileInfo) FileInfo {
	uid, gid := ownerOf(info)
	return FileInfo{
		Name:    name,
		Mode:    info.Mode(),
		Size:    info.Size(),
		ModTime: info.ModTime(),
		UID:     uid,
		GID:     gid,
		IsDir:   info.IsDir(),
	}
}
