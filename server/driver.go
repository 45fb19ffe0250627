package server

import (
	"context"
	"errors"
	"net"

	"github.com/spf13/afero"
)

// SessionInfo is the read-only view of a session handed to collaborators.
type SessionInfo struct {
	// ID uniquely identifies the control connection.
	ID string

	// User is the name given to USER, or the resolved login name once
	// authentication has succeeded.
	User string

	// RemoteAddr is the client's control-connection address.
	RemoteAddr net.Addr

	// Secure reports whether the control connection uses TLS.
	Secure bool
}

// Login is the outcome of a successful password check.
type Login struct {
	// Username is the name the session runs as. If empty, the name given
	// to USER is used.
	Username string

	// FS overrides the server filesystem for this session. Nil keeps the
	// filesystem configured with WithFilesystem.
	FS afero.Fs
}

// Authenticator verifies user names and passwords.
//
// Implementations should:
//   - Return an error from CheckUser to reject a name outright (530)
//   - Return an error from Authenticate for bad credentials (530)
//   - Return quickly; the control connection waits for the answer
//
// Example:
//
//	type staticAuth map[string]string
//
//	func (a staticAuth) CheckUser(_ context.Context, _ server.SessionInfo, user string) error {
//	    if _, ok := a[user]; !ok {
//	        return os.ErrPermission
//	    }
//	    return nil
//	}
//
//	func (a staticAuth) Authenticate(_ context.Context, _ server.SessionInfo, user, pass string) (*server.Login, error) {
//	    if a[user] != pass {
//	        return nil, os.ErrPermission
//	    }
//	    return &server.Login{Username: user}, nil
//	}
type Authenticator interface {
	// CheckUser is consulted for USER.
	CheckUser(ctx context.Context, info SessionInfo, user string) error

	// Authenticate is consulted for PASS.
	Authenticate(ctx context.Context, info SessionInfo, user, pass string) (*Login, error)
}

// AuthFuncs adapts two functions to Authenticator. A nil User accepts every
// name; a nil Pass rejects every password.
type AuthFuncs struct {
	User func(ctx context.Context, info SessionInfo, user string) error
	Pass func(ctx context.Context, info SessionInfo, user, pass string) (*Login, error)
}

// CheckUser implements Authenticator.
func (a AuthFuncs) CheckUser(ctx context.Context, info SessionInfo, user string) error {
	if a.User == nil {
		return nil
	}
	return a.User(ctx, info, user)
}

// Authenticate implements Authenticator.
func (a AuthFuncs) Authenticate(ctx context.Context, info SessionInfo, user, pass string) (*Login, error) {
	if a.Pass == nil {
		return nil, errLoginRejected
	}
	return a.Pass(ctx, info, user, pass)
}

var errLoginRejected = errors.New("login rejected")

// anonymousAuth is used when no Authenticator is configured: only "ftp" and
// "anonymous" may log in, and they get a read-only view of the filesystem.
type anonymousAuth struct {
	fs afero.Fs
}

func (a anonymousAuth) CheckUser(_ context.Context, _ SessionInfo, user string) error {
	if user != "ftp" && user != "anonymous" {
		return errors.New("only anonymous login allowed")
	}
	return nil
}

func (a anonymousAuth) Authenticate(_ context.Context, _ SessionInfo, user, _ string) (*Login, error) {
	if user != "ftp" && user != "anonymous" {
		return nil, errors.New("only anonymous login allowed")
	}
	return &Login{Username: user, FS: afero.NewReadOnlyFs(a.fs)}, nil
}

// PathProvider yields a path for a freshly authenticated session. It is used
// both for the sandbox root and for the initial working directory.
type PathProvider interface {
	Path(ctx context.Context, info SessionInfo) (string, error)
}

// StaticPath is a PathProvider returning the same path for every session.
type StaticPath string

// Path implements PathProvider.
func (p StaticPath) Path(context.Context, SessionInfo) (string, error) {
	return string(p), nil
}

// PathFunc is a PathProvider computed per session, e.g. a home directory
// looked up in a user database.
type PathFunc func(ctx context.Context, info SessionInfo) (string, error)

// Path implements PathProvider.
func (f PathFunc) Path(ctx context.Context, info SessionInfo) (string, error) {
	return f(ctx, info)
}

// IdentityResolver turns numeric owners into names for detailed listings.
type IdentityResolver interface {
	UserName(ctx context.Context, uid int) (string, error)
	GroupName(ctx context.Context, gid int) (string, error)
}

// staticIdentity reports the same owner and group for every file.
type staticIdentity string

func (s staticIdentity) UserName(context.Context, int) (string, error)  { return string(s), nil }
func (s staticIdentity) GroupName(context.Context, int) (string, error) { return string(s), nil }
