package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/gonzalop/ftpd/server"
)

var errBadCredentials = errors.New("invalid user name or password")

// userTable maps user names to bcrypt password hashes.
type userTable map[string][]byte

// parseUsers reads "name:hash" entries as given on the command line.
func parseUsers(entries []string) (userTable, error) {
	users := make(userTable, len(entries))
	for _, e := range entries {
		name, hash, ok := strings.Cut(e, ":")
		if !ok || name == "" || hash == "" {
			return nil, fmt.Errorf("invalid user entry %q, want name:bcrypt-hash", e)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("user %s: %w", name, err)
		}
		if _, dup := users[name]; dup {
			return nil, fmt.Errorf("user %s listed twice", name)
		}
		users[name] = []byte(hash)
	}
	return users, nil
}

// authenticator checks passwords against the table. Unknown users are only
// rejected at PASS so USER does not reveal which names exist.
func (u userTable) authenticator() server.Authenticator {
	return server.AuthFuncs{
		Pass: func(_ context.Context, _ server.SessionInfo, user, pass string) (*server.Login, error) {
			hash, ok := u[user]
			if !ok {
				return nil, errBadCredentials
			}
			if err := bcrypt.CompareHashAndPassword(hash, []byte(pass)); err != nil {
				return nil, errBadCredentials
			}
			return &server.Login{Username: user}, nil
		},
	}
}
