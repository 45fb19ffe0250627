package server

import (
	"path"
	"strings"
)

// withCwd resolves p against the virtual working directory cwd. The result
// is always clean, absolute and begins with exactly one slash, so it can
// never climb above the virtual root.
func withCwd(cwd, p string) string {
	if p == "" {
		p = "."
	}
	if !strings.HasPrefix(p, "/") {
		p = cwd + "/" + p
	}
	return path.Clean("/" + p)
}

// fsPath maps a virtual path to a path on the session filesystem.
func fsPath(root, virtual string) string {
	return path.Join(root, path.Clean("/"+virtual))
}

// quotePath encodes a path for a 257 reply (RFC 959 appendix II).
func quotePath(p string) string {
	return `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
}
