// Package pathguard maps caller-supplied relative paths onto a fixed root
// directory and refuses anything that would escape it.
package pathguard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/g960059/tmuxgate/internal/model"
)

const maxNameBytes = 255

// Resolved is a path that passed containment checks against a Guard's root.
// It can only be produced by Resolve and must be re-checked with Verify right
// before each filesystem access.
type Resolved struct {
	rel  string
	root string
	dir  bool
}

// RelPath is the normalized slash-separated path relative to the root. The
// root itself is ".".
func (r Resolved) RelPath() string { return r.rel }

// IsRoot reports whether r names the root directory.
func (r Resolved) IsRoot() bool { return r.rel == "." }

func (r Resolved) IsZero() bool { return r.root == "" }

type Guard struct {
	root string
	log  zerolog.Logger
}

// New canonicalizes root. The directory must exist.
func New(root string, log zerolog.Logger) (*Guard, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("canonicalize root: %w", err)
	}
	info, err := os.Stat(real)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root is not a directory")
	}
	return &Guard{root: real, log: log}, nil
}

func (g *Guard) Root() string { return g.root }

// Resolve checks a file path. The root itself is rejected.
func (g *Guard) Resolve(userPath string) (Resolved, error) {
	return g.resolve(userPath, false)
}

// ResolveDir checks a directory path; an empty path or "." names the root.
func (g *Guard) ResolveDir(userPath string) (Resolved, error) {
	return g.resolve(userPath, true)
}

// Resolve is a one-shot helper for callers without a long-lived Guard.
func Resolve(root, userPath string) (Resolved, error) {
	g, err := New(root, zerolog.Nop())
	if err != nil {
		return Resolved{}, model.NewError(model.KindIOFailure, "", err)
	}
	return g.Resolve(userPath)
}

func (g *Guard) resolve(userPath string, dir bool) (Resolved, error) {
	rel, err := normalize(userPath)
	if err != nil {
		return Resolved{}, err
	}
	if rel == "." && !dir {
		return Resolved{}, rejected(model.ReasonMalformed)
	}
	r := Resolved{rel: rel, root: g.root, dir: dir}
	if _, err := g.Verify(r); err != nil {
		return Resolved{}, err
	}
	return r, nil
}

// Verify re-runs containment for r and returns the absolute, symlink-resolved
// path to operate on. Nothing is cached between calls.
func (g *Guard) Verify(r Resolved) (string, error) {
	if r.root == "" || r.root != g.root {
		return "", rejected(model.ReasonMalformed)
	}
	joined := filepath.Join(g.root, filepath.FromSlash(r.rel))
	if !g.contains(joined, r.dir) {
		return "", rejected(model.ReasonOutsideRoot)
	}
	canonical, err := canonicalize(joined)
	switch {
	case errors.Is(err, errDanglingLink):
		// The link target is unknown until it exists, so even a link that
		// names a path under the root is refused.
		return "", rejected(model.ReasonOutsideRoot)
	case err != nil:
		g.log.Warn().Err(err).Str("confidence", "low").Msg("containment check fell back to lexical form")
		canonical = joined
	}
	if !g.contains(canonical, r.dir) {
		return "", rejected(model.ReasonOutsideRoot)
	}
	return canonical, nil
}

func (g *Guard) contains(p string, allowRoot bool) bool {
	if p == g.root {
		return allowRoot
	}
	return strings.HasPrefix(p, g.root+string(filepath.Separator))
}

func normalize(userPath string) (string, error) {
	for _, r := range userPath {
		if r == 0 || unicode.IsControl(r) {
			return "", rejected(model.ReasonMalformed)
		}
	}
	if strings.ContainsRune(userPath, '\\') {
		return "", rejected(model.ReasonMalformed)
	}
	trimmed := strings.TrimSpace(userPath)
	if trimmed == "" {
		return ".", nil
	}
	if strings.HasPrefix(trimmed, "/") {
		return "", rejected(model.ReasonOutsideRoot)
	}
	clean := path.Clean(trimmed)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", rejected(model.ReasonOutsideRoot)
	}
	return clean, nil
}

var errDanglingLink = errors.New("dangling symlink")

// canonicalize resolves symlinks in p. Missing trailing components are
// re-appended to the nearest existing ancestor.
func canonicalize(p string) (string, error) {
	var rest []string
	cur := p
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(rest) - 1; i >= 0; i-- {
				real = filepath.Join(real, rest[i])
			}
			return real, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		if info, lerr := os.Lstat(cur); lerr == nil && info.Mode()&fs.ModeSymlink != 0 {
			return "", errDanglingLink
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		rest = append(rest, filepath.Base(cur))
		cur = parent
	}
}

// SanitizeFilename validates a single leaf name such as an upload's filename.
func SanitizeFilename(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "", name == ".", name == "..":
		return "", rejected(model.ReasonMalformed)
	case len(name) > maxNameBytes:
		return "", rejected(model.ReasonMalformed)
	case strings.ContainsAny(name, `/\`):
		return "", rejected(model.ReasonMalformed)
	}
	for _, r := range name {
		if r == 0 || unicode.IsControl(r) {
			return "", rejected(model.ReasonMalformed)
		}
	}
	return name, nil
}

func rejected(reason string) error {
	return model.NewError(model.KindRejectedPath, reason, nil)
}
