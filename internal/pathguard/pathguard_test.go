package pathguard

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/tmuxgate/internal/model"
)

func newGuard(t *testing.T) (*Guard, string) {
	t.Helper()
	root := t.TempDir()
	g, err := New(root, zerolog.Nop())
	require.NoError(t, err)
	return g, g.Root()
}

func TestResolveAcceptsContainedPaths(t *testing.T) {
	g, root := newGuard(t)

	cases := map[string]string{
		"a.txt":          "a.txt",
		"sub/dir/b.txt":  "sub/dir/b.txt",
		"./c.txt":        "c.txt",
		"sub/../d.txt":   "d.txt",
		"sub//e.txt":     "sub/e.txt",
		"  spaced.txt  ": "spaced.txt",
	}
	for in, want := range cases {
		r, err := g.Resolve(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, r.RelPath(), in)
		abs, err := g.Verify(r)
		require.NoError(t, err, in)
		assert.True(t, strings.HasPrefix(abs, root+string(filepath.Separator)), abs)
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	g, _ := newGuard(t)

	for _, in := range []string{
		"../etc/passwd",
		"../../etc/passwd",
		"a/../../b",
		"/etc/passwd",
		"..",
	} {
		_, err := g.Resolve(in)
		require.Error(t, err, in)
		assert.True(t, errors.Is(err, model.ErrRejectedPath), in)
		assert.Equal(t, model.ReasonOutsideRoot, model.ReasonOf(err), in)
		assert.NotContains(t, err.Error(), "passwd")
	}
}

func TestResolveRejectsMalformed(t *testing.T) {
	g, _ := newGuard(t)

	for _, in := range []string{"a\x00b", "a\nb", `..\..\windows`, "", "."} {
		_, err := g.Resolve(in)
		require.Error(t, err, "%q", in)
		assert.Equal(t, model.ReasonMalformed, model.ReasonOf(err), "%q", in)
	}
}

func TestResolveDirAllowsRoot(t *testing.T) {
	g, root := newGuard(t)

	r, err := g.ResolveDir("")
	require.NoError(t, err)
	assert.True(t, r.IsRoot())
	abs, err := g.Verify(r)
	require.NoError(t, err)
	assert.Equal(t, root, abs)
}

func TestSiblingWithSharedPrefixIsOutside(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "root")
	evil := filepath.Join(parent, "root-evil")
	require.NoError(t, os.Mkdir(root, 0o755))
	require.NoError(t, os.Mkdir(evil, 0o755))
	require.NoError(t, os.Symlink(evil, filepath.Join(root, "link")))

	g, err := New(root, zerolog.Nop())
	require.NoError(t, err)
	_, err = g.Resolve("link/x.txt")
	require.Error(t, err)
	assert.Equal(t, model.ReasonOutsideRoot, model.ReasonOf(err))
}

func TestSymlinkEscapeRejected(t *testing.T) {
	g, root := newGuard(t)
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("x"), 0o600))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))

	_, err := g.Resolve("escape/secret")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrRejectedPath))

	// Not-yet-existing targets below the link are resolved through the
	// nearest existing ancestor.
	_, err = g.Resolve("escape/new/file.txt")
	require.Error(t, err)
	assert.Equal(t, model.ReasonOutsideRoot, model.ReasonOf(err))
}

func TestDanglingSymlinkRejected(t *testing.T) {
	g, root := newGuard(t)
	require.NoError(t, os.Symlink("/nonexistent/tmuxgate-target", filepath.Join(root, "dangling")))

	_, err := g.Resolve("dangling")
	require.Error(t, err)
	assert.Equal(t, model.ReasonOutsideRoot, model.ReasonOf(err))
}

func TestDanglingSymlinkIntoRootRejected(t *testing.T) {
	g, root := newGuard(t)
	require.NoError(t, os.Symlink(filepath.Join(root, "not-yet"), filepath.Join(root, "pending")))

	_, err := g.Resolve("pending")
	require.Error(t, err)
	assert.Equal(t, model.ReasonOutsideRoot, model.ReasonOf(err))

	_, err = g.Resolve("pending/child.txt")
	require.Error(t, err)
	assert.Equal(t, model.ReasonOutsideRoot, model.ReasonOf(err))
}

func TestInternalSymlinkAllowed(t *testing.T) {
	g, root := newGuard(t)
	require.NoError(t, os.Mkdir(filepath.Join(root, "real"), 0o755))
	require.NoError(t, os.Symlink(filepath.Join(root, "real"), filepath.Join(root, "alias")))

	r, err := g.Resolve("alias/f.txt")
	require.NoError(t, err)
	abs, err := g.Verify(r)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "real", "f.txt"), abs)
}

func TestVerifyCatchesSwapAfterResolve(t *testing.T) {
	g, root := newGuard(t)
	outside := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "d"), 0o755))

	r, err := g.Resolve("d/f.txt")
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(root, "d")))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "d")))

	_, err = g.Verify(r)
	require.Error(t, err)
	assert.Equal(t, model.ReasonOutsideRoot, model.ReasonOf(err))
}

func TestVerifyRejectsForeignResolved(t *testing.T) {
	g1, _ := newGuard(t)
	g2, _ := newGuard(t)
	r, err := g1.Resolve("a.txt")
	require.NoError(t, err)
	_, err = g2.Verify(r)
	require.Error(t, err)
	_, err = g1.Verify(Resolved{})
	require.Error(t, err)
}

func TestPackageResolve(t *testing.T) {
	root := t.TempDir()
	_, err := Resolve(root, "../../etc/passwd")
	assert.True(t, errors.Is(err, model.ErrRejectedPath))
	r, err := Resolve(root, "ok.txt")
	require.NoError(t, err)
	assert.Equal(t, "ok.txt", r.RelPath())
}

func TestSanitizeFilename(t *testing.T) {
	name, err := SanitizeFilename(" report.pdf ")
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", name)

	for _, bad := range []string{"", ".", "..", "a/b", `a\b`, "a\x00b", strings.Repeat("x", 256)} {
		_, err := SanitizeFilename(bad)
		assert.Error(t, err, "%q", bad)
	}
}
