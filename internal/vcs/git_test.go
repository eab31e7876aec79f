package vcs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func gitCmd(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=ci", "GIT_AUTHOR_EMAIL=ci@example.com",
		"GIT_COMMITTER_NAME=ci", "GIT_COMMITTER_EMAIL=ci@example.com")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
}

func newRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitCmd(t, dir, "init", "-q", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("hi\n"), 0o644))
	gitCmd(t, dir, "add", "README")
	gitCmd(t, dir, "commit", "-q", "-m", "init")
	return dir
}

func TestCheckoutAndStatus(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	origin := newRepo(t)
	g := New(nil)

	rev, err := g.Head(ctx, origin)
	require.NoError(t, err)
	branch, err := g.Branch(ctx, origin)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)

	work := filepath.Join(t.TempDir(), "job")
	require.NoError(t, g.Checkout(ctx, origin, "main", rev, work, nil))

	head, err := g.Head(ctx, work)
	require.NoError(t, err)
	assert.Equal(t, rev, head)

	entries, err := g.Status(ctx, work, true)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, os.WriteFile(filepath.Join(work, "README"), []byte("changed\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(work, "generated.rs"), []byte("//\n"), 0o644))

	entries, err = g.Status(ctx, work, true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []StatusEntry{{Code: "M", Path: "README"}, {Code: "??", Path: "generated.rs"}}, entries)

	entries, err = g.Status(ctx, work, false)
	require.NoError(t, err)
	assert.Equal(t, []StatusEntry{{Code: "M", Path: "README"}}, entries)

	// A second checkout into the same directory reuses the clone.
	require.NoError(t, g.Checkout(ctx, origin, "main", rev, work, nil))
}

func TestCheckoutWithoutRepository(t *testing.T) {
	err := New(nil).Checkout(context.Background(), "", "", "", t.TempDir(), nil)
	assert.Error(t, err)
}

func TestParseStatus(t *testing.T) {
	entries := ParseStatus(" M src/lib.rs\n?? target/out.txt\nA  new.rs\n")
	require.Len(t, entries, 3)
	assert.Equal(t, "M", entries[0].Code)
	assert.Equal(t, "src/lib.rs", entries[0].Path)
	assert.True(t, entries[1].Untracked())
	assert.Equal(t, "A new.rs", entries[2].String())
}
