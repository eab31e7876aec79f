package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestCacheSaveRestoreAcrossWorkDirs(t *testing.T) {
	store := NewCacheStore(filepath.Join(t.TempDir(), "cache"))
	home := t.TempDir()
	first := CacheEnv{WorkDir: t.TempDir(), Home: home}

	writeFile(t, filepath.Join(first.WorkDir, "target", "debug", "lib.rlib"), "rlib")
	writeFile(t, filepath.Join(home, ".cargo", "registry", "index"), "crates")

	missing, stats, err := store.Save(context.Background(), "cargo-v1-main", []string{"target", "~/.cargo", "nope"}, first)
	require.NoError(t, err)
	assert.Equal(t, []string{"nope"}, missing)
	assert.Equal(t, 1, stats.Saves)
	assert.Positive(t, stats.BytesSaved)

	require.NoError(t, os.RemoveAll(filepath.Join(home, ".cargo")))
	second := CacheEnv{WorkDir: t.TempDir(), Home: home}
	key, stats, err := store.Restore(context.Background(), []string{"cargo-v1-main"}, second)
	require.NoError(t, err)
	assert.Equal(t, "cargo-v1-main", key)
	assert.Equal(t, 1, stats.Hits)

	got, err := os.ReadFile(filepath.Join(second.WorkDir, "target", "debug", "lib.rlib"))
	require.NoError(t, err)
	assert.Equal(t, "rlib", string(got))
	got, err = os.ReadFile(filepath.Join(home, ".cargo", "registry", "index"))
	require.NoError(t, err)
	assert.Equal(t, "crates", string(got))
}

func TestCacheRestorePrefixPicksNewest(t *testing.T) {
	store := NewCacheStore(filepath.Join(t.TempDir(), "cache"))
	env := CacheEnv{WorkDir: t.TempDir()}

	writeFile(t, filepath.Join(env.WorkDir, "v"), "old")
	_, _, err := store.Save(context.Background(), "sccache-arch-aaa", []string{"v"}, env)
	require.NoError(t, err)

	old := time.Now().Add(-time.Hour)
	oldPath := filepath.Join(store.Dir, "sccache-arch-aaa"+cacheSuffix)
	require.NoError(t, os.Chtimes(oldPath, old, old))

	writeFile(t, filepath.Join(env.WorkDir, "v"), "new")
	_, _, err = store.Save(context.Background(), "sccache-arch-bbb", []string{"v"}, env)
	require.NoError(t, err)

	target := CacheEnv{WorkDir: t.TempDir()}
	key, _, err := store.Restore(context.Background(), []string{"sccache-arch-zzz", "sccache-arch-"}, target)
	require.NoError(t, err)
	assert.Equal(t, "sccache-arch-bbb", key)

	got, err := os.ReadFile(filepath.Join(target.WorkDir, "v"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestCacheSaveOverwritesExistingKey(t *testing.T) {
	store := NewCacheStore(filepath.Join(t.TempDir(), "cache"))
	env := CacheEnv{WorkDir: t.TempDir()}

	writeFile(t, filepath.Join(env.WorkDir, "v"), "first")
	_, _, err := store.Save(context.Background(), "k", []string{"v"}, env)
	require.NoError(t, err)
	writeFile(t, filepath.Join(env.WorkDir, "v"), "second")
	_, _, err = store.Save(context.Background(), "k", []string{"v"}, env)
	require.NoError(t, err)

	target := CacheEnv{WorkDir: t.TempDir()}
	_, _, err = store.Restore(context.Background(), []string{"k"}, target)
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(target.WorkDir, "v"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
	assert.Equal(t, 2, store.Stats().Saves)
}

func TestCacheMiss(t *testing.T) {
	store := NewCacheStore(filepath.Join(t.TempDir(), "missing"))
	key, stats, err := store.Restore(context.Background(), []string{"a", "b"}, CacheEnv{WorkDir: t.TempDir()})
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Equal(t, 1, stats.Misses)
}

func TestCacheSaveNothingPresent(t *testing.T) {
	store := NewCacheStore(filepath.Join(t.TempDir(), "cache"))
	missing, stats, err := store.Save(context.Background(), "k", []string{"none"}, CacheEnv{WorkDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, []string{"none"}, missing)
	assert.Zero(t, stats.Saves)
}

func TestResolveEntryRejectsTraversal(t *testing.T) {
	env := CacheEnv{WorkDir: "/work"}
	_, err := env.resolveEntry("wd/../../etc/passwd")
	assert.ErrorIs(t, err, ErrUnsafeEntry)
	_, err = env.resolveEntry("other/x")
	assert.ErrorIs(t, err, ErrUnsafeEntry)

	p, err := env.resolveEntry("wd/target/x")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/work", "target", "x"), p)
}

func TestRenderKey(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Cargo.lock"), "lock")

	key, err := RenderKey(`cargo-{{ arch }}-{{ .Branch }}-{{ .Environment.TOOLCHAIN }}-{{ checksum "Cargo.lock" }}`, KeyData{
		Branch:      "main",
		Environment: map[string]string{"TOOLCHAIN": "1.80"},
		WorkDir:     dir,
	})
	require.NoError(t, err)
	assert.Contains(t, key, "cargo-"+Arch()+"-main-1.80-")
	assert.Len(t, key, len("cargo-"+Arch()+"-main-1.80-")+64)

	plain, err := RenderKey("static-key", KeyData{})
	require.NoError(t, err)
	assert.Equal(t, "static-key", plain)

	_, err = RenderKey(`x-{{ checksum "missing" }}`, KeyData{WorkDir: dir})
	assert.Error(t, err)
}

func TestArtifactStoreTreeAndTestResults(t *testing.T) {
	store := NewArtifactStore(t.TempDir())
	scope := Scope{Pipeline: "p1", Workflow: "build", Job: "test", Node: 0}
	src := t.TempDir()

	writeFile(t, filepath.Join(src, "logs", "cargo.log"), "log")
	writeFile(t, filepath.Join(src, "results", "junit.xml"),
		`<testsuites><testsuite name="s"><testcase name="a"/><testcase name="b"><failure/></testcase></testsuite></testsuites>`)
	writeFile(t, filepath.Join(src, "results", "broken.xml"), "<not xml")

	files, n, err := store.Store(scope, filepath.Join(src, "logs"), "test-logs")
	require.NoError(t, err)
	assert.Equal(t, 1, files)
	assert.EqualValues(t, 3, n)
	assert.FileExists(t, filepath.Join(store.Root(scope), "test-logs", "cargo.log"))

	sum, err := store.StoreTestResults(scope, filepath.Join(src, "results"))
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Files)
	assert.Equal(t, 2, sum.Tests)
	assert.Equal(t, 1, sum.Failures)
	assert.Equal(t, 1, sum.Errors)
	assert.FileExists(t, filepath.Join(store.Root(scope), "test-results", "junit.xml"))
}

func TestArtifactDestinationCannotEscape(t *testing.T) {
	store := NewArtifactStore(t.TempDir())
	src := filepath.Join(t.TempDir(), "f")
	writeFile(t, src, "x")

	_, _, err := store.Store(Scope{Pipeline: "p", Job: "j"}, src, "../../outside")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(store.Root(Scope{Pipeline: "p", Job: "j"}), "outside"))
}

func TestLogStorageCreate(t *testing.T) {
	ls := NewLogStorage(t.TempDir())
	scope := Scope{Pipeline: "p1", Workflow: "build", Job: "lint", Node: 1}

	f, err := ls.Create(scope, 3, "Run cargo clippy --all")
	require.NoError(t, err)
	_, err = f.WriteString("ok")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	logs, err := ls.List(scope)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "003_Run_cargo_clippy_--all.log", filepath.Base(logs[0]))
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "step", sanitize("../"))
	assert.Equal(t, "a_b", sanitize("a/b"))
}
