package storage

import (
	"archive/tar"
	"context"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

const cacheSuffix = ".tar.zst"

var ErrUnsafeEntry = errors.New("cache entry escapes its root")

// CacheStats counts cache traffic.
type CacheStats struct {
	Hits          int   `json:"hits"`
	Misses        int   `json:"misses"`
	Saves         int   `json:"saves"`
	BytesRestored int64 `json:"bytesRestored"`
	BytesSaved    int64 `json:"bytesSaved"`
}

// Add merges o into s.
func (s *CacheStats) Add(o CacheStats) {
	s.Hits += o.Hits
	s.Misses += o.Misses
	s.Saves += o.Saves
	s.BytesRestored += o.BytesRestored
	s.BytesSaved += o.BytesSaved
}

// CacheEnv anchors relative and home paths of a job node.
type CacheEnv struct {
	WorkDir string
	Home    string
}

// CacheStore keeps named archives on the local filesystem. Keys are
// immutable names but an existing key is overwritten on save: the last
// writer wins and there is no locking between jobs.
type CacheStore struct {
	Dir string

	mu    sync.Mutex
	stats CacheStats
}

// NewCacheStore creates a cache store rooted at dir.
func NewCacheStore(dir string) *CacheStore {
	return &CacheStore{Dir: dir}
}

// Stats returns the counters accumulated since the store was created.
func (c *CacheStore) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *CacheStore) record(s CacheStats) {
	c.mu.Lock()
	c.stats.Add(s)
	c.mu.Unlock()
}

// Lookup finds the archive for the first key that matches, exact match
// first and then the most recently saved entry sharing the key as prefix.
func (c *CacheStore) Lookup(keys []string) (string, string, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil && !os.IsNotExist(err) {
		return "", "", errors.Wrap(err, "list cache")
	}

	for _, key := range keys {
		if key == "" {
			continue
		}
		exact := filepath.Join(c.Dir, url.PathEscape(key)+cacheSuffix)
		if _, err := os.Stat(exact); err == nil {
			return key, exact, nil
		}

		var (
			bestKey  string
			bestPath string
			bestTime time.Time
		)
		for _, e := range entries {
			name, ok := strings.CutSuffix(e.Name(), cacheSuffix)
			if !ok {
				continue
			}
			stored, err := url.PathUnescape(name)
			if err != nil || !strings.HasPrefix(stored, key) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if bestPath == "" || info.ModTime().After(bestTime) {
				bestKey, bestPath, bestTime = stored, filepath.Join(c.Dir, e.Name()), info.ModTime()
			}
		}
		if bestPath != "" {
			return bestKey, bestPath, nil
		}
	}
	return "", "", nil
}

// Restore extracts the first matching archive. A miss returns an empty key
// and no error.
func (c *CacheStore) Restore(ctx context.Context, keys []string, env CacheEnv) (string, CacheStats, error) {
	key, archive, err := c.Lookup(keys)
	if err != nil {
		return "", CacheStats{}, err
	}
	if archive == "" {
		s := CacheStats{Misses: 1}
		c.record(s)
		return "", s, nil
	}

	n, err := extract(ctx, archive, env)
	if err != nil {
		return key, CacheStats{}, errors.Wrapf(err, "restore cache %q", key)
	}
	s := CacheStats{Hits: 1, BytesRestored: n}
	c.record(s)
	return key, s, nil
}

// Save archives paths under key. Paths that do not exist are returned as
// missing; when none exist nothing is written.
func (c *CacheStore) Save(ctx context.Context, key string, paths []string, env CacheEnv) ([]string, CacheStats, error) {
	if key == "" {
		return nil, CacheStats{}, errors.New("cache key is empty")
	}
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return nil, CacheStats{}, errors.Wrap(err, "create cache dir")
	}

	var present, missing []string
	for _, p := range paths {
		abs := env.Expand(p)
		if _, err := os.Lstat(abs); err != nil {
			missing = append(missing, p)
			continue
		}
		present = append(present, abs)
	}
	if len(present) == 0 {
		return missing, CacheStats{}, nil
	}

	tmp, err := os.CreateTemp(c.Dir, ".save-*")
	if err != nil {
		return missing, CacheStats{}, errors.Wrap(err, "create cache temp file")
	}
	defer os.Remove(tmp.Name())

	if err := archive(ctx, tmp, present, env); err != nil {
		tmp.Close()
		return missing, CacheStats{}, errors.Wrapf(err, "archive cache %q", key)
	}
	info, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		return missing, CacheStats{}, errors.Wrap(err, "stat cache archive")
	}
	if err := tmp.Close(); err != nil {
		return missing, CacheStats{}, errors.Wrap(err, "close cache archive")
	}

	final := filepath.Join(c.Dir, url.PathEscape(key)+cacheSuffix)
	if err := os.Rename(tmp.Name(), final); err != nil {
		return missing, CacheStats{}, errors.Wrap(err, "publish cache archive")
	}
	// Prefix lookup orders by mtime; make sure an overwrite counts as newest.
	now := time.Now()
	_ = os.Chtimes(final, now, now)

	s := CacheStats{Saves: 1, BytesSaved: info.Size()}
	c.record(s)
	return missing, s, nil
}

// Expand resolves ~ and relative paths.
func (e CacheEnv) Expand(p string) string {
	switch {
	case p == "~":
		return e.Home
	case strings.HasPrefix(p, "~/"):
		return filepath.Join(e.Home, p[2:])
	case filepath.IsAbs(p):
		return filepath.Clean(p)
	default:
		return filepath.Join(e.WorkDir, p)
	}
}

// Within reports whether p lies below base and returns the slash
// separated path relative to it.
func Within(base, p string) (string, bool) {
	if base == "" {
		return "", false
	}
	rel, err := filepath.Rel(base, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// entryName maps an absolute path to a location independent archive name.
func (e CacheEnv) entryName(abs string) string {
	if rel, ok := Within(e.WorkDir, abs); ok {
		return path.Join("wd", rel)
	}
	if rel, ok := Within(e.Home, abs); ok {
		return path.Join("home", rel)
	}
	return path.Join("abs", strings.TrimPrefix(filepath.ToSlash(abs), "/"))
}

// resolveEntry is the inverse of entryName for the current node.
func (e CacheEnv) resolveEntry(name string) (string, error) {
	clean := path.Clean("/" + name)[1:]
	root, rest, _ := strings.Cut(clean, "/")
	if rest == ".." || strings.HasPrefix(rest, "../") {
		return "", errors.Wrap(ErrUnsafeEntry, name)
	}
	var base string
	switch root {
	case "wd":
		base = e.WorkDir
	case "home":
		base = e.Home
	case "abs":
		base = "/"
	default:
		return "", errors.Wrap(ErrUnsafeEntry, name)
	}
	if base == "" {
		return "", errors.Wrapf(ErrUnsafeEntry, "%s: no base directory", name)
	}
	return filepath.Join(base, filepath.FromSlash(rest)), nil
}

func archive(ctx context.Context, w io.Writer, paths []string, env CacheEnv) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return errors.Wrap(err, "zstd writer")
	}
	tw := tar.NewWriter(zw)

	for _, root := range paths {
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			link := ""
			if info.Mode()&os.ModeSymlink != 0 {
				if link, err = os.Readlink(p); err != nil {
					return err
				}
			}
			hdr, err := tar.FileInfoHeader(info, link)
			if err != nil {
				return err
			}
			hdr.Name = env.entryName(p)
			if info.IsDir() {
				hdr.Name += "/"
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(tw, f)
			return err
		})
		if err != nil {
			tw.Close()
			zw.Close()
			return errors.Wrapf(err, "walk %s", root)
		}
	}

	if err := tw.Close(); err != nil {
		zw.Close()
		return errors.Wrap(err, "close tar")
	}
	return errors.Wrap(zw.Close(), "close zstd")
}

func extract(ctx context.Context, archivePath string, env CacheEnv) (int64, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return 0, errors.Wrap(err, "open archive")
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return 0, errors.Wrap(err, "zstd reader")
	}
	defer zr.Close()

	var total int64
	tr := tar.NewReader(zr)
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, errors.Wrap(err, "read archive")
		}

		target, err := env.resolveEntry(hdr.Name)
		if err != nil {
			return total, err
		}
		mode := fs.FileMode(hdr.Mode).Perm()

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, mode|0o700); err != nil {
				return total, errors.Wrap(err, "create dir")
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return total, errors.Wrap(err, "create dir")
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return total, errors.Wrap(err, "create symlink")
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return total, errors.Wrap(err, "create dir")
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
			if err != nil {
				return total, errors.Wrap(err, "create file")
			}
			n, err := io.Copy(out, tr)
			out.Close()
			if err != nil {
				return total, errors.Wrap(err, "write file")
			}
			total += n
		}
	}
}
