package storage

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"ciflow/internal/report"
)

// ArtifactStore publishes files produced by job nodes.
type ArtifactStore struct {
	BaseDir string
}

// NewArtifactStore creates an artifact store rooted at dir.
func NewArtifactStore(dir string) *ArtifactStore {
	return &ArtifactStore{BaseDir: dir}
}

// Root returns the artifact directory of a scope.
func (a *ArtifactStore) Root(scope Scope) string {
	return filepath.Join(a.BaseDir, scope.Dir())
}

// Store copies src (file or tree) to destination under the scope root.
// An empty destination keeps the source base name.
func (a *ArtifactStore) Store(scope Scope, src, destination string) (int, int64, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "artifact source %s", src)
	}

	if destination == "" {
		destination = filepath.Base(src)
	}
	dest, err := safeJoin(a.Root(scope), destination)
	if err != nil {
		return 0, 0, err
	}

	if !info.IsDir() {
		n, err := copyFile(src, dest, info.Mode())
		if err != nil {
			return 0, 0, err
		}
		return 1, n, nil
	}

	var (
		files int
		total int64
	)
	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		n, err := copyFile(p, filepath.Join(dest, rel), fi.Mode())
		if err != nil {
			return err
		}
		files++
		total += n
		return nil
	})
	if err != nil {
		return files, total, errors.Wrapf(err, "store artifacts from %s", src)
	}
	return files, total, nil
}

// StoreTestResults copies every JUnit XML file under src into the scope's
// test-results directory and returns the combined summary. Files that do
// not parse are copied and counted as errors.
func (a *ArtifactStore) StoreTestResults(scope Scope, src string) (report.Summary, error) {
	var sum report.Summary
	dest := filepath.Join(a.Root(scope), "test-results")

	info, err := os.Stat(src)
	if err != nil {
		return sum, errors.Wrapf(err, "test results source %s", src)
	}
	root := src
	if !info.IsDir() {
		root = filepath.Dir(src)
	}

	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(p), ".xml") {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if _, err := copyFile(p, filepath.Join(dest, rel), 0o644); err != nil {
			return err
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		s, perr := report.ParseJUnit(f)
		if perr != nil {
			sum.Add(report.Summary{Files: 1, Errors: 1})
			return nil
		}
		sum.Add(s)
		return nil
	})
	if err != nil {
		return sum, errors.Wrapf(err, "store test results from %s", src)
	}
	return sum, nil
}

func safeJoin(root, rel string) (string, error) {
	p := filepath.Join(root, filepath.Clean("/"+rel))
	if _, ok := Within(root, p); !ok {
		return "", errors.Wrap(ErrUnsafeEntry, rel)
	}
	return p, nil
}

func copyFile(src, dest string, mode fs.FileMode) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, errors.Wrap(err, "create artifact dir")
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, errors.Wrap(err, "open artifact")
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0o600)
	if err != nil {
		return 0, errors.Wrap(err, "create artifact")
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, errors.Wrap(err, "copy artifact")
}
