package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Scope identifies one job node inside a pipeline run.
type Scope struct {
	Pipeline string
	Workflow string
	Job      string
	Node     int
}

// Dir returns the relative directory for the scope.
func (s Scope) Dir() string {
	return filepath.Join(sanitize(s.Pipeline), sanitize(s.Workflow), fmt.Sprintf("%s-%d", sanitize(s.Job), s.Node))
}

// LogStorage manages step log files.
type LogStorage struct {
	BaseDir string
}

// NewLogStorage creates a new log storage handler.
func NewLogStorage(baseDir string) *LogStorage {
	return &LogStorage{BaseDir: baseDir}
}

// Create opens the log file for one step. The caller closes it.
func (ls *LogStorage) Create(scope Scope, index int, name string) (*os.File, error) {
	dir := filepath.Join(ls.BaseDir, scope.Dir())
	if err := os.MkdirAll(dir, 0o775); err != nil {
		return nil, errors.Wrap(err, "create log dir")
	}

	filename := fmt.Sprintf("%03d_%s.log", index, sanitize(name))
	f, err := os.Create(filepath.Join(dir, filename))
	if err != nil {
		return nil, errors.Wrap(err, "create log file")
	}
	return f, nil
}

// List returns the log files of a scope in step order.
func (ls *LogStorage) List(scope Scope) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(ls.BaseDir, scope.Dir(), "*.log"))
	if err != nil {
		return nil, errors.Wrap(err, "list logs")
	}
	return matches, nil
}

// sanitize removes special characters from names used in paths.
func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		case r == ' ' || r == '/' || r == ':':
			b.WriteByte('_')
		}
		if b.Len() >= 64 {
			break
		}
	}
	clean := strings.Trim(b.String(), "._")
	if clean == "" {
		return "step"
	}
	return clean
}
