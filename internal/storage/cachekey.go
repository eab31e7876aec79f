package storage

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/pkg/errors"

	"ciflow/pkg/utils"
)

// KeyData is the template context for cache keys.
type KeyData struct {
	Branch      string
	Revision    string
	Job         string
	BuildNum    int
	Environment map[string]string
	WorkDir     string
}

// Arch is the value of {{ arch }}: jobs on different platforms never share
// a cache entry.
func Arch() string {
	return fmt.Sprintf("arch1-%s-%s", runtime.GOOS, runtime.GOARCH)
}

// RenderKey expands a cache key template such as
// `cargo-{{ arch }}-{{ .Branch }}-{{ checksum "Cargo.lock" }}`.
func RenderKey(key string, data KeyData) (string, error) {
	if !strings.Contains(key, "{{") {
		return key, nil
	}

	funcs := template.FuncMap{
		"arch": Arch,
		"epoch": func() string {
			return strconv.FormatInt(time.Now().Unix(), 10)
		},
		"checksum": func(p string) (string, error) {
			if !filepath.IsAbs(p) {
				p = filepath.Join(data.WorkDir, p)
			}
			return utils.HashFile(p)
		},
	}

	tmpl, err := template.New("key").Funcs(funcs).Option("missingkey=zero").Parse(key)
	if err != nil {
		return "", errors.Wrapf(err, "parse cache key %q", key)
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", errors.Wrapf(err, "render cache key %q", key)
	}
	return strings.TrimSpace(b.String()), nil
}
