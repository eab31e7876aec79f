// Package vcs wraps the git command line used by checkout and the
// clean tree guard.
package vcs

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// StatusEntry is one line of `git status --porcelain`.
type StatusEntry struct {
	Code string `json:"code"`
	Path string `json:"path"`
}

// Untracked reports whether git does not know the path.
func (e StatusEntry) Untracked() bool {
	return e.Code == "??"
}

func (e StatusEntry) String() string {
	return e.Code + " " + e.Path
}

// Git runs git commands.
type Git struct {
	Binary string
	log    *zap.Logger
}

// New returns a Git using the git binary on PATH.
func New(log *zap.Logger) *Git {
	if log == nil {
		log = zap.NewNop()
	}
	return &Git{Binary: "git", log: log}
}

func (g *Git) run(ctx context.Context, dir string, out io.Writer, args ...string) error {
	cmd := exec.CommandContext(ctx, g.Binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stderr bytes.Buffer
	if out != nil {
		cmd.Stdout = out
		cmd.Stderr = io.MultiWriter(out, &stderr)
	} else {
		cmd.Stderr = &stderr
	}

	g.log.Debug("git", zap.String("dir", dir), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "git %s: %s", strings.Join(args, " "), strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (g *Git) output(ctx context.Context, dir string, args ...string) (string, error) {
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, g.Binary, args...)
	cmd.Dir = dir
	cmd.Stdout = &buf
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "git %s: %s", strings.Join(args, " "), strings.TrimSpace(stderr.String()))
	}
	return buf.String(), nil
}

// Checkout makes dir a clone of repo at revision, reusing an existing clone
// when present, then initialises submodules recursively. An empty
// revision checks out the branch, or the remote default when both are empty.
func (g *Git) Checkout(ctx context.Context, repo, branch, revision, dir string, out io.Writer) error {
	if repo == "" {
		return errors.New("no repository configured for checkout")
	}

	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create checkout dir")
		}
		if err := g.run(ctx, dir, out, "clone", "--no-checkout", repo, "."); err != nil {
			return err
		}
	} else if err := g.run(ctx, dir, out, "fetch", "--force", "--tags", "origin"); err != nil {
		return err
	}

	ref := revision
	switch {
	case ref != "":
	case branch != "":
		ref = "origin/" + branch
	default:
		ref = "origin/HEAD"
	}
	if err := g.run(ctx, dir, out, "checkout", "--force", "--detach", ref); err != nil {
		return err
	}
	if branch != "" {
		// Keep the branch name visible to tools that read it from git.
		if err := g.run(ctx, dir, out, "checkout", "-B", branch); err != nil {
			return err
		}
	}
	if err := g.run(ctx, dir, out, "submodule", "sync", "--recursive"); err != nil {
		return err
	}
	return g.run(ctx, dir, out, "submodule", "update", "--init", "--recursive")
}

// Head returns the revision checked out in dir.
func (g *Git) Head(ctx context.Context, dir string) (string, error) {
	out, err := g.output(ctx, dir, "rev-parse", "HEAD")
	return strings.TrimSpace(out), err
}

// Branch returns the current branch name, or empty when detached.
func (g *Git) Branch(ctx context.Context, dir string) (string, error) {
	out, err := g.output(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	b := strings.TrimSpace(out)
	if b == "HEAD" {
		return "", nil
	}
	return b, nil
}

// TopLevel returns the root of the work tree containing dir.
func (g *Git) TopLevel(ctx context.Context, dir string) (string, error) {
	out, err := g.output(ctx, dir, "rev-parse", "--show-toplevel")
	return strings.TrimSpace(out), err
}

// Status lists modified and untracked paths in dir.
func (g *Git) Status(ctx context.Context, dir string, includeUntracked bool) ([]StatusEntry, error) {
	mode := "--untracked-files=all"
	if !includeUntracked {
		mode = "--untracked-files=no"
	}
	out, err := g.output(ctx, dir, "status", "--porcelain=v1", mode)
	if err != nil {
		return nil, err
	}
	return ParseStatus(out), nil
}

// ParseStatus parses porcelain v1 output.
func ParseStatus(out string) []StatusEntry {
	var entries []StatusEntry
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if len(line) < 4 {
			continue
		}
		entries = append(entries, StatusEntry{Code: strings.TrimSpace(line[:2]), Path: line[3:]})
	}
	return entries
}
