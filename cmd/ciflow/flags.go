package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ciflow/internal/config"
	"ciflow/internal/core"
	"ciflow/internal/logging"
	"ciflow/internal/vcs"
)

// listFlag collects a repeatable string flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// paramFlag collects repeatable name=value pipeline parameters.
type paramFlag map[string]string

func (p paramFlag) String() string {
	parts := make([]string, 0, len(p))
	for k, v := range p {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (p paramFlag) Set(v string) error {
	name, value, ok := strings.Cut(v, "=")
	if !ok || name == "" {
		return errors.Errorf("parameter %q is not name=value", v)
	}
	p[name] = value
	return nil
}

type commonFlags struct {
	settings string
	logLevel string
}

// pipelineFlags select what a pipeline run sees: branch, revision,
// parameters and workflows.
type pipelineFlags struct {
	branch    string
	revision  string
	number    int
	workflows listFlag
	params    paramFlag
}

func newFlagSet(name, args string, stderr io.Writer) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: ciflow %s [flags] %s\n\nFlags:\n", name, args)
		fs.PrintDefaults()
	}
	c := &commonFlags{}
	fs.StringVar(&c.settings, "config", "ciflow.yaml", "runner settings file")
	fs.StringVar(&c.logLevel, "log-level", "", "override the log level (debug, info, warn, error)")
	return fs, c
}

func addPipelineFlags(fs *flag.FlagSet) *pipelineFlags {
	p := &pipelineFlags{params: paramFlag{}}
	fs.StringVar(&p.branch, "branch", "", "branch name (default: current git branch)")
	fs.StringVar(&p.revision, "revision", "", "revision (default: current git HEAD)")
	fs.IntVar(&p.number, "number", 1, "pipeline number")
	fs.Var(&p.workflows, "workflow", "workflow to run, repeatable (default: all)")
	fs.Var(p.params, "param", "pipeline parameter name=value, repeatable")
	return p
}

// parse parses args and returns the single positional argument.
func parse(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return "", &exitError{code: 0}
		}
		return "", &exitError{code: 2}
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return "", &exitError{code: 2}
	}
	return fs.Arg(0), nil
}

func (c *commonFlags) load() (config.Settings, *zap.Logger, error) {
	s, err := config.Load(c.settings)
	if err != nil {
		return s, nil, err
	}
	if c.logLevel != "" {
		s.Log.Level = c.logLevel
	}
	log, err := logging.New(s.Log.Level, s.Log.Format)
	if err != nil {
		return s, nil, err
	}
	return s, log, nil
}

// values fills branch and revision from the git checkout in the working
// directory when they were not given.
func (p *pipelineFlags) values(ctx context.Context, git *vcs.Git) core.PipelineValues {
	v := core.PipelineValues{
		Branch:     p.branch,
		Revision:   p.revision,
		Number:     p.number,
		Parameters: p.params,
	}
	wd, err := os.Getwd()
	if err != nil {
		return v
	}
	if v.Branch == "" {
		v.Branch, _ = git.Branch(ctx, wd)
	}
	if v.Revision == "" {
		v.Revision, _ = git.Head(ctx, wd)
	}
	return v
}

func loadPipeline(path string) (*core.Pipeline, error) {
	p, err := core.LoadPipeline(path)
	if err != nil {
		return nil, err
	}
	if err := core.Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}
