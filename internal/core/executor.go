package core

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ciflow/internal/report"
	"ciflow/internal/storage"
	"ciflow/internal/vcs"
)

var (
	ErrDirtyTree = errors.New("working tree is dirty")
	// ErrOutsideJobDir rejects host side file steps a confined shell
	// could not have written.
	ErrOutsideJobDir = errors.New("path is outside the job directory")
)

// JobContext is the state shared by the steps of one job node.
type JobContext struct {
	Values   PipelineValues
	Workflow string
	Job      *JobPlan
	Node     int
	Scope    storage.Scope

	// Dir is the node's private directory; WorkDir and Home live below it
	// unless the executor says otherwise.
	Dir     string
	WorkDir string
	Home    string
	BashEnv string

	// Env is the executor, job and built-in environment, without the host.
	Env   map[string]string
	Shell Shell
	// Confined is set when Shell only shares Dir with the host, as the
	// docker and agent shells do.
	Confined bool

	Cache     storage.CacheStats
	Tests     report.Summary
	Artifacts int

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
	closers  []io.Closer
}

// newJobContext lays out the node directories and computes the built-in
// environment.
func newJobContext(ctx context.Context, values PipelineValues, workflow string, job *JobPlan, node int, dir, home string) (*JobContext, error) {
	jc := &JobContext{
		Values:   values,
		Workflow: workflow,
		Job:      job,
		Node:     node,
		Scope:    storage.Scope{Pipeline: values.ID, Workflow: workflow, Job: job.Name, Node: node},
		Dir:      dir,
		Home:     home,
		Env:      map[string]string{},
	}
	jc.WorkDir = jc.resolveWorkDir(job.WorkingDirectory)
	jc.BashEnv = filepath.Join(dir, ".env", "bash_env.sh")

	for _, d := range []string{jc.WorkDir, filepath.Dir(jc.BashEnv)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, errors.Wrap(err, "create job directories")
		}
	}
	if err := os.WriteFile(jc.BashEnv, nil, 0o644); err != nil {
		return nil, errors.Wrap(err, "create BASH_ENV")
	}

	for k, v := range job.Environment {
		jc.Env[k] = v
	}
	for k, v := range map[string]string{
		"CI":                       "true",
		"CIFLOW":                   "true",
		"CIFLOW_BRANCH":            values.Branch,
		"CIFLOW_SHA1":              values.Revision,
		"CIFLOW_JOB":               job.Name,
		"CIFLOW_WORKFLOW":          workflow,
		"CIFLOW_BUILD_NUM":         strconv.Itoa(values.Number),
		"CIFLOW_PIPELINE_ID":       values.ID,
		"CIFLOW_WORKING_DIRECTORY": jc.WorkDir,
		"CIFLOW_NODE_INDEX":        strconv.Itoa(node),
		"CIFLOW_NODE_TOTAL":        strconv.Itoa(job.Parallelism),
		"BASH_ENV":                 jc.BashEnv,
	} {
		jc.Env[k] = v
	}

	jc.bgCtx, jc.bgCancel = context.WithCancel(ctx)
	return jc, nil
}

// resolveWorkDir maps the configured working directory into the node
// directory: "~/project" and "project" both land in <dir>/project.
func (jc *JobContext) resolveWorkDir(wd string) string {
	switch {
	case wd == "" || wd == "~":
		return filepath.Join(jc.Dir, "project")
	case filepath.IsAbs(wd):
		return filepath.Clean(wd)
	case len(wd) > 1 && wd[:2] == "~/":
		return filepath.Join(jc.Dir, wd[2:])
	}
	return filepath.Join(jc.Dir, wd)
}

// Path resolves a step path against the working directory and home.
func (jc *JobContext) Path(p string) string {
	return jc.cacheEnv().Expand(p)
}

// HostPath resolves a path read or written on the host by a file step.
// Confined nodes may only name paths below Dir.
func (jc *JobContext) HostPath(p string) (string, error) {
	abs := jc.Path(p)
	if jc.Confined {
		if _, ok := storage.Within(jc.Dir, abs); !ok {
			return "", errors.Wrapf(ErrOutsideJobDir, "%s resolves to %s, the executor only shares %s", p, abs, jc.Dir)
		}
	}
	return abs, nil
}

// checkConfined verifies the working directory and home of a confined
// node are visible on the host.
func (jc *JobContext) checkConfined() error {
	if !jc.Confined {
		return nil
	}
	for _, d := range []struct{ name, path string }{{"working_directory", jc.WorkDir}, {"home", jc.Home}} {
		if _, ok := storage.Within(jc.Dir, d.path); !ok {
			return errors.Wrapf(ErrOutsideJobDir, "%s %s", d.name, d.path)
		}
	}
	return nil
}

func (jc *JobContext) cacheEnv() storage.CacheEnv {
	return storage.CacheEnv{WorkDir: jc.WorkDir, Home: jc.Home}
}

// Environ returns the step environment as sorted KEY=VALUE pairs, step
// values over the job's.
func (jc *JobContext) Environ(step map[string]string) []string {
	merged := make(map[string]string, len(jc.Env)+len(step))
	for k, v := range jc.Env {
		merged[k] = v
	}
	for k, v := range step {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (jc *JobContext) keyData() storage.KeyData {
	return storage.KeyData{
		Branch:      jc.Values.Branch,
		Revision:    jc.Values.Revision,
		Job:         jc.Job.Name,
		BuildNum:    jc.Values.Number,
		Environment: jc.Env,
		WorkDir:     jc.WorkDir,
	}
}

// background runs fn until the job ends.
func (jc *JobContext) background(fn func(ctx context.Context)) {
	jc.bg.Add(1)
	go func() {
		defer jc.bg.Done()
		fn(jc.bgCtx)
	}()
}

// closeOnFinish defers closing c until background steps are gone.
func (jc *JobContext) closeOnFinish(c io.Closer) {
	jc.closers = append(jc.closers, c)
}

// finish stops background steps and releases what they held.
func (jc *JobContext) finish() {
	jc.bgCancel()
	jc.bg.Wait()
	for _, c := range jc.closers {
		c.Close()
	}
	jc.closers = nil
}

// Executor runs single expanded steps.
type Executor struct {
	Git             *vcs.Git
	Repository      string
	Cache           *storage.CacheStore
	Artifacts       *storage.ArtifactStore
	NoOutputTimeout time.Duration
	log             *zap.Logger
}

func NewExecutor(git *vcs.Git, repository string, cache *storage.CacheStore, artifacts *storage.ArtifactStore, noOutput time.Duration, log *zap.Logger) *Executor {
	return &Executor{
		Git:             git,
		Repository:      repository,
		Cache:           cache,
		Artifacts:       artifacts,
		NoOutputTimeout: noOutput,
		log:             log,
	}
}

// RunStep executes one step of a job node, writing its output to out.
func (e *Executor) RunStep(ctx context.Context, jc *JobContext, step Step, out io.Writer) error {
	switch step.Kind {
	case StepRun:
		return e.run(ctx, jc, step, out)
	case StepCheckout:
		dir := jc.WorkDir
		if step.Path != "" {
			var err error
			if dir, err = jc.HostPath(step.Path); err != nil {
				return err
			}
		}
		return e.Git.Checkout(ctx, e.Repository, jc.Values.Branch, jc.Values.Revision, dir, out)
	case StepRestoreCache:
		return e.restoreCache(ctx, jc, step, out)
	case StepSaveCache:
		return e.saveCache(ctx, jc, step, out)
	case StepStoreArtifacts:
		return e.storeArtifacts(jc, step, out)
	case StepStoreTestResults:
		return e.storeTestResults(jc, step, out)
	case StepConvertTestResults:
		e.convertTestResults(jc, step, out)
		return nil
	case StepAssertCleanTree:
		return e.assertCleanTree(ctx, jc, step, out)
	}
	return errors.Wrapf(ErrUnknownStep, "%s", step.Kind)
}

func (e *Executor) run(ctx context.Context, jc *JobContext, step Step, out io.Writer) error {
	cmd := ShellCommand{
		Script:          step.Command,
		Shell:           step.Shell,
		Env:             jc.Environ(step.Environment),
		Dir:             jc.WorkDir,
		NoOutputTimeout: step.NoOutputTimeout,
		Output:          out,
	}
	if cmd.Shell == "" {
		cmd.Shell = jc.Job.Shell
	}
	if step.WorkingDirectory != "" {
		cmd.Dir = jc.Path(step.WorkingDirectory)
	}
	if cmd.NoOutputTimeout == 0 {
		cmd.NoOutputTimeout = e.NoOutputTimeout
	}

	if step.Background {
		jc.background(func(ctx context.Context) {
			err := jc.Shell.Run(ctx, cmd)
			if err != nil && ctx.Err() == nil {
				e.log.Warn("background step failed", zap.String("job", jc.Job.Name), zap.String("step", step.Name), zap.Error(err))
			}
		})
		return nil
	}
	return jc.Shell.Run(ctx, cmd)
}

func (e *Executor) renderKeys(jc *JobContext, keys []string) ([]string, error) {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		r, err := storage.RenderKey(k, jc.keyData())
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (e *Executor) restoreCache(ctx context.Context, jc *JobContext, step Step, out io.Writer) error {
	keys, err := e.renderKeys(jc, step.Keys)
	if err != nil {
		return err
	}
	key, stats, err := e.Cache.Restore(ctx, keys, jc.cacheEnv())
	jc.Cache.Add(stats)
	if err != nil {
		return err
	}
	if key == "" {
		fmt.Fprintf(out, "No cache found for keys: %v\n", keys)
		return nil
	}
	fmt.Fprintf(out, "Restored cache %s (%d bytes)\n", key, stats.BytesRestored)
	return nil
}

func (e *Executor) saveCache(ctx context.Context, jc *JobContext, step Step, out io.Writer) error {
	keys, err := e.renderKeys(jc, step.Keys)
	if err != nil {
		return err
	}
	for _, p := range step.Paths {
		if _, err := jc.HostPath(p); err != nil {
			return err
		}
	}
	missing, stats, err := e.Cache.Save(ctx, keys[0], step.Paths, jc.cacheEnv())
	jc.Cache.Add(stats)
	for _, m := range missing {
		fmt.Fprintf(out, "Warning: %s does not exist, skipping\n", m)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Saved cache %s (%d bytes)\n", keys[0], stats.BytesSaved)
	return nil
}

func (e *Executor) storeArtifacts(jc *JobContext, step Step, out io.Writer) error {
	src, err := jc.HostPath(step.Path)
	if err != nil {
		return err
	}
	files, n, err := e.Artifacts.Store(jc.Scope, src, step.Destination)
	if errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(out, "No artifacts at %s\n", step.Path)
		return nil
	}
	jc.Artifacts += files
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Uploaded %d files (%d bytes) from %s\n", files, n, step.Path)
	return nil
}

func (e *Executor) storeTestResults(jc *JobContext, step Step, out io.Writer) error {
	src, err := jc.HostPath(step.Path)
	if err != nil {
		return err
	}
	sum, err := e.Artifacts.StoreTestResults(jc.Scope, src)
	if errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(out, "No test results at %s\n", step.Path)
		return nil
	}
	jc.Tests.Add(sum)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Test results: %d files, %d tests, %d failures, %d errors, %d skipped\n",
		sum.Files, sum.Tests, sum.Failures, sum.Errors, sum.Skipped)
	return nil
}

// convertTestResults never fails the job: a broken conversion must not
// hide the outcome of the test run itself.
func (e *Executor) convertTestResults(jc *JobContext, step Step, out io.Writer) {
	if err := e.convert(jc, step, out); err != nil {
		fmt.Fprintf(out, "Test report conversion failed: %v\n", err)
		e.log.Warn("test report conversion failed",
			zap.String("job", jc.Job.Name), zap.String("input", step.Input), zap.Error(err))
	}
}

func (e *Executor) convert(jc *JobContext, step Step, out io.Writer) error {
	src, err := jc.HostPath(step.Input)
	if err != nil {
		return err
	}
	dest, err := jc.HostPath(step.Output)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "open test output")
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrap(err, "create report directory")
	}
	f, err := os.Create(dest)
	if err != nil {
		return errors.Wrap(err, "create report")
	}
	ts, err := report.Convert(step.Format, in, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = errors.Wrap(cerr, "write report")
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote %s: %d tests, %d failures\n", step.Output, ts.Tests, ts.Failures)
	return nil
}

func (e *Executor) assertCleanTree(ctx context.Context, jc *JobContext, step Step, out io.Writer) error {
	entries, err := e.Git.Status(ctx, jc.WorkDir, !step.IgnoreUntracked)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "Working tree is clean")
		return nil
	}
	fmt.Fprintln(out, "The build changed the working tree:")
	for _, en := range entries {
		fmt.Fprintf(out, "  %s\n", en)
	}
	return errors.Wrapf(ErrDirtyTree, "%d changed paths", len(entries))
}
