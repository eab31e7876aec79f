package core

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ciflow/internal/config"
	"ciflow/internal/ledger"
	"ciflow/internal/security"
	"ciflow/internal/storage"
	"ciflow/internal/vcs"
	"ciflow/pkg/utils"
)

// ShellFactory picks the shell a job node runs its commands in.
type ShellFactory func(jc *JobContext) (Shell, error)

// Runner ties together expansion, scheduler, executor, storage and the
// ledger.
type Runner struct {
	Executor  *Executor
	Scheduler *Scheduler
	Logs      *storage.LogStorage
	Ledger    *ledger.Ledger
	AgentID   string

	Workspace     string
	JobTimeout    time.Duration
	KeepWorkspace bool
	// IsolateHome gives every node its own home below its directory.
	IsolateHome bool
	NewShell    ShellFactory

	output io.Writer
	log    *zap.Logger
}

// NewRunner wires a runner from settings. The ledger signing key is
// created on first use.
func NewRunner(s config.Settings, log *zap.Logger) (*Runner, error) {
	workspace, err := filepath.Abs(s.Workspace)
	if err != nil {
		return nil, errors.Wrap(err, "workspace")
	}

	keys, created, err := security.EnsureKeyPair(s.KeyDir)
	if err != nil {
		return nil, errors.Wrap(err, "ledger keys")
	}
	if created {
		log.Info("generated ledger signing key", zap.String("dir", s.KeyDir))
	}
	led, err := ledger.Open(s.LedgerPath, keys)
	if err != nil {
		return nil, err
	}

	exec := NewExecutor(
		vcs.New(log),
		s.Repository,
		storage.NewCacheStore(s.CacheDir),
		storage.NewArtifactStore(s.ArtifactsDir),
		time.Duration(s.NoOutputTimeout),
		log,
	)
	return &Runner{
		Executor:      exec,
		Scheduler:     NewScheduler(s.MaxConcurrency, log),
		Logs:          storage.NewLogStorage(s.LogDir),
		Ledger:        led,
		AgentID:       s.AgentID,
		Workspace:     workspace,
		JobTimeout:    time.Duration(s.JobTimeout),
		KeepWorkspace: s.KeepWorkspace,
		IsolateHome:   s.Executor != config.ExecutorLocal,
		NewShell:      ShellFactoryFor(s, log),
		log:           log,
	}, nil
}

// ShellFactoryFor returns the shell factory of the configured executor.
// The docker executor runs jobs without an image on the host.
func ShellFactoryFor(s config.Settings, log *zap.Logger) ShellFactory {
	switch s.Executor {
	case config.ExecutorDocker:
		return func(jc *JobContext) (Shell, error) {
			if jc.Job.Image == "" {
				return NewLocalShell(), nil
			}
			return NewDockerShell(jc.Job.Image, jc.Job.ResourceClass, []string{jc.Dir}, []string{"HOME=" + jc.Home}, log), nil
		}
	case config.ExecutorAgent:
		return func(*JobContext) (Shell, error) {
			return NewRemoteShell(s.Agent.URL, s.AgentID), nil
		}
	}
	return func(*JobContext) (Shell, error) {
		return NewLocalShell(), nil
	}
}

// SetOutput mirrors every step's output to w.
func (r *Runner) SetOutput(w io.Writer) {
	r.output = &syncWriter{w: w}
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// RunPipeline plans and runs the given workflows, or all of them,
// concurrently. An error means the pipeline could not start; job failures
// are reported in the result.
func (r *Runner) RunPipeline(ctx context.Context, p *Pipeline, values PipelineValues, workflows ...string) (*PipelineResult, error) {
	if values.ID == "" {
		values.ID = uuid.NewString()
	}
	if len(workflows) == 0 {
		workflows = p.Workflows.Names()
	}

	plans := make([]*WorkflowPlan, 0, len(workflows))
	for _, name := range workflows {
		plan, err := Plan(p, name, values)
		if err != nil {
			return nil, errors.Wrapf(err, "workflow %q", name)
		}
		plans = append(plans, plan)
	}

	res := &PipelineResult{
		ID:        values.ID,
		Number:    values.Number,
		Branch:    values.Branch,
		Revision:  values.Revision,
		Status:    StatusRunning,
		Workflows: make([]*WorkflowResult, len(plans)),
		Started:   time.Now(),
	}
	log := r.log.With(zap.String("pipeline", values.ID))
	log.Info("pipeline started", zap.String("branch", values.Branch), zap.Strings("workflows", workflows))

	var eg errgroup.Group
	for i, plan := range plans {
		eg.Go(func() error {
			wr, err := r.Scheduler.Run(ctx, plan, func(ctx context.Context, job *JobPlan) *JobResult {
				return r.runJob(ctx, values, plan.Name, job)
			})
			if err != nil {
				return err
			}
			res.Workflows[i] = wr
			log.Info("workflow finished", zap.String("workflow", plan.Name), zap.String("status", string(wr.Status)))
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	res.finish()
	log.Info("pipeline finished",
		zap.String("status", string(res.Status)),
		zap.Duration("duration", res.Finished.Sub(res.Started)),
		zap.Int("cacheHits", res.Cache.Hits),
		zap.Int("cacheMisses", res.Cache.Misses),
		zap.Int("cacheSaves", res.Cache.Saves))
	return res, nil
}

func (r *Runner) runJob(ctx context.Context, values PipelineValues, workflow string, job *JobPlan) *JobResult {
	started := time.Now()
	log := r.log.With(zap.String("pipeline", values.ID), zap.String("workflow", workflow), zap.String("job", job.Name))
	log.Info("job started", zap.Int("parallelism", job.Parallelism))

	if r.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.JobTimeout)
		defer cancel()
	}

	res := &JobResult{Name: job.Name, Status: StatusSuccess, Nodes: make([]NodeResult, job.Parallelism)}
	var eg errgroup.Group
	for n := range job.Parallelism {
		eg.Go(func() error {
			res.Nodes[n] = r.runNode(ctx, values, workflow, job, n, log.With(zap.Int("node", n)))
			return nil
		})
	}
	_ = eg.Wait()

	for _, n := range res.Nodes {
		if n.Status.Failed() {
			res.Status = StatusFailed
			if res.Error == "" {
				res.Error = n.Error
			}
		}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.Status = StatusFailed
		res.Error = fmt.Sprintf("job timed out after %s", r.JobTimeout)
	}
	res.Duration = time.Since(started)
	log.Info("job finished", zap.String("status", string(res.Status)), zap.Duration("duration", res.Duration))
	return res
}

func (r *Runner) runNode(ctx context.Context, values PipelineValues, workflow string, job *JobPlan, node int, log *zap.Logger) NodeResult {
	started := time.Now()
	nr := NodeResult{Index: node, Status: StatusRunning}
	fail := func(err error) NodeResult {
		nr.Status = StatusFailed
		nr.Error = err.Error()
		nr.Duration = time.Since(started)
		log.Error("node failed to start", zap.Error(err))
		return nr
	}

	scope := storage.Scope{Pipeline: values.ID, Workflow: workflow, Job: job.Name, Node: node}
	dir := filepath.Join(r.Workspace, scope.Dir())
	home, err := r.home(dir)
	if err != nil {
		return fail(err)
	}
	jc, err := newJobContext(ctx, values, workflow, job, node, dir, home)
	if err != nil {
		return fail(err)
	}
	if r.IsolateHome {
		jc.Env["HOME"] = home
	}
	shell, err := r.NewShell(jc)
	if err != nil {
		jc.finish()
		return fail(err)
	}
	jc.Shell = shell
	_, local := shell.(*LocalShell)
	jc.Confined = !local
	defer func() {
		jc.finish()
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := shell.Close(cctx); err != nil {
			log.Warn("close shell", zap.Error(err))
		}
		if !r.KeepWorkspace {
			if err := os.RemoveAll(dir); err != nil {
				log.Warn("remove workspace", zap.Error(err))
			}
		}
	}()

	if err := jc.checkConfined(); err != nil {
		return fail(err)
	}

	failed := false
	for i, st := range job.Steps {
		if !st.When.ShouldRun(failed) {
			nr.Steps = append(nr.Steps, StepResult{Index: i, Name: st.Name, Kind: st.Kind, Status: StatusSkipped})
			continue
		}
		sr := r.runStep(ctx, jc, i, st, log)
		if sr.Status == StatusFailed && !st.AllowFailure {
			if !failed {
				nr.Error = fmt.Sprintf("step %q: %s", st.Name, sr.Error)
			}
			failed = true
		}
		nr.Steps = append(nr.Steps, sr)
	}

	nr.Status = StatusSuccess
	if failed {
		nr.Status = StatusFailed
	}
	nr.Cache, nr.Tests, nr.Artifacts = jc.Cache, jc.Tests, jc.Artifacts
	nr.Duration = time.Since(started)
	return nr
}

func (r *Runner) home(dir string) (string, error) {
	if r.IsolateHome {
		home := filepath.Join(dir, "home")
		return home, errors.Wrap(os.MkdirAll(home, 0o755), "create home")
	}
	home, err := os.UserHomeDir()
	return home, errors.Wrap(err, "home directory")
}

func (r *Runner) runStep(ctx context.Context, jc *JobContext, index int, st Step, log *zap.Logger) StepResult {
	started := time.Now()
	sr := StepResult{Index: index, Name: st.Name, Kind: st.Kind, AllowFailure: st.AllowFailure}

	f, err := r.Logs.Create(jc.Scope, index, st.Name)
	if err != nil {
		sr.Status, sr.ExitCode, sr.Error = StatusFailed, -1, err.Error()
		return sr
	}
	sr.LogPath = f.Name()

	var out io.Writer = f
	if r.output != nil {
		out = io.MultiWriter(f, r.output)
	}
	fmt.Fprintf(out, "==> [%s/%s #%d] %s\n", jc.Workflow, jc.Job.Name, jc.Node, st.Name)

	err = r.Executor.RunStep(ctx, jc, st, out)
	if st.Background {
		jc.closeOnFinish(f)
	} else if cerr := f.Close(); cerr != nil {
		log.Warn("close step log", zap.Error(cerr))
	}

	sr.Duration = time.Since(started)
	sr.ExitCode = ExitCode(err)
	if err != nil {
		sr.Status, sr.Error = StatusFailed, err.Error()
		fmt.Fprintf(r.outputOr(io.Discard), "==> [%s/%s #%d] %s failed: %v\n", jc.Workflow, jc.Job.Name, jc.Node, st.Name, err)
		log.Warn("step failed",
			zap.String("step", st.Name),
			zap.Int("exitCode", sr.ExitCode),
			zap.Bool("allowFailure", st.AllowFailure),
			zap.Error(err))
	} else {
		sr.Status = StatusSuccess
		log.Debug("step finished", zap.String("step", st.Name), zap.Duration("duration", sr.Duration))
	}
	r.record(jc, sr, log)
	return sr
}

func (r *Runner) outputOr(w io.Writer) io.Writer {
	if r.output != nil {
		return r.output
	}
	return w
}

// record appends a signed ledger entry for an executed step.
func (r *Runner) record(jc *JobContext, sr StepResult, log *zap.Logger) {
	if r.Ledger == nil {
		return
	}
	rec := &ledger.Record{
		Pipeline: jc.Values.ID,
		Workflow: jc.Workflow,
		Job:      jc.Job.Name,
		Node:     jc.Node,
		Step:     sr.Index,
		Name:     sr.Name,
		Status:   string(sr.Status),
		ExitCode: sr.ExitCode,
		LogPath:  sr.LogPath,
		AgentID:  r.AgentID,
	}
	if sr.LogPath != "" {
		h, err := utils.HashFile(sr.LogPath)
		if err != nil {
			log.Warn("hash step log", zap.Error(err))
		}
		rec.LogHash = h
	}
	if err := r.Ledger.Append(rec); err != nil {
		log.Warn("ledger append failed", zap.Error(err))
	}
}
