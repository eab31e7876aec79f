package core

import (
	"time"

	"ciflow/internal/report"
	"ciflow/internal/storage"
)

// Status is the state of a pipeline, workflow, job or step.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusBlocked  Status = "blocked"
	StatusSkipped  Status = "skipped"
	StatusCanceled Status = "canceled"
)

// Failed reports whether the status counts as a failure of its parent.
func (s Status) Failed() bool {
	return s == StatusFailed || s == StatusBlocked || s == StatusCanceled
}

type StepResult struct {
	Index         int           `json:"index"`
	Name          string        `json:"name"`
	Kind          StepKind      `json:"kind"`
	Status        Status        `json:"status"`
	ExitCode      int           `json:"exitCode"`
	AllowFailure  bool          `json:"allowFailure,omitempty"`
	Duration      time.Duration `json:"duration"`
	LogPath       string        `json:"logPath,omitempty"`
	Error         string        `json:"error,omitempty"`
	CacheKey      string        `json:"cacheKey,omitempty"`
	ArtifactFiles int           `json:"artifactFiles,omitempty"`
}

// NodeResult is one parallel instance of a job.
type NodeResult struct {
	Index     int                `json:"index"`
	Status    Status             `json:"status"`
	Steps     []StepResult       `json:"steps"`
	Cache     storage.CacheStats `json:"cache"`
	Tests     report.Summary     `json:"tests"`
	Artifacts int                `json:"artifacts"`
	Error     string             `json:"error,omitempty"`
	Duration  time.Duration      `json:"duration"`
}

type JobResult struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Nodes    []NodeResult  `json:"nodes,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Cache sums the cache statistics of every node.
func (j *JobResult) Cache() storage.CacheStats {
	var s storage.CacheStats
	for _, n := range j.Nodes {
		s.Add(n.Cache)
	}
	return s
}

// Tests sums the test summaries of every node.
func (j *JobResult) Tests() report.Summary {
	var s report.Summary
	for _, n := range j.Nodes {
		s.Add(n.Tests)
	}
	return s
}

// Step returns the first step with the given name on node 0, or nil.
func (j *JobResult) Step(name string) *StepResult {
	if len(j.Nodes) == 0 {
		return nil
	}
	for i := range j.Nodes[0].Steps {
		if j.Nodes[0].Steps[i].Name == name {
			return &j.Nodes[0].Steps[i]
		}
	}
	return nil
}

type WorkflowResult struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Jobs     []*JobResult  `json:"jobs"`
	Duration time.Duration `json:"duration"`
}

// Job returns the result of the named job, or nil.
func (w *WorkflowResult) Job(name string) *JobResult {
	for _, j := range w.Jobs {
		if j.Name == name {
			return j
		}
	}
	return nil
}

type PipelineResult struct {
	ID        string             `json:"id"`
	Number    int                `json:"number"`
	Branch    string             `json:"branch"`
	Revision  string             `json:"revision"`
	Status    Status             `json:"status"`
	Workflows []*WorkflowResult  `json:"workflows"`
	Cache     storage.CacheStats `json:"cache"`
	Tests     report.Summary     `json:"tests"`
	Started   time.Time          `json:"started"`
	Finished  time.Time          `json:"finished"`
}

// Workflow returns the result of the named workflow, or nil.
func (p *PipelineResult) Workflow(name string) *WorkflowResult {
	for _, w := range p.Workflows {
		if w.Name == name {
			return w
		}
	}
	return nil
}

func (p *PipelineResult) finish() {
	p.Status = StatusSuccess
	for _, w := range p.Workflows {
		if w.Status.Failed() {
			p.Status = StatusFailed
		}
		for _, j := range w.Jobs {
			p.Cache.Add(j.Cache())
			p.Tests.Add(j.Tests())
		}
	}
	p.Finished = time.Now()
}
