package core

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadRustCI(t *testing.T) *Pipeline {
	t.Helper()
	p, err := LoadPipeline("testdata/rust-ci.yml")
	require.NoError(t, err)
	require.NoError(t, Validate(p))
	return p
}

func stepNames(steps []Step) []string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name
	}
	return names
}

func planJob(t *testing.T, plan *WorkflowPlan, name string) *JobPlan {
	t.Helper()
	for _, j := range plan.Jobs {
		if j.Name == name {
			return j
		}
	}
	t.Fatalf("job %q not planned", name)
	return nil
}

func TestPlanRustCIFeatureBranch(t *testing.T) {
	p := loadRustCI(t)
	plan, err := Plan(p, "main", PipelineValues{Branch: "feature/x", Revision: "abc123", Number: 7})
	require.NoError(t, err)
	require.Len(t, plan.Jobs, 3)

	job := planJob(t, plan, "run-tests")
	assert.Equal(t, "mobilecoin/builder-install:v0.0.17", job.Image)
	assert.Equal(t, "xlarge", job.ResourceClass)
	assert.Equal(t, "-D warnings", job.Environment["RUSTFLAGS"])
	assert.Equal(t, "450G", job.Environment["SCCACHE_CACHE_SIZE"])
	assert.Equal(t, 1, job.Parallelism)

	assert.Equal(t, []string{
		"Checkout code",
		"Init submodules",
		"Check toolchain consistency",
		"Install Rust",
		"Restore Cargo cache",
		"Set up environment",
		"Version Info",
		"Restore sccache cache",
		"Enable sccache",
		"Fetch project Cargo dependencies",
		"Run all tests",
		"Converting test results",
		"Check for dirty git",
		"Print sccache statistics",
		"Uploading artifacts",
		"Uploading test results",
		"Uploading artifacts",
	}, stepNames(job.Steps))

	restore := job.Steps[7]
	assert.Equal(t, StepRestoreCache, restore.Kind)
	assert.Equal(t, []string{
		"sccache-{{ arch }}-{{ .Job }}-{{ .Revision }}",
		"sccache-{{ arch }}-{{ .Job }}",
	}, restore.Keys)

	tests := job.Steps[10]
	assert.Equal(t, "mkdir -p ~/test-results && cargo test --frozen --no-fail-fast 2>&1 | tee ~/test-results/cargo-test.log", tests.Command)
	assert.Equal(t, WhenOnSuccess, tests.When)

	assert.Equal(t, WhenAlways, job.Steps[11].When)
	assert.Equal(t, WhenAlways, job.Steps[13].When)
	assert.Equal(t, WhenAlways, job.Steps[16].When)

	for _, s := range job.Steps {
		assert.NotEqual(t, StepSaveCache, s.Kind, "feature branches never persist caches")
	}
}

func TestPlanRustCIMainBranch(t *testing.T) {
	p := loadRustCI(t)
	plan, err := Plan(p, "main", PipelineValues{Branch: "main", Revision: "abc123"})
	require.NoError(t, err)

	job := planJob(t, plan, "lint")
	names := stepNames(job.Steps)
	assert.NotContains(t, names, "Restore sccache cache")
	assert.Contains(t, names, "Save sccache cache")
	assert.Contains(t, names, "Save Cargo cache")

	var saves []Step
	for _, s := range job.Steps {
		if s.Kind == StepSaveCache {
			saves = append(saves, s)
		}
	}
	require.Len(t, saves, 2)
	assert.Equal(t, []string{"sccache-{{ arch }}-{{ .Job }}-{{ .Revision }}-{{ epoch }}"}, saves[0].Keys)
	assert.Equal(t, []string{"~/.cache/sccache"}, saves[0].Paths)
}

func TestPlanPipelineParameterOverride(t *testing.T) {
	p := loadRustCI(t)
	plan, err := Plan(p, "main", PipelineValues{
		Branch:     "release",
		Parameters: map[string]string{"main_branch": "release"},
	})
	require.NoError(t, err)
	assert.Contains(t, stepNames(planJob(t, plan, "build-release").Steps), "Save Cargo cache")

	_, err = Plan(p, "main", PipelineValues{Parameters: map[string]string{"nope": "x"}})
	assert.True(t, errors.Is(err, ErrParameter))
}

func TestPlanJobParameterDefaultAndOverride(t *testing.T) {
	p := loadRustCI(t)
	plan, err := Plan(p, "main", PipelineValues{Branch: "dev"})
	require.NoError(t, err)
	job := planJob(t, plan, "build-release")
	assert.Equal(t, "HW", job.Environment["SGX_MODE"])
	assert.Contains(t, stepNames(job.Steps), "Cargo check (release)")
	for _, s := range job.Steps {
		if s.Name == "Cargo check (release)" {
			assert.Equal(t, "cargo check --frozen --release", s.Command)
		}
	}
}

const paramsConfig = `
version: 2.1
commands:
  greet:
    parameters:
      who:
        type: string
      loud:
        type: boolean
        default: false
      times:
        type: integer
        default: 1
      extra:
        type: steps
        default: []
    steps:
      - run: echo hello << parameters.who >> x<< parameters.times >>
      - when:
          condition: << parameters.loud >>
          steps:
            - run: echo LOUD
      - << parameters.extra >>
  twice:
    parameters:
      who:
        type: string
    steps:
      - greet:
          who: << parameters.who >>
      - greet:
          who: << parameters.who >>
          loud: true
          extra:
            - run:
                name: extra step
                command: echo extra
                no_output_timeout: 30s
jobs:
  build:
    parameters:
      target:
        type: enum
        enum: [debug, release]
        default: debug
    steps:
      - twice:
          who: << parameters.target >>
      - run:
          command: echo << pipeline.number >> << pipeline.git.revision >>
          background: true
workflows:
  ci:
    jobs:
      - build:
          name: build-release
          target: release
`

func TestExpandNestedCommands(t *testing.T) {
	p, err := ParsePipeline([]byte(paramsConfig))
	require.NoError(t, err)
	require.NoError(t, Validate(p))

	plan, err := Plan(p, "ci", PipelineValues{Number: 42, Revision: "deadbeef"})
	require.NoError(t, err)
	job := planJob(t, plan, "build-release")
	assert.Equal(t, "build", job.Job)

	assert.Equal(t, []string{
		"echo hello release x1",
		"echo hello release x1",
		"echo LOUD",
		"extra step",
		"echo 42 deadbeef",
	}, stepNames(job.Steps))
	assert.Equal(t, 30*time.Second, job.Steps[3].NoOutputTimeout)
	assert.True(t, job.Steps[4].Background)
}

func TestExpandRejectsBadArguments(t *testing.T) {
	for name, cfg := range map[string]string{
		"wrong enum": `
jobs:
  build:
    parameters:
      target: {type: enum, enum: [a, b]}
    steps: [{run: "echo << parameters.target >>"}]
workflows:
  ci:
    jobs: [{build: {target: c}}]
`,
		"missing required": `
commands:
  greet:
    parameters:
      who: {type: string}
    steps: [{run: echo hi}]
jobs:
  build:
    steps: [greet]
workflows:
  ci:
    jobs: [build]
`,
		"bad boolean": `
commands:
  greet:
    parameters:
      loud: {type: boolean}
    steps: [{run: echo hi}]
jobs:
  build:
    steps: [{greet: {loud: sometimes}}]
workflows:
  ci:
    jobs: [build]
`,
		"unknown argument": `
commands:
  greet:
    steps: [{run: echo hi}]
jobs:
  build:
    steps: [{greet: {colour: red}}]
workflows:
  ci:
    jobs: [build]
`,
	} {
		t.Run(name, func(t *testing.T) {
			p, err := ParsePipeline([]byte(cfg))
			require.NoError(t, err)
			_, err = Plan(p, "ci", PipelineValues{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrParameter), err.Error())
		})
	}
}

func TestExpandRecursionLimit(t *testing.T) {
	p, err := ParsePipeline([]byte(`
commands:
  a:
    steps: [b]
  b:
    steps: [a]
jobs:
  build:
    steps: [a]
workflows:
  ci:
    jobs: [build]
`))
	require.NoError(t, err)
	_, err = Plan(p, "ci", PipelineValues{})
	assert.True(t, errors.Is(err, ErrExpansionDepth))
}

func TestPlanBranchFiltersPropagate(t *testing.T) {
	p, err := ParsePipeline([]byte(`
jobs:
  build: {steps: [{run: make}]}
  deploy: {steps: [{run: make deploy}]}
  notify: {steps: [{run: echo done}]}
workflows:
  ci:
    jobs:
      - build
      - deploy:
          requires: [build]
          filters:
            branches:
              only: [main, /release-.*/]
      - notify:
          requires: [deploy]
`))
	require.NoError(t, err)

	plan, err := Plan(p, "ci", PipelineValues{Branch: "feature"})
	require.NoError(t, err)
	require.Len(t, plan.Jobs, 1)
	assert.Equal(t, []string{"deploy", "notify"}, plan.Skipped)

	plan, err = Plan(p, "ci", PipelineValues{Branch: "release-1.2"})
	require.NoError(t, err)
	assert.Len(t, plan.Jobs, 3)
	assert.Empty(t, plan.Skipped)
}

func TestBranchFilterIgnore(t *testing.T) {
	f := BranchFilter{Ignore: StringList{"/dependabot\\/.*/"}}
	ok, err := f.Matches("dependabot/cargo/serde")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.Matches("main")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDecodeBuiltinRequiresFields(t *testing.T) {
	p, err := ParsePipeline([]byte(`
jobs:
  build:
    steps:
      - save_cache:
          key: only-a-key
workflows:
  ci:
    jobs: [build]
`))
	require.NoError(t, err)
	_, err = Plan(p, "ci", PipelineValues{})
	assert.True(t, errors.Is(err, ErrInvalidStep))
}
