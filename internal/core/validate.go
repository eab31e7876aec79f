package core

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

var ErrInvalidPipeline = errors.New("invalid pipeline")

// Validate checks a pipeline without running it and reports every problem
// found: dangling names, cycles, unknown steps, undeclared references and
// malformed parameter declarations.
func Validate(p *Pipeline) error {
	v := &validator{p: p}
	v.run()
	return v.errs
}

type validator struct {
	p    *Pipeline
	errs error
}

func (v *validator) addf(format string, args ...any) {
	v.errs = multierr.Append(v.errs, errors.Wrapf(ErrInvalidPipeline, format, args...))
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (v *validator) run() {
	p := v.p
	v.parameters("pipeline", p.Parameters)

	for _, name := range sortedKeys(p.Executors) {
		ex := p.Executors[name]
		if len(ex.Docker) > 0 && ex.Docker[0].Image == "" {
			v.addf("executor %q: docker image is empty", name)
		}
		if !KnownResourceClass(ex.ResourceClass) {
			v.addf("executor %q: unknown resource class %q", name, ex.ResourceClass)
		}
	}

	for _, name := range sortedKeys(p.Commands) {
		cmd := p.Commands[name]
		where := "command " + name
		if _, ok := builtinSteps[name]; ok || name == "when" || name == "unless" {
			v.addf("%s: name is reserved for a built-in step", where)
		}
		if len(cmd.Steps) == 0 {
			v.addf("%s: no steps", where)
		}
		v.parameters(where, cmd.Parameters)
		v.steps(where, cmd.Steps, cmd.Parameters)
	}

	for _, name := range sortedKeys(p.Jobs) {
		job := p.Jobs[name]
		where := "job " + name
		if job.Executor.Name != "" {
			if _, ok := p.Executors[job.Executor.Name]; !ok {
				v.addf("%s: unknown executor %q", where, job.Executor.Name)
			}
		}
		if job.Parallelism < 0 {
			v.addf("%s: parallelism must not be negative", where)
		}
		if !KnownResourceClass(job.ResourceClass) {
			v.addf("%s: unknown resource class %q", where, job.ResourceClass)
		}
		if len(job.Steps) == 0 {
			v.addf("%s: no steps", where)
		}
		v.parameters(where, job.Parameters)
		v.steps(where, job.Steps, job.Parameters)
	}

	if len(p.Workflows) == 0 {
		v.addf("no workflows")
	}
	for _, name := range p.Workflows.Names() {
		v.workflow(p.Workflows[name])
	}
}

func (v *validator) parameters(where string, defs map[string]Parameter) {
	for _, name := range sortedKeys(defs) {
		def := defs[name]
		switch def.Type {
		case "", ParamString, ParamBoolean, ParamInteger, ParamSteps, ParamEnvVarName:
		case ParamEnum:
			if len(def.Enum) == 0 {
				v.addf("%s: enum parameter %q has no values", where, name)
			}
		default:
			v.addf("%s: parameter %q has unknown type %q", where, name, def.Type)
			continue
		}
		if def.HasDefault() && !strings.Contains(def.Default.Value, "<<") {
			if err := checkParameter(def, &def.Default); err != nil {
				v.addf("%s: default of %q: %v", where, name, err)
			}
		}
	}
}

func (v *validator) workflow(wf *Workflow) {
	where := "workflow " + wf.Name
	if len(wf.Jobs) == 0 {
		v.addf("%s: no jobs", where)
		return
	}

	names := make([]string, 0, len(wf.Jobs))
	requires := map[string][]string{}
	seen := map[string]bool{}
	for _, wj := range wf.Jobs {
		if seen[wj.Name] {
			v.addf("%s: duplicate job name %q", where, wj.Name)
			continue
		}
		seen[wj.Name] = true
		names = append(names, wj.Name)
		requires[wj.Name] = wj.Requires

		job, ok := v.p.Jobs[wj.Job]
		if !ok {
			v.addf("%s: unknown job %q", where, wj.Job)
			continue
		}
		for arg := range wj.Args {
			if _, ok := job.Parameters[arg]; !ok {
				v.addf("%s: job %q has no parameter %q", where, wj.Name, arg)
			}
		}
		for _, pname := range sortedKeys(job.Parameters) {
			if _, given := wj.Args[pname]; !given && !job.Parameters[pname].HasDefault() {
				v.addf("%s: job %q is missing parameter %q", where, wj.Name, pname)
			}
		}
		for _, pattern := range append(append([]string{}, wj.Filters.Branches.Only...), wj.Filters.Branches.Ignore...) {
			if _, err := matchAny([]string{pattern}, ""); err != nil {
				v.addf("%s: job %q: %v", where, wj.Name, err)
			}
		}
	}

	for _, n := range names {
		for _, r := range requires[n] {
			if !seen[r] {
				v.addf("%s: job %q requires unknown job %q", where, n, r)
			}
		}
	}
	if _, err := dependencyGraph(names, requires); err != nil && errors.Is(err, ErrCycle) {
		v.errs = multierr.Append(v.errs, fmt.Errorf("%s: %w: %w", where, err, ErrInvalidPipeline))
	}
}

// steps checks a raw step list: every step must be known, and every
// reference must be declared where the list lives.
func (v *validator) steps(where string, nodes []yaml.Node, params map[string]Parameter) {
	for i := range nodes {
		v.refs(where, &nodes[i], params)
		v.step(where, &nodes[i], params)
	}
}

func (v *validator) step(where string, n *yaml.Node, params map[string]Parameter) {
	if n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	switch n.Kind {
	case yaml.ScalarNode:
		if m := refPattern.FindStringSubmatch(n.Value); m != nil && strings.TrimSpace(n.Value) == m[0] {
			name, ok := strings.CutPrefix(m[1], "parameters.")
			if !ok || params[name].Type != ParamSteps {
				v.addf("%s: line %d: %s cannot be used as a step", where, n.Line, m[0])
			}
			return
		}
		if n.Value == string(StepCheckout) || n.Value == string(StepAssertCleanTree) {
			return
		}
		if _, ok := v.p.Commands[n.Value]; !ok {
			v.addf("%s: line %d: unknown step %q", where, n.Line, n.Value)
		}

	case yaml.MappingNode:
		if len(n.Content) != 2 {
			v.addf("%s: line %d: step must have exactly one key", where, n.Line)
			return
		}
		key, body := n.Content[0].Value, n.Content[1]
		if _, ok := builtinSteps[key]; ok {
			return
		}
		switch key {
		case "when", "unless":
			var cond struct {
				Condition yaml.Node   `yaml:"condition"`
				Steps     []yaml.Node `yaml:"steps"`
			}
			if err := body.Decode(&cond); err != nil {
				v.addf("%s: line %d: %v", where, n.Line, err)
				return
			}
			if cond.Condition.Kind == 0 {
				v.addf("%s: line %d: %s without condition", where, n.Line, key)
			}
			for i := range cond.Steps {
				v.step(where, &cond.Steps[i], params)
			}
			return
		}
		cmd, ok := v.p.Commands[key]
		if !ok {
			v.addf("%s: line %d: unknown step %q", where, n.Line, key)
			return
		}
		args, err := mappingArgs(body)
		if err != nil {
			v.addf("%s: line %d: %v", where, n.Line, err)
			return
		}
		for arg := range args {
			if _, ok := cmd.Parameters[arg]; !ok {
				v.addf("%s: line %d: command %q has no parameter %q", where, n.Line, key, arg)
			}
		}
		for _, pname := range sortedKeys(cmd.Parameters) {
			if _, given := args[pname]; !given && !cmd.Parameters[pname].HasDefault() {
				v.addf("%s: line %d: command %q is missing parameter %q", where, n.Line, key, pname)
			}
		}

	default:
		v.addf("%s: line %d: a step must be a name or a mapping", where, n.Line)
	}
}

// refs reports references to undeclared parameters anywhere below n.
func (v *validator) refs(where string, n *yaml.Node, params map[string]Parameter) {
	if n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	if n.Kind == yaml.ScalarNode {
		for _, m := range refPattern.FindAllStringSubmatch(n.Value, -1) {
			v.ref(where, n.Line, m[1], params)
		}
		return
	}
	for _, c := range n.Content {
		v.refs(where, c, params)
	}
}

func (v *validator) ref(where string, line int, ref string, params map[string]Parameter) {
	switch ref {
	case "pipeline.git.branch", "pipeline.git.revision", "pipeline.number", "pipeline.id":
		return
	}
	if name, ok := strings.CutPrefix(ref, "pipeline.parameters."); ok {
		if _, ok := v.p.Parameters[name]; !ok {
			v.addf("%s: line %d: undeclared pipeline parameter %q", where, line, name)
		}
		return
	}
	if name, ok := strings.CutPrefix(ref, "parameters."); ok {
		if _, ok := params[name]; !ok {
			v.addf("%s: line %d: undeclared parameter %q", where, line, name)
		}
		return
	}
	v.addf("%s: line %d: unknown reference << %s >>", where, line, ref)
}
