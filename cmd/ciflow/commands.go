package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"ciflow/internal/core"
	"ciflow/internal/ledger"
	"ciflow/internal/security"
	"ciflow/internal/vcs"
	"ciflow/pkg/utils"
)

func cmdRun(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, common := newFlagSet("run", "<config.yml>", stderr)
	pf := addPipelineFlags(fs)
	executor := fs.String("executor", "", "override the executor (local, docker, agent)")
	quiet := fs.Bool("quiet", false, "do not stream step output")
	path, err := parse(fs, args)
	if err != nil {
		return err
	}

	s, log, err := common.load()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if *executor != "" {
		s.Executor = *executor
		if err := s.Validate(); err != nil {
			return err
		}
	}

	p, err := loadPipeline(path)
	if err != nil {
		return err
	}
	git := vcs.New(log)
	if s.Repository == "" {
		if wd, err := os.Getwd(); err == nil {
			s.Repository, _ = git.TopLevel(ctx, wd)
		}
	}

	runner, err := core.NewRunner(s, log)
	if err != nil {
		return err
	}
	if !*quiet {
		runner.SetOutput(stdout)
	}

	res, err := runner.RunPipeline(ctx, p, pf.values(ctx, git), pf.workflows...)
	if err != nil {
		return err
	}
	printSummary(stdout, res)
	if res.Status != core.StatusSuccess {
		return &exitError{code: 1, msg: fmt.Sprintf("pipeline %s %s", res.ID, res.Status)}
	}
	return nil
}

func printSummary(w io.Writer, res *core.PipelineResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "\nPipeline %s #%d (%s)\n", res.ID, res.Number, res.Branch)
	fmt.Fprintln(tw, "WORKFLOW\tJOB\tSTATUS\tDURATION\tERROR")
	for _, wf := range res.Workflows {
		for _, j := range wf.Jobs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", wf.Name, j.Name, j.Status, j.Duration.Round(time.Millisecond), j.Error)
		}
	}
	fmt.Fprintf(tw, "\nStatus: %s  Duration: %s\n", res.Status, res.Finished.Sub(res.Started).Round(time.Millisecond))
	fmt.Fprintf(tw, "Cache: %d hits, %d misses, %d saves\n", res.Cache.Hits, res.Cache.Misses, res.Cache.Saves)
	if res.Tests.Tests > 0 {
		fmt.Fprintf(tw, "Tests: %d run, %d failures, %d errors, %d skipped\n", res.Tests.Tests, res.Tests.Failures, res.Tests.Errors, res.Tests.Skipped)
	}
	_ = tw.Flush()
}

func cmdValidate(args []string, stdout, stderr io.Writer) error {
	fs, _ := newFlagSet("validate", "<config.yml>", stderr)
	path, err := parse(fs, args)
	if err != nil {
		return err
	}
	p, err := loadPipeline(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: ok (%d jobs, %d workflows)\n", path, len(p.Jobs), len(p.Workflows))
	return nil
}

// plans expands the selected workflows without touching runner state.
func plans(ctx context.Context, path string, pf *pipelineFlags) ([]*core.WorkflowPlan, error) {
	p, err := loadPipeline(path)
	if err != nil {
		return nil, err
	}
	values := pf.values(ctx, vcs.New(zap.NewNop()))
	names := []string(pf.workflows)
	if len(names) == 0 {
		names = p.Workflows.Names()
	}
	out := make([]*core.WorkflowPlan, 0, len(names))
	for _, name := range names {
		plan, err := core.Plan(p, name, values)
		if err != nil {
			return nil, errors.Wrapf(err, "workflow %q", name)
		}
		out = append(out, plan)
	}
	return out, nil
}

func cmdExpand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, _ := newFlagSet("expand", "<config.yml>", stderr)
	pf := addPipelineFlags(fs)
	path, err := parse(fs, args)
	if err != nil {
		return err
	}
	out, err := plans(ctx, path, pf)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return errors.Wrap(enc.Encode(out), "encode plan")
}

func cmdGraph(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, _ := newFlagSet("graph", "<config.yml>", stderr)
	pf := addPipelineFlags(fs)
	path, err := parse(fs, args)
	if err != nil {
		return err
	}
	out, err := plans(ctx, path, pf)
	if err != nil {
		return err
	}
	if len(out) != 1 {
		return &exitError{code: 2, msg: "graph needs exactly one -workflow"}
	}
	return core.DrawWorkflow(stdout, out[0], nil)
}

func cmdSubmit(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, _ := newFlagSet("submit", "<config.yml>", stderr)
	pf := addPipelineFlags(fs)
	server := fs.String("server", "http://localhost:8080", "ciflow server URL")
	path, err := parse(fs, args)
	if err != nil {
		return err
	}
	if _, err := loadPipeline(path); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read pipeline")
	}

	values := pf.values(ctx, vcs.New(zap.NewNop()))
	q := url.Values{}
	q.Set("branch", values.Branch)
	q.Set("revision", values.Revision)
	for _, wf := range pf.workflows {
		q.Add("workflow", wf)
	}
	for k, v := range values.Parameters {
		q.Set("param."+k, v)
	}

	body, status, err := request(ctx, http.MethodPost, strings.TrimRight(*server, "/")+"/pipelines?"+q.Encode(), "application/x-yaml", data)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, strings.TrimSpace(string(body)))
	if status != http.StatusAccepted {
		return &exitError{code: 1, msg: fmt.Sprintf("server returned %d", status)}
	}
	return nil
}

func cmdStatus(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, _ := newFlagSet("status", "<pipeline-id>", stderr)
	server := fs.String("server", "http://localhost:8080", "ciflow server URL")
	id, err := parse(fs, args)
	if err != nil {
		return err
	}
	body, status, err := request(ctx, http.MethodGet, strings.TrimRight(*server, "/")+"/pipelines/"+url.PathEscape(id), "", nil)
	if err != nil {
		return err
	}
	var out bytes.Buffer
	if json.Indent(&out, body, "", "  ") != nil {
		out.Reset()
		out.Write(body)
	}
	fmt.Fprintln(stdout, strings.TrimSpace(out.String()))
	if status != http.StatusOK {
		return &exitError{code: 1, msg: fmt.Sprintf("server returned %d", status)}
	}
	return nil
}

func request(ctx context.Context, method, target, contentType string, data []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(data))
	if err != nil {
		return nil, 0, errors.Wrap(err, "build request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "%s %s", method, target)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, errors.Wrap(err, "read response")
	}
	return body, resp.StatusCode, nil
}

func cmdLedger(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 || (args[0] != "inspect" && args[0] != "verify") {
		fmt.Fprintln(stderr, "Usage: ciflow ledger inspect|verify [flags]")
		return &exitError{code: 2}
	}
	sub := args[0]
	fs, common := newFlagSet("ledger "+sub, "", stderr)
	path := fs.String("ledger", "", "ledger file (default: from settings)")
	pubkey := fs.String("pubkey", "", "trusted public key file (default: ledger.pub in the settings key dir)")
	if err := fs.Parse(args[1:]); err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return &exitError{code: 2}
	}
	if *path == "" || (sub == "verify" && *pubkey == "") {
		s, _, err := common.load()
		if err != nil {
			return err
		}
		if *path == "" {
			*path = s.LedgerPath
		}
		if *pubkey == "" {
			*pubkey = filepath.Join(s.KeyDir, "ledger.pub")
		}
	}

	var keys *security.KeyPair
	if sub == "verify" {
		pub, err := security.LoadPublicKey(*pubkey)
		if err != nil {
			return errors.Wrap(err, "trusted key")
		}
		keys = &security.KeyPair{Public: pub}
	}
	l, err := ledger.Open(*path, keys)
	if err != nil {
		return err
	}
	if sub == "inspect" {
		tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "INDEX\tPIPELINE\tWORKFLOW\tJOB\tNODE\tSTEP\tSTATUS\tEXIT\tHASH")
		for _, r := range l.Records() {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\t%d\t%s\n",
				r.Index, utils.ShortHash(r.Pipeline), r.Workflow, r.Job, r.Node, r.Name, r.Status, r.ExitCode, utils.ShortHash(r.Hash))
		}
		return tw.Flush()
	}

	if err := l.Verify(); err != nil {
		return &exitError{code: 1, msg: "ledger verification failed: " + err.Error()}
	}
	fmt.Fprintf(stdout, "ledger ok: %d records\n", l.Len())
	return nil
}

func cmdKeygen(args []string, stdout, stderr io.Writer) error {
	fs, common := newFlagSet("keygen", "", stderr)
	dir := fs.String("dir", "", "key directory (default: from settings)")
	force := fs.Bool("force", false, "replace an existing key pair")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return &exitError{code: 2}
	}
	if *dir == "" {
		s, _, err := common.load()
		if err != nil {
			return err
		}
		*dir = s.KeyDir
	}

	pubPath := filepath.Join(*dir, "ledger.pub")
	privPath := filepath.Join(*dir, "ledger.priv")
	if _, err := os.Stat(pubPath); err == nil && !*force {
		return &exitError{code: 1, msg: pubPath + " exists, use -force to replace it"}
	}
	kp, err := security.GenerateKeyPair()
	if err != nil {
		return err
	}
	if err := kp.Save(pubPath, privPath); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s and %s\npublic key: %s\n", pubPath, privPath, kp.PublicHex())
	return nil
}
