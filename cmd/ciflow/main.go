package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// exitError carries the process exit code of a failed command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	return e.msg
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		if e, ok := err.(*exitError); ok {
			if e.msg != "" {
				fmt.Fprintln(os.Stderr, e.msg)
			}
			os.Exit(e.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

const usage = `ciflow runs CI pipelines.

Usage:
  ciflow run [flags] <config.yml>        run workflows locally
  ciflow validate <config.yml>           check a pipeline definition
  ciflow expand [flags] <config.yml>     print the expanded jobs
  ciflow graph [flags] <config.yml>      print a workflow as DOT
  ciflow submit [flags] <config.yml>     submit to a ciflow server
  ciflow status [flags] <pipeline-id>    show a submitted pipeline
  ciflow ledger inspect|verify [flags]   read the step ledger
  ciflow keygen [flags]                  create a ledger signing key

Run 'ciflow <command> -h' for the flags of a command.
`

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return &exitError{code: 2}
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "run":
		return cmdRun(ctx, rest, stdout, stderr)
	case "validate":
		return cmdValidate(rest, stdout, stderr)
	case "expand":
		return cmdExpand(ctx, rest, stdout, stderr)
	case "graph":
		return cmdGraph(ctx, rest, stdout, stderr)
	case "submit":
		return cmdSubmit(ctx, rest, stdout, stderr)
	case "status":
		return cmdStatus(ctx, rest, stdout, stderr)
	case "ledger":
		return cmdLedger(rest, stdout, stderr)
	case "keygen":
		return cmdKeygen(rest, stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	}
	fmt.Fprint(stderr, usage)
	return &exitError{code: 2, msg: fmt.Sprintf("unknown command %q", cmd)}
}
