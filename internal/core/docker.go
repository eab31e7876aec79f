package core

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type resources struct {
	CPUs   string
	Memory string
}

var resourceClasses = map[string]resources{
	"small":   {"1", "2g"},
	"medium":  {"2", "4g"},
	"large":   {"4", "8g"},
	"xlarge":  {"8", "16g"},
	"2xlarge": {"16", "32g"},
}

// KnownResourceClass reports whether class maps to container limits. The
// empty class means medium.
func KnownResourceClass(class string) bool {
	if class == "" {
		return true
	}
	_, ok := resourceClasses[class]
	return ok
}

// DockerShell runs every command of a job node inside one long-lived
// container. Host directories in Mounts appear at the same path inside the
// container so step paths mean the same thing on both sides.
type DockerShell struct {
	Binary        string
	Image         string
	ResourceClass string
	Mounts        []string
	Env           []string
	log           *zap.Logger

	mu        sync.Mutex
	container string
}

func NewDockerShell(image, resourceClass string, mounts, env []string, log *zap.Logger) *DockerShell {
	return &DockerShell{
		Binary:        "docker",
		Image:         image,
		ResourceClass: resourceClass,
		Mounts:        mounts,
		Env:           env,
		log:           log,
	}
}

// startArgs returns the `docker run` arguments for the job container.
func (d *DockerShell) startArgs() []string {
	res, ok := resourceClasses[d.ResourceClass]
	if !ok {
		res = resourceClasses["medium"]
	}
	args := []string{"run", "--detach", "--init", "--cpus", res.CPUs, "--memory", res.Memory}
	for _, m := range d.Mounts {
		args = append(args, "--volume", m+":"+m)
	}
	for _, e := range d.Env {
		args = append(args, "--env", e)
	}
	return append(args, "--entrypoint", "sleep", d.Image, "infinity")
}

func (d *DockerShell) start(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.container != "" {
		return d.container, nil
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.Binary, d.startArgs()...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "start container %s: %s", d.Image, strings.TrimSpace(stderr.String()))
	}
	d.container = strings.TrimSpace(stdout.String())
	d.log.Info("container started", zap.String("image", d.Image), zap.String("container", d.container))
	return d.container, nil
}

// execArgs returns the `docker exec` arguments for one command.
func (d *DockerShell) execArgs(container string, c ShellCommand) []string {
	args := []string{"exec"}
	if c.Dir != "" {
		args = append(args, "--workdir", c.Dir)
	}
	for _, e := range c.Env {
		args = append(args, "--env", e)
	}
	args = append(args, container)
	return append(args, shellArgv(c.Shell, c.Script)...)
}

func (d *DockerShell) Run(ctx context.Context, c ShellCommand) error {
	container, err := d.start(ctx)
	if err != nil {
		return err
	}
	argv := append([]string{d.Binary}, d.execArgs(container, c)...)
	return runProcess(ctx, argv, "", nil, c.NoOutputTimeout, c.Output)
}

// Close removes the container and with it any background process.
func (d *DockerShell) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.container == "" {
		return nil
	}
	out, err := exec.CommandContext(ctx, d.Binary, "rm", "--force", d.container).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "remove container %s: %s", d.container, strings.TrimSpace(string(out)))
	}
	d.log.Debug("container removed", zap.String("container", d.container))
	d.container = ""
	return nil
}
