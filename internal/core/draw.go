package core

import (
	"fmt"
	"io"
	"time"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
	"github.com/pkg/errors"
	"gopkg.in/go-playground/colors.v1" //nolint
)

var statusRGB = map[Status][3]uint8{
	StatusPending:  {220, 220, 220},
	StatusRunning:  {120, 170, 240},
	StatusSuccess:  {110, 200, 120},
	StatusFailed:   {235, 90, 80},
	StatusBlocked:  {240, 180, 80},
	StatusSkipped:  {190, 190, 190},
	StatusCanceled: {160, 120, 200},
}

func statusColor(s Status) (string, error) {
	rgb, ok := statusRGB[s]
	if !ok {
		rgb = statusRGB[StatusPending]
	}
	c, err := colors.RGB(rgb[0], rgb[1], rgb[2])
	if err != nil {
		return "", errors.Wrap(err, "unable to get colour")
	}
	return c.ToHEX().String(), nil
}

// DrawWorkflow writes the job graph of plan in DOT format. With a result,
// jobs are coloured by status and labelled with their duration.
func DrawWorkflow(w io.Writer, plan *WorkflowPlan, result *WorkflowResult) error {
	g := graph.New(graph.StringHash, graph.Directed())

	addJob := func(name string) error {
		status, label := StatusPending, name
		if result != nil {
			if jr := result.Job(name); jr != nil {
				status = jr.Status
				if jr.Duration > 0 {
					label = fmt.Sprintf("%s\\n%s", name, jr.Duration.Round(time.Millisecond))
				}
			}
		} else if isSkipped(plan, name) {
			status = StatusSkipped
		}
		color, err := statusColor(status)
		if err != nil {
			return err
		}
		return g.AddVertex(name,
			graph.VertexAttribute("label", label),
			graph.VertexAttribute("style", "filled"),
			graph.VertexAttribute("fillcolor", color),
			graph.VertexAttribute("tooltip", string(status)),
		)
	}

	for _, j := range plan.Jobs {
		if err := addJob(j.Name); err != nil {
			return errors.Wrapf(err, "unable to add job %s", j.Name)
		}
	}
	for _, name := range plan.Skipped {
		if err := addJob(name); err != nil {
			return errors.Wrapf(err, "unable to add job %s", name)
		}
	}
	link := func(from, to string) error {
		if err := g.AddEdge(from, to); err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
			return errors.Wrapf(err, "unable to link %s to %s", from, to)
		}
		return nil
	}
	for _, j := range plan.Jobs {
		for _, r := range j.Requires {
			if err := link(r, j.Name); err != nil {
				return err
			}
		}
	}
	for _, name := range plan.Skipped {
		for _, r := range plan.SkippedRequires[name] {
			if err := link(r, name); err != nil {
				return err
			}
		}
	}
	return errors.Wrap(draw.DOT(g, w), "unable to draw workflow")
}

func isSkipped(plan *WorkflowPlan, name string) bool {
	for _, s := range plan.Skipped {
		if s == name {
			return true
		}
	}
	return false
}
