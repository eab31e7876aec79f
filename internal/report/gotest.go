package report

import (
	"bufio"
	"encoding/json"
	"io"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// goTestEvent is one line of `go test -json` output.
type goTestEvent struct {
	Action  string  `json:"Action"`
	Package string  `json:"Package"`
	Test    string  `json:"Test"`
	Elapsed float64 `json:"Elapsed"`
	Output  string  `json:"Output"`
}

// ParseGoTestJSON reads a `go test -json` stream and returns one suite per
// package. Non-JSON lines (build output) are ignored.
func ParseGoTestJSON(r io.Reader) (*TestSuites, error) {
	type caseState struct {
		tc     TestCase
		output strings.Builder
		done   bool
	}
	type pkgState struct {
		suite TestSuite
		cases map[string]*caseState
		order []string
	}
	pkgs := map[string]*pkgState{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var ev goTestEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.Package == "" {
			continue
		}

		ps, ok := pkgs[ev.Package]
		if !ok {
			ps = &pkgState{suite: TestSuite{Name: ev.Package}, cases: map[string]*caseState{}}
			pkgs[ev.Package] = ps
		}
		if ev.Test == "" {
			if ev.Action == "pass" || ev.Action == "fail" || ev.Action == "skip" {
				ps.suite.Time = ev.Elapsed
			}
			continue
		}

		cs, ok := ps.cases[ev.Test]
		if !ok {
			cs = &caseState{tc: TestCase{Name: ev.Test, ClassName: ev.Package}}
			ps.cases[ev.Test] = cs
			ps.order = append(ps.order, ev.Test)
		}
		switch ev.Action {
		case "output":
			cs.output.WriteString(ev.Output)
		case "pass":
			cs.tc.Time, cs.done = ev.Elapsed, true
		case "fail":
			cs.tc.Time, cs.done = ev.Elapsed, true
			cs.tc.Failure = &Failure{Message: "test failed", Type: "failure"}
		case "skip":
			cs.tc.Time, cs.done = ev.Elapsed, true
			cs.tc.Skipped = &Skipped{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read go test output")
	}
	if len(pkgs) == 0 {
		return nil, ErrNoTests
	}

	names := make([]string, 0, len(pkgs))
	for name := range pkgs {
		names = append(names, name)
	}
	sort.Strings(names)

	ts := &TestSuites{}
	for _, name := range names {
		ps := pkgs[name]
		for _, test := range ps.order {
			cs := ps.cases[test]
			if !cs.done {
				// A test that never reported is a crash or timeout.
				cs.tc.Error = &Failure{Message: "test did not complete", Type: "error"}
			}
			if cs.tc.Failure != nil {
				cs.tc.Failure.Body = cs.output.String()
			} else if cs.tc.Error != nil {
				cs.tc.Error.Body = cs.output.String()
			}
			ps.suite.TestCases = append(ps.suite.TestCases, cs.tc)
		}
		ts.Suites = append(ts.Suites, ps.suite)
	}
	ts.finalize()
	return ts, nil
}
