package report

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	cargoRunning  = regexp.MustCompile(`^\s*(?:Running|Doc-tests)\s+(.+?)\s*$`)
	cargoTest     = regexp.MustCompile(`^test (.+?) \.\.\. (ok|FAILED|ignored.*)$`)
	cargoDetail   = regexp.MustCompile(`^---- (.+?) stdout ----$`)
	cargoFinished = regexp.MustCompile(`finished in ([0-9.]+)s`)
)

// ParseCargo reads the human readable output of `cargo test` and returns
// one suite per test binary.
func ParseCargo(r io.Reader) (*TestSuites, error) {
	ts := &TestSuites{}
	var (
		suite     *TestSuite
		index     = map[string]int{}
		detailFor string
		detail    strings.Builder
	)

	flushDetail := func() {
		if detailFor == "" {
			return
		}
		if i, ok := index[detailFor]; ok && suite.TestCases[i].Failure != nil {
			suite.TestCases[i].Failure.Body = strings.TrimRight(detail.String(), "\n")
		}
		detailFor = ""
		detail.Reset()
	}
	pending := "cargo"
	newSuite := func() {
		ts.Suites = append(ts.Suites, TestSuite{Name: pending})
		suite = &ts.Suites[len(ts.Suites)-1]
		index = map[string]int{}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		if m := cargoRunning.FindStringSubmatch(line); m != nil {
			flushDetail()
			pending = m[1]
			continue
		}
		if strings.HasPrefix(line, "running ") && (strings.HasSuffix(line, " tests") || strings.HasSuffix(line, " test")) {
			flushDetail()
			newSuite()
			continue
		}
		if suite == nil {
			continue
		}
		if m := cargoTest.FindStringSubmatch(line); m != nil {
			index[m[1]] = len(suite.TestCases)
			suite.TestCases = append(suite.TestCases, cargoCase(m[1], m[2]))
			continue
		}
		if m := cargoDetail.FindStringSubmatch(line); m != nil {
			flushDetail()
			detailFor = m[1]
			continue
		}
		if strings.HasPrefix(line, "test result:") {
			flushDetail()
			if m := cargoFinished.FindStringSubmatch(line); m != nil {
				if secs, err := strconv.ParseFloat(m[1], 64); err == nil {
					suite.Time = secs
				}
			}
			continue
		}
		if line == "failures:" {
			flushDetail()
			continue
		}
		if detailFor != "" {
			detail.WriteString(line)
			detail.WriteByte('\n')
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read cargo output")
	}
	flushDetail()

	if len(ts.Suites) == 0 {
		return nil, ErrNoTests
	}
	ts.finalize()
	return ts, nil
}

func cargoCase(path, outcome string) TestCase {
	class, name := "", path
	if i := strings.LastIndex(path, "::"); i >= 0 {
		class, name = path[:i], path[i+2:]
	}
	c := TestCase{Name: name, ClassName: class}
	switch {
	case outcome == "FAILED":
		c.Failure = &Failure{Message: "test failed", Type: "failure"}
	case strings.HasPrefix(outcome, "ignored"):
		msg := strings.TrimPrefix(strings.TrimPrefix(outcome, "ignored"), ", ")
		c.Skipped = &Skipped{Message: msg}
	}
	return c
}
