// Package report converts test runner output into JUnit XML and
// summarises JUnit reports.
package report

import (
	"encoding/xml"
	"io"

	"github.com/pkg/errors"
)

// Format names accepted by Convert.
const (
	FormatCargo  = "cargo"
	FormatGoTest = "gotest"
)

var (
	ErrUnknownFormat = errors.New("unknown test report format")
	ErrNoTests       = errors.New("no test results found")
)

// TestSuites is the JUnit root element.
type TestSuites struct {
	XMLName  xml.Name    `xml:"testsuites"`
	Tests    int         `xml:"tests,attr"`
	Failures int         `xml:"failures,attr"`
	Errors   int         `xml:"errors,attr"`
	Skipped  int         `xml:"skipped,attr"`
	Time     float64     `xml:"time,attr,omitempty"`
	Suites   []TestSuite `xml:"testsuite"`
}

// TestSuite groups cases from one binary or package.
type TestSuite struct {
	Name      string     `xml:"name,attr"`
	Tests     int        `xml:"tests,attr"`
	Failures  int        `xml:"failures,attr"`
	Errors    int        `xml:"errors,attr"`
	Skipped   int        `xml:"skipped,attr"`
	Time      float64    `xml:"time,attr,omitempty"`
	TestCases []TestCase `xml:"testcase"`
}

type TestCase struct {
	Name      string   `xml:"name,attr"`
	ClassName string   `xml:"classname,attr"`
	Time      float64  `xml:"time,attr,omitempty"`
	Failure   *Failure `xml:"failure,omitempty"`
	Error     *Failure `xml:"error,omitempty"`
	Skipped   *Skipped `xml:"skipped,omitempty"`
	SystemOut string   `xml:"system-out,omitempty"`
}

type Failure struct {
	Message string `xml:"message,attr,omitempty"`
	Type    string `xml:"type,attr,omitempty"`
	Body    string `xml:",chardata"`
}

type Skipped struct {
	Message string `xml:"message,attr,omitempty"`
}

// Summary counts results across one or more reports.
type Summary struct {
	Files    int `json:"files"`
	Tests    int `json:"tests"`
	Failures int `json:"failures"`
	Errors   int `json:"errors"`
	Skipped  int `json:"skipped"`
}

// Add merges o into s.
func (s *Summary) Add(o Summary) {
	s.Files += o.Files
	s.Tests += o.Tests
	s.Failures += o.Failures
	s.Errors += o.Errors
	s.Skipped += o.Skipped
}

// Passed reports whether no test failed or errored.
func (s Summary) Passed() bool {
	return s.Failures == 0 && s.Errors == 0
}

// finalize recomputes suite and root counters from the cases.
func (ts *TestSuites) finalize() {
	ts.Tests, ts.Failures, ts.Errors, ts.Skipped, ts.Time = 0, 0, 0, 0, 0
	for i := range ts.Suites {
		s := &ts.Suites[i]
		s.Tests, s.Failures, s.Errors, s.Skipped = len(s.TestCases), 0, 0, 0
		for _, c := range s.TestCases {
			switch {
			case c.Failure != nil:
				s.Failures++
			case c.Error != nil:
				s.Errors++
			case c.Skipped != nil:
				s.Skipped++
			}
		}
		ts.Tests += s.Tests
		ts.Failures += s.Failures
		ts.Errors += s.Errors
		ts.Skipped += s.Skipped
		ts.Time += s.Time
	}
}

// WriteJUnit encodes suites as an indented JUnit document.
func WriteJUnit(w io.Writer, ts *TestSuites) error {
	ts.finalize()
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return errors.Wrap(err, "write xml header")
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(ts); err != nil {
		return errors.Wrap(err, "encode junit")
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// ParseJUnit reads a JUnit document rooted at <testsuites> or <testsuite>.
// Counts are taken from the test cases, not the attributes.
func ParseJUnit(r io.Reader) (Summary, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Summary{}, errors.Wrap(err, "read junit")
	}

	var root TestSuites
	if err := xml.Unmarshal(data, &root); err != nil {
		var single TestSuite
		if err2 := xml.Unmarshal(data, &single); err2 != nil {
			return Summary{}, errors.Wrap(err, "decode junit")
		}
		root.Suites = []TestSuite{single}
	}
	root.finalize()

	return Summary{
		Files:    1,
		Tests:    root.Tests,
		Failures: root.Failures,
		Errors:   root.Errors,
		Skipped:  root.Skipped,
	}, nil
}

// Convert reads raw test output in the given format and writes JUnit XML.
func Convert(format string, in io.Reader, out io.Writer) (*TestSuites, error) {
	var (
		ts  *TestSuites
		err error
	)
	switch format {
	case FormatCargo:
		ts, err = ParseCargo(in)
	case FormatGoTest:
		ts, err = ParseGoTestJSON(in)
	default:
		return nil, errors.Wrapf(ErrUnknownFormat, "%q", format)
	}
	if err != nil {
		return nil, err
	}
	if err := WriteJUnit(out, ts); err != nil {
		return nil, err
	}
	return ts, nil
}
