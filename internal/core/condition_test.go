package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func condition(t *testing.T, src string) *yaml.Node {
	t.Helper()
	var n yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(src), &n))
	return n.Content[0]
}

func TestEvalCondition(t *testing.T) {
	cases := []struct {
		src  string
		want bool
	}{
		{`true`, true},
		{`false`, false},
		{`""`, false},
		{`0`, false},
		{`~`, false},
		{`main`, true},
		{`equal: [main, main]`, true},
		{`equal: [main, feature]`, false},
		{`equal: [1, "1"]`, true},
		{`not: {equal: [main, feature]}`, true},
		{`and: [true, {equal: [a, a]}]`, true},
		{`and: [true, false]`, false},
		{`or: [false, "", {equal: [a, a]}]`, true},
		{`or: [false, 0]`, false},
		{`matches: {pattern: "^release-\\d+$", value: release-12}`, true},
		{`matches: {pattern: "release", value: prerelease}`, false},
	}
	for _, c := range cases {
		t.Run(c.src, func(t *testing.T) {
			got, err := evalCondition(condition(t, c.src))
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestEvalConditionErrors(t *testing.T) {
	for _, src := range []string{
		`equal: main`,
		`frobnicate: [a]`,
		`matches: {pattern: "(", value: x}`,
		`{equal: [a, a], not: true}`,
	} {
		_, err := evalCondition(condition(t, src))
		assert.ErrorIs(t, err, ErrCondition, src)
	}
}
