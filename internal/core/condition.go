package core

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var ErrCondition = errors.New("invalid condition")

// evalCondition evaluates the condition of a when/unless step. References
// have already been substituted.
func evalCondition(n *yaml.Node) (bool, error) {
	if n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	switch n.Kind {
	case yaml.ScalarNode:
		return truthy(n), nil
	case yaml.SequenceNode:
		return len(n.Content) > 0, nil
	case yaml.MappingNode:
	default:
		return false, errors.Wrapf(ErrCondition, "line %d", n.Line)
	}

	if len(n.Content) != 2 {
		return false, errors.Wrapf(ErrCondition, "line %d: expected a single operator", n.Line)
	}
	op, arg := n.Content[0].Value, n.Content[1]
	switch op {
	case "equal":
		if arg.Kind != yaml.SequenceNode || len(arg.Content) == 0 {
			return false, errors.Wrapf(ErrCondition, "line %d: equal takes a list", arg.Line)
		}
		first := nodeText(arg.Content[0])
		for _, v := range arg.Content[1:] {
			if nodeText(v) != first {
				return false, nil
			}
		}
		return true, nil

	case "not":
		v, err := evalCondition(arg)
		return !v, err

	case "and", "or":
		if arg.Kind != yaml.SequenceNode {
			return false, errors.Wrapf(ErrCondition, "line %d: %s takes a list", arg.Line, op)
		}
		want := op == "or"
		for _, c := range arg.Content {
			v, err := evalCondition(c)
			if err != nil {
				return false, err
			}
			if v == want {
				return want, nil
			}
		}
		return !want, nil

	case "matches":
		var m struct {
			Pattern string `yaml:"pattern"`
			Value   string `yaml:"value"`
		}
		if err := arg.Decode(&m); err != nil {
			return false, errors.Wrapf(ErrCondition, "line %d: matches: %v", arg.Line, err)
		}
		re, err := regexp.Compile("^(?:" + m.Pattern + ")$")
		if err != nil {
			return false, errors.Wrapf(ErrCondition, "line %d: pattern %q: %v", arg.Line, m.Pattern, err)
		}
		return re.MatchString(m.Value), nil
	}
	return false, errors.Wrapf(ErrCondition, "line %d: unknown operator %q", n.Line, op)
}

func truthy(n *yaml.Node) bool {
	if isNull(n) {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(n.Value)) {
	case "", "false", "0", "~", "null":
		return false
	}
	return true
}

// nodeText renders a node for comparison; scalars compare by value.
func nodeText(n *yaml.Node) string {
	if n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	if n.Kind == yaml.ScalarNode {
		if isNull(n) {
			return ""
		}
		return n.Value
	}
	out, err := yaml.Marshal(n)
	if err != nil {
		return ""
	}
	return string(out)
}
