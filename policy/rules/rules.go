// Package rules compiles custom warning conditions written in the expr
// language and evaluates them against an execution's usage counters.
package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var (
	ErrRuleCompile = errors.New("warning rule does not compile")
	ErrRuleEval    = errors.New("warning rule evaluation failed")
)

// Rule is a named boolean expression over [Vars], for example
// `tokens > 5000 && steps < 3`.
type Rule struct {
	Name    string `json:"name"`
	When    string `json:"when"`
	Message string `json:"message,omitempty"`
}

// Vars is the environment visible to rule expressions.
type Vars struct {
	Steps     int64   `expr:"steps"`
	ElapsedMs int64   `expr:"elapsed_ms"`
	Tokens    int64   `expr:"tokens"`
	Cost      float64 `expr:"cost"`
}

type compiled struct {
	rule    Rule
	program *vm.Program
}

// Set is an immutable group of compiled rules.
type Set struct {
	rules []compiled
}

// Compile type-checks every rule up front so malformed conditions are rejected
// before an execution starts.
func Compile(rs []Rule) (*Set, error) {
	set := &Set{rules: make([]compiled, 0, len(rs))}
	for i, rule := range rs {
		src := strings.TrimSpace(rule.When)
		if src == "" {
			return nil, fmt.Errorf("%w: rule[%d] name=%q: empty condition", ErrRuleCompile, i, rule.Name)
		}
		program, err := expr.Compile(src, expr.Env(Vars{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("%w: rule[%d] name=%q: %w", ErrRuleCompile, i, rule.Name, err)
		}
		set.rules = append(set.rules, compiled{rule: rule, program: program})
	}
	return set, nil
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Evaluate returns the rules whose condition holds for v, in declaration order.
// A rule that fails at runtime is skipped and its error is joined into the
// returned error.
func (s *Set) Evaluate(v Vars) ([]Rule, error) {
	if s == nil {
		return nil, nil
	}
	var (
		matched []Rule
		errs    error
	)
	for _, c := range s.rules {
		out, err := expr.Run(c.program, v)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("%w: name=%q: %w", ErrRuleEval, c.rule.Name, err))
			continue
		}
		if ok, _ := out.(bool); ok {
			matched = append(matched, c.rule)
		}
	}
	return matched, errs
}
