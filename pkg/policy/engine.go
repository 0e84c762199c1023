// Package policy decides whether an inbound datagram is accepted as the reply
// to a time request, using expr-lang expressions over the datagram's
// addressing and header fields.
package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// MatchSource is the hardened rule: only the host and port the request was
// sent to may answer it.
const MatchSource = "source == destination && source_port == destination_port"

// Reply is the environment a rule is evaluated against
type Reply struct {
	Source          string `expr:"source"`
	SourcePort      int    `expr:"source_port"`
	Destination     string `expr:"destination"`
	DestinationPort int    `expr:"destination_port"`
	Length          int    `expr:"length"`
	Leap            int    `expr:"leap"`
	Version         int    `expr:"version"`
	Mode            int    `expr:"mode"`
	Stratum         int    `expr:"stratum"`
}

// Rule is a compiled acceptance expression
type Rule struct {
	Name    string
	Logic   string
	program *vm.Program
}

// Engine holds an ordered set of rules. A reply is accepted when any rule
// matches; an engine without rules accepts everything.
type Engine struct {
	mu    sync.RWMutex
	rules []*Rule
}

// NewEngine creates an empty engine
func NewEngine() *Engine {
	return &Engine{}
}

// NewEngineFromLogic builds an engine with a single rule, or an empty engine
// when logic is blank.
func NewEngineFromLogic(logic string) (*Engine, error) {
	e := NewEngine()
	if strings.TrimSpace(logic) == "" {
		return e, nil
	}
	if err := e.AddRule(&Rule{Name: "accept_rule", Logic: logic}); err != nil {
		return nil, err
	}
	return e, nil
}

// AddRule compiles the rule's logic and appends it
func (e *Engine) AddRule(rule *Rule) error {
	program, err := expr.Compile(rule.Logic, expr.Env(Reply{}), expr.AsBool())
	if err != nil {
		return fmt.Errorf("failed to compile rule %q: %w", rule.Name, err)
	}
	rule.program = program

	e.mu.Lock()
	e.rules = append(e.rules, rule)
	e.mu.Unlock()
	return nil
}

// Count returns the number of rules
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// Evaluate runs the rules in order and returns the first one that matches.
// Rules that fail at runtime are treated as not matching.
func (e *Engine) Evaluate(reply Reply) (bool, *Rule) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, rule := range e.rules {
		out, err := vm.Run(rule.program, reply)
		if err != nil {
			continue
		}
		if matched, ok := out.(bool); ok && matched {
			return true, rule
		}
	}
	return false, nil
}

// Accept reports whether reply should be taken as the answer
func (e *Engine) Accept(reply Reply) bool {
	if e == nil || e.Count() == 0 {
		return true
	}
	matched, _ := e.Evaluate(reply)
	return matched
}
