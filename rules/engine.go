package rules

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/trinogate/trinogate/logging"
	"github.com/trinogate/trinogate/metrics"
)

type compiledRule struct {
	name      string
	priority  int
	condition Program
	actions   []Program
}

// ruleSet holds one immutable generation of compiled rules, ordered by
// priority descending with file order breaking ties.
type ruleSet struct {
	rules []compiledRule
}

// EngineOptions to initialize the rules engine.
type EngineOptions struct {

	// Path of the rules file.
	Path string

	// Log is used to report evaluation and reload problems. Defaults
	// to the application log.
	Log logging.Logger

	// Metrics defaults to the global metrics instance.
	Metrics metrics.Metrics
}

// Engine evaluates the loaded routing rules for each request. The
// active rule set is swapped atomically on reload, in-flight
// evaluations finish on the generation they started with.
type Engine struct {
	env     *Environment
	path    string
	log     logging.Logger
	metrics metrics.Metrics
	current atomic.Pointer[ruleSet]
}

// NewEngine compiles the rules file at o.Path. An unreadable or
// invalid initial rules file is a fatal error.
func NewEngine(o EngineOptions) (*Engine, error) {
	env, err := NewEnvironment()
	if err != nil {
		return nil, err
	}

	if o.Log == nil {
		o.Log = &logging.DefaultLog{}
	}

	if o.Metrics == nil {
		o.Metrics = metrics.Default
	}

	e := &Engine{
		env:     env,
		path:    o.Path,
		log:     o.Log,
		metrics: o.Metrics,
	}

	rs, err := e.load()
	if err != nil {
		return nil, err
	}

	e.current.Store(rs)
	e.log.Infof("rules: loaded %d rules from %s", len(rs.rules), e.path)
	return e, nil
}

func (e *Engine) load() (*ruleSet, error) {
	rules, err := LoadFile(e.path)
	if err != nil {
		return nil, err
	}

	return e.compileSet(rules)
}

func (e *Engine) compileSet(rules []Rule) (*ruleSet, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		c := compiledRule{name: r.Name, priority: r.Priority}

		var err error
		c.condition, err = e.env.Compile(r.Condition)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Name, err)
		}

		for _, a := range r.Actions {
			p, err := e.env.CompileValue(a)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", r.Name, err)
			}

			c.actions = append(c.actions, p)
		}

		compiled = append(compiled, c)
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].priority > compiled[j].priority
	})

	return &ruleSet{rules: compiled}, nil
}

// Reload recompiles the rules file and swaps it in. On failure the
// previously loaded rules stay in effect.
func (e *Engine) Reload() error {
	rs, err := e.load()
	if err != nil {
		e.metrics.IncRulesReload(false)
		e.log.Errorf("rules: reload failed, keeping %d active rules: %v", e.Len(), err)
		return err
	}

	e.current.Store(rs)
	e.metrics.IncRulesReload(true)
	e.log.Infof("rules: loaded %d rules from %s", len(rs.rules), e.path)
	return nil
}

// Len returns the number of active rules.
func (e *Engine) Len() int {
	return len(e.current.Load().rules)
}

// Names returns the active rule names in evaluation order.
func (e *Engine) Names() []string {
	rs := e.current.Load()
	names := make([]string, len(rs.rules))
	for i, r := range rs.rules {
		names[i] = r.name
	}

	return names
}

// Evaluate runs every rule against the request attributes in priority
// order. All matching rules fire, actions of later matches overwrite
// earlier writes to the same result key. It returns the routing group
// left in the result bag, or the empty string when no rule wrote one.
//
// A condition that fails to evaluate is logged and treated as not
// matching. A failing action is logged and aborts the remaining
// actions of its rule only.
func (e *Engine) Evaluate(vars map[string]any) string {
	rs := e.current.Load()
	for _, r := range rs.rules {
		matched, err := r.condition.EvalBool(vars)
		if err != nil {
			e.metrics.IncRuleError(r.name)
			e.log.Warnf("rules: %s: %v", r.name, err)
			continue
		}

		if !matched {
			continue
		}

		for _, a := range r.actions {
			if _, err := a.Eval(vars); err != nil {
				e.metrics.IncRuleError(r.name)
				e.log.Warnf("rules: %s: %v", r.name, err)
				break
			}
		}
	}

	result, _ := vars["result"].(map[string]any)
	if result == nil {
		return ""
	}

	group, _ := result[RoutingGroupKey].(string)
	return group
}
