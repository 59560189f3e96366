package rules

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v2"
)

// Rule is one declarative routing rule as read from the rules file.
// Rules files contain one rule per YAML document.
type Rule struct {

	// Name identifies the rule in logs and metrics. Required, unique
	// within one rules file.
	Name string `yaml:"name"`

	// Description is free text for the operator, ignored by the
	// engine.
	Description string `yaml:"description,omitempty"`

	// Priority orders evaluation, higher values first. Rules of equal
	// priority run in file order. Defaults to 0.
	Priority int `yaml:"priority,omitempty"`

	// Condition is a boolean expression deciding whether the rule
	// fires for a request.
	Condition string `yaml:"condition"`

	// Actions run in order when the condition held, typically writing
	// the routing group with result.put(...).
	Actions []string `yaml:"actions"`
}

// ParseRules reads rules from a stream of YAML documents. Empty
// documents are skipped, duplicate names and rules without a condition
// are rejected.
func ParseRules(r io.Reader) ([]Rule, error) {
	var rules []Rule
	seen := make(map[string]bool)

	dec := yaml.NewDecoder(r)
	for {
		var ru Rule
		err := dec.Decode(&ru)
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("parse rules: %w", err)
		}

		if ru.Name == "" && ru.Condition == "" && len(ru.Actions) == 0 {
			continue
		}

		if ru.Name == "" {
			return nil, fmt.Errorf("rule without a name, condition: %q", ru.Condition)
		}

		if ru.Condition == "" {
			return nil, fmt.Errorf("rule %s: condition required", ru.Name)
		}

		if seen[ru.Name] {
			return nil, fmt.Errorf("duplicate rule name: %s", ru.Name)
		}

		seen[ru.Name] = true
		rules = append(rules, ru)
	}

	return rules, nil
}

// LoadFile reads and parses the rules file at path.
func LoadFile(path string) ([]Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rules, err := ParseRules(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return rules, nil
}
