// Package fsm provides a small pure transition-table state machine.
// It holds no current state and runs no callbacks; callers own their state
// and ask the table whether an action is admissible.
package fsm

import (
	"fmt"
	"sort"
	"strings"
)

// rule maps an action to its admissible from-states and resulting state.
type rule struct {
	from map[string]struct{}
	to   string
}

// Machine is a named-action transition table.
type Machine struct {
	rules map[string]rule
}

// New builds an empty machine; add actions with Add.
func New() *Machine {
	return &Machine{rules: make(map[string]rule)}
}

// Add registers an action admissible from the given states.
// Re-adding an action replaces its rule.
func (m *Machine) Add(action string, from []string, to string) *Machine {
	set := make(map[string]struct{}, len(from))
	for _, f := range from {
		set[f] = struct{}{}
	}
	m.rules[action] = rule{from: set, to: to}
	return m
}

// InvalidTransitionError reports an action applied from an inadmissible state.
// From carries the action's admissible from-set, sorted.
type InvalidTransitionError struct {
	Action  string
	Current string
	From    []string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %q from %q (admissible from: %s)",
		e.Action, e.Current, strings.Join(e.From, ", "))
}

// Transition returns the target state for action applied at current, or an
// *InvalidTransitionError naming the admissible from-set.
func (m *Machine) Transition(current, action string) (string, error) {
	r, ok := m.rules[action]
	if !ok {
		return "", &InvalidTransitionError{Action: action, Current: current}
	}
	if _, ok := r.from[current]; !ok {
		return "", &InvalidTransitionError{Action: action, Current: current, From: r.fromList()}
	}
	return r.to, nil
}

// ValidActions returns the actions admissible from state, sorted.
func (m *Machine) ValidActions(state string) []string {
	var actions []string
	for name, r := range m.rules {
		if _, ok := r.from[state]; ok {
			actions = append(actions, name)
		}
	}
	sort.Strings(actions)
	return actions
}

func (r rule) fromList() []string {
	out := make([]string, 0, len(r.from))
	for f := range r.from {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
