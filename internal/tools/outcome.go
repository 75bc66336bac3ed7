package tools

import "fmt"

// OutcomeStatus is the three-way (plus idle) result state of a tool
// invocation.
type OutcomeStatus string

const (
	StatusIdle    OutcomeStatus = "IDLE"
	StatusRunning OutcomeStatus = "RUNNING"
	StatusSuccess OutcomeStatus = "SUCCESS"
	StatusFailure OutcomeStatus = "FAILURE"
)

// Outcome is the result of one tool invocation. A RUNNING outcome suspends
// the tool: its State is retained under the tool-call id and handed back,
// along with any externally injected data, on the next invocation.
type Outcome struct {
	Status OutcomeStatus  `json:"status"`
	Result any            `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
	State  map[string]any `json:"state,omitempty"`
}

// Success returns a terminal success outcome.
func Success(result any) Outcome {
	return Outcome{Status: StatusSuccess, Result: result}
}

// Failure returns a terminal failure outcome.
func Failure(format string, args ...any) Outcome {
	return Outcome{Status: StatusFailure, Error: fmt.Sprintf(format, args...)}
}

// Running returns a suspended outcome carrying tool-private phase state.
func Running(state map[string]any) Outcome {
	return Outcome{Status: StatusRunning, State: state}
}

// Terminal reports whether the outcome ends the tool call.
func (o Outcome) Terminal() bool {
	return o.Status == StatusSuccess || o.Status == StatusFailure
}
