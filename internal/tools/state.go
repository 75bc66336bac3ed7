package tools

import "sync"

// CallState is the process-resident record of one in-flight resumable tool
// call. It lives in the child that executes the call and is never persisted:
// the phase state a RUNNING outcome returned plus any data injected from the
// outside (approval choice, question answer) waiting for the next tick.
type CallState struct {
	SessionID  int
	ToolCallID string
	Status     OutcomeStatus
	State      map[string]any
	External   map[string]any
}

// StateMap tracks CallState by toolCallId.
type StateMap struct {
	mu sync.Mutex
	m  map[string]*CallState
}

func NewStateMap() *StateMap {
	return &StateMap{m: make(map[string]*CallState)}
}

// Get returns the tracked state for a tool call.
func (s *StateMap) Get(toolCallID string) (*CallState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.m[toolCallID]
	return cs, ok
}

// Track records the outcome of an invocation. RUNNING outcomes keep the
// returned phase state for the next invocation; terminal outcomes drop the
// entry.
func (s *StateMap) Track(sessionID int, toolCallID string, out Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if out.Terminal() {
		delete(s.m, toolCallID)
		return
	}
	cs, ok := s.m[toolCallID]
	if !ok {
		cs = &CallState{SessionID: sessionID, ToolCallID: toolCallID}
		s.m[toolCallID] = cs
	}
	cs.Status = out.Status
	cs.State = out.State
}

// InjectExternal attaches externally delivered data to a tracked call so the
// next invocation observes it. Creates the entry when the injection races
// ahead of Track.
func (s *StateMap) InjectExternal(toolCallID string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.m[toolCallID]
	if !ok {
		cs = &CallState{ToolCallID: toolCallID, Status: StatusRunning}
		s.m[toolCallID] = cs
	}
	if cs.External == nil {
		cs.External = make(map[string]any, len(data))
	}
	for k, v := range data {
		cs.External[k] = v
	}
}

// Drop removes a tracked call.
func (s *StateMap) Drop(toolCallID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, toolCallID)
}
