// Package bridge is the message-routing waist connecting the CLI, the host
// daemon, and the per-session child processes. It defines the wire taxonomy,
// newline-delimited JSON framing, pending-call correlation, and the per-side
// endpoints (host socket registry, child connection, CLI control client).
package bridge

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Type tags every message on the wire.
type Type string

const (
	TypeToolCall         Type = "tool_call"
	TypeToolCallResponse Type = "tool_call_response"
	TypeApprovalRequest  Type = "approval_request"
	TypeApprovalResponse Type = "approval_response"
	TypeQuestionRequest  Type = "question_request"
	TypeQuestionResponse Type = "question_response"
	TypeAIPromptRequest  Type = "ai_prompt_request"
	TypeAIPromptResponse Type = "ai_prompt_response"
	TypeCommand          Type = "command"
	TypeCommandResponse  Type = "command_response"
	TypeUserMessage      Type = "user_message"
)

// CorrelationID is the opaque request/response token. Children allocate
// integers from a monotonic counter; the host allocates strings of the form
// msg_<epochMs>_<rand>. Each side echoes whatever it received.
type CorrelationID struct {
	str     string
	num     int64
	numeric bool
}

// NumericID wraps a child-side counter value.
func NumericID(n int64) CorrelationID { return CorrelationID{num: n, numeric: true} }

// StringID wraps a host-side correlation token.
func StringID(s string) CorrelationID { return CorrelationID{str: s} }

// Key returns a map key that cannot collide across the two forms.
func (c CorrelationID) Key() string {
	if c.numeric {
		return "n:" + strconv.FormatInt(c.num, 10)
	}
	return "s:" + c.str
}

func (c CorrelationID) String() string {
	if c.numeric {
		return strconv.FormatInt(c.num, 10)
	}
	return c.str
}

func (c CorrelationID) IsZero() bool { return !c.numeric && c.str == "" }

func (c CorrelationID) MarshalJSON() ([]byte, error) {
	if c.numeric {
		return json.Marshal(c.num)
	}
	return json.Marshal(c.str)
}

func (c *CorrelationID) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*c = NumericID(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("messageId must be a string or integer: %w", err)
	}
	*c = StringID(s)
	return nil
}

// Envelope is one framed message.
type Envelope struct {
	Type      Type            `json:"type"`
	MessageID *CorrelationID  `json:"messageId,omitempty"`
	SessionID int             `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope with an encoded payload.
func New(t Type, sessionID int, payload any) (*Envelope, error) {
	env := &Envelope{Type: t, SessionID: sessionID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		env.Payload = data
	}
	return env, nil
}

// Decode unpacks the payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Reply builds a response envelope echoing the request's correlation id.
func (e *Envelope) Reply(t Type, payload any) (*Envelope, error) {
	resp, err := New(t, e.SessionID, payload)
	if err != nil {
		return nil, err
	}
	resp.MessageID = e.MessageID
	return resp, nil
}

// Result is the generic success/error response payload.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// OK builds a success result carrying data.
func OK(data any) Result {
	raw, err := json.Marshal(data)
	if err != nil {
		return Result{Error: fmt.Sprintf("encode result: %v", err)}
	}
	return Result{Success: true, Data: raw}
}

// Fail builds an error result.
func Fail(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// ToolCallPayload asks a peer to execute one tool call.
type ToolCallPayload struct {
	ToolCallID string            `json:"toolCallId"`
	Name       string            `json:"name"`
	Args       map[string]any    `json:"args,omitempty"`
	Options    map[string]string `json:"options,omitempty"`
}

// ApprovalRequestPayload surfaces a pending approval to the host.
type ApprovalRequestPayload struct {
	SessionID   int    `json:"sessionId"`
	ToolCallID  string `json:"toolCallId"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

// ApprovalResponsePayload delivers the human decision to the owning child.
type ApprovalResponsePayload struct {
	ToolCallID       string `json:"toolCallId"`
	ApprovalReceived bool   `json:"approvalReceived"`
	Choice           string `json:"choice"`
	Explanation      string `json:"explanation,omitempty"`
}

// QuestionRequestPayload surfaces a pending question to the host.
type QuestionRequestPayload struct {
	SessionID  int    `json:"sessionId"`
	ToolCallID string `json:"toolCallId"`
	Question   string `json:"question"`
}

// QuestionResponsePayload delivers the human answer to the owning child.
type QuestionResponsePayload struct {
	ToolCallID     string `json:"toolCallId"`
	AnswerReceived bool   `json:"answerReceived"`
	Answer         string `json:"answer"`
}

// UserMessagePayload carries a human message to a session's child, which
// appends it to the log. While a child runs it is the log's only writer.
type UserMessagePayload struct {
	Content string `json:"content"`
}

// CommandPayload submits a command line for resolution and execution.
type CommandPayload struct {
	Command string `json:"command"`

	// SessionID targets a session; zero means the host context (or the
	// configured current session, applied by the host router).
	SessionID int `json:"sessionId,omitempty"`

	// WaitForResponse requests a correlated command_response.
	WaitForResponse bool `json:"waitForResponse,omitempty"`
}
