package models

import "time"

// ApprovalStatus is the resolution state of an approval record.
// An approval moves from pending to exactly one terminal status.
type ApprovalStatus string

const (
	ApprovalPending ApprovalStatus = "pending"
	ApprovalApprove ApprovalStatus = "approve"
	ApprovalReject  ApprovalStatus = "reject"
	ApprovalModify  ApprovalStatus = "modify"
)

// Approval is a persisted request for human authorization of a tool call.
type Approval struct {
	ID          int            `yaml:"id"`
	SessionID   int            `yaml:"sessionId"`
	ToolCallID  string         `yaml:"toolCallId"`
	Type        string         `yaml:"type"`
	Description string         `yaml:"description"`
	Status      ApprovalStatus `yaml:"status"`
	Response    string         `yaml:"response,omitempty"`
	CreatedAt   time.Time      `yaml:"createdAt"`
	ResolvedAt  *time.Time     `yaml:"resolvedAt,omitempty"`
}

// QuestionStatus is the resolution state of a question record.
type QuestionStatus string

const (
	QuestionPending  QuestionStatus = "pending"
	QuestionAnswered QuestionStatus = "answered"
)

// Question is a persisted free-form question from the agent to the human.
type Question struct {
	ID         int            `yaml:"id"`
	SessionID  int            `yaml:"sessionId"`
	ToolCallID string         `yaml:"toolCallId"`
	Question   string         `yaml:"question"`
	Status     QuestionStatus `yaml:"status"`
	Answer     string         `yaml:"answer,omitempty"`
	CreatedAt  time.Time      `yaml:"createdAt"`
	AnsweredAt *time.Time     `yaml:"answeredAt,omitempty"`
}

// Group is a named set of sessions with exclusive membership, used by
// fan-out commands.
type Group struct {
	Name    string `yaml:"name"`
	Members []int  `yaml:"members"`
}

// Has reports whether the group contains the session id.
func (g *Group) Has(id int) bool {
	for _, m := range g.Members {
		if m == id {
			return true
		}
	}
	return false
}
