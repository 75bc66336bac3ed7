// Package approvals manages the persisted human-in-the-loop records: tool
// approvals and free-form questions. Records are created when a tool pauses
// for human input and resolved exactly once by a CLI command; the file store
// makes the pending set visible to both host and child processes.
package approvals

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/mikesmullin/subd/internal/config"
	"github.com/mikesmullin/subd/internal/store"
	"github.com/mikesmullin/subd/pkg/models"
)

// Choice values accepted when resolving an approval.
const (
	ChoiceApprove = "APPROVE"
	ChoiceReject  = "REJECT"
	ChoiceModify  = "MODIFY"
)

// Manager owns the approval and question collections for one process.
// Ids are allocated from process-lifetime counters; they are not reloaded
// across restarts (stale record files are swept by the clean command).
type Manager struct {
	log       *slog.Logger
	approvals *store.Collection[models.Approval]
	questions *store.Collection[models.Question]
	nextAppr  atomic.Int64
	nextQn    atomic.Int64
}

func NewManager(cfg *config.Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:       log,
		approvals: store.New[models.Approval](cfg.ApprovalsDir(), log),
		questions: store.New[models.Question](cfg.QuestionsDir(), log),
	}
}

// CreateApproval persists a pending approval for the tool call and returns it.
func (m *Manager) CreateApproval(sessionID int, toolCallID, kind, description string) (*models.Approval, error) {
	a := models.Approval{
		ID:          int(m.nextAppr.Add(1)),
		SessionID:   sessionID,
		ToolCallID:  toolCallID,
		Type:        kind,
		Description: description,
		Status:      models.ApprovalPending,
		CreatedAt:   time.Now(),
	}
	m.approvals.Set(strconv.Itoa(a.ID), a)
	if err := m.approvals.Save(); err != nil {
		return nil, fmt.Errorf("persist approval %d: %w", a.ID, err)
	}
	m.log.Info("approval pending", "approval_id", a.ID, "session_id", sessionID, "tool_call_id", toolCallID, "description", description)
	return &a, nil
}

// CreateQuestion persists a pending question for the tool call and returns it.
func (m *Manager) CreateQuestion(sessionID int, toolCallID, question string) (*models.Question, error) {
	q := models.Question{
		ID:         int(m.nextQn.Add(1)),
		SessionID:  sessionID,
		ToolCallID: toolCallID,
		Question:   question,
		Status:     models.QuestionPending,
		CreatedAt:  time.Now(),
	}
	m.questions.Set(strconv.Itoa(q.ID), q)
	if err := m.questions.Save(); err != nil {
		return nil, fmt.Errorf("persist question %d: %w", q.ID, err)
	}
	m.log.Info("question pending", "question_id", q.ID, "session_id", sessionID, "tool_call_id", toolCallID, "question", question)
	return &q, nil
}

// GetApproval loads one approval record.
func (m *Manager) GetApproval(id int) (*models.Approval, error) {
	a, ok, err := m.approvals.Get(strconv.Itoa(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("approval %d not found", id)
	}
	return &a, nil
}

// GetQuestion loads one question record.
func (m *Manager) GetQuestion(id int) (*models.Question, error) {
	q, ok, err := m.questions.Get(strconv.Itoa(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("question %d not found", id)
	}
	return &q, nil
}

// ResolveApproval moves a pending approval to its terminal status. choice is
// APPROVE, REJECT, or MODIFY; explanation carries guidance on reject/modify.
// Resolving a non-pending approval is an error: each record resolves once.
func (m *Manager) ResolveApproval(id int, choice, explanation string) (*models.Approval, error) {
	a, err := m.GetApproval(id)
	if err != nil {
		return nil, err
	}
	if a.Status != models.ApprovalPending {
		return nil, fmt.Errorf("approval %d already resolved as %s", id, a.Status)
	}
	switch choice {
	case ChoiceApprove:
		a.Status = models.ApprovalApprove
	case ChoiceReject:
		a.Status = models.ApprovalReject
	case ChoiceModify:
		a.Status = models.ApprovalModify
	default:
		return nil, fmt.Errorf("invalid approval choice %q (want APPROVE, REJECT, or MODIFY)", choice)
	}
	now := time.Now()
	a.Response = explanation
	a.ResolvedAt = &now
	m.approvals.Set(strconv.Itoa(a.ID), *a)
	if err := m.approvals.Save(); err != nil {
		return nil, fmt.Errorf("persist approval %d: %w", a.ID, err)
	}
	m.log.Info("approval resolved", "approval_id", a.ID, "session_id", a.SessionID, "choice", choice)
	return a, nil
}

// ResolveQuestion records the human answer on a pending question.
func (m *Manager) ResolveQuestion(id int, answer string) (*models.Question, error) {
	q, err := m.GetQuestion(id)
	if err != nil {
		return nil, err
	}
	if q.Status != models.QuestionPending {
		return nil, fmt.Errorf("question %d already answered", id)
	}
	now := time.Now()
	q.Status = models.QuestionAnswered
	q.Answer = answer
	q.AnsweredAt = &now
	m.questions.Set(strconv.Itoa(q.ID), *q)
	if err := m.questions.Save(); err != nil {
		return nil, fmt.Errorf("persist question %d: %w", q.ID, err)
	}
	m.log.Info("question answered", "question_id", q.ID, "session_id", q.SessionID)
	return q, nil
}

// PendingApprovals lists unresolved approvals ordered by id.
func (m *Manager) PendingApprovals() ([]models.Approval, error) {
	all, err := m.approvals.GetAll()
	if err != nil {
		return nil, err
	}
	var out []models.Approval
	for _, a := range all {
		if a.Status == models.ApprovalPending {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PendingQuestions lists unanswered questions ordered by id.
func (m *Manager) PendingQuestions() ([]models.Question, error) {
	all, err := m.questions.GetAll()
	if err != nil {
		return nil, err
	}
	var out []models.Question
	for _, q := range all {
		if q.Status == models.QuestionPending {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Clean removes every approval and question record from disk. Used by the
// workspace clean command between runs; ids restart with the process.
func (m *Manager) Clean() error {
	ids, err := m.approvals.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		m.approvals.Delete(id)
	}
	if err := m.approvals.Save(); err != nil {
		return err
	}
	qids, err := m.questions.List()
	if err != nil {
		return err
	}
	for _, id := range qids {
		m.questions.Delete(id)
	}
	return m.questions.Save()
}
