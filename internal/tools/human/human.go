// Package human provides human__ask: the agent poses a free-form question
// and suspends until the CLI delivers an answer.
package human

import (
	"context"
	"strings"

	"github.com/mikesmullin/subd/internal/approvals"
	"github.com/mikesmullin/subd/internal/bridge"
	"github.com/mikesmullin/subd/internal/tools"
)

const (
	phaseInitial  = "initial"
	phaseAwaiting = "awaiting_answer"
)

// Deps wires the tool to the question store and the session suspension hooks.
type Deps struct {
	Approvals *approvals.Manager
	Pause     func(sessionID int) error
	Notify    func(*bridge.Envelope) error
}

type askArgs struct {
	Question string `json:"question" jsonschema:"description=Question to ask the human operator,required"`
}

// Register adds human__ask to the catalog.
func Register(reg *tools.Registry, d Deps) {
	reg.Register(&tools.Definition{
		Name:        "human__ask",
		Description: "Ask the human operator a question and wait for their answer.",
		Parameters:  tools.SchemaFor(askArgs{}),
		Positional:  []string{"question"},
		Execute:     d.ask,
	})
}

func (d Deps) ask(ctx context.Context, inv *tools.Invocation) tools.Outcome {
	phase := phaseInitial
	question := ""
	if inv.State != nil {
		if p, ok := inv.State["phase"].(string); ok {
			phase = p
		}
		if q, ok := inv.State["question"].(string); ok {
			question = q
		}
	}
	if question == "" {
		if q, ok := inv.Args["question"].(string); ok {
			question = q
		}
	}
	if strings.TrimSpace(question) == "" {
		return tools.Failure("human__ask: empty question")
	}

	if phase == phaseAwaiting {
		received, _ := inv.External["answerReceived"].(bool)
		if !received {
			return tools.Running(map[string]any{"phase": phaseAwaiting, "question": question})
		}
		answer, _ := inv.External["answer"].(string)
		return tools.Success(answer)
	}

	if _, err := d.Approvals.CreateQuestion(inv.SessionID, inv.ToolCallID, question); err != nil {
		return tools.Failure("record question: %v", err)
	}
	if d.Pause != nil {
		if err := d.Pause(inv.SessionID); err != nil {
			return tools.Failure("pause session: %v", err)
		}
	}
	if d.Notify != nil {
		env, err := bridge.New(bridge.TypeQuestionRequest, inv.SessionID, bridge.QuestionRequestPayload{
			SessionID:  inv.SessionID,
			ToolCallID: inv.ToolCallID,
			Question:   question,
		})
		if err == nil {
			if nerr := d.Notify(env); nerr != nil {
				return tools.Failure("notify host: %v", nerr)
			}
		}
	}
	return tools.Running(map[string]any{"phase": phaseAwaiting, "question": question})
}
