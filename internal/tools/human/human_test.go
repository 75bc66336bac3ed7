package human

import (
	"context"
	"log/slog"
	"testing"

	"github.com/mikesmullin/subd/internal/approvals"
	"github.com/mikesmullin/subd/internal/bridge"
	"github.com/mikesmullin/subd/internal/config"
	"github.com/mikesmullin/subd/internal/tools"
	"github.com/mikesmullin/subd/pkg/models"
)

func newAsk(t *testing.T) (*tools.Registry, *Deps, *[]int, *[]*bridge.Envelope) {
	t.Helper()
	cfg := config.Default(t.TempDir())
	var paused []int
	var notified []*bridge.Envelope
	d := Deps{
		Approvals: approvals.NewManager(cfg, slog.Default()),
		Pause: func(id int) error {
			paused = append(paused, id)
			return nil
		},
		Notify: func(env *bridge.Envelope) error {
			notified = append(notified, env)
			return nil
		},
	}
	reg := tools.NewRegistry()
	Register(reg, d)
	return reg, &d, &paused, &notified
}

func invoke(t *testing.T, reg *tools.Registry, inv *tools.Invocation) tools.Outcome {
	t.Helper()
	def, ok := reg.Get("human__ask")
	if !ok {
		t.Fatal("human__ask not registered")
	}
	return tools.ExecuteLocal(context.Background(), def, inv)
}

func TestAskPausesAndRecordsQuestion(t *testing.T) {
	reg, d, paused, notified := newAsk(t)
	out := invoke(t, reg, &tools.Invocation{
		SessionID:  5,
		ToolCallID: "call_Q",
		Args:       map[string]any{"question": "file?"},
	})
	if out.Status != tools.StatusRunning {
		t.Fatalf("outcome = %+v", out)
	}
	if out.State["phase"] != "awaiting_answer" || out.State["question"] != "file?" {
		t.Fatalf("state = %+v", out.State)
	}
	if len(*paused) != 1 || (*paused)[0] != 5 {
		t.Fatalf("paused = %v", *paused)
	}
	if len(*notified) != 1 || (*notified)[0].Type != bridge.TypeQuestionRequest {
		t.Fatalf("notified = %+v", *notified)
	}
	pending, err := d.Approvals.PendingQuestions()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Question != "file?" || pending[0].Status != models.QuestionPending {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestAskCompletesWithAnswer(t *testing.T) {
	reg, _, _, _ := newAsk(t)
	out := invoke(t, reg, &tools.Invocation{
		SessionID:  5,
		ToolCallID: "call_Q",
		State:      map[string]any{"phase": "awaiting_answer", "question": "file?"},
		External:   map[string]any{"answerReceived": true, "answer": "foo.txt"},
	})
	if out.Status != tools.StatusSuccess || out.Result != "foo.txt" {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestAskWithoutAnswerStaysRunning(t *testing.T) {
	reg, _, paused, _ := newAsk(t)
	out := invoke(t, reg, &tools.Invocation{
		SessionID:  5,
		ToolCallID: "call_Q",
		State:      map[string]any{"phase": "awaiting_answer", "question": "file?"},
	})
	if out.Status != tools.StatusRunning || out.State["question"] != "file?" {
		t.Fatalf("outcome = %+v", out)
	}
	if len(*paused) != 0 {
		t.Fatal("spurious re-invocation must not pause again")
	}
}
