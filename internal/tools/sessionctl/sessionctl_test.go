package sessionctl

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/mikesmullin/subd/internal/approvals"
	"github.com/mikesmullin/subd/internal/bridge"
	"github.com/mikesmullin/subd/internal/config"
	"github.com/mikesmullin/subd/internal/session"
	"github.com/mikesmullin/subd/internal/store"
	"github.com/mikesmullin/subd/internal/tools"
	"github.com/mikesmullin/subd/pkg/models"
)

type fakeRuntime struct {
	provisioned []int
	signaled    map[int]string
	torndown    []int
	signalErr   error
}

func (f *fakeRuntime) Provision(ctx context.Context, id int) error {
	f.provisioned = append(f.provisioned, id)
	return nil
}

func (f *fakeRuntime) Signal(id int, action string) error {
	if f.signalErr != nil {
		return f.signalErr
	}
	if f.signaled == nil {
		f.signaled = map[int]string{}
	}
	f.signaled[id] = action
	return nil
}

func (f *fakeRuntime) Teardown(ctx context.Context, id int) error {
	f.torndown = append(f.torndown, id)
	return nil
}

type fixture struct {
	cfg     *config.Config
	deps    Deps
	reg     *tools.Registry
	runtime *fakeRuntime
	sent    []*bridge.Envelope
	sendErr error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default(root)
	if err := os.MkdirAll(cfg.TemplatesDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	tpl := `apiVersion: daemon/v1
kind: Agent
metadata:
  name: echo
spec:
  model: xai:mock
  systemPrompt: You are an echo.
`
	if err := os.WriteFile(filepath.Join(cfg.TemplatesDir(), "echo.yaml"), []byte(tpl), 0o644); err != nil {
		t.Fatal(err)
	}

	f := &fixture{cfg: cfg, runtime: &fakeRuntime{}, reg: tools.NewRegistry()}
	sessions := session.NewManager(cfg, nil, slog.Default())
	if err := sessions.LoadNextID(); err != nil {
		t.Fatal(err)
	}
	f.deps = Deps{
		Config:    cfg,
		Sessions:  sessions,
		Approvals: approvals.NewManager(cfg, slog.Default()),
		Groups:    store.New[models.Group](cfg.GroupsDir(), slog.Default()),
		Runtime:   f.runtime,
		Send: func(id int, env *bridge.Envelope) error {
			if f.sendErr != nil {
				return f.sendErr
			}
			f.sent = append(f.sent, env)
			return nil
		},
	}
	Register(f.reg, f.deps)
	return f
}

func (f *fixture) run(t *testing.T, command string) tools.Outcome {
	t.Helper()
	resolved, err := f.reg.Resolve(command)
	if err != nil {
		return tools.Failure("%v", err)
	}
	return tools.ExecuteLocal(context.Background(), resolved.Def, &tools.Invocation{
		Args: resolved.Args,
	})
}

func TestSessionNewProvisionsChild(t *testing.T) {
	f := newFixture(t)
	out := f.run(t, "session new echo")
	if out.Status != tools.StatusSuccess {
		t.Fatalf("outcome = %+v", out)
	}
	if len(f.runtime.provisioned) != 1 || f.runtime.provisioned[0] != 1 {
		t.Fatalf("provisioned = %v", f.runtime.provisioned)
	}
	s, err := f.deps.Sessions.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != models.StatusPending || s.Model != "xai:mock" {
		t.Fatalf("session = %+v", s)
	}
}

func TestNewAliasShortForm(t *testing.T) {
	f := newFixture(t)
	out := f.run(t, "new echo worker-a")
	if out.Status != tools.StatusSuccess {
		t.Fatalf("outcome = %+v", out)
	}
	s, err := f.deps.Sessions.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if s.Name != "worker-a" {
		t.Fatalf("name = %q", s.Name)
	}
}

func TestPsAliasListsSessions(t *testing.T) {
	f := newFixture(t)
	f.run(t, "session new echo")
	out := f.run(t, "ps")
	if out.Status != tools.StatusSuccess {
		t.Fatalf("outcome = %+v", out)
	}
	rows := out.Result.([]map[string]any)
	if len(rows) != 1 || rows[0]["id"] != 1 {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestPauseSignalsChild(t *testing.T) {
	f := newFixture(t)
	f.run(t, "session new echo")
	out := f.run(t, "session pause 1")
	if out.Status != tools.StatusSuccess {
		t.Fatalf("outcome = %+v", out)
	}
	if f.runtime.signaled[1] != session.ActionPause {
		t.Fatalf("signaled = %v", f.runtime.signaled)
	}
}

func TestPauseFallsBackToDirectTransition(t *testing.T) {
	f := newFixture(t)
	f.runtime.signalErr = fmt.Errorf("no child")
	f.run(t, "session new echo")
	out := f.run(t, "session pause 1")
	if out.Status != tools.StatusSuccess {
		t.Fatalf("outcome = %+v", out)
	}
	s, _ := f.deps.Sessions.Get(1)
	if s.Status != models.StatusPaused {
		t.Fatalf("status = %s", s.Status)
	}
}

func TestApproveDeliversToChild(t *testing.T) {
	f := newFixture(t)
	f.run(t, "session new echo")
	a, err := f.deps.Approvals.CreateApproval(1, "call_T", "shell__execute", "git push")
	if err != nil {
		t.Fatal(err)
	}

	out := f.run(t, fmt.Sprintf("approve %d APPROVE", a.ID))
	if out.Status != tools.StatusSuccess {
		t.Fatalf("outcome = %+v", out)
	}
	if len(f.sent) != 1 || f.sent[0].Type != bridge.TypeApprovalResponse {
		t.Fatalf("sent = %+v", f.sent)
	}
	var p bridge.ApprovalResponsePayload
	if err := f.sent[0].Decode(&p); err != nil {
		t.Fatal(err)
	}
	if !p.ApprovalReceived || p.Choice != "APPROVE" || p.ToolCallID != "call_T" {
		t.Fatalf("payload = %+v", p)
	}
	got, err := f.deps.Approvals.GetApproval(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ApprovalApprove {
		t.Fatalf("record = %+v", got)
	}
}

func TestAnswerAppendsSyntheticToolMessageAndResumes(t *testing.T) {
	f := newFixture(t)
	f.run(t, "session new echo")
	// Simulate the child pausing for the question.
	if _, err := f.deps.Sessions.Transition(1, session.ActionPause); err != nil {
		t.Fatal(err)
	}
	q, err := f.deps.Approvals.CreateQuestion(1, "call_Q", "file?")
	if err != nil {
		t.Fatal(err)
	}

	out := f.run(t, fmt.Sprintf("answer %d foo.txt", q.ID))
	if out.Status != tools.StatusSuccess {
		t.Fatalf("outcome = %+v", out)
	}

	s, err := f.deps.Sessions.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	last := s.LastMessage()
	if last == nil || last.Role != models.RoleTool || last.ToolCallID != "call_Q" || last.Name != "human__ask" || last.Content != "foo.txt" {
		t.Fatalf("synthetic message = %+v", last)
	}
	if s.Status != models.StatusPending {
		t.Fatalf("status after resume = %s", s.Status)
	}
	if len(f.sent) != 1 || f.sent[0].Type != bridge.TypeQuestionResponse {
		t.Fatalf("sent = %+v", f.sent)
	}
}

func TestGroupFanOut(t *testing.T) {
	f := newFixture(t)
	f.run(t, "session new echo")
	f.run(t, "session new echo")

	if out := f.run(t, "group create workers"); out.Status != tools.StatusSuccess {
		t.Fatalf("create = %+v", out)
	}
	if out := f.run(t, "group add workers 1"); out.Status != tools.StatusSuccess {
		t.Fatalf("add = %+v", out)
	}
	if out := f.run(t, "group add workers 2"); out.Status != tools.StatusSuccess {
		t.Fatalf("add = %+v", out)
	}
	if out := f.run(t, "group add workers 1"); out.Status != tools.StatusFailure {
		t.Fatal("duplicate membership accepted")
	}

	// No children are connected, so fan-out lands in the records directly.
	f.sendErr = fmt.Errorf("no connected child")
	if out := f.run(t, "group send workers deploy now"); out.Status != tools.StatusSuccess {
		t.Fatalf("send = %+v", out)
	}
	for id := 1; id <= 2; id++ {
		s, err := f.deps.Sessions.Get(id)
		if err != nil {
			t.Fatal(err)
		}
		last := s.LastMessage()
		if last == nil || last.Role != models.RoleUser || last.Content != "deploy now" {
			t.Fatalf("session %d log = %+v", id, s.Messages)
		}
	}
}

func TestCleanRemovesTerminalSessionsAndResetsIDs(t *testing.T) {
	f := newFixture(t)
	f.run(t, "session new echo")
	if _, err := f.deps.Sessions.Transition(1, session.ActionStop); err != nil {
		t.Fatal(err)
	}

	out := f.run(t, "clean")
	if out.Status != tools.StatusSuccess {
		t.Fatalf("outcome = %+v", out)
	}
	if _, err := f.deps.Sessions.Get(1); err == nil {
		t.Fatal("terminal session survived clean")
	}
	if id := f.deps.Sessions.GenerateID(); id != 1 {
		t.Fatalf("next id after clean = %d", id)
	}
}

func TestSessionSendForwardsToConnectedChild(t *testing.T) {
	f := newFixture(t)
	f.run(t, "session new echo")
	out := f.run(t, "session send 1 Ping")
	if out.Status != tools.StatusSuccess {
		t.Fatalf("outcome = %+v", out)
	}
	if len(f.sent) != 1 || f.sent[0].Type != bridge.TypeUserMessage {
		t.Fatalf("sent = %+v", f.sent)
	}
	var p bridge.UserMessagePayload
	if err := f.sent[0].Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Content != "Ping" {
		t.Fatalf("payload = %+v", p)
	}
	s, _ := f.deps.Sessions.Get(1)
	if len(s.Messages) != 0 {
		t.Fatalf("host wrote the log despite a connected child: %+v", s.Messages)
	}
}

func TestSessionSendFallsBackWhenNoChild(t *testing.T) {
	f := newFixture(t)
	f.run(t, "session new echo")
	f.sendErr = fmt.Errorf("no connected child for session 1")
	out := f.run(t, "session send 1 Ping")
	if out.Status != tools.StatusSuccess {
		t.Fatalf("outcome = %+v", out)
	}
	s, _ := f.deps.Sessions.Get(1)
	last := s.LastMessage()
	if last == nil || last.Role != models.RoleUser || last.Content != "Ping" {
		t.Fatalf("log = %+v", s.Messages)
	}
}

func TestSessionSendRunningWithoutChildFails(t *testing.T) {
	f := newFixture(t)
	f.run(t, "session new echo")
	if _, err := f.deps.Sessions.Transition(1, session.ActionStart); err != nil {
		t.Fatal(err)
	}
	f.sendErr = fmt.Errorf("no connected child for session 1")
	out := f.run(t, "session send 1 hello while running")
	if out.Status != tools.StatusFailure {
		t.Fatalf("outcome = %+v", out)
	}
	s, _ := f.deps.Sessions.Get(1)
	if len(s.Messages) != 0 {
		t.Fatalf("host appended to a RUNNING log: %+v", s.Messages)
	}
}
