package agent

import (
	"context"
	"log/slog"
	"testing"

	"github.com/mikesmullin/subd/internal/bridge"
	"github.com/mikesmullin/subd/internal/config"
	"github.com/mikesmullin/subd/internal/session"
	"github.com/mikesmullin/subd/internal/tools"
	"github.com/mikesmullin/subd/pkg/models"
)

func TestForwardedUserMessageAppendsToLog(t *testing.T) {
	cfg := config.Default(t.TempDir())
	mgr := session.NewManager(cfg, nil, slog.Default())
	err := mgr.Put(models.Session{
		ID:     1,
		Name:   "echo-1",
		Status: models.StatusRunning,
		Model:  "xai:mock",
	})
	if err != nil {
		t.Fatal(err)
	}

	c := &Child{cfg: cfg, log: slog.Default(), id: 1, sessions: mgr}
	registry := tools.NewRegistry()
	c.loop = NewLoop(cfg, 1, mgr, nil, registry, tools.NewStateMap(), slog.Default())
	router := bridge.NewRouter(slog.Default())
	c.registerHandlers(router, registry)

	env, err := bridge.New(bridge.TypeUserMessage, 1, bridge.UserMessagePayload{Content: "status update please"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := router.Route(context.Background(), env); err != nil {
		t.Fatalf("route: %v", err)
	}

	s, err := mgr.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	last := s.LastMessage()
	if last == nil || last.Role != models.RoleUser || last.Content != "status update please" {
		t.Fatalf("log = %+v", s.Messages)
	}
}
