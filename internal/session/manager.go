// Package session owns the session entity lifecycle: status transitions via
// the state machine, persistence through the collection store, monotonic id
// allocation, and template instantiation.
//
// A live session's record migrates into its workspace when the supervisor
// provisions it, so the host and the child share one file through the bind
// mount. Records in db/sessions belong to sessions without a workspace yet.
package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mikesmullin/subd/internal/bus"
	"github.com/mikesmullin/subd/internal/config"
	"github.com/mikesmullin/subd/internal/fsm"
	"github.com/mikesmullin/subd/internal/store"
	"github.com/mikesmullin/subd/pkg/models"
)

// Lifecycle actions.
const (
	ActionStart    = "start"
	ActionComplete = "complete"
	ActionFail     = "fail"
	ActionPause    = "pause"
	ActionResume   = "resume"
	ActionStop     = "stop"
	ActionRun      = "run"
	ActionRetry    = "retry"
)

// Table builds the session status machine.
func Table() *fsm.Machine {
	pending := string(models.StatusPending)
	running := string(models.StatusRunning)
	paused := string(models.StatusPaused)
	stopped := string(models.StatusStopped)
	success := string(models.StatusSuccess)
	errored := string(models.StatusError)
	return fsm.New().
		Add(ActionStart, []string{pending}, running).
		Add(ActionComplete, []string{running}, success).
		Add(ActionFail, []string{running}, errored).
		Add(ActionPause, []string{pending, running}, paused).
		Add(ActionResume, []string{paused}, pending).
		Add(ActionStop, []string{pending, running, paused}, stopped).
		Add(ActionRun, []string{stopped}, running).
		Add(ActionRetry, []string{success, errored}, pending)
}

// Manager mediates all session reads and writes in one process.
type Manager struct {
	cfg     *config.Config
	log     *slog.Logger
	machine *fsm.Machine
	events  *bus.Bus

	mu      sync.Mutex
	primary *store.Collection[models.Session]
	wsCols  map[int]*store.Collection[models.Session]
	nextID  int
}

// NewManager builds a manager rooted at cfg.Root. events may be nil when no
// one needs transition notifications (the child process subscribes nothing).
func NewManager(cfg *config.Config, events *bus.Bus, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		log:     log,
		machine: Table(),
		events:  events,
		primary: store.New[models.Session](cfg.SessionsDir(), log),
		wsCols:  make(map[int]*store.Collection[models.Session]),
		nextID:  1,
	}
}

// colFor returns the collection owning the session record: the workspace
// collection once the record has been seeded there, the primary one before.
func (m *Manager) colFor(id int) *store.Collection[models.Session] {
	wsPath := m.cfg.WorkspaceDir(id)
	if _, err := os.Stat(wsPath); err != nil {
		return m.primary
	}
	if c, ok := m.wsCols[id]; ok {
		return c
	}
	c := store.New[models.Session](filepath.Join(wsPath, "db", "sessions"), m.log)
	m.wsCols[id] = c
	return c
}

func key(id int) string { return strconv.Itoa(id) }

// Get reloads the session, observing peer writes via the store's mtime
// check.
func (m *Manager) Get(id int) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

func (m *Manager) getLocked(id int) (models.Session, error) {
	s, ok, err := m.colFor(id).Get(key(id))
	if err != nil {
		return models.Session{}, err
	}
	if !ok {
		return models.Session{}, fmt.Errorf("session %d not found", id)
	}
	return s, nil
}

// Put writes the session through to disk immediately.
func (m *Manager) Put(s models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(s)
}

func (m *Manager) putLocked(s models.Session) error {
	col := m.colFor(s.ID)
	col.Set(key(s.ID), s)
	return col.Save()
}

// Transition reloads the session, applies the lifecycle action, stamps the
// last-transition record, and saves immediately so the peer process sees the
// change on its next mtime check. Invalid transitions return an error and
// mutate nothing.
func (m *Manager) Transition(id int, action string) (models.Session, error) {
	m.mu.Lock()
	s, err := m.getLocked(id)
	if err != nil {
		m.mu.Unlock()
		return models.Session{}, err
	}
	from := string(s.Status)
	to, err := m.machine.Transition(from, action)
	if err != nil {
		m.mu.Unlock()
		return models.Session{}, fmt.Errorf("session %d: %w", id, err)
	}
	s.Status = models.SessionStatus(to)
	s.LastTransition = &models.Transition{
		Action:    action,
		From:      from,
		To:        to,
		Timestamp: time.Now().UTC(),
	}
	if err := m.putLocked(s); err != nil {
		m.mu.Unlock()
		return models.Session{}, err
	}
	m.mu.Unlock()

	m.log.Debug("session transition applied", "session_id", id, "action", action, "from", from, "to", to)
	if m.events != nil {
		m.events.Publish(bus.TransitionEvent{SessionID: id, Action: action, From: from, To: to})
	}
	return s, nil
}

// ValidActions lists the lifecycle actions admissible for the session's
// current status.
func (m *Manager) ValidActions(id int) ([]string, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return m.machine.ValidActions(string(s.Status)), nil
}

// LoadNextID scans both the primary directory and the workspaces and sets
// the id counter to max+1. Called once at startup.
func (m *Manager) LoadNextID() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for _, id := range m.scanIDsLocked() {
		if id > max {
			max = id
		}
	}
	m.nextID = max + 1
	return nil
}

func (m *Manager) scanIDsLocked() []int {
	seen := map[int]struct{}{}
	if ids, err := m.primary.List(); err == nil {
		for _, s := range ids {
			if id, err := strconv.Atoi(s); err == nil {
				seen[id] = struct{}{}
			}
		}
	}
	if entries, err := os.ReadDir(m.cfg.WorkspacesDir()); err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			if id, err := strconv.Atoi(e.Name()); err == nil {
				seen[id] = struct{}{}
			}
		}
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// GenerateID issues the next monotonic session id.
func (m *Manager) GenerateID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	return id
}

// ResetIDs returns the counter to 1; used after clean empties the store.
func (m *Manager) ResetIDs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.scanIDsLocked()) == 0 {
		m.nextID = 1
	}
}

// List returns sessions ordered by id. Soft-deleted sessions are excluded
// unless includeDeleted is set.
func (m *Manager) List(includeDeleted bool) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Session
	for _, id := range m.scanIDsLocked() {
		s, err := m.getLocked(id)
		if err != nil {
			m.log.Warn("skipping unreadable session", "session_id", id, "error", err)
			continue
		}
		if s.Deleted() && !includeDeleted {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Create instantiates a session from a template.
func (m *Manager) Create(tpl models.Template, name string) (models.Session, error) {
	id := m.GenerateID()
	if name == "" {
		name = fmt.Sprintf("%s-%d", tpl.Name, id)
	}
	now := time.Now().UTC()
	s := models.Session{
		ID:           id,
		Name:         name,
		ContainerID:  fmt.Sprintf("%d_%d", id, now.Unix()),
		CreatedAt:    now,
		Status:       models.StatusPending,
		Model:        tpl.Model,
		Tools:        tpl.Tools,
		Labels:       tpl.Labels,
		SystemPrompt: tpl.SystemPrompt,
	}
	if _, err := models.ParseModelRef(s.Model); err != nil {
		return models.Session{}, err
	}
	if err := m.Put(s); err != nil {
		return models.Session{}, err
	}
	return s, nil
}

// SeedWorkspace migrates the session record from the primary collection into
// the workspace so host and child share one file through the bind mount.
// Exactly one <id>.yml exists afterwards.
func (m *Manager) SeedWorkspace(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok, err := m.primary.Get(key(id))
	if err != nil {
		return err
	}
	if !ok {
		// Already migrated, or never created: nothing to seed.
		return nil
	}
	wsDir := m.cfg.WorkspaceDir(id)
	if err := os.MkdirAll(wsDir, 0o755); err != nil {
		return err
	}
	delete(m.wsCols, id) // force re-resolution now that the dir exists
	col := m.colFor(id)
	if col == m.primary {
		return fmt.Errorf("session %d: workspace collection unavailable", id)
	}
	col.Set(key(id), s)
	if err := col.Save(); err != nil {
		return err
	}
	m.primary.Delete(key(id))
	return m.primary.Save()
}

// AppendMessage reloads the session, appends to the message log, and saves.
// Only the child's agent loop calls this for live sessions; the host only
// appends the synthetic answer message while the session is paused.
func (m *Manager) AppendMessage(id int, msg models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	s.Messages = append(s.Messages, msg)
	return m.putLocked(s)
}

// RecordUsage stores the latest usage metrics.
func (m *Manager) RecordUsage(id int, u models.Usage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(id)
	if err != nil {
		return err
	}
	s.Usage = &u
	return m.putLocked(s)
}

// SoftDelete tombstones the session in place: the file stays, with a
// deletedAt stamp, and default listings skip it.
func (m *Manager) SoftDelete(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	s.DeletedAt = &now
	return m.putLocked(s)
}

// Remove hard-deletes the record; clean uses this for terminal sessions.
func (m *Manager) Remove(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	col := m.colFor(id)
	col.Delete(key(id))
	return col.Save()
}

// WatchPrimary installs a filesystem watcher on the primary collection so
// peer writes invalidate the cache without waiting for the mtime check.
func (m *Manager) WatchPrimary() (func(), error) {
	return m.primary.Watch()
}
