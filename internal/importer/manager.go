package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gofrs/uuid/v5"
	"github.com/sirupsen/logrus"

	"github.com/eklund-io/banksync-server/internal/domain"
	"github.com/eklund-io/banksync-server/internal/streaming"
)

// ErrRunNotFound is returned for run ids the manager does not know.
var ErrRunNotFound = errors.New("run not found")

// RunState tracks where a run is in its lifecycle.
type RunState string

const (
	RunStateQueued    RunState = "queued"
	RunStateRunning   RunState = "running"
	RunStateSucceeded RunState = "succeeded"
	RunStateFailed    RunState = "failed"
)

// Snapshot is a copy of a run's identity and event history, taken when a
// client attaches to its stream.
type Snapshot struct {
	RunID   string
	Profile string
	DryRun  bool
	State   RunState
	Events  []streaming.Event
}

// runExecutor executes one import run, reporting events on the bus.
type runExecutor interface {
	Run(ctx context.Context, bus *streaming.Bus, profile domain.Profile, dryRun bool) (*domain.ImportOutcome, error)
}

type run struct {
	id      string
	profile domain.Profile
	dryRun  bool
	state   RunState
	events  []streaming.Event
}

func (r *run) snapshot() *Snapshot {
	return &Snapshot{
		RunID:   r.id,
		Profile: r.profile.Name,
		DryRun:  r.dryRun,
		State:   r.state,
		Events:  append([]streaming.Event(nil), r.events...),
	}
}

// Manager creates import runs, records their events for late joiners and
// fans live events out to stream clients. Runs execute with a background
// context; a disconnecting client does not stop its run.
type Manager struct {
	executor runExecutor
	runner   *Runner
	hub      *streaming.Hub
	profiles map[string]domain.Profile

	mu   sync.Mutex
	runs map[string]*run
}

// NewManager creates a Manager executing runs for the given profiles.
func NewManager(executor runExecutor, runner *Runner, hub *streaming.Hub, profiles []domain.Profile) *Manager {
	byName := make(map[string]domain.Profile, len(profiles))
	for _, p := range profiles {
		byName[p.Name] = p
	}
	return &Manager{
		executor: executor,
		runner:   runner,
		hub:      hub,
		profiles: byName,
		runs:     make(map[string]*run),
	}
}

// Start queues a new import run for the named profile and returns its id.
func (m *Manager) Start(profileName string, dryRun bool) (string, error) {
	profile, ok := m.profiles[profileName]
	if !ok {
		return "", &domain.ConfigError{Field: "profile", Reason: fmt.Sprintf("unknown profile %q", profileName)}
	}

	runID := uuid.Must(uuid.NewV4()).String()
	bus := streaming.NewBus()
	bus.Subscribe(m.record(runID))

	m.mu.Lock()
	m.runs[runID] = &run{
		id:      runID,
		profile: profile,
		dryRun:  dryRun,
		state:   RunStateQueued,
	}
	m.mu.Unlock()

	err := m.runner.Submit(context.Background(), func(ctx context.Context) {
		m.setState(runID, RunStateRunning)
		if _, err := m.executor.Run(ctx, bus, profile, dryRun); err != nil {
			m.setState(runID, RunStateFailed)
			return
		}
		m.setState(runID, RunStateSucceeded)
	})
	if err != nil {
		m.mu.Lock()
		delete(m.runs, runID)
		m.mu.Unlock()
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"runId":   runID,
		"profile": profileName,
		"dryRun":  dryRun,
	}).Info("Manager.Start.run queued")
	return runID, nil
}

// Get returns a snapshot of the run.
func (m *Manager) Get(runID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return r.snapshot(), nil
}

// Attach registers a stream client on the run and returns the run's event
// history. The client registers before the history is copied, so a live
// event is either in the history or delivered to the client; consumers drop
// live events whose sequence number does not exceed the history's last.
func (m *Manager) Attach(ctx context.Context, runID string) (*Snapshot, *streaming.Client, error) {
	m.mu.Lock()
	_, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok {
		return nil, nil, ErrRunNotFound
	}

	// The broadcaster must outlive any single client's request; the hub
	// tears it down when the last client detaches.
	client := m.hub.Register(context.Background(), runID)

	m.mu.Lock()
	r, ok := m.runs[runID]
	var snapshot *Snapshot
	if ok {
		snapshot = r.snapshot()
	}
	m.mu.Unlock()

	if !ok {
		m.hub.Unregister(runID, client)
		return nil, nil, ErrRunNotFound
	}
	return snapshot, client, nil
}

// Detach removes a previously attached client.
func (m *Manager) Detach(runID string, client *streaming.Client) {
	m.hub.Unregister(runID, client)
}

func (m *Manager) record(runID string) func(streaming.Event) {
	return func(event streaming.Event) {
		m.mu.Lock()
		if r, ok := m.runs[runID]; ok {
			r.events = append(r.events, event)
		}
		m.mu.Unlock()

		m.hub.Broadcast(runID, event)
	}
}

func (m *Manager) setState(runID string, state RunState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[runID]; ok {
		r.state = state
	}
}
