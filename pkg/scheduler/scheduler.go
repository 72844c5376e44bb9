// Package scheduler owns run execution end to end: it queues runs,
// enforces a concurrency ceiling, drives the single-agent runner or the
// group orchestrator, persists and broadcasts their events, and manages
// the suspension round trips (human approval, child runs) by parking
// and re-enqueueing run records.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/strandworks/strand/pkg/approval"
	"github.com/strandworks/strand/pkg/checkpoint"
	"github.com/strandworks/strand/pkg/eventbus"
	"github.com/strandworks/strand/pkg/llms"
	"github.com/strandworks/strand/pkg/memory"
	"github.com/strandworks/strand/pkg/runs"
	"github.com/strandworks/strand/pkg/team"
	"github.com/strandworks/strand/pkg/tools"
)

// Config tunes the scheduler.
type Config struct {
	// MaxConcurrent caps simultaneously executing runs.
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`
	// QueueSize bounds the pending run queue.
	QueueSize int `yaml:"queue_size" json:"queue_size"`
	// CancelGrace is how long a cancelled run gets to wind down before
	// its record is forced to cancelled.
	CancelGrace time.Duration `yaml:"cancel_grace" json:"cancel_grace"`
	// DefaultSystemPrompt serves single runs whose agent has no role.
	DefaultSystemPrompt string `yaml:"default_system_prompt" json:"default_system_prompt"`
	// MaxSteps bounds each agent loop; zero uses the runner default.
	MaxSteps int `yaml:"max_steps" json:"max_steps"`

	// Model is the base model configuration; run-level overrides are
	// overlaid per run.
	Model llms.ProviderConfig `yaml:"model" json:"model"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 5 * time.Second
	}
	if c.Model.Model == "" {
		c.Model.Model = "gpt-4o-mini"
	}
	c.Model.SetDefaults()
}

// Validate checks the config is usable.
func (c *Config) Validate() error {
	return c.Model.Validate()
}

// ProviderFactory builds a model client for a resolved configuration.
// Tests swap this for a scripted client.
type ProviderFactory func(cfg llms.ProviderConfig) (llms.Provider, error)

// SchedulerError is the component-scoped error for scheduler failures.
type SchedulerError struct {
	Component string
	Action    string
	Message   string
	Err       error
}

func (e *SchedulerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Action, e.Message)
}

func (e *SchedulerError) Unwrap() error { return e.Err }

func newSchedulerError(action, message string, err error) *SchedulerError {
	return &SchedulerError{Component: "Scheduler", Action: action, Message: message, Err: err}
}

// Scheduler executes queued runs.
type Scheduler struct {
	cfg         Config
	repo        runs.Repository
	tracker     runs.DependencyTracker
	bus         eventbus.Bus
	broker      approval.Broker
	checkpoints checkpoint.Store
	router      *tools.Router
	mem         memory.Service
	providers   ProviderFactory

	roles  map[string]team.Role
	groups map[string]*team.Group

	queue   chan string
	sem     *semaphore.Weighted
	cancels sync.Map // runID → context.CancelFunc

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// Option configures optional collaborators.
type Option func(*Scheduler)

// WithMemory sets the retrieval backend.
func WithMemory(mem memory.Service) Option {
	return func(s *Scheduler) { s.mem = mem }
}

// WithProviderFactory overrides how model clients are built.
func WithProviderFactory(factory ProviderFactory) Option {
	return func(s *Scheduler) { s.providers = factory }
}

// WithRoles registers standalone roles (escalation targets and
// role-bound single runs).
func WithRoles(roles ...team.Role) Option {
	return func(s *Scheduler) {
		for _, role := range roles {
			role.SetDefaults()
			s.roles[role.ID] = role
		}
	}
}

// WithGroups registers orchestrated groups, keyed by group id.
func WithGroups(groups ...*team.Group) Option {
	return func(s *Scheduler) {
		for _, g := range groups {
			g.SetDefaults()
			s.groups[g.ID] = g
			for _, m := range g.Members {
				if _, exists := s.roles[m.Role.ID]; !exists {
					s.roles[m.Role.ID] = m.Role
				}
			}
		}
	}
}

// New wires a scheduler. The approval broker's decisions re-enqueue the
// suspended run automatically.
func New(cfg Config, repo runs.Repository, tracker runs.DependencyTracker, bus eventbus.Bus,
	broker approval.Broker, checkpoints checkpoint.Store, router *tools.Router, opts ...Option) *Scheduler {

	cfg.SetDefaults()
	s := &Scheduler{
		cfg:         cfg,
		repo:        repo,
		tracker:     tracker,
		bus:         bus,
		broker:      broker,
		checkpoints: checkpoints,
		router:      router,
		mem:         memory.Noop{},
		providers:   llms.New,
		roles:       make(map[string]team.Role),
		groups:      make(map[string]*team.Group),
		queue:       make(chan string, cfg.QueueSize),
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
	for _, opt := range opts {
		opt(s)
	}

	if broker != nil {
		broker.OnDecision(func(ctx context.Context, req *approval.Request, decision approval.Decision) {
			if err := s.Enqueue(ctx, req.RunID); err != nil {
				slog.Error("Failed to re-enqueue run after approval decision",
					"run_id", req.RunID, "error", err)
			}
		})
	}
	return s
}

// HasRole implements tools.RoleDirectory.
func (s *Scheduler) HasRole(id string) bool {
	_, ok := s.roles[id]
	return ok
}

// RoleIDs implements tools.RoleDirectory.
func (s *Scheduler) RoleIDs() []string {
	ids := make([]string, 0, len(s.roles))
	for id := range s.roles {
		ids = append(ids, id)
	}
	return ids
}

// Start launches the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.baseCtx, s.stop = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.dispatch()
	slog.Info("Scheduler started", "max_concurrent", s.cfg.MaxConcurrent)
}

// Stop cancels in-flight runs and waits for workers to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.stop()
	s.mu.Unlock()

	s.wg.Wait()
	slog.Info("Scheduler stopped")
}

// Submit creates a run record and queues it. The run id is assigned
// when empty.
func (s *Scheduler) Submit(ctx context.Context, run *runs.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if err := s.repo.Create(ctx, run); err != nil {
		return newSchedulerError("Submit", "failed to create run", err)
	}
	return s.Enqueue(ctx, run.ID)
}

// Enqueue queues an existing run for (re-)execution.
func (s *Scheduler) Enqueue(ctx context.Context, runID string) error {
	select {
	case s.queue <- runID:
		return nil
	default:
		return newSchedulerError("Enqueue", "run queue is full", nil)
	}
}

// Cancel requests cancellation. A running run gets the grace period to
// observe its context before the record is forced; parked runs are
// cancelled directly.
func (s *Scheduler) Cancel(ctx context.Context, runID string) error {
	if cancel, ok := s.cancels.Load(runID); ok {
		cancel.(context.CancelFunc)()
		// The executing worker marks the run cancelled on its way out;
		// the grace timer is the backstop if it never does.
		time.AfterFunc(s.cfg.CancelGrace, func() {
			if _, err := s.repo.Cancel(context.Background(), runID); err != nil {
				slog.Warn("Grace-period cancel failed", "run_id", runID, "error", err)
			}
		})
		return nil
	}

	if _, err := s.repo.Cancel(ctx, runID); err != nil {
		return newSchedulerError("Cancel", "failed to cancel run", err)
	}
	return nil
}

func (s *Scheduler) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case runID := <-s.queue:
			if err := s.sem.Acquire(s.baseCtx, 1); err != nil {
				return
			}
			s.wg.Add(1)
			go func(id string) {
				defer s.wg.Done()
				defer s.sem.Release(1)
				s.process(id)
			}(runID)
		}
	}
}

func (s *Scheduler) process(runID string) {
	run, err := s.repo.Get(s.baseCtx, runID)
	if err != nil {
		slog.Error("Failed to load queued run", "run_id", runID, "error", err)
		return
	}
	if run.Status.Terminal() {
		slog.Debug("Skipping terminal run", "run_id", runID, "status", run.Status)
		return
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	s.cancels.Store(runID, cancel)
	defer func() {
		s.cancels.Delete(runID)
		cancel()
	}()

	status := s.execute(ctx, run)
	slog.Info("Run finished executing", "run_id", runID, "status", status)
}

func (s *Scheduler) roleFor(id string) (team.Role, bool) {
	role, ok := s.roles[id]
	return role, ok
}
