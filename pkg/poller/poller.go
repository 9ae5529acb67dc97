// Package poller implements the product manager work loop: it claims the
// highest priority task assigned to its pool, runs the agent on it, and
// publishes the commands and events for the outcome.
package poller

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"aihive/pkg/agent"
	"aihive/pkg/bus"
	"aihive/pkg/logx"
	"aihive/pkg/prd"
	"aihive/pkg/proto"
	"aihive/pkg/task"
)

const (
	// Source tags envelopes published by this service.
	Source = "task_poller"

	// AgentAuthor is the comment author used for agent-written comments.
	AgentAuthor = "pm_agent"

	// DefaultInterval between polls.
	DefaultInterval = 30 * time.Second

	// DefaultAgentTimeout bounds a single agent invocation.
	DefaultAgentTimeout = 120 * time.Second

	// DefaultPool is the assignee pool this poller serves.
	DefaultPool = "product_manager_pool"
)

// Config tunes the poll loop. Zero values select the defaults.
type Config struct {
	Pool         string
	Interval     time.Duration
	AgentTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Pool == "" {
		c.Pool = DefaultPool
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = DefaultAgentTimeout
	}
}

// Poller drives the agent over the pool's queue, one task per cycle.
type Poller struct {
	cfg    Config
	bus    bus.Bus
	tasks  task.Store
	prds   prd.Store
	agent  agent.Agent
	logger *logx.Logger

	shutdown chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	started  bool

	// cycleMu guarantees a single in-flight cycle. A slow agent call must
	// not be doubled by the next tick.
	cycleMu sync.Mutex
}

// New creates a poller for the given pool and agent.
func New(cfg Config, b bus.Bus, tasks task.Store, prds prd.Store, a agent.Agent) *Poller {
	cfg.applyDefaults()
	return &Poller{
		cfg:      cfg,
		bus:      b,
		tasks:    tasks,
		prds:     prds,
		agent:    a,
		logger:   logx.NewLogger("poller"),
		shutdown: make(chan struct{}),
	}
}

// Start launches the poll loop.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("poller already started")
	}
	p.started = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.shutdown:
				return
			case <-ticker.C:
				p.Poll(ctx)
			}
		}
	}()

	p.logger.Info("poller started for pool %q, interval %v", p.cfg.Pool, p.cfg.Interval)
	return nil
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	close(p.shutdown)
	p.wg.Wait()
	p.logger.Info("poller stopped")
}

// Poll runs one cycle: pick the next task, process it, publish the outcome.
// Exported so tests and operators can drive cycles directly.
func (p *Poller) Poll(ctx context.Context) {
	if !p.cycleMu.TryLock() {
		p.logger.Debug("cycle still in flight, skipping tick")
		return
	}
	defer p.cycleMu.Unlock()

	t, err := p.nextTask(ctx)
	if err != nil {
		p.logger.Error("task query failed: %v", err)
		return
	}
	if t == nil {
		return
	}

	if err := p.processTask(ctx, t); err != nil {
		p.logger.Error("task %s: %v", t.ID, err)
	}
}

// nextTask returns the pool's highest priority claimable task, or nil when
// the queue is empty. Priority ranks first, creation time breaks ties.
func (p *Poller) nextTask(ctx context.Context) (*task.Task, error) {
	tasks, err := p.tasks.List(ctx, task.Filter{
		Assignee: p.cfg.Pool,
		Statuses: []proto.TaskStatus{proto.StatusRequestValidation, proto.StatusPRDDevelopment},
	})
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority.Rank() != tasks[j].Priority.Rank() {
			return tasks[i].Priority.Rank() < tasks[j].Priority.Rank()
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks[0], nil
}

func (p *Poller) processTask(ctx context.Context, t *task.Task) error {
	corr := proto.WithCorrelationID(t.CorrelationID)

	// Claim the task before invoking the agent so a concurrent scan sees it
	// in progress. Tasks resumed from an earlier crash are already there.
	if t.Status != proto.StatusPRDDevelopment {
		err := p.bus.PublishCommand(ctx, proto.CmdUpdateTaskStatus, map[string]any{
			"task_id": t.ID,
			"status":  string(proto.StatusPRDDevelopment),
		}, proto.WithSource(Source), corr)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
	}

	agentCtx, cancel := context.WithTimeout(ctx, p.cfg.AgentTimeout)
	defer cancel()
	result := p.agent.Process(agentCtx, t)

	switch r := result.(type) {
	case agent.ClarificationNeeded:
		return p.handleClarification(ctx, t, r)
	case agent.DocumentReady:
		return p.handleDocument(ctx, t, r)
	case agent.Failed:
		// Leave the task in place; the next cycle retries it.
		p.logger.Warn("agent failed on task %s: %s", t.ID, r.Reason)
		return nil
	default:
		return fmt.Errorf("unknown agent result %T", result)
	}
}

func (p *Poller) handleClarification(ctx context.Context, t *task.Task, r agent.ClarificationNeeded) error {
	corr := proto.WithCorrelationID(t.CorrelationID)
	src := proto.WithSource(Source)

	err := p.bus.PublishCommand(ctx, proto.CmdAddTaskComment, map[string]any{
		"task_id": t.ID,
		"author":  AgentAuthor,
		"body":    formatQuestions(r.Questions),
	}, src, corr)
	if err != nil {
		return fmt.Errorf("add clarification comment: %w", err)
	}

	err = p.bus.PublishCommand(ctx, proto.CmdUpdateTaskStatus, map[string]any{
		"task_id": t.ID,
		"status":  string(proto.StatusClarificationNeeded),
	}, src, corr)
	if err != nil {
		return fmt.Errorf("park task for clarification: %w", err)
	}

	err = p.bus.PublishEvent(ctx, proto.EventClarificationRequested, map[string]any{
		"task_id":   t.ID,
		"questions": r.Questions,
	}, src, corr)
	if err != nil {
		return fmt.Errorf("publish clarification requested: %w", err)
	}

	p.logger.Info("task %s needs clarification, %d questions", t.ID, len(r.Questions))
	return nil
}

func (p *Poller) handleDocument(ctx context.Context, t *task.Task, r agent.DocumentReady) error {
	corr := proto.WithCorrelationID(t.CorrelationID)
	src := proto.WithSource(Source)

	req := prd.New(t.ID, r.Title, r.Content)
	if err := p.prds.Create(ctx, req); err != nil {
		return fmt.Errorf("store requirement: %w", err)
	}

	err := p.bus.PublishCommand(ctx, proto.CmdLinkRequirementToTask, map[string]any{
		"task_id":        t.ID,
		"requirement_id": req.ID,
	}, src, corr)
	if err != nil {
		return fmt.Errorf("link requirement: %w", err)
	}

	err = p.bus.PublishCommand(ctx, proto.CmdUpdateTaskStatus, map[string]any{
		"task_id": t.ID,
		"status":  string(proto.StatusPRDValidation),
	}, src, corr)
	if err != nil {
		return fmt.Errorf("move task to validation: %w", err)
	}

	err = p.bus.PublishEvent(ctx, proto.EventProductRequirementCreated, map[string]any{
		"task_id":        t.ID,
		"requirement_id": req.ID,
		"title":          req.Title,
	}, src, corr)
	if err != nil {
		return fmt.Errorf("publish requirement created: %w", err)
	}

	err = p.bus.PublishEvent(ctx, proto.EventHumanValidationRequested, map[string]any{
		"task_id":        t.ID,
		"requirement_id": req.ID,
	}, src, corr)
	if err != nil {
		return fmt.Errorf("publish validation requested: %w", err)
	}

	p.logger.Info("task %s: requirement %s drafted, awaiting validation", t.ID, req.ID)
	return nil
}

func formatQuestions(questions []string) string {
	var b strings.Builder
	b.WriteString("Clarification needed:\n")
	for _, q := range questions {
		fmt.Fprintf(&b, "- %s\n", q)
	}
	return b.String()
}
