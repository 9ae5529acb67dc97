// Package scanner implements the periodic task sweep that routes fresh and
// waiting tasks into the product workflow.
package scanner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"aihive/pkg/bus"
	"aihive/pkg/logx"
	"aihive/pkg/notify"
	"aihive/pkg/proto"
	"aihive/pkg/task"
)

const (
	// Source tags envelopes published by this service.
	Source = "task_scanner"

	// PMPool is the assignee for tasks entering requirements analysis.
	PMPool = "product_manager_pool"

	// DefaultInterval between sweeps.
	DefaultInterval = 300 * time.Second
)

// Scanner periodically sweeps the task store and publishes the commands
// that move each task forward. Failures on one task never abort the sweep.
type Scanner struct {
	bus      bus.Bus
	tasks    task.Store
	interval time.Duration
	logger   *logx.Logger

	shutdown chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	started  bool
}

// New creates a scanner. interval <= 0 selects the default.
func New(b bus.Bus, tasks task.Store, interval time.Duration) *Scanner {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scanner{
		bus:      b,
		tasks:    tasks,
		interval: interval,
		logger:   logx.NewLogger("scanner"),
		shutdown: make(chan struct{}),
	}
}

// Start runs the first sweep immediately and then sweeps on the interval.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scanner already started")
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Scan(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.shutdown:
				return
			case <-ticker.C:
				s.Scan(ctx)
			}
		}
	}()

	s.logger.Info("scanner started, interval %v", s.interval)
	return nil
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()
	s.logger.Info("scanner stopped")
}

// Scan runs one sweep. Exported so operators and tests can trigger it
// outside the timer.
func (s *Scanner) Scan(ctx context.Context) {
	scanID := uuid.New().String()

	if err := s.bus.PublishEvent(ctx, proto.EventTaskScanInitiated,
		map[string]any{"scan_id": scanID},
		proto.WithSource(Source), proto.WithCorrelationID(scanID)); err != nil {
		s.logger.Error("failed to publish scan initiated: %v", err)
	}

	tasks, err := s.tasks.List(ctx, task.Filter{Statuses: []proto.TaskStatus{
		proto.StatusNew,
		proto.StatusClarificationNeeded,
		proto.StatusPRDValidation,
	}})
	if err != nil {
		s.logger.Error("scan %s: task query failed: %v", scanID, err)
		return
	}

	var routed, notified, failures int
	for _, t := range tasks {
		if err := s.routeTask(ctx, t); err != nil {
			failures++
			s.logger.Error("scan %s: task %s failed: %v", scanID, t.ID, err)
			continue
		}
		switch t.Status {
		case proto.StatusNew:
			routed++
		default:
			notified++
		}
	}

	if err := s.bus.PublishEvent(ctx, proto.EventTaskScanCompleted,
		map[string]any{
			"scan_id":  scanID,
			"scanned":  len(tasks),
			"routed":   routed,
			"notified": notified,
			"failures": failures,
		},
		proto.WithSource(Source), proto.WithCorrelationID(scanID)); err != nil {
		s.logger.Error("failed to publish scan completed: %v", err)
	}

	s.logger.Debug("scan %s: %d tasks, %d routed, %d notified, %d failures",
		scanID, len(tasks), routed, notified, failures)
}

func (s *Scanner) routeTask(ctx context.Context, t *task.Task) error {
	switch t.Status {
	case proto.StatusNew:
		return s.routeNewTask(ctx, t)
	case proto.StatusClarificationNeeded:
		return s.notifyClarification(ctx, t)
	case proto.StatusPRDValidation:
		return s.notifyValidation(ctx, t)
	default:
		return nil
	}
}

// routeNewTask moves a fresh task into requirements analysis and hands it
// to the product manager pool.
func (s *Scanner) routeNewTask(ctx context.Context, t *task.Task) error {
	corr := proto.WithCorrelationID(t.CorrelationID)

	err := s.bus.PublishCommand(ctx, proto.CmdUpdateTaskStatus, map[string]any{
		"task_id": t.ID,
		"status":  string(proto.StatusRequestValidation),
	}, proto.WithSource(Source), corr)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	err = s.bus.PublishCommand(ctx, proto.CmdAssignTask, map[string]any{
		"task_id":  t.ID,
		"assignee": PMPool,
		"reason":   "initial requirements analysis",
	}, proto.WithSource(Source), corr)
	if err != nil {
		return fmt.Errorf("assign task: %w", err)
	}
	return nil
}

func (s *Scanner) notifyClarification(ctx context.Context, t *task.Task) error {
	err := s.bus.PublishCommand(ctx, proto.CmdSendNotification, map[string]any{
		"channel": notify.ChannelRequester,
		"subject": fmt.Sprintf("Clarification needed: %s", t.Title),
		"body":    pendingQuestions(t),
		"task_id": t.ID,
	}, proto.WithSource(Source), proto.WithCorrelationID(t.CorrelationID))
	if err != nil {
		return fmt.Errorf("notify clarification: %w", err)
	}
	return nil
}

func (s *Scanner) notifyValidation(ctx context.Context, t *task.Task) error {
	err := s.bus.PublishCommand(ctx, proto.CmdSendNotification, map[string]any{
		"channel":        notify.ChannelReviewer,
		"subject":        fmt.Sprintf("PRD ready for review: %s", t.Title),
		"body":           fmt.Sprintf("Requirement %s for task %s is awaiting validation.", t.RequirementID, t.ID),
		"task_id":        t.ID,
		"requirement_id": t.RequirementID,
	}, proto.WithSource(Source), proto.WithCorrelationID(t.CorrelationID))
	if err != nil {
		return fmt.Errorf("notify validation: %w", err)
	}
	return nil
}

// pendingQuestions returns the agent's most recent clarification comment,
// or a generic line when none is recorded.
func pendingQuestions(t *task.Task) string {
	for i := len(t.Comments) - 1; i >= 0; i-- {
		if t.Comments[i].Author == "pm_agent" {
			return strings.TrimSpace(t.Comments[i].Body)
		}
	}
	return "The product manager needs more detail to proceed."
}
