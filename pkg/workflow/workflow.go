// Package workflow is the composition root: it owns the message channel,
// the stores, the monitor and the periodic services, and implements the
// command and event handlers that drive tasks through the product workflow.
package workflow

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aihive/pkg/bus"
	"aihive/pkg/logx"
	"aihive/pkg/monitor"
	"aihive/pkg/notify"
	"aihive/pkg/prd"
	"aihive/pkg/proto"
	"aihive/pkg/task"
)

// Source tags envelopes published by the workflow core.
const Source = "workflow"

// ConsumerGroup is the command consumer group for the workflow core. All
// instances share it, so each command is handled exactly once.
const ConsumerGroup = "workflow-core"

// State is the service lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// runner is the start/stop shape shared by the scanner and the poller.
type runner interface {
	Start(ctx context.Context) error
	Stop()
}

// Deps are the collaborators a Service is assembled from. Bus, Tasks, PRDs
// and Notifier are required; the rest may be nil.
type Deps struct {
	Bus      bus.Bus
	Tasks    task.Store
	PRDs     prd.Store
	Notifier notify.Notifier
	Monitor  *monitor.Monitor
	Scanner  runner
	Poller   runner

	// MetricsAddr, when set, serves Prometheus metrics on that address.
	MetricsAddr string

	// Closers run after shutdown, in order. Used for resources the service
	// adopts from the builder, like the database handle.
	Closers []func() error
}

// Service wires the workflow together and manages its lifecycle.
type Service struct {
	deps    Deps
	logger  *logx.Logger
	metrics *http.Server

	mu    sync.Mutex
	state State
}

// NewService assembles a service from its dependencies.
func NewService(deps Deps) (*Service, error) {
	if deps.Bus == nil || deps.Tasks == nil || deps.PRDs == nil || deps.Notifier == nil {
		return nil, fmt.Errorf("workflow service requires bus, task store, prd store and notifier")
	}
	return &Service{
		deps:   deps,
		logger: logx.NewLogger("workflow"),
		state:  StateStopped,
	}, nil
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) transition(from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return fmt.Errorf("cannot move to %s from %s", to, s.state)
	}
	s.state = to
	return nil
}

// Start registers all handlers, starts the channel consumers, the monitor
// and the periodic services. It only succeeds from the stopped state.
func (s *Service) Start(ctx context.Context) error {
	if err := s.transition(StateStopped, StateStarting); err != nil {
		return err
	}

	fail := func(err error) error {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		return err
	}

	if err := s.registerHandlers(); err != nil {
		return fail(fmt.Errorf("register handlers: %w", err))
	}

	if s.deps.Monitor != nil {
		s.deps.Monitor.RegisterAlertFunc(s.onStallAlert)
		s.deps.Monitor.Start(ctx)
	}

	if err := s.deps.Bus.Start(ctx); err != nil {
		return fail(fmt.Errorf("start message channel: %w", err))
	}

	if s.deps.Scanner != nil {
		if err := s.deps.Scanner.Start(ctx); err != nil {
			return fail(fmt.Errorf("start scanner: %w", err))
		}
	}
	if s.deps.Poller != nil {
		if err := s.deps.Poller.Start(ctx); err != nil {
			return fail(fmt.Errorf("start poller: %w", err))
		}
	}

	if s.deps.MetricsAddr != "" {
		s.serveMetrics(s.deps.MetricsAddr)
	}

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()
	s.logger.Info("workflow running")
	return nil
}

// Stop drains the service in reverse start order: producers first, then the
// channel, then the monitor. Calling Stop on a stopped service is a no-op.
func (s *Service) Stop(ctx context.Context) error {
	if err := s.transition(StateRunning, StateStopping); err != nil {
		s.mu.Lock()
		idle := s.state == StateStopped || s.state == StateStopping
		s.mu.Unlock()
		if idle {
			return nil
		}
		return err
	}
	s.logger.Info("workflow stopping")

	if s.deps.Poller != nil {
		s.deps.Poller.Stop()
	}
	if s.deps.Scanner != nil {
		s.deps.Scanner.Stop()
	}

	if err := s.deps.Bus.Stop(ctx); err != nil {
		s.logger.Error("channel drain failed: %v", err)
	}

	if s.metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.metrics.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("metrics server shutdown failed: %v", err)
		}
		cancel()
		s.metrics = nil
	}

	if s.deps.Monitor != nil {
		s.deps.Monitor.Stop()
	}

	if err := s.deps.Bus.Close(); err != nil {
		s.logger.Error("channel close failed: %v", err)
	}

	for _, closer := range s.deps.Closers {
		if err := closer(); err != nil {
			s.logger.Error("cleanup failed: %v", err)
		}
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.logger.Info("workflow stopped")
	return nil
}

// onStallAlert routes monitor alerts to the operator channel.
func (s *Service) onStallAlert(a monitor.Alert) {
	s.logger.Warn("workflow %s stalled, idle %v since %q", a.CorrelationID, a.Idle, a.LastType)

	err := s.deps.Notifier.Send(context.Background(), notify.Notification{
		Channel:       notify.ChannelOperator,
		Subject:       fmt.Sprintf("Workflow %s stalled", a.CorrelationID),
		Body:          fmt.Sprintf("No activity for %v. Last envelope type: %s.", a.Idle.Round(time.Second), a.LastType),
		CorrelationID: a.CorrelationID,
	})
	if err != nil {
		s.logger.Error("stall alert notification failed: %v", err)
	}
}

func (s *Service) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func(srv *http.Server) {
		s.logger.Info("metrics listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed: %v", err)
		}
	}(s.metrics)
}

// registerHandlers subscribes the workflow core to its commands and events.
// Registration happens before Start so durable consumers exist when the
// channel begins delivering.
func (s *Service) registerHandlers() error {
	err := s.deps.Bus.SubscribeToCommands([]proto.CommandType{
		proto.CmdCreateTask,
		proto.CmdUpdateTaskStatus,
		proto.CmdAssignTask,
		proto.CmdUnassignTask,
		proto.CmdAddTaskComment,
		proto.CmdLinkRequirementToTask,
		proto.CmdCreateProductRequirement,
		proto.CmdUpdateProductRequirement,
		proto.CmdSendNotification,
		proto.CmdSendMessage,
		proto.CmdRequestClarification,
	}, ConsumerGroup, s.handleCommand)
	if err != nil {
		return err
	}

	return s.deps.Bus.SubscribeToEvents([]proto.EventType{
		proto.EventUserRequestSubmitted,
		proto.EventClarificationProvided,
		proto.EventHumanValidationProvided,
	}, s.handleEvent)
}
