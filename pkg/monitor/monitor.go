package monitor

import (
	"context"
	"sync"
	"time"

	"aihive/pkg/logx"
	"aihive/pkg/proto"
)

// WorkflowStatus is the health of one correlation chain.
type WorkflowStatus string

const (
	WorkflowActive    WorkflowStatus = "active"
	WorkflowStalled   WorkflowStatus = "stalled"
	WorkflowCompleted WorkflowStatus = "completed"
)

// WorkflowRecord aggregates all activity seen for one correlation id.
type WorkflowRecord struct {
	CorrelationID string         `json:"correlation_id"`
	StartedAt     time.Time      `json:"started_at"`
	LastActivity  time.Time      `json:"last_activity"`
	Events        int            `json:"events"`
	Commands      int            `json:"commands"`
	LastType      string         `json:"last_type"`
	Status        WorkflowStatus `json:"status"`
}

// Alert describes a workflow that went quiet past the threshold.
type Alert struct {
	Type          string        `json:"type"`
	CorrelationID string        `json:"correlation_id"`
	Idle          time.Duration `json:"idle"`
	LastType      string        `json:"last_type"`
	At            time.Time     `json:"at"`
}

// AlertFunc receives stall alerts. Called outside the monitor lock.
type AlertFunc func(Alert)

// Config tunes the monitor.
type Config struct {
	MaxEntries     int           // In-memory envelope history size
	CheckInterval  time.Duration // How often to look for stalls
	StallThreshold time.Duration // Idle time before a workflow counts as stalled
}

// DefaultConfig matches the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxEntries:     1000,
		CheckInterval:  10 * time.Second,
		StallThreshold: 60 * time.Second,
	}
}

// Monitor records every envelope to an in-memory ring and a durable JSONL
// sink, maintains per-workflow status records, and runs a periodic stall
// check.
type Monitor struct {
	cfg    Config
	writer *Writer
	logger *logx.Logger

	mu        sync.RWMutex
	entries   []*proto.Envelope
	workflows map[string]*WorkflowRecord
	alertFns  []AlertFunc

	shutdown chan struct{}
	wg       sync.WaitGroup
	started  bool
}

// New creates a monitor. writer may be nil (memory-only, used in tests).
func New(cfg Config, writer *Writer) *Monitor {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 60 * time.Second
	}
	return &Monitor{
		cfg:       cfg,
		writer:    writer,
		logger:    logx.NewLogger("monitor"),
		workflows: make(map[string]*WorkflowRecord),
		shutdown:  make(chan struct{}),
	}
}

// RegisterAlertFunc adds a stall alert receiver.
func (m *Monitor) RegisterAlertFunc(fn AlertFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertFns = append(m.alertFns, fn)
}

// Record ingests one envelope. A stalled workflow seeing new activity flips
// back to active; completion event types close the record.
func (m *Monitor) Record(env *proto.Envelope) {
	if env == nil {
		return
	}

	if m.writer != nil {
		if err := m.writer.Write(env); err != nil {
			m.logger.Error("event log write failed for %s: %v", env.ID, err)
		}
	}

	m.mu.Lock()
	m.entries = append(m.entries, env.Clone())
	if len(m.entries) > m.cfg.MaxEntries {
		m.entries = m.entries[len(m.entries)-m.cfg.MaxEntries:]
	}

	rec, ok := m.workflows[env.CorrelationID]
	if !ok {
		rec = &WorkflowRecord{
			CorrelationID: env.CorrelationID,
			StartedAt:     env.Timestamp,
			Status:        WorkflowActive,
		}
		m.workflows[env.CorrelationID] = rec
	}

	if rec.Status == WorkflowStalled {
		m.logger.Info("workflow %s resumed after stall (%s)", env.CorrelationID, env.Type)
		rec.Status = WorkflowActive
	}

	rec.LastActivity = time.Now().UTC()
	rec.LastType = env.Type
	switch env.Kind {
	case proto.KindEvent:
		rec.Events++
	case proto.KindCommand:
		rec.Commands++
	}

	if isCompletion(env) {
		rec.Status = WorkflowCompleted
		m.logger.Info("workflow %s completed (%s)", env.CorrelationID, env.Type)
	}
	m.mu.Unlock()

	updateWorkflowGauges(m.countByStatus())
	recordedTotal.WithLabelValues(string(env.Kind), env.Type).Inc()
}

func isCompletion(env *proto.Envelope) bool {
	switch proto.EventType(env.Type) {
	case proto.EventTaskCompleted, proto.EventWorkflowCompleted:
		return env.Kind == proto.KindEvent
	case proto.EventHumanValidationProvided:
		return env.Kind == proto.KindEvent && env.GetString("decision") == "approved"
	}
	return false
}

// Start launches the periodic stall checker.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.shutdown:
				return
			case <-ticker.C:
				m.checkStalls(time.Now().UTC())
			}
		}
	}()
	m.logger.Info("monitor started, stall threshold %v", m.cfg.StallThreshold)
}

// Stop halts the stall checker and closes the durable sink.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()
	if m.writer != nil {
		if err := m.writer.Close(); err != nil {
			m.logger.Error("event log close failed: %v", err)
		}
	}
	m.logger.Info("monitor stopped")
}

// checkStalls transitions idle workflows to stalled and fires one alert per
// transition. Exported to tests via the clock parameter.
func (m *Monitor) checkStalls(now time.Time) {
	var alerts []Alert

	m.mu.Lock()
	for _, rec := range m.workflows {
		if rec.Status != WorkflowActive {
			continue
		}
		idle := now.Sub(rec.LastActivity)
		if idle < m.cfg.StallThreshold {
			continue
		}
		rec.Status = WorkflowStalled
		alerts = append(alerts, Alert{
			Type:          "stalled_workflow",
			CorrelationID: rec.CorrelationID,
			Idle:          idle,
			LastType:      rec.LastType,
			At:            now,
		})
	}
	fns := make([]AlertFunc, len(m.alertFns))
	copy(fns, m.alertFns)
	m.mu.Unlock()

	for _, alert := range alerts {
		m.logger.Warn("workflow %s stalled, idle %v since %s", alert.CorrelationID, alert.Idle.Round(time.Second), alert.LastType)
		for _, fn := range fns {
			fn(alert)
		}
	}
	if len(alerts) > 0 {
		updateWorkflowGauges(m.countByStatus())
	}
}

func (m *Monitor) countByStatus() map[WorkflowStatus]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[WorkflowStatus]int)
	for _, rec := range m.workflows {
		counts[rec.Status]++
	}
	return counts
}

// Snapshot returns a copy of one workflow record.
func (m *Monitor) Snapshot(correlationID string) (WorkflowRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.workflows[correlationID]
	if !ok {
		return WorkflowRecord{}, false
	}
	return *rec, true
}

// Workflows returns copies of all records with the given status, or all
// records when status is empty.
func (m *Monitor) Workflows(status WorkflowStatus) []WorkflowRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []WorkflowRecord
	for _, rec := range m.workflows {
		if status == "" || rec.Status == status {
			out = append(out, *rec)
		}
	}
	return out
}

// Recent returns up to n most recent envelopes from the in-memory history.
func (m *Monitor) Recent(n int) []*proto.Envelope {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n <= 0 || n > len(m.entries) {
		n = len(m.entries)
	}
	out := make([]*proto.Envelope, 0, n)
	for _, env := range m.entries[len(m.entries)-n:] {
		out = append(out, env.Clone())
	}
	return out
}
