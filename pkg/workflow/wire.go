package workflow

import (
	"fmt"

	"aihive/pkg/agent"
	"aihive/pkg/agent/llm"
	"aihive/pkg/bus"
	"aihive/pkg/config"
	"aihive/pkg/monitor"
	"aihive/pkg/notify"
	"aihive/pkg/persistence"
	"aihive/pkg/poller"
	"aihive/pkg/resilience"
	"aihive/pkg/scanner"
)

// FromConfig builds a fully wired service: storage, channel, monitor,
// scanner and poller. The returned service owns every resource it opens
// and releases them on Stop.
func FromConfig(cfg config.Config) (*Service, error) {
	db, err := persistence.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	tasks := persistence.NewTaskStore(db)
	prds := persistence.NewRequirementStore(db)
	deadLetters := persistence.NewDeadLetterStore(db)

	errHandler := resilience.NewHandler(resilience.DefaultRetryConfig, deadLetters)

	inner, err := bus.New(bus.Config{
		Type:   cfg.Queue.Type,
		URL:    cfg.Queue.URL,
		Source: "aihive",
	}, errHandler)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create message channel: %w", err)
	}

	writer, err := monitor.NewWriter(cfg.Monitor.LogDirectory)
	if err != nil {
		inner.Close()
		db.Close()
		return nil, fmt.Errorf("open event log: %w", err)
	}

	monCfg := monitor.DefaultConfig()
	if cfg.Monitor.MaxEntries > 0 {
		monCfg.MaxEntries = cfg.Monitor.MaxEntries
	}
	if cfg.Monitor.CheckInterval > 0 {
		monCfg.CheckInterval = cfg.Monitor.CheckInterval
	}
	if cfg.Monitor.StallThreshold > 0 {
		monCfg.StallThreshold = cfg.Monitor.StallThreshold
	}
	mon := monitor.New(monCfg, writer)

	b := bus.NewObserved(inner, mon)

	pmAgent, err := buildAgent(cfg.Agent)
	if err != nil {
		inner.Close()
		db.Close()
		return nil, err
	}

	return NewService(Deps{
		Bus:      b,
		Tasks:    tasks,
		PRDs:     prds,
		Notifier: notify.NewLogNotifier(),
		Monitor:  mon,
		Scanner:  scanner.New(b, tasks, cfg.Scan.Interval),
		Poller: poller.New(poller.Config{
			Pool:         cfg.Poll.Pool,
			Interval:     cfg.Poll.Interval,
			AgentTimeout: cfg.Poll.AgentTimeout,
		}, b, tasks, prds, pmAgent),
		MetricsAddr: cfg.Metrics.Addr,
		Closers:     []func() error{db.Close},
	})
}

func buildAgent(cfg config.AgentConfig) (agent.Agent, error) {
	if cfg.Provider == config.ProviderRules {
		return agent.NewRuleAgent(), nil
	}

	client, err := llm.NewClient(cfg.Provider, cfg.Model, cfg.APIKey, cfg.HostURL)
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}
	return agent.NewLLMAgent(llm.NewRetryableClient(client, resilience.DefaultRetryConfig)), nil
}
