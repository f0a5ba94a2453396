package agent

import (
	"log/slog"
	"sort"
	"sync"

	"pageanalyzer-mcp-server/internal/bus"
	"pageanalyzer-mcp-server/internal/config"
	"pageanalyzer-mcp-server/internal/panel"
)

// Pool tracks one agent per page session.
type Pool struct {
	bus    *bus.Bus
	cfg    config.Config
	labels map[string]string
	logger *slog.Logger

	mu     sync.Mutex
	agents map[string]*Agent
}

func NewPool(b *bus.Bus, cfg config.Config, labels map[string]string, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{bus: b, cfg: cfg, labels: labels, logger: logger, agents: make(map[string]*Agent)}
}

// Spawn starts an agent for sessionID, stopping any previous one for the same session.
func (p *Pool) Spawn(sessionID string, page Page, view panel.View) *Agent {
	a := New(Options{
		SessionID: sessionID,
		Bus:       p.bus,
		Page:      page,
		View:      view,
		Agent:     p.cfg.Agent,
		Capture:   p.cfg.Capture,
		Labels:    p.labels,
		Logger:    p.logger,
	})

	p.mu.Lock()
	prev := p.agents[sessionID]
	p.agents[sessionID] = a
	p.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}
	a.Start()
	return a
}

func (p *Pool) Get(sessionID string) (*Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[sessionID]
	return a, ok
}

// Stop stops and forgets the agent for sessionID.
func (p *Pool) Stop(sessionID string) bool {
	p.mu.Lock()
	a, ok := p.agents[sessionID]
	delete(p.agents, sessionID)
	p.mu.Unlock()
	if ok {
		a.Stop()
	}
	return ok
}

func (p *Pool) StopAll() {
	p.mu.Lock()
	agents := p.agents
	p.agents = make(map[string]*Agent)
	p.mu.Unlock()
	for _, a := range agents {
		a.Stop()
	}
}

// Sessions lists sessions with a live agent, sorted.
func (p *Pool) Sessions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.agents))
	for id := range p.agents {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
