package agent

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/porticus-lab/export-preview/internal/logging"
	"github.com/porticus-lab/export-preview/internal/message"
)

// Bus is the part of message.Bus the manager needs.
type Bus interface {
	message.Sender
	Register(id message.TabID, h message.Handler) (unregister func())
}

// Manager keeps one Agent per attached host tab.
type Manager struct {
	bus Bus
	log *logrus.Entry

	// RetryDelay is when a second install attempt runs after attach, for
	// pages still loading their UI.
	RetryDelay time.Duration

	mu     sync.Mutex
	agents map[message.TabID]*attached
}

type attached struct {
	agent      *Agent
	unregister func()
	cancel     context.CancelFunc
}

// NewManager returns an empty Manager.
func NewManager(bus Bus, log *logrus.Entry) *Manager {
	return &Manager{
		bus:        bus,
		log:        logging.OrDiscard(log),
		RetryDelay: time.Second,
		agents:     make(map[message.TabID]*attached),
	}
}

// Attach creates an Agent for tab id and registers it on the bus. Attaching
// an already attached tab returns the existing Agent.
func (m *Manager) Attach(ctx context.Context, id message.TabID, page Page) *Agent {
	m.mu.Lock()
	if at, ok := m.agents[id]; ok {
		m.mu.Unlock()
		return at.agent
	}
	a := New(id, page, m.bus, m.log)
	actx, cancel := context.WithCancel(ctx)
	m.agents[id] = &attached{agent: a, unregister: m.bus.Register(id, a), cancel: cancel}
	m.mu.Unlock()

	m.log.WithField("tab", id).Info("page agent attached")
	go func() {
		if ok, _ := a.InstallPreviewControl(actx); ok {
			return
		}
		if sleep(actx, m.RetryDelay) == nil {
			a.InstallPreviewControl(actx)
		}
	}()
	return a
}

// Get returns the Agent for id.
func (m *Manager) Get(id message.TabID) (*Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.agents[id]
	if !ok {
		return nil, false
	}
	return at.agent, true
}

// Detach removes the Agent for id.
func (m *Manager) Detach(id message.TabID) {
	m.mu.Lock()
	at, ok := m.agents[id]
	delete(m.agents, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	at.cancel()
	at.unregister()
	m.log.WithField("tab", id).Info("page agent detached")
}

// Tabs returns the attached tab ids.
func (m *Manager) Tabs() []message.TabID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]message.TabID, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	return ids
}

// Close detaches every Agent.
func (m *Manager) Close() {
	for _, id := range m.Tabs() {
		m.Detach(id)
	}
}
