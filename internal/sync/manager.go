package sync

import (
	"context"
	"sync"
	"time"

	"github.com/tradelinehq/convo/internal/bus"
	"github.com/tradelinehq/convo/internal/cache"
	"github.com/tradelinehq/convo/internal/crm"
	"github.com/tradelinehq/convo/internal/hydrate"
	"github.com/tradelinehq/convo/internal/outbox"
	"github.com/tradelinehq/convo/internal/status"
	"go.uber.org/zap"
)

// ManagerConfig carries the shared collaborators every session is built
// from, plus the tunables applied to each.
type ManagerConfig struct {
	Client       *crm.Client
	Dialer       crm.PushDialer
	Cache        *cache.Store
	Bus          *bus.Bus
	Hydrator     *hydrate.Hydrator
	Roster       *Roster
	Logger       *zap.Logger
	PageSize     int
	PollInterval time.Duration
	GraceWindow  time.Duration
	EagerHydrate int
}

// Manager builds and swaps conversation sessions over one shared set of
// backend collaborators. At most one session is open at a time, and
// switching tears the previous one down before the next exists, so
// stale traffic can never land in the new timeline.
type Manager struct {
	cfg ManagerConfig

	mu      sync.Mutex
	current *Session
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{cfg: cfg}
}

// Open makes conversationID the active conversation and returns its
// session. Each session gets its own listener, state machine, tracker,
// and paginator; the HTTP client, cache, bus, and hydrator are shared.
func (m *Manager) Open(ctx context.Context, conversationID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.current.Close()
		m.current = nil
	}

	machine := status.NewMachine(m.cfg.Bus)
	listener := crm.NewListener(crm.ListenerConfig{
		Dialer:         m.cfg.Dialer,
		Poll:           m.cfg.Client,
		Bus:            m.cfg.Bus,
		Machine:        machine,
		Logger:         m.cfg.Logger,
		ConversationID: conversationID,
		PollInterval:   m.cfg.PollInterval,
		PollLimit:      m.cfg.PageSize,
	})
	tracker := outbox.NewTracker(m.cfg.Client, m.cfg.Bus, m.cfg.Logger, m.cfg.GraceWindow)
	paginator := NewPaginator(m.cfg.Client, m.cfg.Cache, m.cfg.Logger, conversationID, m.cfg.PageSize)

	s, err := Open(ctx, SessionConfig{
		ConversationID: conversationID,
		Bus:            m.cfg.Bus,
		Logger:         m.cfg.Logger,
		Timeline:       NewTimeline(),
		Paginator:      paginator,
		Tracker:        tracker,
		Hydrator:       m.cfg.Hydrator,
		Listener:       listener,
		Machine:        machine,
		EagerHydrate:   m.cfg.EagerHydrate,
	})
	if err != nil {
		// The previous session is already gone; nothing is on screen now.
		if m.cfg.Roster != nil {
			m.cfg.Roster.SetActive("")
		}
		return nil, err
	}

	if m.cfg.Roster != nil {
		m.cfg.Roster.SetActive(conversationID)
	}
	m.current = s
	m.cfg.Logger.Info("conversation opened", zap.String("conversation_id", conversationID))
	return s, nil
}

// Current returns the active session, or nil when none is open.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Close shuts the active session down, if any.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Close()
		m.current = nil
	}
}
