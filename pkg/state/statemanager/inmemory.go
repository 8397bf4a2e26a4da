package statemanager

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/a-essam23/livepoll/pkg/state"
	"github.com/google/uuid"
)

type InMemoryManager struct {
	conns  map[uuid.UUID]*state.Connection
	roster map[string]uuid.UUID

	// lock order: connMu before rosterMu
	connMu   sync.RWMutex
	rosterMu sync.RWMutex

	now    func() time.Time
	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		conns:  make(map[uuid.UUID]*state.Connection),
		roster: make(map[string]uuid.UUID),
		now:    time.Now,
		logger: logger.With(slog.String("component", "state_manager_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

// --- Connection Lifecycle ---

func (m *InMemoryManager) RegisterConnection(t state.Transport, ipAddr string, perms state.Permission) (*state.Connection, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	connID := t.ID()
	if _, exists := m.conns[connID]; exists {
		return nil, state.ErrConnectionExists
	}
	newConn := &state.Connection{
		ID:          connID,
		IPAddress:   ipAddr,
		Transport:   t,
		Permissions: perms,
		CreatedAt:   m.now(),
	}
	m.conns[connID] = newConn
	m.logger.Debug("Connection registered", slog.String("connID", connID.String()), slog.String("ip", ipAddr))
	return newConn, nil
}

func (m *InMemoryManager) DeregisterConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		// connection is already deregistered
		return nil, false
	}
	delete(m.conns, connID)

	// detach identity from roster
	if conn.Joined() {
		m.rosterMu.Lock()
		if owner, bound := m.roster[conn.Identity]; bound && owner == connID {
			delete(m.roster, conn.Identity)
		}
		m.rosterMu.Unlock()
		m.logger.Debug("Detached identity from roster", slog.String("connID", connID.String()), slog.String("identity", conn.Identity))
	}
	m.logger.Debug("Connection deregistered", slog.String("connID", connID.String()))
	return conn, true
}

func (m *InMemoryManager) GetConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemoryManager) Connections() []*state.Connection {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	conns := make([]*state.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

func (m *InMemoryManager) ConnectionCountByIP(ipAddr string) int {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	count := 0
	for _, c := range m.conns {
		if c.IPAddress == ipAddr {
			count++
		}
	}
	return count
}

func (m *InMemoryManager) FindOldestConnectionByIP(ipAddr string) (*state.Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	var oldestConn *state.Connection
	for _, conn := range m.conns {
		if conn.IPAddress != ipAddr {
			continue
		}
		if oldestConn == nil || conn.CreatedAt.Before(oldestConn.CreatedAt) {
			oldestConn = conn
		}
	}
	return oldestConn, oldestConn != nil
}

// --- Roster ---

func (m *InMemoryManager) Join(connID uuid.UUID, identity string) error {
	if strings.TrimSpace(identity) == "" {
		return state.ErrEmptyIdentity
	}

	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.rosterMu.Lock()
	defer m.rosterMu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return state.ErrUnknownConnection
	}
	if conn.Joined() {
		return state.ErrAlreadyJoined
	}
	if _, taken := m.roster[identity]; taken {
		return state.ErrDuplicateIdentity
	}

	m.roster[identity] = connID
	conn.Identity = identity
	m.logger.Debug("Identity joined roster", slog.String("connID", connID.String()), slog.String("identity", identity))
	return nil
}

func (m *InMemoryManager) Leave(identity string) (*state.Connection, bool) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.rosterMu.Lock()
	defer m.rosterMu.Unlock()

	connID, ok := m.roster[identity]
	if !ok {
		return nil, false
	}
	delete(m.roster, identity)

	conn, ok := m.conns[connID]
	if !ok {
		m.logger.Warn("Roster pointed at an unregistered connection", slog.String("identity", identity), slog.String("connID", connID.String()))
		return nil, true
	}
	conn.Identity = ""
	m.logger.Debug("Identity left roster", slog.String("identity", identity))
	return conn, true
}

func (m *InMemoryManager) Identities() []string {
	m.rosterMu.RLock()
	defer m.rosterMu.RUnlock()

	ids := make([]string, 0, len(m.roster))
	for id := range m.roster {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *InMemoryManager) Resolve(identity string) (*state.Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	m.rosterMu.RLock()
	defer m.rosterMu.RUnlock()

	connID, ok := m.roster[identity]
	if !ok {
		return nil, false
	}
	conn, ok := m.conns[connID]
	return conn, ok
}
