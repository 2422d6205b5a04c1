package workspace

import (
	"sync"

	"github.com/xytext/xytext/internal/metrics"
)

// Manager hands out the workspace actor for an owner, creating it on first
// use. All workspaces share one database handle; isolation comes from the
// workspace column, not from separate stores.
type Manager struct {
	db *DB

	mu         sync.Mutex
	workspaces map[string]*Workspace
	closed     bool
}

func NewManager(db *DB) *Manager {
	return &Manager{
		db:         db,
		workspaces: map[string]*Workspace{},
	}
}

// Get returns the actor for owner, starting it if needed.
func (m *Manager) Get(owner string) *Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workspaces[owner]; ok {
		return w
	}
	w := NewWorkspace(m.db, owner)
	m.workspaces[owner] = w
	metrics.SetWorkspacesActive(len(m.workspaces))
	return w
}

// Close stops every resident actor and the shared database handle. Get must
// not be called afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	workspaces := make([]*Workspace, 0, len(m.workspaces))
	for _, w := range m.workspaces {
		workspaces = append(workspaces, w)
	}
	m.workspaces = map[string]*Workspace{}
	m.mu.Unlock()

	for _, w := range workspaces {
		w.Close()
	}
	metrics.SetWorkspacesActive(0)
	return m.db.Close()
}
