package agentstore

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store. It backs `relayctl serve --ephemeral` and tests.
type Memory struct {
	mu     sync.RWMutex
	nextID int64
	byID   map[int64]Agent
	now    func() time.Time
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		byID: make(map[int64]Agent),
		now:  time.Now,
	}
}

func (m *Memory) Add(_ context.Context, uniqueID string) (Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.byID {
		if a.UniqueID == uniqueID {
			return Agent{}, ErrDuplicateKey
		}
	}
	m.nextID++
	now := m.now().UTC()
	agent := Agent{ID: m.nextID, UniqueID: uniqueID, CreatedAt: now, LastSignin: now}
	m.byID[agent.ID] = agent
	return agent, nil
}

func (m *Memory) UpdateSignIn(_ context.Context, id int64, at time.Time) (Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, ok := m.byID[id]
	if !ok {
		return Agent{}, ErrNotFound
	}
	agent.LastSignin = at.UTC()
	m.byID[id] = agent
	return agent, nil
}

func (m *Memory) FindByID(_ context.Context, id int64) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agent, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	return &agent, nil
}

func (m *Memory) FindByUniqueID(_ context.Context, uniqueID string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *Agent
	for _, a := range m.byID {
		if a.UniqueID != uniqueID {
			continue
		}
		if found == nil || a.CreatedAt.After(found.CreatedAt) {
			a := a
			found = &a
		}
	}
	return found, nil
}

func (m *Memory) Delete(_ context.Context, id int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[id]; !ok {
		return 0, nil
	}
	delete(m.byID, id)
	return 1, nil
}

var _ Store = (*Memory)(nil)
