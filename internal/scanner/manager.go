package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

type Manager struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

func NewManager() *Manager {
	return &Manager{
		plugins: make(map[string]Plugin),
	}
}

func (m *Manager) Register(p Plugin) error {
	if p == nil {
		return fmt.Errorf("plugin is nil")
	}
	name := p.Name()
	if name == "" {
		return fmt.Errorf("plugin name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.plugins[name]; exists {
		return fmt.Errorf("plugin %q already registered", name)
	}
	m.plugins[name] = p
	return nil
}

func (m *Manager) Get(name string) (Plugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plugins[name]
	if !ok {
		return nil, fmt.Errorf("plugin %q not found", name)
	}
	return p, nil
}

func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.plugins))
	for name := range m.plugins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HaltAll asks every registered plugin to stop and joins their errors.
func (m *Manager) HaltAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var errs []error
	for name, p := range m.plugins {
		if err := p.Halt(ctx); err != nil {
			errs = append(errs, fmt.Errorf("halt %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
