// Package params reads the runtime knobs of a watchdog from a small
// key/value store. Keys are namespaced by watchdog name, e.g.
// "Defrag.Threads".
package params

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/SirClappington/maintd/internal/domain"
)

// Store is the parameter store contract. GetNumber wraps
// domain.ErrMissingParameter when the key is absent.
type Store interface {
	GetNumber(ctx context.Context, key string) (float64, error)
	// InitNumber writes value only if key is absent.
	InitNumber(ctx context.Context, key string, value float64) error
	SetNumber(ctx context.Context, key string, value float64) error
}

type Memory struct {
	mu     sync.RWMutex
	values map[string]float64
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]float64)}
}

var _ Store = (*Memory)(nil)

func (m *Memory) GetNumber(ctx context.Context, key string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return 0, errors.Wrapf(domain.ErrMissingParameter, "%s", key)
	}
	return v, nil
}

func (m *Memory) InitNumber(ctx context.Context, key string, value float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; !ok {
		m.values[key] = value
	}
	return nil
}

func (m *Memory) SetNumber(ctx context.Context, key string, value float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	return nil
}
