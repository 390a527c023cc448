package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rmehra/optionflow/internal/models"
)

// ErrMockFailure is returned by MockStorage methods with failure
// injection enabled.
var ErrMockFailure = errors.New("storage: injected failure")

// MockStorage is an in-memory Interface implementation for tests. The
// Fail* fields inject errors into the corresponding methods.
type MockStorage struct {
	mu        sync.RWMutex
	signals   []models.Signal
	positions []models.Position
	stats     Statistics

	FailGetLastSignal bool
	FailStoreSignal   bool
	FailStorePosition bool
	FailHealthCheck   bool
}

// NewMockStorage creates an empty in-memory store.
func NewMockStorage() *MockStorage {
	return &MockStorage{}
}

// GetLastSignal implements Interface.
func (m *MockStorage) GetLastSignal(_ context.Context, symbol, strategy string, since time.Time) (*models.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailGetLastSignal {
		return nil, ErrMockFailure
	}
	var latest *models.Signal
	for i := range m.signals {
		sig := &m.signals[i]
		if sig.Symbol != symbol || sig.Strategy != strategy || sig.CreatedAt.Before(since) {
			continue
		}
		if latest == nil || sig.CreatedAt.After(latest.CreatedAt) {
			latest = sig
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

// StoreSignal implements Interface.
func (m *MockStorage) StoreSignal(_ context.Context, sig *models.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailStoreSignal {
		return ErrMockFailure
	}
	for i := range m.signals {
		if m.signals[i].ID == sig.ID {
			m.signals[i] = *sig
			return nil
		}
	}
	m.signals = append(m.signals, *sig)
	return nil
}

// GetSignals implements Interface.
func (m *MockStorage) GetSignals(_ context.Context, filter SignalFilter) ([]models.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Signal
	for i := len(m.signals) - 1; i >= 0; i-- {
		sig := m.signals[i]
		if filter.Symbol != "" && sig.Symbol != filter.Symbol {
			continue
		}
		if filter.Strategy != "" && sig.Strategy != filter.Strategy {
			continue
		}
		if filter.Status != "" && sig.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && sig.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, sig)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// StoreOptionsPosition implements Interface.
func (m *MockStorage) StoreOptionsPosition(_ context.Context, pos *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailStorePosition {
		return ErrMockFailure
	}
	for i := range m.positions {
		if m.positions[i].ID == pos.ID {
			m.positions[i] = *pos
			return nil
		}
	}
	m.positions = append(m.positions, *pos)
	return nil
}

// GetOptionsPositions implements Interface.
func (m *MockStorage) GetOptionsPositions(_ context.Context) ([]models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Position, 0, len(m.positions))
	for i := len(m.positions) - 1; i >= 0; i-- {
		out = append(out, m.positions[i])
	}
	return out, nil
}

// GetStatistics implements Interface.
func (m *MockStorage) GetStatistics(_ context.Context) (*Statistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := m.stats
	return &cp, nil
}

// SetStatistics seeds the statistics returned by GetStatistics.
func (m *MockStorage) SetStatistics(stats Statistics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = stats
}

// HealthCheck implements Interface.
func (m *MockStorage) HealthCheck(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailHealthCheck {
		return ErrMockFailure
	}
	return nil
}

// SignalCount returns how many signals are stored.
func (m *MockStorage) SignalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.signals)
}
