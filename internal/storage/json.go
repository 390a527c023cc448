package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rmehra/optionflow/internal/models"
)

// JSONStorage persists all engine state to a single JSON file guarded by
// a RWMutex. Writes go to a temp file followed by an atomic rename.
type JSONStorage struct {
	mu   sync.RWMutex
	path string
	data *storageData
}

type storageData struct {
	Signals     []models.Signal   `json:"signals"`
	Positions   []models.Position `json:"positions"`
	Statistics  *Statistics       `json:"statistics"`
	LastUpdated time.Time         `json:"last_updated"`
}

// NewJSONStorage opens (or creates) the JSON store at path.
func NewJSONStorage(path string) (*JSONStorage, error) {
	s := &JSONStorage{
		path: path,
		data: &storageData{Statistics: &Statistics{}},
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating storage directory: %w", err)
		}
	}
	if _, err := os.Stat(path); err == nil {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	}
	return s, nil
}

func (s *JSONStorage) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var data storageData
	if err := json.Unmarshal(raw, &data); err != nil {
		return err
	}
	if data.Statistics == nil {
		data.Statistics = &Statistics{}
	}
	s.data = &data
	return nil
}

// save writes the store to disk. Callers must hold the write lock.
func (s *JSONStorage) save() error {
	s.data.LastUpdated = time.Now().UTC()
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// GetLastSignal implements Interface.
func (s *JSONStorage) GetLastSignal(ctx context.Context, symbol, strategy string, since time.Time) (*models.Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.Signal
	for i := range s.data.Signals {
		sig := &s.data.Signals[i]
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
func (s *JSONStorage) StoreSignal(ctx context.Context, sig *models.Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := false
	for i := range s.data.Signals {
		if s.data.Signals[i].ID == sig.ID {
			s.data.Signals[i] = *sig
			replaced = true
			break
		}
	}
	if !replaced {
		s.data.Signals = append(s.data.Signals, *sig)
	}
	return s.save()
}

// GetSignals implements Interface.
func (s *JSONStorage) GetSignals(ctx context.Context, filter SignalFilter) ([]models.Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Signal
	for i := len(s.data.Signals) - 1; i >= 0; i-- {
		sig := s.data.Signals[i]
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

// StoreOptionsPosition implements Interface. Statistics are refreshed
// when a position lands in its closed state.
func (s *JSONStorage) StoreOptionsPosition(ctx context.Context, pos *models.Position) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev *models.Position
	replaced := false
	for i := range s.data.Positions {
		if s.data.Positions[i].ID == pos.ID {
			cp := s.data.Positions[i]
			prev = &cp
			s.data.Positions[i] = *pos
			replaced = true
			break
		}
	}
	if !replaced {
		s.data.Positions = append(s.data.Positions, *pos)
	}

	// Count the trade exactly once, on the transition into CLOSED.
	if pos.Status == models.PositionClosed &&
		(prev == nil || prev.Status != models.PositionClosed) {
		s.updateStatistics(pos.RealizedPnL)
	}
	return s.save()
}

// GetOptionsPositions implements Interface.
func (s *JSONStorage) GetOptionsPositions(ctx context.Context) ([]models.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Position, 0, len(s.data.Positions))
	for i := len(s.data.Positions) - 1; i >= 0; i-- {
		out = append(out, s.data.Positions[i])
	}
	return out, nil
}

// GetStatistics implements Interface.
func (s *JSONStorage) GetStatistics(ctx context.Context) (*Statistics, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := *s.data.Statistics
	return &cp, nil
}

// HealthCheck implements Interface: the store is healthy when its
// directory is writable.
func (s *JSONStorage) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe := s.path + ".probe"
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("storage not writable: %w", err)
	}
	return os.Remove(probe)
}

func (s *JSONStorage) updateStatistics(pnl float64) {
	stats := s.data.Statistics
	stats.TotalTrades++
	stats.TotalPnL += pnl

	if pnl > 0 {
		stats.WinningTrades++
		if stats.CurrentStreak >= 0 {
			stats.CurrentStreak++
		} else {
			stats.CurrentStreak = 1
		}
		totalWins := stats.AverageWin*float64(stats.WinningTrades-1) + pnl
		stats.AverageWin = totalWins / float64(stats.WinningTrades)
	} else {
		stats.LosingTrades++
		if stats.CurrentStreak <= 0 {
			stats.CurrentStreak--
		} else {
			stats.CurrentStreak = -1
		}
		totalLosses := stats.AverageLoss*float64(stats.LosingTrades-1) + pnl
		stats.AverageLoss = totalLosses / float64(stats.LosingTrades)
	}

	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.WinningTrades) / float64(stats.TotalTrades)
	}
	if pnl < 0 && pnl < stats.MaxDrawdown {
		stats.MaxDrawdown = pnl
	}
}
