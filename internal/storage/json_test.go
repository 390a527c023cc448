package storage

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/rmehra/optionflow/internal/models"
)

func newTestStore(t *testing.T) (*JSONStorage, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.json")
	s, err := NewJSONStorage(path)
	if err != nil {
		t.Fatalf("NewJSONStorage() error: %v", err)
	}
	return s, path
}

func testSignal(id string, createdAt time.Time) *models.Signal {
	return &models.Signal{
		ID:         id,
		Symbol:     "BANKNIFTY",
		Strategy:   "MA",
		Action:     models.ActionBuy,
		EntryPrice: 50000,
		StopLoss:   49500,
		Target:     51000,
		Status:     models.SignalNew,
		CreatedAt:  createdAt,
	}
}

func TestGetLastSignalEmptyStore(t *testing.T) {
	s, _ := newTestStore(t)
	sig, err := s.GetLastSignal(context.Background(), "BANKNIFTY", "MA", time.Time{})
	if err != nil {
		t.Fatalf("GetLastSignal() error: %v", err)
	}
	if sig != nil {
		t.Errorf("expected nil signal from empty store, got %+v", sig)
	}
}

func TestStoreSignalAndReload(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	older := testSignal("sig-1", now.Add(-2*time.Hour))
	newer := testSignal("sig-2", now)
	if err := s.StoreSignal(ctx, older); err != nil {
		t.Fatalf("StoreSignal() error: %v", err)
	}
	if err := s.StoreSignal(ctx, newer); err != nil {
		t.Fatalf("StoreSignal() error: %v", err)
	}

	got, err := s.GetLastSignal(ctx, "BANKNIFTY", "MA", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("GetLastSignal() error: %v", err)
	}
	if got == nil || got.ID != "sig-2" {
		t.Fatalf("GetLastSignal() = %+v, want sig-2", got)
	}

	// since filter excludes both
	got, err = s.GetLastSignal(ctx, "BANKNIFTY", "MA", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetLastSignal() error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for future since, got %+v", got)
	}

	// Reopen from disk.
	reopened, err := NewJSONStorage(path)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	sigs, err := reopened.GetSignals(ctx, SignalFilter{Symbol: "BANKNIFTY"})
	if err != nil {
		t.Fatalf("GetSignals() error: %v", err)
	}
	if len(sigs) != 2 {
		t.Errorf("reloaded %d signals, want 2", len(sigs))
	}
}

func TestStoreSignalUpsertsByID(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sig := testSignal("sig-1", time.Now().UTC())
	if err := s.StoreSignal(ctx, sig); err != nil {
		t.Fatalf("StoreSignal() error: %v", err)
	}
	sig.Status = models.SignalActive
	if err := s.StoreSignal(ctx, sig); err != nil {
		t.Fatalf("StoreSignal() error: %v", err)
	}

	sigs, err := s.GetSignals(ctx, SignalFilter{})
	if err != nil {
		t.Fatalf("GetSignals() error: %v", err)
	}
	if len(sigs) != 1 {
		t.Fatalf("got %d signals, want 1 after upsert", len(sigs))
	}
	if sigs[0].Status != models.SignalActive {
		t.Errorf("status = %s, want ACTIVE", sigs[0].Status)
	}
}

func closedPosition(id string, pnl float64) *models.Position {
	p := models.NewPosition(id, "sig-"+id, "BANKNIFTY", "BANKNIFTY25SEP50000CE",
		50000, models.OptionCall, time.Now().UTC().Add(7*24*time.Hour),
		50, 25, 100, 70, 150)
	exitPremium := 100 + pnl/50
	if _, err := p.ApplyExit(50, exitPremium, models.ExitTarget, time.Now().UTC()); err != nil {
		panic(err)
	}
	return p
}

func TestStatisticsUpdateOnClose(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.StoreOptionsPosition(ctx, closedPosition("p1", 1000)); err != nil {
		t.Fatalf("StoreOptionsPosition() error: %v", err)
	}
	if err := s.StoreOptionsPosition(ctx, closedPosition("p2", -500)); err != nil {
		t.Fatalf("StoreOptionsPosition() error: %v", err)
	}
	if err := s.StoreOptionsPosition(ctx, closedPosition("p3", 400)); err != nil {
		t.Fatalf("StoreOptionsPosition() error: %v", err)
	}

	stats, err := s.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("GetStatistics() error: %v", err)
	}
	if stats.TotalTrades != 3 || stats.WinningTrades != 2 || stats.LosingTrades != 1 {
		t.Errorf("trade counts = %d/%d/%d, want 3/2/1",
			stats.TotalTrades, stats.WinningTrades, stats.LosingTrades)
	}
	if math.Abs(stats.TotalPnL-900) > 1e-6 {
		t.Errorf("TotalPnL = %v, want 900", stats.TotalPnL)
	}
	if math.Abs(stats.WinRate-2.0/3.0) > 1e-6 {
		t.Errorf("WinRate = %v, want 2/3", stats.WinRate)
	}
	if math.Abs(stats.AverageWin-700) > 1e-6 {
		t.Errorf("AverageWin = %v, want 700", stats.AverageWin)
	}
	if stats.CurrentStreak != 1 {
		t.Errorf("CurrentStreak = %d, want 1", stats.CurrentStreak)
	}
}

func TestStatisticsCountClosedPositionOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	p := closedPosition("p1", 1000)
	if err := s.StoreOptionsPosition(ctx, p); err != nil {
		t.Fatalf("StoreOptionsPosition() error: %v", err)
	}
	// Re-persisting an already closed position must not double count.
	if err := s.StoreOptionsPosition(ctx, p); err != nil {
		t.Fatalf("StoreOptionsPosition() error: %v", err)
	}

	stats, err := s.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("GetStatistics() error: %v", err)
	}
	if stats.TotalTrades != 1 {
		t.Errorf("TotalTrades = %d, want 1", stats.TotalTrades)
	}
}

func TestHealthCheck(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error: %v", err)
	}
}
