package connection

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func TestTimer_StartStop(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	timer := NewTimer(m, 10*time.Millisecond, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for !timer.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !timer.Running() {
		t.Fatal("timer should be running")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop on context cancel")
	}
	if timer.Running() {
		t.Error("timer should report stopped")
	}
}

func TestTimer_SweepsIdle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Minute
	m, clk := newTestManager(cfg)

	tr := &fakeTransport{}
	c, _ := m.Register(tr)
	_, _ = m.MarkAuthenticated(c.ID, Identity{AgentID: "a1"})
	clk.Advance(2 * time.Minute)

	timer := NewTimer(m, time.Hour, slog.Default())
	timer.safeSweep()

	if m.Count() != 0 {
		t.Errorf("expected idle connection to be swept, %d remain", m.Count())
	}
}
