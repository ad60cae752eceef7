package status

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"portrelay/limiter"
)

func TestConnectionMonitor_PairCounters(t *testing.T) {
	cm := NewConnectionMonitor()
	name := "9000 -> 127.0.0.1:9100"

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cm.IncPair(name)
			cm.AddBytes(name, 10, 20)
			cm.DecPair(name)
		}()
	}
	wg.Wait()
	cm.IncPair(name)

	st := cm.Status(name)
	if st.ActivePairs != 1 || st.TotalPairs != 51 {
		t.Errorf("unexpected pair counters: %+v", st)
	}
	if st.BytesUp != 500 || st.BytesDown != 1000 {
		t.Errorf("unexpected byte counters: %+v", st)
	}
	active, total := cm.Totals()
	if active != 1 || total != 51 {
		t.Errorf("unexpected totals: active=%d total=%d", active, total)
	}
}

func TestConnectionMonitor_ListenerState(t *testing.T) {
	cm := NewConnectionMonitor()
	name := "9000 -> 127.0.0.1:9100"

	if st := cm.Status(name); st.State != "" || st.Name != name {
		t.Errorf("unknown mapping should read as empty, got %+v", st)
	}
	cm.SetListenerState(name, StateListening, nil)
	if st := cm.Status(name); st.State != StateListening || st.LastError != "" {
		t.Errorf("unexpected status: %+v", st)
	}
	cm.SetListenerState(name, StateFailed, errors.New("address already in use"))
	if st := cm.Status(name); st.State != StateFailed || st.LastError != "address already in use" {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestConnectionMonitor_Failures(t *testing.T) {
	cm := NewConnectionMonitor()
	name := "9000 -> 127.0.0.1:9100"

	cm.AddConnectFailure(name, errors.New("connection refused"))
	cm.AddConnectFailure(name, nil)
	cm.AddPumpError(name)
	cm.IncQueued(name)
	cm.IncQueued(name)
	cm.DecQueued(name)

	st := cm.Status(name)
	if st.ConnectFailures != 2 || st.PumpErrors != 1 || st.QueuedPairs != 1 {
		t.Errorf("unexpected counters: %+v", st)
	}
	if st.LastError != "connection refused" {
		t.Errorf("expected last error kept, got %q", st.LastError)
	}
}

func TestConnectionMonitor_SnapshotSorted(t *testing.T) {
	cm := NewConnectionMonitor()
	cm.SetListenerState("9002 -> b:1", StateListening, nil)
	cm.SetListenerState("9000 -> a:1", StateListening, nil)
	cm.SetListenerState("9001 -> c:1", StateStopped, nil)

	snap := cm.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(snap))
	}
	if snap[0].Name != "9000 -> a:1" || snap[1].Name != "9001 -> c:1" || snap[2].Name != "9002 -> b:1" {
		t.Errorf("snapshot not sorted: %+v", snap)
	}
}

func TestConnectionMonitor_Limiters(t *testing.T) {
	cm := NewConnectionMonitor()
	if _, ok := cm.GetLimiter("missing"); ok {
		t.Fatalf("expected no limiter")
	}
	sl := limiter.NewSharedLimiter(1024)
	cm.RegisterLimiter("m", sl)
	got, ok := cm.GetLimiter("m")
	if !ok || got != sl {
		t.Fatalf("expected registered limiter back")
	}
}

func TestConnectionMonitor_PeriodicLoggingStops(t *testing.T) {
	cm := NewConnectionMonitor()
	cm.SetListenerState("m", StateListening, nil)
	cm.RegisterLimiter("m", limiter.NewSharedLimiter(0))

	ctx, cancel := context.WithCancel(context.Background())
	cm.StartPeriodicLogging(ctx, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	cancel()
}

func TestFormatMbps(t *testing.T) {
	if got := formatMbps(1024 * 1024 / 8); got != "1.00 mbps" {
		t.Errorf("got %q", got)
	}
}
