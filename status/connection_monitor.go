package status

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"portrelay/limiter"
)

// ListenerState is the lifecycle stage of one mapping's listener.
type ListenerState string

const (
	StateBinding   ListenerState = "binding"
	StateListening ListenerState = "listening"
	StateStopped   ListenerState = "stopped"
	StateFailed    ListenerState = "failed"
)

type mappingStats struct {
	activePairs     atomic.Int64
	totalPairs      atomic.Int64
	queuedPairs     atomic.Int64
	connectFailures atomic.Int64
	pumpErrors      atomic.Int64
	bytesUp         atomic.Int64
	bytesDown       atomic.Int64

	mu        sync.Mutex
	state     ListenerState
	lastError string
}

// MappingStatus is a point-in-time copy of one mapping's counters.
type MappingStatus struct {
	Name            string
	State           ListenerState
	LastError       string
	ActivePairs     int64
	TotalPairs      int64
	QueuedPairs     int64
	ConnectFailures int64
	PumpErrors      int64
	BytesUp         int64 // local -> remote
	BytesDown       int64 // remote -> local
}

// ConnectionMonitor tracks listeners and pairs per mapping.
type ConnectionMonitor struct {
	activePairs atomic.Int64
	totalPairs  atomic.Int64

	statsMap   sync.Map // mapping name -> *mappingStats
	limiterMap sync.Map // mapping name -> *limiter.SharedLimiter
}

var GlobalConnMonitorRef = NewConnectionMonitor()

func NewConnectionMonitor() *ConnectionMonitor {
	return &ConnectionMonitor{}
}

func (cm *ConnectionMonitor) stats(name string) *mappingStats {
	if v, ok := cm.statsMap.Load(name); ok {
		return v.(*mappingStats)
	}
	v, _ := cm.statsMap.LoadOrStore(name, &mappingStats{state: StateBinding})
	return v.(*mappingStats)
}

func (cm *ConnectionMonitor) RegisterLimiter(name string, l *limiter.SharedLimiter) {
	cm.limiterMap.Store(name, l)
}

func (cm *ConnectionMonitor) GetLimiter(name string) (*limiter.SharedLimiter, bool) {
	v, ok := cm.limiterMap.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*limiter.SharedLimiter), true
}

// SetListenerState records a state change; err may be nil.
func (cm *ConnectionMonitor) SetListenerState(name string, state ListenerState, err error) {
	s := cm.stats(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	if err != nil {
		s.lastError = err.Error()
	}
}

func (cm *ConnectionMonitor) IncPair(name string) {
	s := cm.stats(name)
	s.activePairs.Add(1)
	s.totalPairs.Add(1)
	cm.activePairs.Add(1)
	cm.totalPairs.Add(1)
}

func (cm *ConnectionMonitor) DecPair(name string) {
	cm.stats(name).activePairs.Add(-1)
	cm.activePairs.Add(-1)
}

func (cm *ConnectionMonitor) IncQueued(name string) {
	cm.stats(name).queuedPairs.Add(1)
}

func (cm *ConnectionMonitor) DecQueued(name string) {
	cm.stats(name).queuedPairs.Add(-1)
}

func (cm *ConnectionMonitor) AddConnectFailure(name string, err error) {
	s := cm.stats(name)
	s.connectFailures.Add(1)
	if err != nil {
		s.mu.Lock()
		s.lastError = err.Error()
		s.mu.Unlock()
	}
}

func (cm *ConnectionMonitor) AddPumpError(name string) {
	cm.stats(name).pumpErrors.Add(1)
}

func (cm *ConnectionMonitor) AddBytes(name string, up, down int64) {
	s := cm.stats(name)
	s.bytesUp.Add(up)
	s.bytesDown.Add(down)
}

// Status returns the counters for one mapping; unknown names read as zero.
func (cm *ConnectionMonitor) Status(name string) MappingStatus {
	v, ok := cm.statsMap.Load(name)
	if !ok {
		return MappingStatus{Name: name}
	}
	s := v.(*mappingStats)
	s.mu.Lock()
	state, lastErr := s.state, s.lastError
	s.mu.Unlock()
	return MappingStatus{
		Name:            name,
		State:           state,
		LastError:       lastErr,
		ActivePairs:     s.activePairs.Load(),
		TotalPairs:      s.totalPairs.Load(),
		QueuedPairs:     s.queuedPairs.Load(),
		ConnectFailures: s.connectFailures.Load(),
		PumpErrors:      s.pumpErrors.Load(),
		BytesUp:         s.bytesUp.Load(),
		BytesDown:       s.bytesDown.Load(),
	}
}

// Snapshot returns every known mapping sorted by name.
func (cm *ConnectionMonitor) Snapshot() []MappingStatus {
	var out []MappingStatus
	cm.statsMap.Range(func(key, _ any) bool {
		out = append(out, cm.Status(key.(string)))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Totals returns active and total pairs across all mappings.
func (cm *ConnectionMonitor) Totals() (active, total int64) {
	return cm.activePairs.Load(), cm.totalPairs.Load()
}

// StartPeriodicLogging logs a summary every interval until ctx is done.
func (cm *ConnectionMonitor) StartPeriodicLogging(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			active, total := cm.Totals()
			log.Printf("MONITOR: Active pairs: %d | Total served: %d | Goroutines: %d | HeapAlloc: %d MB",
				active, total, runtime.NumGoroutine(), m.HeapAlloc/1024/1024)

			for _, st := range cm.Snapshot() {
				line := ""
				if l, ok := cm.GetLimiter(st.Name); ok {
					line = " | rate " + formatMbps(l.GetActiveRate())
				}
				log.Printf("MONITOR: %s [%s] active=%d queued=%d total=%d connfail=%d up=%d down=%d%s",
					st.Name, st.State, st.ActivePairs, st.QueuedPairs, st.TotalPairs,
					st.ConnectFailures, st.BytesUp, st.BytesDown, line)
			}
		}
	}()
}

func formatMbps(bytesPerSec int64) string {
	return fmt.Sprintf("%.2f mbps", float64(bytesPerSec)*8/1024/1024)
}
