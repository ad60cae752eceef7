package relay

import (
	"context"
	"log"
	"net"
	"sync"

	"portrelay/status"
)

// Options tune an Engine. The zero value is usable.
type Options struct {
	// ListenAddress is the host part of every bound address; empty means all interfaces.
	ListenAddress string
	// BufferSize is the per-pump copy buffer in bytes.
	BufferSize int
	// PumpWorkers bounds how many pumps run at once; each pair needs two.
	PumpWorkers int64
	// MaxConnsPerMapping caps concurrently accepted conns per listener; 0 is no cap.
	MaxConnsPerMapping int
	// BandwidthLimit caps bytes/s per mapping; 0 is no cap.
	BandwidthLimit int64
	// HalfClose forwards a clean EOF as a FIN instead of tearing the pair down.
	HalfClose bool
	// Dialer opens remote conns; nil uses a plain net.Dialer.
	Dialer Dialer
	// Monitor receives counters; nil uses status.GlobalConnMonitorRef.
	Monitor *status.ConnectionMonitor
}

// Engine runs one Listener per mapping record.
type Engine struct {
	deps   *listenerDeps
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	records   []MappingRecord
	listeners []*Listener
	started   bool
	stopped   bool
	acceptWg  sync.WaitGroup
}

func NewEngine(opts Options) *Engine {
	dialer := opts.Dialer
	if dialer == nil {
		dialer, _ = NewDialer("")
	}
	monitor := opts.Monitor
	if monitor == nil {
		monitor = status.GlobalConnMonitorRef
	}
	var lc net.ListenConfig
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		deps: &listenerDeps{
			listenAddress: opts.ListenAddress,
			maxConns:      opts.MaxConnsPerMapping,
			halfClose:     opts.HalfClose,
			dialer:        dialer,
			pool:          newPumpPool(opts.PumpWorkers, opts.BufferSize),
			monitor:       monitor,
			bandwidth:     opts.BandwidthLimit,
			listen:        lc.Listen,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start binds one listener per record, in order, and starts their accept
// loops. A failed bind does not stop the remaining records: every failure is
// collected and returned as a *StartupError once the rest are serving.
func (e *Engine) Start(records []MappingRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true

	var failures []*BindError
	for _, rec := range records {
		if prev := e.listenerOn(rec.LocalPort); prev != nil {
			berr := &BindError{Port: rec.LocalPort, Err: ErrDuplicateLocalPort}
			// an identical record shares the monitor entry of the one serving
			if prev.record != rec {
				e.deps.monitor.SetListenerState(rec.String(), status.StateFailed, berr)
			}
			log.Printf("RELAY: mapping %s not started: %v", rec, berr)
			failures = append(failures, berr)
			continue
		}
		l := newListener(e.ctx, rec, e.deps)
		if err := l.bind(); err != nil {
			berr := err.(*BindError)
			log.Printf("RELAY: mapping %s not started: %v", rec, berr)
			failures = append(failures, berr)
			continue
		}
		e.records = append(e.records, rec)
		e.listeners = append(e.listeners, l)
		e.acceptWg.Add(1)
		go func() {
			defer e.acceptWg.Done()
			l.serve()
		}()
	}
	log.Printf("RELAY: %d of %d mapping(s) listening", len(e.listeners), len(records))

	if len(failures) > 0 {
		return &StartupError{Failures: failures}
	}
	return nil
}

// listenerOn returns the listener holding localPort; e.mu must be held.
func (e *Engine) listenerOn(localPort uint16) *Listener {
	for _, l := range e.listeners {
		if l.record.LocalPort == localPort {
			return l
		}
	}
	return nil
}

// Records returns the records whose listeners bound and were not stopped
// with StopListener, in start order.
func (e *Engine) Records() []MappingRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]MappingRecord(nil), e.records...)
}

// Listeners returns the listeners that are still owned by the engine.
func (e *Engine) Listeners() []*Listener {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Listener(nil), e.listeners...)
}

// Wait blocks until every accept loop has exited, whether by Stop or by
// accept failures.
func (e *Engine) Wait() {
	e.acceptWg.Wait()
}

// StopListener stops the listener on localPort and waits for it and its
// pairs to unwind. It reports false if no such listener is running.
func (e *Engine) StopListener(localPort uint16) bool {
	e.mu.Lock()
	var target *Listener
	for i, l := range e.listeners {
		if l.record.LocalPort == localPort {
			target = l
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			break
		}
	}
	if target != nil {
		for i, rec := range e.records {
			if rec == target.record {
				e.records = append(e.records[:i:i], e.records[i+1:]...)
				break
			}
		}
	}
	e.mu.Unlock()
	if target == nil {
		return false
	}
	target.Stop()
	target.Wait()
	return true
}

// Stop closes every listening socket and every active pair, then waits for
// all accept loops and pair goroutines to exit. Calling Stop more than once
// is safe.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	listeners := append([]*Listener(nil), e.listeners...)
	e.mu.Unlock()

	e.cancel()
	for _, l := range listeners {
		l.Stop()
	}
	for _, l := range listeners {
		l.Wait()
	}
	e.acceptWg.Wait()
	log.Printf("RELAY: stopped %d listener(s)", len(listeners))
}
