package relay

import (
	"context"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/net/netutil"

	"portrelay/limiter"
	"portrelay/status"
)

// listenerDeps is the engine-wide configuration every listener shares.
type listenerDeps struct {
	listenAddress string
	maxConns      int
	halfClose     bool
	dialer        Dialer
	pool          *pumpPool
	monitor       *status.ConnectionMonitor
	bandwidth     int64
	listen        func(ctx context.Context, network, address string) (net.Listener, error)
}

// Listener serves one mapping: it owns the bound socket and every pair
// accepted on it.
type Listener struct {
	record MappingRecord
	name   string
	deps   *listenerDeps
	sl     *limiter.SharedLimiter

	ctx    context.Context
	cancel context.CancelFunc

	ln       net.Listener
	active   atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	err      error

	mu          sync.Mutex
	pairs       map[*connPair]struct{}
	pairsClosed bool
	pairWg      sync.WaitGroup
}

func newListener(parent context.Context, record MappingRecord, deps *listenerDeps) *Listener {
	ctx, cancel := context.WithCancel(parent)
	return &Listener{
		record: record,
		name:   record.String(),
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		pairs:  make(map[*connPair]struct{}),
	}
}

// Record is the mapping this listener serves.
func (l *Listener) Record() MappingRecord { return l.record }

// Addr is the bound address, or nil if the listener never bound.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Active reports whether the accept loop is still running.
func (l *Listener) Active() bool { return l.active.Load() }

// Err returns the *AcceptError that ended the accept loop, or nil if the
// loop is still running or was stopped on purpose.
func (l *Listener) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

// Done is closed when the accept loop has exited.
func (l *Listener) Done() <-chan struct{} { return l.done }

func (l *Listener) bind() error {
	l.deps.monitor.SetListenerState(l.name, status.StateBinding, nil)
	addr := net.JoinHostPort(l.deps.listenAddress, strconv.Itoa(int(l.record.LocalPort)))

	ln, err := l.deps.listen(l.ctx, "tcp", addr)
	if err != nil {
		berr := &BindError{Port: l.record.LocalPort, Err: err}
		l.deps.monitor.SetListenerState(l.name, status.StateFailed, berr)
		l.cancel()
		close(l.done)
		return berr
	}
	if l.deps.maxConns > 0 {
		ln = netutil.LimitListener(ln, l.deps.maxConns)
	}
	l.ln = ln

	l.sl = limiter.NewSharedLimiter(l.deps.bandwidth)
	l.deps.monitor.RegisterLimiter(l.name, l.sl)

	l.active.Store(true)
	l.deps.monitor.SetListenerState(l.name, status.StateListening, nil)
	log.Printf("LISTENER: %s listening on %s", l.name, ln.Addr())
	return nil
}

// serve runs the accept loop until Stop or an accept failure.
func (l *Listener) serve() {
	defer close(l.done)
	defer l.active.Store(false)

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.stopping.Load() {
				l.deps.monitor.SetListenerState(l.name, status.StateStopped, nil)
				log.Printf("LISTENER: %s stopped", l.name)
				return
			}
			aerr := &AcceptError{Port: l.record.LocalPort, Err: err}
			l.err = aerr
			l.deps.monitor.SetListenerState(l.name, status.StateFailed, aerr)
			log.Printf("LISTENER: %s accept failed, listener down: %v", l.name, aerr)
			_ = l.ln.Close()
			return
		}

		p := newConnPair(conn)
		if !l.track(p) {
			p.closeBoth()
			continue
		}
		l.pairWg.Add(1)
		go l.handle(p)
	}
}

func (l *Listener) track(p *connPair) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pairsClosed {
		return false
	}
	l.pairs[p] = struct{}{}
	return true
}

func (l *Listener) untrack(p *connPair) {
	l.mu.Lock()
	delete(l.pairs, p)
	l.mu.Unlock()
}

// handle dials the remote side for one accepted conn and relays until the
// pair is torn down. Every failure stays inside this pair.
func (l *Listener) handle(p *connPair) {
	defer l.pairWg.Done()
	defer l.untrack(p)

	setNoDelay(p.local)
	remote, err := l.deps.dialer.DialContext(l.ctx, "tcp", l.record.RemoteAddr())
	if err != nil {
		rerr := &RemoteConnectError{Host: l.record.RemoteHost, Port: l.record.RemotePort, Err: err}
		p.closeBoth()
		if l.ctx.Err() == nil {
			l.deps.monitor.AddConnectFailure(l.name, rerr)
			log.Printf("PAIR: %s client %s dropped: %v", l.name, p.local.RemoteAddr(), rerr)
		}
		return
	}
	setNoDelay(remote)
	if !p.attachRemote(remote) {
		return
	}

	if !l.deps.pool.tryAcquirePair() {
		l.deps.monitor.IncQueued(l.name)
		log.Printf("PAIR: %s pump pool full, client %s queued", l.name, p.local.RemoteAddr())
		err := l.deps.pool.acquirePair(l.ctx)
		l.deps.monitor.DecQueued(l.name)
		if err != nil {
			p.closeBoth()
			return
		}
	}

	l.deps.monitor.IncPair(l.name)
	defer l.deps.monitor.DecPair(l.name)

	p.localIO = l.sl.WrapConn(p.local)
	out := p.run(l.deps.pool, l.deps.halfClose)

	l.deps.monitor.AddBytes(l.name, out.up, out.down)
	for _, perr := range out.errs {
		l.deps.monitor.AddPumpError(l.name)
		log.Printf("PAIR: %s client %s: %v", l.name, p.local.RemoteAddr(), perr)
	}
}

// Stop closes the listening socket and every pair accepted on it. It does
// not wait; use Wait.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		l.stopping.Store(true)
		l.cancel()
		if l.ln != nil {
			_ = l.ln.Close()
		}

		l.mu.Lock()
		l.pairsClosed = true
		pairs := make([]*connPair, 0, len(l.pairs))
		for p := range l.pairs {
			pairs = append(pairs, p)
		}
		l.mu.Unlock()

		for _, p := range pairs {
			p.closeBoth()
		}
	})
}

// Wait blocks until the accept loop and every pair goroutine have exited.
func (l *Listener) Wait() {
	<-l.done
	l.pairWg.Wait()
}

func setNoDelay(c net.Conn) {
	if tcpConn, ok := c.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
}
