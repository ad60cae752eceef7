package relay

import (
	"errors"
	"io"
	"net"
	"sync"
)

type closeWriter interface {
	CloseWrite() error
}

type pumpResult struct {
	dir Direction
	n   int64
	err error
}

// pairOutcome is what a finished pair reports back to its listener.
type pairOutcome struct {
	up, down int64
	errs     []error
}

// connPair owns an accepted local conn and the remote conn dialed for it.
// Both are closed exactly once, by whichever of the pumps, the listener or
// the engine gets there first.
type connPair struct {
	local net.Conn

	// localIO is what the pumps use for the local side; it may be local
	// wrapped by a limiter. Set before the pumps start, never closed directly.
	localIO net.Conn

	mu     sync.Mutex
	remote net.Conn
	closed bool

	closeOnce sync.Once
}

func newConnPair(local net.Conn) *connPair {
	return &connPair{local: local, localIO: local}
}

// attachRemote hands the dialed remote conn to the pair. If the pair was
// already torn down the conn is closed and false is returned.
func (p *connPair) attachRemote(c net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = c.Close()
		return false
	}
	p.remote = c
	return true
}

func (p *connPair) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// closeBoth closes the local conn and, if attached, the remote conn.
func (p *connPair) closeBoth() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		remote := p.remote
		p.mu.Unlock()

		_ = p.local.Close()
		if remote != nil {
			_ = remote.Close()
		}
	})
}

// closeWrite half-closes the sink of dir. It reports false when the sink
// cannot be half-closed.
func (p *connPair) closeWrite(dir Direction) bool {
	var sink net.Conn
	if dir == LocalToRemote {
		sink = p.remote
	} else {
		sink = p.localIO
	}
	cw, ok := sink.(closeWriter)
	if !ok {
		return false
	}
	return cw.CloseWrite() == nil
}

// run pumps both directions on pool slots the caller already acquired and
// returns after both pumps have exited and both conns are closed.
// With halfClose, a clean EOF on one side is forwarded as a FIN and the
// other direction may keep running; otherwise the first pump to finish
// tears the pair down.
func (p *connPair) run(pool *pumpPool, halfClose bool) pairOutcome {
	remote := p.remote
	results := make(chan pumpResult, pumpsPerPair)

	pool.run(func(buf []byte) pumpResult {
		n, err := Pump(LocalToRemote, remote, p.localIO, buf)
		return pumpResult{dir: LocalToRemote, n: n, err: err}
	}, results)
	pool.run(func(buf []byte) pumpResult {
		n, err := Pump(RemoteToLocal, p.localIO, remote, buf)
		return pumpResult{dir: RemoteToLocal, n: n, err: err}
	}, results)

	first := <-results
	if first.err != nil || !halfClose || !p.closeWrite(first.dir) {
		p.closeBoth()
	}
	second := <-results
	p.closeBoth()

	var out pairOutcome
	for _, r := range []pumpResult{first, second} {
		if r.dir == LocalToRemote {
			out.up = r.n
		} else {
			out.down = r.n
		}
		if r.err != nil && !p.causedByTeardown(r.err) {
			out.errs = append(out.errs, r.err)
		}
	}
	return out
}

// causedByTeardown reports whether err is just a pump noticing that the pair
// closed its own sockets.
func (p *connPair) causedByTeardown(err error) bool {
	if !p.isClosed() {
		return false
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
