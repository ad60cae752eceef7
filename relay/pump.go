package relay

import (
	"context"
	"errors"
	"io"

	"golang.org/x/sync/semaphore"
)

const (
	DefaultBufferSize  = 4096
	minBufferSize      = 512
	maxBufferSize      = 64 * 1024
	DefaultPumpWorkers = 1024
	pumpsPerPair       = 2
)

// Direction names one half of a pair.
type Direction int

const (
	LocalToRemote Direction = iota
	RemoteToLocal
)

func (d Direction) String() string {
	switch d {
	case LocalToRemote:
		return "local->remote"
	case RemoteToLocal:
		return "remote->local"
	default:
		return "unknown"
	}
}

// Pump copies src into dst chunk by chunk until src reports EOF.
// Every chunk is written fully before the next read. Clean EOF returns a nil
// error; any read or write failure is returned at once as an *IOError.
// Pump never retries. Closing src or dst is the only way to stop it early.
func Pump(dir Direction, dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			if w > 0 {
				total += int64(w)
			}
			if werr == nil && w != n {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				return total, &IOError{Direction: dir, Err: werr}
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, &IOError{Direction: dir, Err: rerr}
		}
	}
}

func clampBufferSize(n int) int {
	switch {
	case n <= 0:
		return DefaultBufferSize
	case n < minBufferSize:
		return minBufferSize
	case n > maxBufferSize:
		return maxBufferSize
	}
	return n
}

// pumpPool bounds the number of pumps running at once. A pair takes both of
// its slots in one acquire so it never runs a single direction while waiting
// for the other; callers queue in FIFO order when the pool is full.
type pumpPool struct {
	sem     *semaphore.Weighted
	bufSize int
}

func newPumpPool(workers int64, bufSize int) *pumpPool {
	if workers <= 0 {
		workers = DefaultPumpWorkers
	}
	if workers < pumpsPerPair {
		workers = pumpsPerPair
	}
	return &pumpPool{
		sem:     semaphore.NewWeighted(workers),
		bufSize: clampBufferSize(bufSize),
	}
}

// acquirePair blocks until two pump slots are free or ctx is done.
func (p *pumpPool) acquirePair(ctx context.Context) error {
	return p.sem.Acquire(ctx, pumpsPerPair)
}

// tryAcquirePair is used to tell a queued pair from one that starts at once.
func (p *pumpPool) tryAcquirePair() bool {
	return p.sem.TryAcquire(pumpsPerPair)
}

// run starts one pump of an already admitted pair. The pump's slot is
// released before its result is delivered.
func (p *pumpPool) run(fn func(buf []byte) pumpResult, results chan<- pumpResult) {
	go func() {
		r := fn(make([]byte, p.bufSize))
		p.sem.Release(1)
		results <- r
	}()
}
