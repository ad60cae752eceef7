package limiter

import (
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/juju/ratelimit"
)

const (
	// bytes/s, effectively no cap
	unlimitedRate = 500 * 1024 * 1024 * 1024
	// one-second buckets, five second window
	numBuckets = 5
)

// throttledConn charges every byte read or written against the shared bucket.
type throttledConn struct {
	net.Conn
	bucket  *ratelimit.Bucket
	limiter *SharedLimiter
}

func (t *throttledConn) Read(p []byte) (int, error) {
	n, err := t.Conn.Read(p)
	if n > 0 {
		t.bucket.Wait(int64(n))
		t.limiter.recordBytes(int64(n))
	}
	return n, err
}

func (t *throttledConn) Write(p []byte) (int, error) {
	if len(p) > 0 {
		t.bucket.Wait(int64(len(p)))
	}
	n, err := t.Conn.Write(p)
	if n > 0 {
		t.limiter.recordBytes(int64(n))
	}
	return n, err
}

// CloseWrite keeps half-close working through the wrapper. It returns
// errors.ErrUnsupported when the wrapped conn cannot half-close, leaving the
// conn open for the caller to deal with.
func (t *throttledConn) CloseWrite() error {
	if cw, ok := t.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errors.ErrUnsupported
}

type timeBucket struct {
	bytes     atomic.Int64
	timestamp atomic.Int64 // unix seconds
}

// SharedLimiter caps the combined throughput of every connection wrapped
// with it and keeps a rolling measure of the rate actually achieved.
type SharedLimiter struct {
	bucket     *ratelimit.Bucket
	maxRate    int64
	buckets    [numBuckets]timeBucket
	currentIdx atomic.Int64
	lastRotate atomic.Int64
	windowSize time.Duration
}

// NewSharedLimiter returns a limiter for bytesPerSec. A non-positive rate
// means no cap; the limiter still measures.
func NewSharedLimiter(bytesPerSec int64) *SharedLimiter {
	maxRate := bytesPerSec
	if bytesPerSec <= 0 {
		bytesPerSec = unlimitedRate
		maxRate = -1
	}
	now := time.Now().Unix()
	sl := &SharedLimiter{
		bucket:     ratelimit.NewBucketWithRate(float64(bytesPerSec), bytesPerSec),
		maxRate:    maxRate,
		windowSize: numBuckets * time.Second,
	}
	sl.lastRotate.Store(now)
	for i := range sl.buckets {
		sl.buckets[i].timestamp.Store(now)
	}
	return sl
}

func (l *SharedLimiter) recordBytes(n int64) {
	now := time.Now().Unix()
	last := l.lastRotate.Load()
	if now > last && l.lastRotate.CompareAndSwap(last, now) {
		next := (l.currentIdx.Load() + 1) % numBuckets
		l.buckets[next].bytes.Store(0)
		l.buckets[next].timestamp.Store(now)
		l.currentIdx.Store(next)
	}
	l.buckets[l.currentIdx.Load()].bytes.Add(n)
}

// WrapConn returns c with all reads and writes limited and measured.
func (l *SharedLimiter) WrapConn(c net.Conn) net.Conn {
	return &throttledConn{Conn: c, bucket: l.bucket, limiter: l}
}

// GetActiveRate is the average bytes/s over the last five seconds.
func (l *SharedLimiter) GetActiveRate() int64 {
	now := time.Now().Unix()
	cutoff := now - int64(l.windowSize.Seconds())

	var total int64
	oldest := now
	for i := range l.buckets {
		ts := l.buckets[i].timestamp.Load()
		if ts < cutoff {
			continue
		}
		total += l.buckets[i].bytes.Load()
		if ts < oldest {
			oldest = ts
		}
	}
	if span := now - oldest; span > 0 {
		return total / span
	}
	return 0
}

// GetMaxRate is the configured cap in bytes/s, or -1 when uncapped.
func (l *SharedLimiter) GetMaxRate() int64 {
	return l.maxRate
}
