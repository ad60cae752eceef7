package limiter

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

// fakeConn implements net.Conn for testing.
type fakeConn struct {
	readBuf     *bytes.Buffer
	writeBuf    *bytes.Buffer
	closed      bool
	writeClosed bool
}

func newFakeConn(data string) *fakeConn {
	return &fakeConn{
		readBuf:  bytes.NewBufferString(data),
		writeBuf: &bytes.Buffer{},
	}
}

func (f *fakeConn) Read(p []byte) (int, error)         { return f.readBuf.Read(p) }
func (f *fakeConn) Write(p []byte) (int, error)        { return f.writeBuf.Write(p) }
func (f *fakeConn) Close() error                       { f.closed = true; return nil }
func (f *fakeConn) CloseWrite() error                  { f.writeClosed = true; return nil }
func (f *fakeConn) LocalAddr() net.Addr                { return nil }
func (f *fakeConn) RemoteAddr() net.Addr               { return nil }
func (f *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func TestThrottledConn_Read_Pass(t *testing.T) {
	sl := NewSharedLimiter(1e6)
	tc := &throttledConn{Conn: newFakeConn("hello world"), bucket: sl.bucket, limiter: sl}

	buf := make([]byte, 11)
	n, err := tc.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(buf[:n]) != "hello world" {
		t.Errorf("expected 'hello world', got '%s'", string(buf[:n]))
	}
}

func TestThrottledConn_Read_Empty(t *testing.T) {
	sl := NewSharedLimiter(1e6)
	tc := &throttledConn{Conn: newFakeConn(""), bucket: sl.bucket, limiter: sl}

	n, err := tc.Read(make([]byte, 1))
	if n != 0 || err != io.EOF {
		t.Errorf("expected EOF and 0 bytes, got n=%d, err=%v", n, err)
	}
}

func TestThrottledConn_Write_Zero(t *testing.T) {
	sl := NewSharedLimiter(1e6)
	tc := &throttledConn{Conn: newFakeConn(""), bucket: sl.bucket, limiter: sl}

	n, err := tc.Write([]byte{})
	if err != nil || n != 0 {
		t.Fatalf("expected 0 bytes and nil error, got n=%d err=%v", n, err)
	}
}

func TestThrottledConn_CloseWrite(t *testing.T) {
	fc := newFakeConn("")
	conn := NewSharedLimiter(0).WrapConn(fc)

	cw, ok := conn.(interface{ CloseWrite() error })
	if !ok {
		t.Fatalf("wrapped conn should expose CloseWrite")
	}
	if err := cw.CloseWrite(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fc.writeClosed || fc.closed {
		t.Errorf("expected half close only, got writeClosed=%v closed=%v", fc.writeClosed, fc.closed)
	}
}

func TestThrottledConn_CloseWriteUnsupported(t *testing.T) {
	fc := newFakeConn("")
	// only the net.Conn methods survive the anonymous struct, so no CloseWrite
	conn := NewSharedLimiter(0).WrapConn(struct{ net.Conn }{fc})

	err := conn.(interface{ CloseWrite() error }).CloseWrite()
	if !errors.Is(err, errors.ErrUnsupported) {
		t.Fatalf("expected errors.ErrUnsupported, got %v", err)
	}
	if fc.closed || fc.writeClosed {
		t.Errorf("conn should be left untouched, got closed=%v writeClosed=%v", fc.closed, fc.writeClosed)
	}
}

func TestSharedLimiter_WrapConn(t *testing.T) {
	sl := NewSharedLimiter(1e6)
	fc := newFakeConn("abc")
	conn := sl.WrapConn(fc)

	n, err := conn.Write([]byte("xyz"))
	if err != nil || n != 3 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	if fc.writeBuf.String() != "xyz" {
		t.Errorf("expected 'xyz' in writeBuf, got '%s'", fc.writeBuf.String())
	}

	buf := make([]byte, 3)
	n, err = conn.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(buf[:n]) != "abc" {
		t.Errorf("expected 'abc', got '%s'", string(buf[:n]))
	}

	var recorded int64
	for i := range sl.buckets {
		recorded += sl.buckets[i].bytes.Load()
	}
	if recorded != 6 {
		t.Errorf("expected 6 bytes recorded, got %d", recorded)
	}
}

func TestSharedLimiter_Unlimited(t *testing.T) {
	sl := NewSharedLimiter(0)
	if sl.GetMaxRate() != -1 {
		t.Errorf("expected -1 max rate for an uncapped limiter, got %d", sl.GetMaxRate())
	}
	if NewSharedLimiter(2048).GetMaxRate() != 2048 {
		t.Errorf("expected configured max rate")
	}
}

func TestSharedLimiter_Throttles(t *testing.T) {
	// 1KB/s with a 1KB burst: the second KB has to wait about a second
	sl := NewSharedLimiter(1024)
	conn := sl.WrapConn(newFakeConn(""))

	start := time.Now()
	conn.Write(make([]byte, 1024))
	conn.Write(make([]byte, 512))
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("expected the limiter to delay writes, took %v", elapsed)
	}
}

func TestSharedLimiter_GetActiveRate(t *testing.T) {
	sl := NewSharedLimiter(0)
	now := time.Now().Unix()

	// pretend the previous two seconds carried traffic
	sl.buckets[0].timestamp.Store(now - 2)
	sl.buckets[0].bytes.Store(4000)
	sl.buckets[1].timestamp.Store(now - 1)
	sl.buckets[1].bytes.Store(2000)
	for i := 2; i < numBuckets; i++ {
		sl.buckets[i].timestamp.Store(now - 100)
	}

	// 6000 bytes over two seconds, or three if the clock ticked meanwhile
	if got := sl.GetActiveRate(); got != 3000 && got != 2000 {
		t.Errorf("expected 3000 bytes/s, got %d", got)
	}
}
