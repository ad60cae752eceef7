package relay

import (
	"errors"
	"testing"
)

func TestNewMappingRecord(t *testing.T) {
	cases := []struct {
		local     int
		host      string
		remote    int
		shouldErr bool
	}{
		{9000, "127.0.0.1", 9100, false},
		{1, "example.com", 65535, false},
		{8080, "  google.com ", 2345, false},
		{0, "127.0.0.1", 9100, true},
		{65536, "127.0.0.1", 9100, true},
		{-1, "127.0.0.1", 9100, true},
		{9000, "127.0.0.1", 0, true},
		{9000, "127.0.0.1", 70000, true},
		{9000, "", 9100, true},
		{9000, "   ", 9100, true},
	}
	for _, c := range cases {
		rec, err := NewMappingRecord(c.local, c.host, c.remote)
		if c.shouldErr {
			if err == nil {
				t.Errorf("expected error for %d %q %d, got %+v", c.local, c.host, c.remote, rec)
				continue
			}
			if !errors.Is(err, ErrInvalidMapping) {
				t.Errorf("expected ErrInvalidMapping for %d %q %d, got %v", c.local, c.host, c.remote, err)
			}
			var ime *InvalidMappingError
			if !errors.As(err, &ime) || ime.Reason == "" {
				t.Errorf("expected *InvalidMappingError with a reason, got %v", err)
			}
			if errors.Unwrap(err) != ErrInvalidMapping {
				t.Errorf("expected %v to unwrap to ErrInvalidMapping", err)
			}
			continue
		}
		if err != nil {
			t.Errorf("unexpected error for %d %q %d: %v", c.local, c.host, c.remote, err)
			continue
		}
		if int(rec.LocalPort) != c.local || int(rec.RemotePort) != c.remote {
			t.Errorf("ports not kept: %+v", rec)
		}
	}
}

func TestMappingRecord_TrimsHost(t *testing.T) {
	rec, err := NewMappingRecord(8080, "  google.com ", 2345)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.RemoteHost != "google.com" {
		t.Errorf("expected trimmed host, got %q", rec.RemoteHost)
	}
}

func TestMappingRecord_ValueEquality(t *testing.T) {
	a, _ := NewMappingRecord(9000, "127.0.0.1", 9100)
	b, _ := NewMappingRecord(9000, "127.0.0.1", 9100)
	c, _ := NewMappingRecord(9000, "127.0.0.1", 9101)
	if a != b {
		t.Errorf("expected equal records: %+v %+v", a, b)
	}
	if a == c {
		t.Errorf("expected different records: %+v %+v", a, c)
	}
}

func TestMappingRecord_Addresses(t *testing.T) {
	rec, _ := NewMappingRecord(9000, "127.0.0.1", 9100)
	if got := rec.RemoteAddr(); got != "127.0.0.1:9100" {
		t.Errorf("RemoteAddr: got %q", got)
	}
	if got := rec.String(); got != "9000 -> 127.0.0.1:9100" {
		t.Errorf("String: got %q", got)
	}

	v6, _ := NewMappingRecord(9000, "::1", 9100)
	if got := v6.RemoteAddr(); got != "[::1]:9100" {
		t.Errorf("IPv6 RemoteAddr: got %q", got)
	}
}

func TestStartupError_Ports(t *testing.T) {
	serr := &StartupError{Failures: []*BindError{
		{Port: 9002, Err: errors.New("in use")},
		{Port: 9001, Err: errors.New("in use")},
	}}
	ports := serr.Ports()
	if len(ports) != 2 || ports[0] != 9001 || ports[1] != 9002 {
		t.Fatalf("unexpected ports: %v", ports)
	}
	var berr *BindError
	if !errors.As(serr, &berr) {
		t.Fatalf("expected errors.As to find a *BindError in %v", serr)
	}
}
