package main

import (
	"bytes"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"time"

	"portrelay/config"
)

const VERSION = "0.1.0"

func main() {
	log.Printf("portrelay RateTest version %s starting...", VERSION)

	mode := flag.String("mode", "test", "Mode: test, ping, echo")
	configPath := flag.String("config", "portrelay.yml", "Relay config whose mappings are exercised")
	tablePath := flag.String("table", "", "Mapping table file (overrides RelayTable)")
	lp := flag.Int("lport", 5555, "Port the echo responder listens on")
	secs := flag.Int("secs", 10, "Duration of each throughput test")
	flag.Parse()

	if *mode == "echo" {
		log.Printf("Starting echo responder...")
		if err := RunEcho(fmt.Sprintf(":%d", *lp)); err != nil {
			log.Fatalf("Echo responder failed: %v", err)
		}
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *tablePath != "" {
		cfg.Table = *tablePath
	}
	var table []config.TableEntry
	if cfg.Table != "" {
		table, err = config.LoadTable(cfg.Table)
		if err != nil {
			log.Printf("Mapping table %s: %v", cfg.Table, err)
		}
	}
	entries := cfg.Entries(table)
	log.Printf("Loaded %d mappings", len(entries))

	tester := NewRelayRateTester(entries, time.Duration(*secs)*time.Second)
	switch *mode {
	case "test":
		log.Printf("Starting rate test...")
		tester.Run()
	case "ping":
		log.Printf("Starting ping mode...")
		tester.RunPing()
	default:
		fmt.Fprintf(os.Stderr, "Unknown mode: %s\n", *mode)
		os.Exit(1)
	}
}

type RelayRateTester struct {
	entries  []config.TableEntry
	duration time.Duration
}

func NewRelayRateTester(entries []config.TableEntry, duration time.Duration) *RelayRateTester {
	return &RelayRateTester{entries: entries, duration: duration}
}

func localAddr(e config.TableEntry) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(e.LocalPort))
}

// RunEcho listens on addr and echoes everything back; point mappings at it
// to give them a remote side.
func RunEcho(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Printf("Echo responder listening on %s", ln.Addr())
	return serveEcho(ln)
}

func serveEcho(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		log.Printf("Accepted connection from %s", conn.RemoteAddr())
		go func(c net.Conn) {
			defer c.Close()
			if _, err := io.Copy(c, c); err != nil {
				log.Printf("Echo error: %v", err)
			}
		}(conn)
	}
}

// RunPing round-trips a payload through every mapping until the process is
// killed, reconnecting after failures.
func (rt *RelayRateTester) RunPing() {
	for _, e := range rt.entries {
		go rt.pingLoop(e)
	}
	select {}
}

func (rt *RelayRateTester) pingLoop(e config.TableEntry) {
	addr := localAddr(e)
	for {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			log.Printf("Mapping %d: connect to %s failed: %v, retrying in 5 seconds...", e.LocalPort, addr, err)
			time.Sleep(5 * time.Second)
			continue
		}
		for {
			elapsed, err := pingOnce(conn, []byte("ping"))
			if err != nil {
				log.Printf("Mapping %d: ping error: %v, reconnecting in 5 seconds...", e.LocalPort, err)
				break
			}
			log.Printf("Mapping %d: ping response received in %v", e.LocalPort, elapsed)
			time.Sleep(2 * time.Second)
		}
		conn.Close()
		time.Sleep(5 * time.Second)
	}
}

// pingOnce writes payload and waits for the same bytes to come back.
func pingOnce(conn net.Conn, payload []byte) (time.Duration, error) {
	start := time.Now()
	if _, err := conn.Write(payload); err != nil {
		return 0, err
	}
	buf := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return 0, err
	}
	if !bytes.Equal(buf, payload) {
		return 0, fmt.Errorf("echo mismatch: sent %q got %q", payload, buf)
	}
	return time.Since(start), nil
}

func (rt *RelayRateTester) Run() {
	for _, e := range rt.entries {
		rt.testMapping(e)
	}
	log.Println("RateTester finished all tests.")
}

func (rt *RelayRateTester) testMapping(e config.TableEntry) {
	addr := localAddr(e)
	log.Printf("Testing mapping %d -> %s:%d at %s", e.LocalPort, e.RemoteHost, e.RemotePort, addr)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		log.Printf("Failed to connect to mapping %d: %v", e.LocalPort, err)
		return
	}
	defer conn.Close()

	// the remote may echo; drain so it never blocks on us
	go io.Copy(io.Discard, conn)

	total, elapsed := sendFor(conn, rt.duration)
	secs := elapsed.Seconds()
	if secs <= 0 {
		secs = rt.duration.Seconds()
	}

	kbps := float64(total) * 8 / 1024 / secs
	mbps := float64(total) * 8 / (1024 * 1024) / secs
	gbps := float64(total) * 8 / (1024 * 1024 * 1024) / secs
	log.Printf("Mapping %d: Sent %d bytes in %.2f secs \n -   %.2f kbps\n -   %.2f mbps\n -   %.4f gbps", e.LocalPort, total, secs, kbps, mbps, gbps)
}

// sendFor writes random data to conn for d and returns the bytes written.
func sendFor(conn net.Conn, d time.Duration) (int64, time.Duration) {
	var total int64
	buf := make([]byte, 4096)
	rand.Read(buf)

	start := time.Now()
	end := start.Add(d)
	for time.Now().Before(end) {
		// limit blocking per write so a stalled mapping doesn't hang the loop
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		n, err := conn.Write(buf)
		total += int64(n)
		if err != nil {
			log.Printf("Write error during ratetest: %v", err)
			if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
	}
	return total, time.Since(start)
}
