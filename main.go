package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"portrelay/api"
	"portrelay/config"
	"portrelay/relay"
	"portrelay/status"
)

const VERSION = "0.1.0"

func main() {
	configPath := flag.String("config", "portrelay.yml", "Path to the YAML config file")
	tablePath := flag.String("table", "", "Mapping table file (overrides RelayTable)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", *configPath, err)
	}
	if *tablePath != "" {
		cfg.Table = *tablePath
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	if logFile := setupLogging(cfg.GlobalLog); logFile != nil {
		defer logFile.Close()
	}
	log.Printf("portrelay version %s starting...", VERSION)

	var table []config.TableEntry
	if cfg.Table != "" {
		table, err = config.LoadTable(cfg.Table)
		var lineErr *config.TableLineError
		switch {
		case err == nil:
		case errors.As(err, &lineErr):
			log.Printf("Mapping table %s has bad lines:\n%v", cfg.Table, err)
		default:
			log.Fatalf("Failed to load mapping table %s: %v", cfg.Table, err)
		}
	}

	records := buildRecords(cfg.Entries(table))
	if len(records) == 0 {
		log.Fatalf("No valid mappings, nothing to relay")
	}

	dialer, err := relay.NewDialer(cfg.OutboundInterface)
	if err != nil {
		log.Fatalf("Failed to set up outbound dialer: %v", err)
	}

	engine := relay.NewEngine(relay.Options{
		ListenAddress:      cfg.ListenAddress,
		BufferSize:         cfg.BufferSize,
		PumpWorkers:        cfg.PumpWorkers,
		MaxConnsPerMapping: cfg.MaxConnsPerMapping,
		BandwidthLimit:     int64(cfg.BandwidthLimit),
		HalfClose:          cfg.HalfClose,
		Dialer:             dialer,
		Monitor:            status.GlobalConnMonitorRef,
	})

	if err := engine.Start(records); err != nil {
		var serr *relay.StartupError
		if !errors.As(err, &serr) {
			log.Fatalf("Failed to start relay: %v", err)
		}
		log.Printf("Ports not bound: %v", serr.Ports())
	}
	if len(engine.Listeners()) == 0 {
		log.Fatalf("No mapping could be bound, exiting")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	status.GlobalConnMonitorRef.StartPeriodicLogging(ctx, cfg.MonitorInterval.Duration())

	var apiSrv *api.Server
	if cfg.ApiListenAddress != "" {
		apiSrv = api.NewServer(engine, status.GlobalConnMonitorRef, cfg.ApiListenAddress)
		if err := apiSrv.Start(); err != nil {
			log.Printf("api: failed to start on %s: %v", cfg.ApiListenAddress, err)
			apiSrv = nil
		}
	}

	allDown := make(chan struct{})
	go func() {
		engine.Wait()
		close(allDown)
	}()

	select {
	case <-ctx.Done():
		log.Printf("Shutdown requested")
	case <-allDown:
		log.Printf("All listeners exited")
	}

	if apiSrv != nil {
		if err := apiSrv.Stop(); err != nil {
			log.Printf("api: shutdown error: %v", err)
		}
	}
	engine.Stop()
	log.Printf("portrelay stopped")
}

// setupLogging tees the standard logger into a rotating file when a log
// filename is configured. The returned closer is nil when logging to stdout only.
func setupLogging(lc *config.GlobalLogConfig) io.Closer {
	if lc == nil || lc.Filename == "" {
		return nil
	}
	lj := &lumberjack.Logger{
		Filename:   lc.Filename,
		MaxSize:    lc.MaxSize,
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAge,
		Compress:   lc.Compress,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, lj))
	return lj
}

// buildRecords validates each entry and keeps the good ones in order.
// Invalid entries are logged and skipped.
func buildRecords(entries []config.TableEntry) []relay.MappingRecord {
	records := make([]relay.MappingRecord, 0, len(entries))
	for _, e := range entries {
		rec, err := relay.NewMappingRecord(e.LocalPort, e.RemoteHost, e.RemotePort)
		if err != nil {
			if e.Line > 0 {
				log.Printf("Skipping table line %d: %v", e.Line, err)
			} else {
				log.Printf("Skipping mapping: %v", err)
			}
			continue
		}
		records = append(records, rec)
	}
	return records
}
