package api

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"time"

	"portrelay/relay"
	"portrelay/status"
)

// MappingSource lists the mappings currently being served.
// *relay.Engine satisfies it.
type MappingSource interface {
	Records() []relay.MappingRecord
}

// Server is a small read-only HTTP API over the relay's mappings and counters.
// Construct with NewServer(source, monitor, listenAddr)
type Server struct {
	source     MappingSource
	monitor    *status.ConnectionMonitor
	listenAddr string
	httpSrv    *http.Server
	ln         net.Listener
}

// NewServer creates a new API server instance. A nil monitor uses
// status.GlobalConnMonitorRef.
func NewServer(source MappingSource, monitor *status.ConnectionMonitor, listenAddr string) *Server {
	if monitor == nil {
		monitor = status.GlobalConnMonitorRef
	}
	return &Server{source: source, monitor: monitor, listenAddr: listenAddr}
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/mappings", s.handleMappings)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	return mux
}

// Start begins listening and serving. It returns after the server has started or an error.
func (s *Server) Start() error {
	h := &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.httpSrv = h

	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	s.ln = ln
	log.Printf("api: listening on %s", ln.Addr())

	go func() {
		if err := h.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("api: http server error: %v", err)
		}
	}()

	return nil
}

// Addr is the bound address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop attempts a graceful shutdown with a 5s timeout.
func (s *Server) Stop() error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

// mappingDTO is the JSON shape returned for each mapping
type mappingDTO struct {
	Name       string `json:"name"`
	LocalPort  uint16 `json:"localPort"`
	RemoteHost string `json:"remoteHost"`
	RemotePort uint16 `json:"remotePort"`
	ID         int    `json:"id"`
}

// statusDTO is the JSON shape returned for each mapping's counters
type statusDTO struct {
	MappingName          string `json:"mappingName"`
	State                string `json:"state"`
	LastError            string `json:"lastError,omitempty"`
	ActivePairs          int64  `json:"activePairs"`
	TotalPairs           int64  `json:"totalPairs"`
	QueuedPairs          int64  `json:"queuedPairs"`
	ConnectFailures      int64  `json:"connectFailures"`
	PumpErrors           int64  `json:"pumpErrors"`
	BytesUp              int64  `json:"bytesUp"`
	BytesDown            int64  `json:"bytesDown"`
	ActiveRateBitsPerSec int64  `json:"activeRateBitsPerSec"`
	MaxRateBitsPerSec    int64  `json:"maxRateBitsPerSec"` // -1 when unlimited
}

func (s *Server) handleMappings(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	records := s.source.Records()
	list := make([]mappingDTO, 0, len(records))
	for i, rec := range records {
		list = append(list, mappingDTO{
			Name:       rec.String(),
			LocalPort:  rec.LocalPort,
			RemoteHost: rec.RemoteHost,
			RemotePort: rec.RemotePort,
			ID:         i,
		})
	}
	writeJSON(w, list)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	records := s.source.Records()
	list := make([]statusDTO, 0, len(records))
	for _, rec := range records {
		st := s.monitor.Status(rec.String())
		dto := statusDTO{
			MappingName:       st.Name,
			State:             string(st.State),
			LastError:         st.LastError,
			ActivePairs:       st.ActivePairs,
			TotalPairs:        st.TotalPairs,
			QueuedPairs:       st.QueuedPairs,
			ConnectFailures:   st.ConnectFailures,
			PumpErrors:        st.PumpErrors,
			BytesUp:           st.BytesUp,
			BytesDown:         st.BytesDown,
			MaxRateBitsPerSec: -1,
		}
		if l, ok := s.monitor.GetLimiter(st.Name); ok {
			dto.ActiveRateBitsPerSec = l.GetActiveRate() * 8
			if maxRate := l.GetMaxRate(); maxRate > 0 {
				dto.MaxRateBitsPerSec = maxRate * 8
			}
		}
		list = append(list, dto)
	}
	writeJSON(w, list)
}

func writeJSON(w http.ResponseWriter, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Printf("api: encode error: %v", err)
	}
}
