package regiond

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// StatusServer exposes the operator read surface over HTTP: aggregate
// region health, this process's connection table, and the fleet-wide
// advertised endpoint dump.
type StatusServer struct {
	service *Service
	server  *http.Server
}

// NewStatusServer creates the status API bound to addr.
func NewStatusServer(addr string, service *Service) *StatusServer {
	var s = &StatusServer{service: service}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the chi router for the status API.
func (s *StatusServer) Router() http.Handler {
	var r = chi.NewRouter()
	r.Get("/status/health", s.handleHealth)
	r.Get("/status/connections", s.handleConnections)
	r.Get("/status/advertised", s.handleAdvertised)
	return r
}

// Start begins serving in a background goroutine.
func (s *StatusServer) Start() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.service.options.logger.Error("status server failed", "error", err)
		}
	}()
}

// Shutdown stops the status server.
func (s *StatusServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type regionHealth struct {
	RegionID   string `json:"region_id"`
	Status     string `json:"status"`
	StatusInfo string `json:"status_info,omitempty"`
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var records, err = s.service.Health(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var health = make([]regionHealth, 0, len(records))
	for _, record := range records {
		health = append(health, regionHealth{
			RegionID:   record.RegionID,
			Status:     record.Status,
			StatusInfo: record.StatusInfo,
		})
	}
	writeJSON(w, health)
}

func (s *StatusServer) handleConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.service.Broker().ConnectionCounts())
}

type advertisedEndpoint struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    int    `json:"port"`
}

func (s *StatusServer) handleAdvertised(w http.ResponseWriter, r *http.Request) {
	var records, err = s.service.Advertised(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil && s.service.Advertiser().Current() == nil {
		http.Error(w, "not yet advertising", http.StatusServiceUnavailable)
		return
	}

	var advertised = make([]advertisedEndpoint, 0, len(records))
	for _, record := range records {
		advertised = append(advertised, advertisedEndpoint{
			Name:    record.Name,
			Address: record.Address,
			Port:    record.Port,
		})
	}
	writeJSON(w, advertised)
}

func writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(value)
}
