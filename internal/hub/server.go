package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"tradepulse/logger"
)

// Server exposes the hub over HTTP: the websocket upgrade endpoint and
// a health probe.
type Server struct {
	hub  *Hub
	log  *logger.Entry
	http *http.Server
}

func NewServer(address string, h *Hub, log *logger.Log) *Server {
	s := &Server{
		hub: h,
		log: log.WithComponent("hub_server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleUpgrade)
	mux.HandleFunc("/healthz", s.handleHealth)

	s.http = &http.Server{
		Addr:              normalizeAddress(address),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start blocks serving until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.log.WithFields(logger.Fields{"address": s.http.Addr}).Info("hub server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown releases the listening transport, then closes the hub's
// open sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.hub.Shutdown(ctx)
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	channels := s.hub.directory.Channels()
	sort.Strings(channels)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":          "ok",
		"sessions":        s.hub.registry.Len(),
		"active_channels": channels,
	})
}

func normalizeAddress(address string) string {
	if address == "" {
		return ":8080"
	}
	if !strings.Contains(address, ":") {
		return ":" + address
	}
	return address
}
