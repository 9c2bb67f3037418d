// Package api exposes the bridge's current sensor readings over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"appliancebridge/internal/sensor"
)

// Server provides HTTP endpoints for the appliance bridge.
type Server struct {
	reporters []sensor.StatusReporter
	logger    *zap.Logger
	server    *http.Server
}

// NewServer creates a new API server over the given sensor reporters.
func NewServer(reporters []sensor.StatusReporter, logger *zap.Logger, port int) *Server {
	s := &Server{
		reporters: reporters,
		logger:    logger.Named("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/sensors", s.handleGetSensors)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// SensorsResponse is the JSON response for the sensors endpoint.
type SensorsResponse struct {
	Sensors []sensor.Status `json:"sensors"`
}

// handleGetSensors returns every sensor's current value and availability.
func (s *Server) handleGetSensors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := SensorsResponse{Sensors: make([]sensor.Status, 0, len(s.reporters))}
	for _, reporter := range s.reporters {
		response.Sensors = append(response.Sensors, reporter.Status())
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.logger.Debug("Sensors request served",
		zap.String("remote_addr", r.RemoteAddr))
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
	})
}

// Start begins serving in the background
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
