package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/codefionn/hubgate/hubgate-srv/dataplane"
	"github.com/codefionn/hubgate/hubgate-srv/logger"
	"github.com/codefionn/hubgate/hubgate-srv/transport"
)

// maxRequestBytes bounds a request document from the console.
const maxRequestBytes = 4 << 20

// writeJSON writes a JSON response with proper error handling
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response: %v", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// handleDataPlane runs one data-plane call. The HTTP status is always 200;
// the outcome is the statusCode inside the normalized result.
func (s *Server) handleDataPlane(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusOK, dataplane.FromError(
				dataplane.NewValidationError(dataplane.ErrCodeMalformedRequest, "request document too large")))
			return
		}
		logger.Debug("Failed to read request from %s: %v", r.RemoteAddr, err)
		writeJSON(w, http.StatusOK, dataplane.FromError(dataplane.NewError(dataplane.ErrCodeMalformedRequest, err)))
		return
	}

	resp := s.proxy.Load().HandleJSON(r.Context(), body)
	writeJSON(w, http.StatusOK, resp)
}

type healthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	Protection      string `json:"protection"`
	ProtectionError string `json:"protection_error,omitempty"`
	RefusedDials    int64  `json:"refused_dials"`
	Audit           string `json:"audit"`
	AuditError      string `json:"audit_error,omitempty"`
	Subscribers     int    `json:"subscribers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		Version:       Version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Protection:    transport.StateUnavailable.String(),
		Audit:         "ok",
	}

	if s.loader != nil {
		resp.Protection = s.loader.State().String()
		resp.RefusedDials = s.loader.Refused()
		if err := s.loader.Err(); err != nil {
			resp.ProtectionError = err.Error()
		}
	}
	if resp.Protection == transport.StateUnavailable.String() {
		resp.Status = "degraded"
	}
	if s.broadcaster != nil {
		resp.Subscribers = s.broadcaster.Subscribers()
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := http.StatusOK
	if err := s.collector.HealthCheck(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Audit = "error"
		resp.AuditError = err.Error()
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

// queryLimit reads ?limit=; absent means the collector default.
func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return limit, nil
}

func (s *Server) handleAuditCalls(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	calls, err := s.collector.RecentCalls(r.Context(), limit)
	if err != nil {
		logger.Error("Failed to get audit calls: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to load data")
		return
	}
	writeJSON(w, http.StatusOK, calls)
}

func (s *Server) handleAuditSecurity(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.collector.SecurityEvents(r.Context(), limit)
	if err != nil {
		logger.Error("Failed to get security events: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to load data")
		return
	}
	writeJSON(w, http.StatusOK, events)
}
