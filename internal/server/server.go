// Package server binds the dispatcher to the JSON-over-HTTP API. The TCP
// peer address of each request is the session owner: the open/run/close
// session routes only work from the connection that opened the session.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/marcus-qen/fcr/internal/counters"
	"github.com/marcus-qen/fcr/internal/dispatch"
	"github.com/marcus-qen/fcr/internal/protocol"
	"github.com/marcus-qen/fcr/internal/session"
)

// maxBodyBytes bounds request bodies; bulk requests dominate and a 100k
// device fleet still fits comfortably.
const maxBodyBytes = 64 << 20

// Server is the HTTP API surface.
type Server struct {
	dispatcher *dispatch.Dispatcher
	counters   *counters.Registry
	logger     *zap.Logger
	version    string
}

// New creates the server.
func New(d *dispatch.Dispatcher, ctr *counters.Registry, logger *zap.Logger, version string) *Server {
	return &Server{dispatcher: d, counters: ctr, logger: logger, version: version}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
	})

	mux.HandleFunc("POST /api/v1/run", s.handleRun)
	mux.HandleFunc("POST /api/v1/bulk-run", s.handleBulkRun)
	mux.HandleFunc("POST /api/v1/bulk-run-local", s.handleBulkRunLocal)

	mux.HandleFunc("POST /api/v1/sessions", s.handleOpenSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/run", s.handleRunSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleCloseSession)

	mux.HandleFunc("GET /api/v1/counters", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.counters.Snapshot())
	})

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(s.counters.Collector())
	mux.Handle("GET /api/v1/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))

	return http.MaxBytesHandler(mux, maxBodyBytes)
}

// owner derives the session owner from the request's TCP peer.
func owner(r *http.Request) session.Owner {
	host, portStr, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return session.Owner{IP: r.RemoteAddr}
	}
	port, _ := strconv.Atoi(portStr)
	return session.Owner{IP: host, Port: port}
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return protocol.SessionErrorf(protocol.CodeValidation, "invalid request body: %v", err)
	}
	return nil
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req protocol.RunRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UUID == "" {
		req.UUID = uuid.NewString()
	}

	result, err := s.dispatcher.Run(r.Context(), req)
	if err != nil {
		s.logger.Warn("run failed",
			zap.String("device", req.Device.Hostname),
			zap.String("uuid", req.UUID),
			zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBulkRun(w http.ResponseWriter, r *http.Request) {
	s.bulk(w, r, s.dispatcher.BulkRun)
}

func (s *Server) handleBulkRunLocal(w http.ResponseWriter, r *http.Request) {
	s.bulk(w, r, s.dispatcher.BulkRunLocal)
}

func (s *Server) bulk(w http.ResponseWriter, r *http.Request, run func(ctx context.Context, req protocol.BulkRunRequest) (protocol.BulkRunResponse, error)) {
	var req protocol.BulkRunRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UUID == "" {
		req.UUID = uuid.NewString()
	}

	resp, err := run(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req protocol.OpenSessionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	raw := r.URL.Query().Get("raw") == "true" || r.URL.Query().Get("raw") == "1"

	handle, err := s.dispatcher.OpenSession(r.Context(), req, owner(r), raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, handle)
}

func (s *Server) handleRunSession(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, protocol.SessionErrorf(protocol.CodeValidation, "invalid session id"))
		return
	}

	var req protocol.RunSessionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := s.dispatcher.RunSession(r.Context(), id, req, owner(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, protocol.SessionErrorf(protocol.CodeValidation, "invalid session id"))
		return
	}

	if err := s.dispatcher.CloseSession(r.Context(), id, owner(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
