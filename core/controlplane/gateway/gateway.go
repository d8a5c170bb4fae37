// Package gateway exposes the workflow control plane over HTTP: submit a
// composition graph, poll it, revoke it, and stream lifecycle events over a
// websocket.
package gateway

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/taskloom/taskloom/core/composition"
	"github.com/taskloom/taskloom/core/infra/bus"
	"github.com/taskloom/taskloom/core/infra/logging"
	"github.com/taskloom/taskloom/core/infra/metrics"
	"github.com/taskloom/taskloom/core/infra/secrets"
	"github.com/taskloom/taskloom/core/protocol/wire"
	"github.com/taskloom/taskloom/core/resultstore"
)

// Server is the HTTP control-plane surface over a workflow controller.
type Server struct {
	controller *composition.Controller
	bus        bus.Bus
	metrics    metrics.GatewayMetrics
	hub        *eventHub
}

// New wires a gateway server. Nil metrics default to noop observation.
func New(controller *composition.Controller, b bus.Bus, gm metrics.GatewayMetrics) *Server {
	if gm == nil {
		gm = noopGatewayMetrics{}
	}
	return &Server{
		controller: controller,
		bus:        b,
		metrics:    gm,
		hub:        newEventHub(),
	}
}

type noopGatewayMetrics struct{}

func (noopGatewayMetrics) ObserveRequest(string, string, string, float64) {}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logging.Warn("gateway", "health write failed", "error", err)
		}
	})
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /api/v1/workflows", s.instrumented("/api/v1/workflows", s.handleSubmit))
	mux.HandleFunc("GET /api/v1/workflows/{id}", s.instrumented("/api/v1/workflows/{id}", s.handleStatus))
	mux.HandleFunc("DELETE /api/v1/workflows/{id}", s.instrumented("/api/v1/workflows/{id}", s.handleRevoke))
	mux.HandleFunc("GET /api/v1/invocations/{id}", s.instrumented("/api/v1/invocations/{id}", s.handleInvocation))
	mux.HandleFunc("DELETE /api/v1/invocations/{id}", s.instrumented("/api/v1/invocations/{id}", s.handleRevokeInvocation))
	mux.HandleFunc("GET /api/v1/invocations/{id}/children", s.instrumented("/api/v1/invocations/{id}/children", s.handleChildren))

	mux.HandleFunc("GET /ws/events", s.handleEvents)
	return mux
}

// Start taps the event subject and serves HTTP until the listener fails.
func (s *Server) Start(addr string) error {
	s.startEventTap()
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logging.Info("gateway", "listening", "addr", addr)
	return srv.ListenAndServe()
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := decodeSubmitRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	root, err := body.compile()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h, err := s.controller.Submit(r.Context(), root)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"root_id": h.RootID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.controller.Status(r.Context(), r.PathValue("id"))
	if err == resultstore.ErrNotFound {
		http.Error(w, "workflow not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if r.URL.Query().Get("purge") == "true" {
		if err := s.controller.Purge(r.Context(), id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	err := s.controller.Revoke(r.Context(), id, "api request", true)
	if err == resultstore.ErrNotFound {
		http.Error(w, "workflow not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleRevokeInvocation cancels a single invocation without touching the
// rest of its workflow.
func (s *Server) handleRevokeInvocation(w http.ResponseWriter, r *http.Request) {
	err := s.controller.Revoke(r.Context(), r.PathValue("id"), "api request", false)
	if err == resultstore.ErrNotFound {
		http.Error(w, "invocation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleInvocation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.controller.ResultOf(r.Context(), r.PathValue("id"))
	if err == resultstore.ErrNotFound {
		http.Error(w, "invocation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// Secret references may appear in submitted args; never echo them back.
	if redacted, changed, err := secrets.RedactJSON(rec.Args); err == nil && changed {
		clone := *rec
		clone.Args = redacted
		rec = &clone
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	ids, err := s.controller.ChildrenOf(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"children": ids})
}

func (s *Server) startEventTap() {
	err := s.bus.Subscribe(wire.SubjectEvent, "", func(env *wire.Envelope) error {
		if env != nil && env.Event != nil {
			s.hub.broadcast(env.Event)
		}
		return nil
	})
	if err != nil {
		logging.Error("gateway", "event tap subscribe failed", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("gateway", "response write failed", "error", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack passes through so the websocket upgrade keeps working behind the
// instrumentation wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
	}
}
