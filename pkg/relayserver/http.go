package relayserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/astromechza/layersync/pkg/store"
	"github.com/astromechza/layersync/pkg/telemetry"
)

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(telemetry.Middleware)
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			span := trace.SpanFromContext(request.Context())
			span.SetAttributes(attribute.Int("http.status_code", m.Code))
			if m.Code >= 400 {
				span.SetStatus(codes.Error, http.StatusText(m.Code))
			}
			s.log.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code,
				"request", telemetry.RequestID(request.Context()))
		})
	})

	r.Methods(http.MethodGet).Path("/health").HandlerFunc(s.health)
	r.Methods(http.MethodGet).Path("/layers/{layer}/ws").HandlerFunc(s.serveLayer)
	r.Methods(http.MethodGet).Path("/layers/{layer}/snapshot").HandlerFunc(s.getSnapshot)
	r.Methods(http.MethodGet).Path("/layers/{layer}/versions").HandlerFunc(s.listVersions)
	r.Methods(http.MethodPost).Path("/layers/{layer}/versions/{version}/restore").HandlerFunc(s.restoreVersion)
	return r
}

func writeJSON(writer http.ResponseWriter, status int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func (s *Server) health(writer http.ResponseWriter, request *http.Request) {
	s.mu.Lock()
	open := len(s.rooms)
	s.mu.Unlock()
	writeJSON(writer, http.StatusOK, map[string]any{"status": "ok", "layers": open})
}

func (s *Server) getSnapshot(writer http.ResponseWriter, request *http.Request) {
	layer := mux.Vars(request)["layer"]
	var snap []byte
	s.mu.Lock()
	rm, open := s.rooms[layer]
	s.mu.Unlock()
	if open && rm.isKnown() {
		var err error
		if snap, err = rm.doc.Snapshot(); err != nil {
			s.log.Error("failed to snapshot", "layer", layer, "err", err)
			writer.WriteHeader(http.StatusInternalServerError)
			return
		}
	} else {
		content, _, err := s.store.Latest(request.Context(), layer)
		if errors.Is(err, store.ErrNotFound) {
			writer.WriteHeader(http.StatusNotFound)
			return
		} else if err != nil {
			s.log.Error("failed to load layer", "layer", layer, "err", err)
			writer.WriteHeader(http.StatusInternalServerError)
			return
		}
		snap = content
	}
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(snap); err != nil {
		s.log.Error("failed to write out", "err", err)
	}
}

func (s *Server) listVersions(writer http.ResponseWriter, request *http.Request) {
	layer := mux.Vars(request)["layer"]
	vs, err := s.store.ListVersions(request.Context(), layer)
	if err != nil {
		s.log.Error("failed to list versions", "layer", layer, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(writer, http.StatusOK, vs)
}

func (s *Server) restoreVersion(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	version, err := strconv.ParseInt(vars["version"], 10, 64)
	if err != nil {
		writeJSON(writer, http.StatusBadRequest, map[string]string{"error": "invalid version"})
		return
	}
	v, err := s.Restore(request.Context(), vars["layer"], version)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(writer, http.StatusNotFound, map[string]string{"error": "version not found"})
		return
	} else if err != nil {
		s.log.Error("failed to restore", "layer", vars["layer"], "version", version, "err", err)
		writeJSON(writer, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(writer, http.StatusOK, v)
}
