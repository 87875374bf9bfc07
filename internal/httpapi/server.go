package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/deeplinks/internal/enrich"
	"github.com/agentworkforce/deeplinks/internal/matching"
	"github.com/agentworkforce/deeplinks/internal/notify"
)

// Enricher is the part of the enrichment engine the API drives.
type Enricher interface {
	EnrichProviders(ctx context.Context, providers []enrich.ProviderID, results []enrich.Restaurant, requestID, cityHint string) []enrich.Restaurant
	EnabledProviders() []enrich.ProviderID
	PatchChannel() string
	Stats() enrich.Stats
}

// PatchStreamer serves patch subscriptions.
type PatchStreamer interface {
	Stream(w http.ResponseWriter, r *http.Request, channel, requestID string, opts notify.StreamOptions) error
	Stats() notify.HubStats
}

type ServerConfig struct {
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	AdminToken         string
	MaxBodyBytes       int64
	BackendKind        string
	Stream             notify.StreamOptions
	Logger             *zerolog.Logger
}

type Server struct {
	engine             Enricher
	hub                PatchStreamer
	cfg                ServerConfig
	router             *mux.Router
	logger             zerolog.Logger
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

const enrichRequestSchemaURL = "deeplinks://schemas/enrich-request.json"

const enrichRequestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["results"],
  "additionalProperties": false,
  "properties": {
    "requestId": {"type": "string", "maxLength": 128, "pattern": "^[A-Za-z0-9_.:-]+$"},
    "cityHint": {"type": "string", "maxLength": 128},
    "providers": {"type": "array", "maxItems": 8, "items": {"type": "string", "minLength": 1}},
    "results": {
      "type": "array",
      "maxItems": 50,
      "items": {
        "type": "object",
        "required": ["placeId", "name"],
        "properties": {
          "placeId": {"type": "string", "minLength": 1, "maxLength": 256},
          "name": {"type": "string", "minLength": 1, "maxLength": 512},
          "address": {"type": "string", "maxLength": 1024},
          "providers": {"type": "object"}
        }
      }
    }
  }
}`

var enrichRequestSchema = mustCompileSchema(enrichRequestSchemaURL, enrichRequestSchemaJSON)

func mustCompileSchema(url, raw string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse schema %s: %v", url, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", url, err))
	}
	return compiler.MustCompile(url)
}

type enrichRequest struct {
	RequestID string              `json:"requestId"`
	CityHint  string              `json:"cityHint"`
	Providers []string            `json:"providers"`
	Results   []enrich.Restaurant `json:"results"`
}

type enrichResponse struct {
	RequestID string              `json:"requestId"`
	Channel   string              `json:"channel"`
	Subscribe string              `json:"subscribe"`
	Providers []enrich.ProviderID `json:"providers"`
	Results   []enrich.Restaurant `json:"results"`
}

type adminEnrichmentResponse struct {
	Backend   string              `json:"backend"`
	Providers []enrich.ProviderID `json:"providers"`
	Engine    enrich.Stats        `json:"engine"`
	Hub       notify.HubStats     `json:"hub"`
}

func NewServer(engine Enricher, hub PatchStreamer, cfg ServerConfig) *Server {
	if cfg.InternalMaxSkew <= 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.BackendKind == "" {
		cfg.BackendKind = "custom"
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	s := &Server{
		engine:             engine,
		hub:                hub,
		cfg:                cfg,
		logger:             logger,
		internalReplaySeen: map[string]time.Time{},
	}

	router := mux.NewRouter()
	router.Use(s.logRequests)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/v1/enrich", s.handleEnrich).Methods(http.MethodPost)
	router.HandleFunc("/v1/notifications/{channel}/{requestId}", s.handleNotifications).Methods(http.MethodGet)
	router.HandleFunc("/v1/admin/enrichment", s.handleAdminEnrichment).Methods(http.MethodGet)
	router.HandleFunc("/v1/admin/dashboard", s.handleDashboard).Methods(http.MethodGet)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})
	s.router = router
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "backend": s.cfg.BackendKind})
}

func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if s.cfg.InternalHMACSecret != "" {
		now := time.Now().UTC()
		timestamp := r.Header.Get(headerTimestamp)
		signature := r.Header.Get(headerSignature)
		if authErr := verifyInternalHMAC(s.cfg.InternalHMACSecret, timestamp, signature, body, now, s.cfg.InternalMaxSkew); authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		if !s.markInternalReplaySeen(timestamp, signature, now) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
			return
		}
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if err := enrichRequestSchema.Validate(instance); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), correlationID)
		return
	}
	var req enrichRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}

	providers := s.engine.EnabledProviders()
	if len(req.Providers) > 0 {
		providers = make([]enrich.ProviderID, 0, len(req.Providers))
		for _, raw := range req.Providers {
			id, err := matching.ParseProviderID(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
				return
			}
			providers = append(providers, id)
		}
	}
	requestID := strings.TrimSpace(req.RequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	results := s.engine.EnrichProviders(r.Context(), providers, req.Results, requestID, strings.TrimSpace(req.CityHint))
	if results == nil {
		results = []enrich.Restaurant{}
	}
	channel := s.engine.PatchChannel()
	writeJSON(w, http.StatusOK, enrichResponse{
		RequestID: requestID,
		Channel:   channel,
		Subscribe: "/v1/notifications/" + channel + "/" + requestID,
		Providers: providers,
		Results:   results,
	})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	channel := vars["channel"]
	requestID := vars["requestId"]
	if err := s.hub.Stream(w, r, channel, requestID, s.cfg.Stream); err != nil {
		s.logger.Debug().Err(err).Str("channel", channel).Str("request_id", requestID).Msg("patch stream ended")
	}
}

func (s *Server) handleAdminEnrichment(w http.ResponseWriter, r *http.Request) {
	if authErr := authorizeAdmin(r.Header.Get("Authorization"), s.cfg.AdminToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, adminEnrichmentResponse{
		Backend:   s.cfg.BackendKind,
		Providers: s.engine.EnabledProviders(),
		Engine:    s.engine.Stats(),
		Hub:       s.hub.Stats(),
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(started)).
			Str("correlation_id", getCorrelationID(r)).
			Msg("http request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack passes through so websocket upgrades work behind the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
}
