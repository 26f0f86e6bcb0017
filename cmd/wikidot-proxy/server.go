package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Sternrassler/wikidot-client/pkg/client"
	"github.com/Sternrassler/wikidot-client/pkg/config"
	"github.com/Sternrassler/wikidot-client/pkg/dispatch"
	"github.com/Sternrassler/wikidot-client/pkg/metrics"
	"github.com/Sternrassler/wikidot-client/pkg/ratelimit"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// batchRequest is the body of POST /batch.
type batchRequest struct {
	Method string   `json:"method"`
	URLs   []string `json:"urls"`
	Policy string   `json:"policy"`
}

// batchResult is one position of a batch response.
type batchResult struct {
	URL    string `json:"url"`
	Status int    `json:"status,omitempty"`
	Body   string `json:"body,omitempty"`
	Error  string `json:"error,omitempty"`
}

type batchResponse struct {
	Results []batchResult `json:"results"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Status int    `json:"status,omitempty"`
}

type server struct {
	client       *client.Client
	logger       zerolog.Logger
	hosts        *hostPolicy
	maxBodySize  int64
	maxBatchSize int
}

// newRouter wires the proxy routes.
func newRouter(c *client.Client, cfg config.ServerConfig, logger zerolog.Logger) (http.Handler, error) {
	s := &server{
		client:       c,
		logger:       logger,
		hosts:        newHostPolicy(c.BaseURL(), cfg.AllowedHosts),
		maxBodySize:  int64(cfg.MaxBodySize),
		maxBatchSize: cfg.MaxBatchSize,
	}

	var inbound *inboundLimiter
	if cfg.RateLimit > 0 {
		l, err := newInboundLimiter(cfg.RateLimit, cfg.RateBurst, logger)
		if err != nil {
			return nil, err
		}
		inbound = l
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/health", healthHandler)
	r.Get("/ready", s.readyHandler)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if inbound != nil {
			r.Use(inbound.Handler)
		}
		r.Get("/fetch", s.fetchHandler)
		r.Post("/batch", s.batchHandler)
	})

	return r, nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (s *server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.client.Ping(r.Context()); err != nil {
		s.logger.Warn().Err(err).Msg("Readiness check failed")
		writeError(w, http.StatusServiceUnavailable, "cache unavailable: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "READY")
}

// fetchHandler proxies a single GET.
func (s *server) fetchHandler(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		writeError(w, http.StatusBadRequest, "missing url parameter")
		return
	}
	if err := s.hosts.check(target); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.client.Get(r.Context(), target)
	if err != nil {
		writeClientError(w, err)
		return
	}

	for _, key := range []string{"Content-Type", "ETag", "Last-Modified", "X-Cache"} {
		if v := resp.Header.Get(key); v != "" {
			w.Header().Set(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write response")
	}
}

// batchHandler runs a batch through the client's shared limiter.
func (s *server) batchHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodySize)

	var req batchRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	method, err := dispatch.ParseMethod(req.Method)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	policy := dispatch.CollectAll
	if req.Policy != "" {
		if policy, err = dispatch.ParseFailurePolicy(req.Policy); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if len(req.URLs) > s.maxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch holds %d urls, limit is %d", len(req.URLs), s.maxBatchSize))
		return
	}
	for i, u := range req.URLs {
		if err := s.hosts.check(u); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("urls[%d]: %v", i, err))
			return
		}
	}

	outcomes, err := s.client.Batch(r.Context(), method, req.URLs, policy)
	if err != nil {
		if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
			return
		}
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), Status: client.StatusCodeOf(err)})
		return
	}

	resp := batchResponse{Results: make([]batchResult, len(outcomes))}
	for i, o := range outcomes {
		res := batchResult{URL: o.URL}
		if o.Failed() {
			res.Error = o.Err.Error()
			res.Status = client.StatusCodeOf(o.Err)
		} else {
			res.Status = o.Value.StatusCode
			res.Body = string(o.Value.Body)
		}
		resp.Results[i] = res
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeClientError maps a single-request failure onto a proxy status.
func writeClientError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, client.ErrInvalidURL):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ratelimit.ErrCoolingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), Status: client.StatusCodeOf(err)})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
