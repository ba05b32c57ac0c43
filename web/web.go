package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ShoshinNikita/assetcache/assetcache"
	"github.com/ShoshinNikita/assetcache/fetcher"
	"github.com/ShoshinNikita/assetcache/pkg/rlog"
)

type CacheService interface {
	Fetch(ctx context.Context, path string, opts fetcher.FetchOptions) (assetcache.Asset, bool)
	Prefetch(ctx context.Context, paths []string, opts fetcher.PrefetchOptions)
	Clear() error
	ClearMemory()
	Stats() (fetcher.Stats, error)
}

type Server struct {
	buildInfo assetcache.BuildInfo

	httpServer *http.Server

	service CacheService
	codec   assetcache.Codec

	defaultFormat       assetcache.Format
	validateRevisions   bool
	prefetchConcurrency int
}

func NewServer(cfg assetcache.Config, service CacheService, codec assetcache.Codec) (s *Server) {
	s = &Server{
		buildInfo: cfg.BuildInfo,
		//
		service: service,
		codec:   codec,
		//
		defaultFormat:       cfg.StorageFormat,
		validateRevisions:   cfg.ValidateRevisions,
		prefetchConcurrency: cfg.PrefetchConcurrency,
	}

	mux := http.NewServeMux()

	// API
	mux.HandleFunc("/api/asset/", s.handleAsset)
	mux.HandleFunc("/api/prefetch", s.handlePrefetch)
	mux.HandleFunc("/api/cache/clear", s.handleClear)
	mux.HandleFunc("/api/cache/clear-memory", s.handleClearMemory)
	mux.HandleFunc("/api/cache/stats", s.handleStats)
	mux.HandleFunc("/api/version", s.handleVersion)

	// Debug
	mux.Handle("/debug/metrics", promhttp.Handler())

	handler := loggingMiddleware(mux)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.ServerPort),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	rlog.Infof("start web server on %q", s.httpServer.Addr)

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleAsset returns the cached asset encoded with the requested format.
func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	if !checkMethod(w, r, http.MethodGet) {
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/asset")
	if path == "" || path == "/" {
		writeBadRequestError(w, "path can't be empty")
		return
	}

	validate, err := parseBool(r.FormValue("validate"), s.validateRevisions)
	if err != nil {
		writeBadRequestError(w, "invalid validate: %s", err)
		return
	}
	format := s.defaultFormat
	if value := r.FormValue("format"); value != "" {
		if err := format.UnmarshalText([]byte(value)); err != nil {
			writeBadRequestError(w, "invalid format: %s", err)
			return
		}
	}

	asset, ok := s.service.Fetch(r.Context(), path, fetcher.FetchOptions{
		ValidateRevision: validate,
		Format:           &format,
	})
	if !ok {
		if r.Context().Err() != nil {
			return
		}
		writeError(w, http.StatusNotFound, "asset %q not found", path)
		return
	}

	data, err := s.codec.Encode(asset, format)
	if err != nil {
		writeInternalServerError(w, "couldn't encode asset: %s", err)
		return
	}

	contentType := "image/jpeg"
	if format.Lossless {
		contentType = "image/png"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func (s *Server) handlePrefetch(w http.ResponseWriter, r *http.Request) {
	if !checkMethod(w, r, http.MethodPost) {
		return
	}

	var req PrefetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequestError(w, "invalid request: %s", err)
		return
	}
	if len(req.Paths) == 0 {
		writeBadRequestError(w, "paths can't be empty")
		return
	}

	opts := fetcher.PrefetchOptions{
		ValidateRevision: s.validateRevisions,
		ConcurrencyLimit: s.prefetchConcurrency,
	}
	if req.Validate != nil {
		opts.ValidateRevision = *req.Validate
	}
	if req.Concurrency != nil {
		opts.ConcurrencyLimit = *req.Concurrency
	}

	now := time.Now()
	s.service.Prefetch(r.Context(), req.Paths, opts)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(PrefetchResponse{
		Paths:    len(req.Paths),
		Duration: time.Since(now).String(),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if !checkMethod(w, r, http.MethodPost) {
		return
	}

	if err := s.service.Clear(); err != nil {
		writeInternalServerError(w, "couldn't clear cache: %s", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleClearMemory(w http.ResponseWriter, r *http.Request) {
	if !checkMethod(w, r, http.MethodPost) {
		return
	}

	s.service.ClearMemory()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !checkMethod(w, r, http.MethodGet) {
		return
	}

	stats, err := s.service.Stats()
	if err != nil {
		writeInternalServerError(w, "couldn't get stats: %s", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(newStatsResponse(stats))
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.buildInfo)
}

func checkMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		code := http.StatusMethodNotAllowed
		http.Error(w, http.StatusText(code), code)
		return false
	}
	return true
}

func parseBool(raw string, defaultValue bool) (bool, error) {
	if raw == "" {
		return defaultValue, nil
	}
	return strconv.ParseBool(raw)
}

func writeBadRequestError(w http.ResponseWriter, format string, a ...any) {
	writeError(w, http.StatusBadRequest, format, a...)
}

func writeInternalServerError(w http.ResponseWriter, format string, a ...any) {
	writeError(w, http.StatusInternalServerError, format, a...)
}

func writeError(w http.ResponseWriter, code int, format string, a ...any) {
	http.Error(w, fmt.Sprintf(format, a...), code)
}
