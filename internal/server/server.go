// Package server is the asynchronous HTTP front-end: it parses
// detection requests, submits them to the bounded worker queue, and
// serves the stats, config and static routes. All inference happens on
// the worker thread; handlers only suspend at network and queue
// boundaries.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/blue-onyx/blue-onyx-go/internal/api"
	"github.com/blue-onyx/blue-onyx-go/internal/config"
	"github.com/blue-onyx/blue-onyx-go/internal/imagecodec"
	"github.com/blue-onyx/blue-onyx-go/internal/reqqueue"
	"github.com/blue-onyx/blue-onyx-go/internal/stats"
	"github.com/blue-onyx/blue-onyx-go/internal/worker"
)

//go:embed static
var staticFS embed.FS

const (
	megabyte      = 1024 * 1024
	maxBodyBytes  = 30 * megabyte
	multipartMem  = 10 * megabyte
	shutdownGrace = 10 * time.Second
)

// Server holds the front-end's shared state. The queue and aggregator
// are the only bridges to the worker thread.
type Server struct {
	cfg     config.Config
	queue   *reqqueue.Queue
	agg     *stats.Aggregator
	version string
	log     zerolog.Logger

	// persistConfig writes an updated config to disk; requestRestart
	// signals a clean shutdown so a supervisor can respawn with it.
	persistConfig  func(config.Config) error
	requestRestart func()
}

// New wires the front-end. persistConfig and requestRestart back the
// POST /config path. A nil persistConfig disables config updates; a
// nil requestRestart saves updates without triggering a restart.
func New(cfg config.Config, queue *reqqueue.Queue, agg *stats.Aggregator, version string,
	persistConfig func(config.Config) error, requestRestart func(), log zerolog.Logger) *Server {
	return &Server{
		cfg:            cfg,
		queue:          queue,
		agg:            agg,
		version:        version,
		log:            log.With().Str("component", "server").Logger(),
		persistConfig:  persistConfig,
		requestRestart: requestRestart,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logMiddleware)

	r.HandleFunc("/v1/vision/detection", s.handleDetection).Methods(http.MethodPost)
	r.HandleFunc("/v1/status/updateavailable", s.handleUpdateAvailable).Methods(http.MethodGet)
	r.HandleFunc("/v1/vision/custom/list", s.handleCustomList).Methods(http.MethodPost)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/config", s.handleGetConfig).Methods(http.MethodGet)
	r.HandleFunc("/config", s.handlePostConfig).Methods(http.MethodPost)
	r.HandleFunc("/test", s.servePage("static/test.html")).Methods(http.MethodGet)
	r.HandleFunc("/favicon.ico", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodGet)
	r.PathPrefix("/static/").Handler(http.FileServer(http.FS(staticFS))).Methods(http.MethodGet)
	r.HandleFunc("/", s.servePage("static/index.html")).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(s.handleNotFound)

	return r
}

// Run serves until ctx is cancelled, then drains in-flight connections.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return api.Wrap(api.KindStartupFailure,
				fmt.Sprintf("port %d may already be in use by Blue Onyx, CPAI or another application; pick another with --port", s.cfg.Port), err)
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
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

func (s *Server) handleDetection(w http.ResponseWriter, r *http.Request) {
	requestStart := time.Now()

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	imageBytes, imageName, minConfidence, err := parseDetectionForm(r)
	if err != nil {
		s.writeError(w, "", err)
		return
	}

	item := reqqueue.NewItem(imageBytes, imageName, minConfidence)
	requestID := item.Request.RequestID
	log := s.log.With().Str("request_id", requestID).Logger()

	if err := s.queue.TryEnqueue(item); err != nil {
		log.Warn().Msg("inference queue full, rejecting request")
		s.agg.RecordDropped()
		s.writeError(w, requestID, err)
		return
	}

	timeout := time.NewTimer(s.cfg.RequestTimeout())
	defer timeout.Stop()

	select {
	case response := <-item.Reply:
		response.AnalysisRoundTripMs = time.Since(requestStart).Milliseconds()
		writeJSON(w, http.StatusOK, response)
	case <-timeout.C:
		if !item.TrySettle() {
			// Lost the race: the worker settled and its reply is in
			// flight, so return it instead of a spurious timeout.
			response := <-item.Reply
			response.AnalysisRoundTripMs = time.Since(requestStart).Milliseconds()
			writeJSON(w, http.StatusOK, response)
			return
		}
		// The worker may still process the item; it sees the settled
		// flag and discards the result silently.
		log.Warn().Dur("timeout", s.cfg.RequestTimeout()).Msg("request timed out waiting for worker")
		s.agg.RecordDropped()
		s.writeError(w, requestID, api.New(api.KindTimeout, "timed out waiting for inference worker"))
	case <-r.Context().Done():
		if item.TrySettle() {
			log.Debug().Msg("client disconnected while waiting for worker")
			s.agg.RecordDropped()
		}
	}
}

// parseDetectionForm extracts the image bytes and optional
// min_confidence override from the multipart body.
func parseDetectionForm(r *http.Request) ([]byte, string, *float32, error) {
	if err := r.ParseMultipartForm(multipartMem); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, "", nil, api.Wrap(api.KindPayloadTooLarge, "request body too large", err)
		}
		return nil, "", nil, api.Wrap(api.KindMalformedImage, "invalid multipart form", err)
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		return nil, "", nil, api.Wrap(api.KindMalformedImage, "missing image form field", err)
	}
	defer file.Close()

	imageBytes, err := io.ReadAll(file)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, "", nil, api.Wrap(api.KindPayloadTooLarge, "request body too large", err)
		}
		return nil, "", nil, api.Wrap(api.KindMalformedImage, "failed to read image field", err)
	}
	if !imagecodec.IsJPEG(imageBytes) {
		if len(imageBytes) == 0 {
			return nil, "", nil, api.New(api.KindMalformedImage, "empty image body")
		}
		return nil, "", nil, api.New(api.KindUnsupportedFormat, "image is not a JPEG")
	}

	imageName := "image.jpg"
	if header.Filename != "" {
		imageName = header.Filename
	}

	var minConfidence *float32
	if raw := r.FormValue("min_confidence"); raw != "" {
		v, err := strconv.ParseFloat(raw, 32)
		if err != nil || v < 0 || v > 1 {
			return nil, "", nil, api.New(api.KindMalformedImage, fmt.Sprintf("min_confidence %q outside [0,1]", raw))
		}
		f := float32(v)
		minConfidence = &f
	}

	return imageBytes, imageName, minConfidence, nil
}

func (s *Server) writeError(w http.ResponseWriter, requestID string, err error) {
	e := api.AsError(err)
	writeJSON(w, e.Kind.HTTPStatus(), api.DetectionResponse{
		Success:     false,
		Message:     e.Error(),
		Predictions: []api.Prediction{},
		Code:        e.Kind.Code(),
		Command:     "detect",
		ModuleID:    worker.ModuleID,
		ModuleName:  worker.ModuleName,
		RequestID:   requestID,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.agg.Snapshot(s.version))
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg)
}

// handlePostConfig persists an updated configuration and signals a
// clean shutdown so a supervisor can respawn with it. Nothing is
// mutated live: the engine, class table and queue keep their startup
// state until the process restarts.
func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	if s.persistConfig == nil {
		http.Error(w, "config updates are disabled", http.StatusForbidden)
		return
	}

	updated := s.cfg
	if err := json.NewDecoder(io.LimitReader(r.Body, megabyte)).Decode(&updated); err != nil {
		http.Error(w, fmt.Sprintf("invalid config body: %v", err), http.StatusBadRequest)
		return
	}
	if err := updated.Validate(); err != nil {
		http.Error(w, fmt.Sprintf("invalid config: %v", err), http.StatusBadRequest)
		return
	}
	if err := s.persistConfig(updated); err != nil {
		s.log.Error().Err(err).Msg("failed to persist updated config")
		http.Error(w, "failed to persist config", http.StatusInternalServerError)
		return
	}

	restart := r.URL.Query().Get("restart") != "false"
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"message":    "configuration saved",
		"restarting": restart,
	})
	if restart && s.requestRestart != nil {
		s.log.Info().Msg("configuration updated, requesting restart")
		s.requestRestart()
	}
}

func (s *Server) handleUpdateAvailable(w http.ResponseWriter, _ *http.Request) {
	// Update checks default to off in this port: report the running
	// version without phoning home so compatible clients don't 404.
	writeJSON(w, http.StatusOK, api.UpdateAvailableResponse{
		Success:         true,
		Current:         s.version,
		Latest:          s.version,
		UpdateAvailable: false,
	})
}

func (s *Server) handleCustomList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, api.CustomListResponse{
		Success:    true,
		Models:     []string{},
		ModuleID:   worker.ModuleID,
		ModuleName: worker.ModuleName,
		Command:    "list",
	})
}

func (s *Server) servePage(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		data, err := staticFS.ReadFile(path)
		if err != nil {
			http.Error(w, "page not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(data)
	}
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.log.Warn().Str("method", r.Method).Str("path", r.URL.Path).Msg("unimplemented endpoint called")
	http.Error(w, "endpoint not implemented", http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
