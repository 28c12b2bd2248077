// SPDX-License-Identifier: MIT
/*
Package server is the public HTTP boundary. POST /audio takes raw WAV or
Ogg Vorbis bytes, runs them through the reconstructor and answers with a
16-bit mono WAV attachment.

Error mapping:

	malformed or unsupported audio    400
	request body too large            413
	audio shorter than one window     422
	transform service unavailable     502
	anything else                     500

Errors are JSON objects of the form {"error": "..."}; no partial audio is
ever returned.
*/
package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"denoiser/internal/audio"
	"denoiser/internal/config"
	applog "denoiser/internal/log"
	"denoiser/internal/metrics"
	"denoiser/internal/pcm"
	"denoiser/internal/reconstruct"
	"denoiser/internal/serving"
	"denoiser/pkg/build"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

//go:embed static/index.html
var indexHTML []byte

// Server serves the denoising endpoint.
type Server struct {
	cfg        config.ServerConfig
	sampleRate int
	rec        *reconstruct.Reconstructor
	startTime  time.Time
	http       *http.Server
	log        zerolog.Logger
}

// New returns a Server that resamples request audio to sampleRate before
// handing it to rec.
func New(cfg config.ServerConfig, sampleRate int, rec *reconstruct.Reconstructor) *Server {
	s := &Server{
		cfg:        cfg,
		sampleRate: sampleRate,
		rec:        rec,
		startTime:  time.Now(),
		log:        applog.Logger().With().Str("component", "http").Logger(),
	}
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(AccessLog(s.log))
	r.Use(middleware.Recoverer)
	r.Use(CORSWithOrigins(s.cfg.CORSOrigins))
	r.Use(metrics.InstrumentHandler)
	r.Use(RateLimit("day", s.cfg.RequestsPerDay, 24*time.Hour))
	r.Use(RateLimit("hour", s.cfg.RequestsPerHour, time.Hour))

	r.Get("/", s.handleIndex)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.With(RateLimit("minute", s.cfg.RequestsPerMinute, time.Minute)).Post("/audio", s.handleAudio)

	return r
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        build.GetBuildFlags().Version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"window_size":    s.rec.WindowSize(),
		"sample_rate":    s.sampleRate,
	})
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	clip, err := audio.Decode(data, s.sampleRate)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	samples, err := s.rec.Reconstruct(r.Context(), clip.Samples)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	out, err := audio.WAVBytes(audio.Clip{Samples: samples, SampleRate: s.sampleRate})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", "attachment; filename=output.wav")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// StatusFor maps a pipeline error onto an HTTP status.
func StatusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, audio.ErrMalformed), errors.Is(err, audio.ErrUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, pcm.ErrShapeMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, serving.ErrTransformUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	ev := s.log.Warn()
	if status >= http.StatusInternalServerError {
		ev = s.log.Error()
	}
	ev.Err(err).Str("request_id", middleware.GetReqID(r.Context())).Int("status", status).Msg("audio request failed")
	writeError(w, status, err.Error())
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
