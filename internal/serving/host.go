package serving

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"denoiser/internal/config"
	applog "denoiser/internal/log"
	"denoiser/internal/metrics"
	"denoiser/internal/model"
	"denoiser/internal/storage"
	"denoiser/internal/training"
	"denoiser/pkg/build"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

// maxPredictBody bounds a predict request. A 320-wide row of JSON floats is
// a few kilobytes, so this admits batches of several thousand rows.
const maxPredictBody = 64 << 20

// ErrNoManifest reports a checkpoint store no training run has published to.
var ErrNoManifest = errors.New("serving: no training manifest in checkpoint store")

// ErrStaleCheckpoint reports a fold checkpoint that no longer matches the
// manifest, typically because a newer run is still writing its folds.
var ErrStaleCheckpoint = errors.New("serving: checkpoint does not match manifest")

// CheckpointReader is the subset of storage.CheckpointStore the host reads.
type CheckpointReader interface {
	Exists(ctx context.Context, key string) bool
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// LoadEnsemble builds the ensemble the last completed training run
// published. Only folds the manifest lists are loaded, each is checked
// against its recorded checksum, and the manifest weights are used, so the
// served ensemble is the one the trainer scored.
func LoadEnsemble(ctx context.Context, store CheckpointReader, factory model.Factory) (*model.Ensemble, error) {
	manifest, err := readManifest(ctx, store)
	if err != nil {
		return nil, err
	}
	folds := manifest.Ensemble()
	if len(folds) == 0 {
		return nil, fmt.Errorf("serving: manifest lists no folds: %w", model.ErrEmptyEnsemble)
	}

	members := make([]model.Member, 0, len(folds))
	for _, f := range folds {
		t, err := factory(f.Fold - 1)
		if err != nil {
			return nil, fmt.Errorf("serving: build fold %d: %w", f.Fold, err)
		}
		if err := loadCheckpoint(ctx, store, f, t); err != nil {
			return nil, err
		}
		members = append(members, model.Member{Predictor: t, Weight: f.Weight})
	}
	return model.NewEnsemble(members...)
}

func readManifest(ctx context.Context, store CheckpointReader) (*training.Report, error) {
	if !store.Exists(ctx, storage.ManifestKey) {
		return nil, ErrNoManifest
	}
	data, err := readAll(ctx, store, storage.ManifestKey)
	if err != nil {
		return nil, err
	}
	return training.ParseReport(data)
}

func loadCheckpoint(ctx context.Context, store CheckpointReader, f training.FoldReport, t model.Transform) error {
	data, err := readAll(ctx, store, f.Checkpoint)
	if err != nil {
		return err
	}
	if sum := storage.Checksum(data); sum != f.SHA256 {
		return fmt.Errorf("%w: %s has sha256 %.12s, manifest %.12s", ErrStaleCheckpoint, f.Checkpoint, sum, f.SHA256)
	}
	if err := t.Load(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("serving: load %s: %w", f.Checkpoint, err)
	}
	return nil
}

func readAll(ctx context.Context, store CheckpointReader, key string) ([]byte, error) {
	rc, err := store.Open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("serving: open %s: %w", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("serving: read %s: %w", key, err)
	}
	return data, nil
}

// Loader produces a fresh ensemble, typically by calling LoadEnsemble.
type Loader func(ctx context.Context) (*model.Ensemble, error)

// Host serves the fold ensemble behind the predict contract. The ensemble
// is swapped atomically on Reload; in-flight requests finish on the
// ensemble they started with.
type Host struct {
	cfg       config.HostConfig
	modelName string
	width     int
	load      Loader
	ensemble  atomic.Pointer[model.Ensemble]
	http      *http.Server
	log       zerolog.Logger
}

// NewHost loads the initial ensemble and builds the router. width is the
// row width every instance must have.
func NewHost(ctx context.Context, cfg config.HostConfig, modelName string, width int, load Loader) (*Host, error) {
	h := &Host{
		cfg:       cfg,
		modelName: modelName,
		width:     width,
		load:      load,
		log:       applog.Logger().With().Str("component", "transform-host").Logger(),
	}
	if err := h.Reload(ctx); err != nil {
		return nil, err
	}
	h.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return h, nil
}

// Reload replaces the live ensemble. On failure the previous one stays.
func (h *Host) Reload(ctx context.Context) error {
	e, err := h.load(ctx)
	if err != nil {
		metrics.EnsembleReloadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("serving: load ensemble: %w", err)
	}
	h.ensemble.Store(e)
	metrics.EnsembleReloadsTotal.WithLabelValues("ok").Inc()
	metrics.EnsembleMembers.Set(float64(e.Size()))
	h.log.Info().Int("members", e.Size()).Msg("ensemble loaded")
	return nil
}

// Ensemble returns the live ensemble.
func (h *Host) Ensemble() *model.Ensemble {
	return h.ensemble.Load()
}

// Handler returns the host's routes.
func (h *Host) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.InstrumentHandler)

	r.Post(PredictPath(h.modelName), h.handlePredict)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"version": build.GetBuildFlags().Version,
			"members": h.Ensemble().Size(),
		})
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (h *Host) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req PredictRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPredictBody))
	if err := dec.Decode(&req); err != nil {
		metrics.HostPredictionsTotal.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	x, err := h.instances(req.Instances)
	if err != nil {
		metrics.HostPredictionsTotal.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pred, err := h.Ensemble().Predict(r.Context(), x)
	if err != nil {
		metrics.HostPredictionsTotal.WithLabelValues("error").Inc()
		h.log.Error().Err(err).Msg("predict failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	rows, _ := pred.Dims()
	resp := PredictResponse{Predictions: make([][]float64, rows)}
	for i := range rows {
		resp.Predictions[i] = pred.RawRowView(i)
	}
	metrics.HostPredictionsTotal.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, resp)
}

func (h *Host) instances(in [][]float64) (*mat.Dense, error) {
	if len(in) == 0 {
		return nil, errors.New("no instances")
	}
	data := make([]float64, 0, len(in)*h.width)
	for i, row := range in {
		if len(row) != h.width {
			return nil, fmt.Errorf("instance %d has %d values, want %d", i, len(row), h.width)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(in), h.width, data), nil
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (h *Host) Start() error {
	h.log.Info().Str("addr", h.http.Addr).Str("model", h.modelName).Msg("transform host starting")
	if err := h.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (h *Host) Shutdown(ctx context.Context) error {
	h.log.Info().Msg("transform host shutting down")
	return h.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
