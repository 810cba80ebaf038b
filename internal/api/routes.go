// Package api provides HTTP handlers for the libsize server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/libsize/server/internal/cache"
	"github.com/libsize/server/internal/service"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	JobManager  *JobManager
	// Cache holds JSON responses; nil disables response caching.
	Cache *cache.Manager
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  zerolog.Logger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()
	h := &handlers{registry: cfg.Registry, jobs: cfg.JobManager, cache: cfg.Cache}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(cfg.Logger.With().Str("component", "api").Logger()))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	// Global datasets endpoint (not dataset-scoped)
	r.Get("/api/datasets", h.datasets)

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Get("/maps/{sample}/{layer}.png", h.sampleMap)

		r.Route("/api", func(r chi.Router) {
			r.Get("/status", h.status)
			r.Get("/samples", h.samples)
			r.Get("/samples/{sample}", h.sample)
			r.Get("/samples/{sample}/bins", h.sampleBins)
			r.Get("/samples/{sample}/model", h.sampleModel)
			r.Get("/samples/{sample}/residuals", h.sampleResiduals)
			r.Get("/samples/{sample}/effects", h.sampleEffects)
			r.Get("/samples/{sample}/anova", h.sampleANOVA)
			r.Get("/effects", h.effects)
			r.Get("/failures", h.failures)
			r.Get("/runs", h.runs)
			r.Post("/runs", h.submitRun)
			r.Delete("/runs/{run_id}", h.deleteRun)
			r.Get("/jobs/{job_id}", h.jobStatus)
			r.Delete("/jobs/{job_id}", h.jobCancel)
		})
	})

	return r
}

// requestLogger logs one line per request with zerolog.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			ev := logger.Debug()
			if ww.Status() >= http.StatusInternalServerError {
				ev = logger.Error()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}

// Context key for dataset service
type ctxKey string

const datasetServiceKey ctxKey = "datasetService"

// datasetMiddleware resolves the dataset from URL and injects its service into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			svc := registry.Get(datasetID)
			if svc == nil {
				writeError(w, http.StatusNotFound, "dataset not found: "+datasetID)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetService(r *http.Request) *service.AnalysisService {
	if svc, ok := r.Context().Value(datasetServiceKey).(*service.AnalysisService); ok {
		return svc
	}
	return nil
}

type handlers struct {
	registry *DatasetRegistry
	jobs     *JobManager
	cache    *cache.Manager
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrUnknownSample), errors.Is(err, service.ErrNoModel),
		errors.Is(err, service.ErrUnknownRun):
		return http.StatusNotFound
	case errors.Is(err, service.ErrUnknownLayer):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// serveCached encodes the result of fn once per analysis generation and path.
func (h *handlers) serveCached(w http.ResponseWriter, r *http.Request, fn func(svc *service.AnalysisService) (interface{}, error)) {
	svc := getDatasetService(r)
	key := cache.QueryKey(fmt.Sprintf("%s@%d", svc.DatasetID(), svc.Generation()), r.URL.Path)
	if h.cache != nil {
		if data, ok := h.cache.GetQuery(key); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write(data)
			return
		}
	}

	v, err := fn(svc)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if h.cache != nil {
		h.cache.SetQuery(key, data)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// datasets returns the list of available datasets.
func (h *handlers) datasets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"default":  h.registry.DefaultDatasetID(),
		"datasets": h.registry.Datasets(),
		"title":    h.registry.Title(),
	})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, getDatasetService(r).Status())
}

func (h *handlers) samples(w http.ResponseWriter, r *http.Request) {
	h.serveCached(w, r, func(svc *service.AnalysisService) (interface{}, error) {
		return svc.Samples()
	})
}

func (h *handlers) sample(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sample")
	h.serveCached(w, r, func(svc *service.AnalysisService) (interface{}, error) {
		return svc.Sample(id)
	})
}

func (h *handlers) sampleBins(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sample")
	h.serveCached(w, r, func(svc *service.AnalysisService) (interface{}, error) {
		return svc.Bins(id)
	})
}

func (h *handlers) sampleModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sample")
	h.serveCached(w, r, func(svc *service.AnalysisService) (interface{}, error) {
		return svc.Model(id)
	})
}

func (h *handlers) sampleResiduals(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sample")
	h.serveCached(w, r, func(svc *service.AnalysisService) (interface{}, error) {
		return svc.Residuals(id)
	})
}

func (h *handlers) sampleEffects(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sample")
	h.serveCached(w, r, func(svc *service.AnalysisService) (interface{}, error) {
		return svc.Effects(id)
	})
}

func (h *handlers) sampleANOVA(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sample")
	h.serveCached(w, r, func(svc *service.AnalysisService) (interface{}, error) {
		return svc.ANOVA(id)
	})
}

func (h *handlers) effects(w http.ResponseWriter, r *http.Request) {
	h.serveCached(w, r, func(svc *service.AnalysisService) (interface{}, error) {
		return svc.BatchEffects()
	})
}

func (h *handlers) failures(w http.ResponseWriter, r *http.Request) {
	h.serveCached(w, r, func(svc *service.AnalysisService) (interface{}, error) {
		return svc.Failures()
	})
}

func (h *handlers) runs(w http.ResponseWriter, r *http.Request) {
	runs, err := getDatasetService(r).Runs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *handlers) deleteRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "run_id")
	if err := getDatasetService(r).DeleteRun(id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": id, "status": "deleted"})
}

func (h *handlers) sampleMap(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	sample := chi.URLParam(r, "sample")
	layer := chi.URLParam(r, "layer")

	data, err := svc.Map(sample, layer, r.URL.Query().Get("colormap"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(data)
}

const maxRunBody = 1 << 16

func (h *handlers) submitRun(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "analysis jobs are disabled")
		return
	}
	var overrides *service.Overrides
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRunBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body) > 0 {
		overrides = &service.Overrides{}
		if err := json.Unmarshal(body, overrides); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
		if overrides.Resolution < 0 {
			writeError(w, http.StatusBadRequest, "resolution must be positive")
			return
		}
		switch overrides.Test {
		case "", "LR", "F":
		default:
			writeError(w, http.StatusBadRequest, "anova_test must be LR or F")
			return
		}
	}

	job, err := h.jobs.Submit(getDatasetService(r).DatasetID(), overrides)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *handlers) jobStatus(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	job := h.jobs.Get(chi.URLParam(r, "job_id"))
	if job == nil || job.DatasetID != getDatasetService(r).DatasetID() {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handlers) jobCancel(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	id := chi.URLParam(r, "job_id")
	if job := h.jobs.Get(id); job == nil || job.DatasetID != getDatasetService(r).DatasetID() {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if !h.jobs.Cancel(id) {
		writeError(w, http.StatusConflict, "job already finished")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": "cancelling"})
}
