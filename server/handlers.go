package server

import (
	"encoding/json"
	"io"
	"math"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/YuminosukeSato/scitrack/pkg/errors"
	"github.com/YuminosukeSato/scitrack/pkg/log"
	"github.com/YuminosukeSato/scitrack/registry"
	"github.com/YuminosukeSato/scitrack/serving"
	"github.com/YuminosukeSato/scitrack/tracking"
)

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type predictRequest struct {
	Features *serving.RawFeatures `json:"features"`
}

type reloadResponse struct {
	Source  serving.Source `json:"source"`
	RunID   string         `json:"run_id"`
	Version int            `json:"version,omitempty"`
}

// runView is the wire form of a run. NaN metrics are dropped because JSON
// cannot carry them.
type runView struct {
	ID          string             `json:"id"`
	Experiment  string             `json:"experiment"`
	Name        string             `json:"name"`
	Params      map[string]any     `json:"params"`
	Metrics     map[string]float64 `json:"metrics"`
	Tags        map[string]string  `json:"tags,omitempty"`
	ArtifactRef string             `json:"artifact_ref"`
	Attachments []string           `json:"attachments,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	EndedAt     time.Time          `json:"ended_at"`
}

type runsResponse struct {
	Experiment string    `json:"experiment"`
	OrderBy    string    `json:"order_by"`
	Runs       []runView `json:"runs"`
	Total      int       `json:"total"`
}

type versionsResponse struct {
	ModelName string             `json:"model_name"`
	Versions  []registry.Version `json:"versions"`
}

func newRunView(r tracking.Run) runView {
	metrics := make(map[string]float64, len(r.Metrics))
	for k, v := range r.Metrics {
		if !math.IsNaN(v) {
			metrics[k] = v
		}
	}
	return runView{
		ID:          r.ID,
		Experiment:  r.ExperimentName,
		Name:        r.DisplayName,
		Params:      r.Params,
		Metrics:     metrics,
		Tags:        r.Tags,
		ArtifactRef: r.ArtifactRef,
		Attachments: r.Attachments,
		StartedAt:   r.StartedAt,
		EndedAt:     r.EndedAt,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, healthResponse{Status: "healthy", ModelLoaded: s.svc.Loaded()})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.Info()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	raw, err := decodeFeatures(w, r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	result, err := s.svc.Predict(r.Context(), raw)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// decodeFeatures reads either a JSON body or a form field named features.
func decodeFeatures(w http.ResponseWriter, r *http.Request) (serving.RawFeatures, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return serving.RawFeatures{}, errors.NewInvalidInputError("body", "malformed form", err.Error())
		}
		if _, ok := r.Form["features"]; !ok {
			return serving.RawFeatures{}, errors.NewInvalidInputError("features", "missing form field", nil)
		}
		return serving.FeatureText(r.FormValue("features")), nil
	}

	var req predictRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return serving.RawFeatures{}, err
		}
		if errors.Is(err, io.EOF) {
			return serving.RawFeatures{}, errors.NewInvalidInputError("body", "empty request body", nil)
		}
		if errors.IsInvalidInput(err) {
			return serving.RawFeatures{}, err
		}
		return serving.RawFeatures{}, errors.NewInvalidInputError("body", "malformed JSON", err.Error())
	}
	if req.Features == nil {
		return serving.RawFeatures{}, errors.NewInvalidInputError("features", "missing", nil)
	}
	return *req.Features, nil
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Handle().Reload(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, reloadResponse{Source: res.Source, RunID: res.RunID, Version: res.Version})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	target := s.svc.Handle().Target()
	q := tracking.SearchQuery{
		Experiment: r.URL.Query().Get("experiment"),
		OrderBy:    r.URL.Query().Get("order_by"),
		Ascending:  r.URL.Query().Get("ascending") == "true",
	}
	if q.Experiment == "" {
		q.Experiment = target.Experiment
	}
	if q.OrderBy == "" {
		q.OrderBy = target.FallbackMetric
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(w, r, errors.NewInvalidInputError("limit", "must be a non-negative integer", v))
			return
		}
		q.Limit = n
	}

	runs, err := tracking.Search(r.Context(), s.store, q)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	views := make([]runView, 0, len(runs))
	for _, run := range runs {
		views = append(views, newRunView(run))
	}
	respondJSON(w, http.StatusOK, runsResponse{Experiment: q.Experiment, OrderBy: q.OrderBy, Runs: views, Total: len(views)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.Get(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newRunView(run))
}

func (s *Server) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	data, err := s.store.LoadAttachment(r.Context(), chi.URLParam(r, "runID"), chi.URLParam(r, "name"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		respondJSON(w, http.StatusNotFound, errorResponse{Error: "registry not configured"})
		return
	}
	name := chi.URLParam(r, "name")
	versions, err := s.registry.List(r.Context(), name)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, versionsResponse{ModelName: name, Versions: versions})
}

// statusFor maps the error taxonomy onto HTTP status codes.
// ModelUnavailableError は NotFoundError を包むことがあるので先に判定する。
func statusFor(err error) int {
	switch {
	case errors.IsModelUnavailable(err):
		return http.StatusServiceUnavailable
	case errors.IsInvalidInput(err):
		return http.StatusBadRequest
	case errors.IsNotFound(err):
		return http.StatusNotFound
	default:
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusInternalServerError
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", log.ErrAttrKey, err, "path", r.URL.Path, "status", status)
	} else {
		s.logger.Info("request rejected", "path", r.URL.Path, "status", status, "reason", err.Error())
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	respondJSON(w, status, errorResponse{Error: msg})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
