package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/oslsr/kestrel/internal/bus"
	"github.com/oslsr/kestrel/internal/decision"
	"github.com/oslsr/kestrel/internal/domain"
	"github.com/oslsr/kestrel/internal/history"
	"github.com/oslsr/kestrel/internal/pipeline"
	"github.com/oslsr/kestrel/internal/repository"
	"github.com/oslsr/kestrel/internal/thresholds"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	thresholds *thresholds.Provider
	pipeline   *pipeline.Pipeline
	validator  *Validator
	version    string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, validator *Validator, version string) *Handler {
	return &Handler{
		repo:       deps.Repo,
		cache:      deps.Cache,
		bus:        deps.Bus,
		thresholds: deps.Thresholds,
		pipeline:   deps.Pipeline,
		validator:  validator,
		version:    version,
	}
}

// Health returns service health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func(context.Context) error) {
		if err := ping(r.Context()); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}
	if h.repo != nil {
		check("repository", h.repo.Ping)
	}
	if h.cache != nil {
		check("cache", h.cache.Ping)
	}
	if h.bus != nil {
		check("eventBus", h.bus.Ping)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready reports whether the active threshold configuration can be served.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.thresholds == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false"})
		return
	}
	snap, err := h.thresholds.Snapshot(r.Context())
	if err != nil {
		slog.Warn("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":         "true",
		"configVersion": snap.Version,
		"activeRules":   len(snap.Rules),
	})
}

// ============================================================================
// FORMS
// ============================================================================

// FormRequest is the request body for POST /forms.
type FormRequest struct {
	ID         string         `json:"id,omitempty"`
	Title      string         `json:"title"`
	Version    string         `json:"version,omitempty"`
	FormSchema map[string]any `json:"formSchema"`
}

// CreateForm stores a questionnaire form.
func (h *Handler) CreateForm(w http.ResponseWriter, r *http.Request) {
	var req FormRequest
	if err := h.validator.Decode(r, SchemaForm, &req); err != nil {
		writeError(w, err)
		return
	}

	form := &domain.Form{
		ID:        req.ID,
		Title:     req.Title,
		Version:   req.Version,
		Schema:    req.FormSchema,
		CreatedAt: time.Now().UTC(),
	}
	if form.ID == "" {
		form.ID = uuid.New().String()
	}
	if form.Version == "" {
		form.Version = "1"
	}

	if err := h.repo.SaveForm(r.Context(), form); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("form saved", "form_id", form.ID, "version", form.Version)
	writeJSON(w, http.StatusCreated, form)
}

// GetForm retrieves a form by ID.
func (h *Handler) GetForm(w http.ResponseWriter, r *http.Request) {
	form, err := h.repo.GetForm(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, form)
}

// ============================================================================
// SUBMISSIONS
// ============================================================================

// SubmissionRequest is the request body for POST /submissions.
type SubmissionRequest struct {
	ID                    string         `json:"id,omitempty"`
	EnumeratorID          string         `json:"enumeratorId"`
	QuestionnaireFormID   string         `json:"questionnaireFormId"`
	SubmittedAt           time.Time      `json:"submittedAt"`
	GPSLatitude           *float64       `json:"gpsLatitude,omitempty"`
	GPSLongitude          *float64       `json:"gpsLongitude,omitempty"`
	CompletionTimeSeconds *float64       `json:"completionTimeSeconds,omitempty"`
	RawData               map[string]any `json:"rawData,omitempty"`
}

// SubmissionResponse is returned by POST /submissions in queued mode.
type SubmissionResponse struct {
	SubmissionID string `json:"submissionId"`
	Status       string `json:"status"`
}

// CreateSubmission stores a submission and queues it for evaluation, or with
// ?mode=sync evaluates it inline.
func (h *Handler) CreateSubmission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SubmissionRequest
	if err := h.validator.Decode(r, SchemaSubmission, &req); err != nil {
		writeError(w, err)
		return
	}

	sub := &domain.Submission{
		ID:                    req.ID,
		EnumeratorID:          req.EnumeratorID,
		QuestionnaireFormID:   req.QuestionnaireFormID,
		SubmittedAt:           req.SubmittedAt.UTC(),
		GPSLatitude:           req.GPSLatitude,
		GPSLongitude:          req.GPSLongitude,
		CompletionTimeSeconds: req.CompletionTimeSeconds,
		RawData:               req.RawData,
		CreatedAt:             time.Now().UTC(),
	}
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}

	if err := h.repo.SaveSubmission(ctx, sub); err != nil {
		writeError(w, err)
		return
	}

	if r.URL.Query().Get("mode") == "sync" {
		h.run(w, r, sub.ID, http.StatusCreated)
		return
	}

	if h.bus == nil {
		writeJSON(w, http.StatusCreated, SubmissionResponse{SubmissionID: sub.ID, Status: "stored"})
		return
	}
	if err := bus.PublishJSON(ctx, h.bus, domain.TopicSubmissionIngested, domain.SubmissionEvent{SubmissionID: sub.ID}); err != nil {
		slog.Error("failed to queue submission", "submission_id", sub.ID, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmissionResponse{SubmissionID: sub.ID, Status: "queued"})
}

// GetSubmission retrieves a submission by ID.
func (h *Handler) GetSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := h.repo.GetSubmission(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// EvaluateSubmission evaluates a stored submission and persists the detection.
func (h *Handler) EvaluateSubmission(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, chi.URLParam(r, "id"), http.StatusOK)
}

// EvaluationResponse wraps a pipeline result with the detection's reasons.
type EvaluationResponse struct {
	*pipeline.Result
	Reasons []string `json:"reasons,omitempty"`
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request, submissionID string, status int) {
	res, err := h.pipeline.Run(r.Context(), submissionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if traceID := GetTraceID(r.Context()); traceID != "" {
		res.Evaluation.Metadata.TraceID = traceID
	}
	writeJSON(w, status, EvaluationResponse{Result: res, Reasons: decision.Reasons(res.Evaluation)})
}

// ============================================================================
// DETECTIONS
// ============================================================================

// ListDetections returns a filtered, paginated page of detections.
func (h *Handler) ListDetections(w http.ResponseWriter, r *http.Request) {
	filter, err := parseDetectionFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}

	data, total, err := h.repo.ListDetections(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if data == nil {
		data = []*domain.FraudDetection{}
	}

	filter.Normalize()
	writeJSON(w, http.StatusOK, domain.DetectionPage{
		Data:     data,
		Total:    total,
		Page:     filter.Page,
		PageSize: filter.PageSize,
	})
}

func parseDetectionFilter(r *http.Request) (domain.DetectionFilter, error) {
	q := r.URL.Query()
	filter := domain.DetectionFilter{
		Severity:     domain.Severity(q.Get("severity")),
		Resolution:   domain.Resolution(q.Get("resolution")),
		EnumeratorID: q.Get("enumeratorId"),
	}

	if filter.Severity != "" && !filter.Severity.Valid() {
		return filter, badRequest("invalid severity %q", filter.Severity)
	}
	if filter.Resolution != "" && filter.Resolution != domain.ResolutionUnreviewed && !filter.Resolution.Valid() {
		return filter, badRequest("invalid resolution %q", filter.Resolution)
	}

	var err error
	if filter.Page, err = intParam(q.Get("page"), 1); err != nil || filter.Page < 1 {
		return filter, badRequest("page must be a positive integer")
	}
	if filter.PageSize, err = intParam(q.Get("pageSize"), domain.DefaultPageSize); err != nil ||
		filter.PageSize < 1 || filter.PageSize > domain.MaxPageSize {
		return filter, badRequest("pageSize must be between 1 and %d", domain.MaxPageSize)
	}

	if filter.DateFrom, err = timeParam(q.Get("dateFrom"), false); err != nil {
		return filter, badRequest("invalid dateFrom: %v", err)
	}
	if filter.DateTo, err = timeParam(q.Get("dateTo"), true); err != nil {
		return filter, badRequest("invalid dateTo: %v", err)
	}
	return filter, nil
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// timeParam accepts RFC 3339 or a bare date. A bare upper bound covers the
// whole day.
func timeParam(v string, endOfDay bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

// GetDetection retrieves a detection by ID.
func (h *Handler) GetDetection(w http.ResponseWriter, r *http.Request) {
	det, err := h.repo.GetDetection(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, det)
}

// ReviewRequest is the request body for PATCH /detections/{id}/review.
type ReviewRequest struct {
	Resolution domain.Resolution `json:"resolution"`
	Notes      *string           `json:"notes,omitempty"`
}

// ReviewDetection records a supervisor's resolution.
func (h *Handler) ReviewDetection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	detectionID := chi.URLParam(r, "id")

	var req ReviewRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	det, err := h.repo.ReviewDetection(ctx, detectionID, domain.DetectionReview{
		ReviewedBy:      GetActorID(ctx),
		ReviewedAt:      time.Now().UTC(),
		Resolution:      req.Resolution,
		ResolutionNotes: req.Notes,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("detection reviewed",
		"detection_id", detectionID,
		"resolution", req.Resolution,
		"actor_id", GetActorID(ctx),
	)
	writeJSON(w, http.StatusOK, det)
}

// ============================================================================
// THRESHOLDS
// ============================================================================

// ThresholdsResponse is returned by GET /thresholds.
type ThresholdsResponse struct {
	Version    int                                            `json:"version"`
	Rules      []domain.ThresholdRule                         `json:"rules,omitempty"`
	Categories map[domain.RuleCategory][]domain.ThresholdRule `json:"categories,omitempty"`
}

// ListThresholds returns the active rules, grouped by category with ?grouped=true.
func (h *Handler) ListThresholds(w http.ResponseWriter, r *http.Request) {
	snap, err := h.thresholds.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	resp := ThresholdsResponse{Version: snap.Version}
	if r.URL.Query().Get("grouped") == "true" {
		resp.Categories = make(map[domain.RuleCategory][]domain.ThresholdRule)
		for _, rule := range snap.Rules {
			resp.Categories[rule.RuleCategory] = append(resp.Categories[rule.RuleCategory], rule)
		}
	} else {
		resp.Rules = snap.Rules
	}
	writeJSON(w, http.StatusOK, resp)
}

// ThresholdHistory returns every version of one rule, newest first.
func (h *Handler) ThresholdHistory(w http.ResponseWriter, r *http.Request) {
	rules, err := h.thresholds.History(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ruleKey":  chi.URLParam(r, "key"),
		"versions": rules,
	})
}

// UpdateThreshold creates the next version of a rule.
func (h *Handler) UpdateThreshold(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var upd domain.ThresholdUpdate
	if err := h.validator.Decode(r, SchemaThresholdUpdate, &upd); err != nil {
		writeError(w, err)
		return
	}

	rule, err := h.thresholds.Update(ctx, chi.URLParam(r, "key"), upd, GetActorID(ctx))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// InvalidateThresholds drops the cached threshold snapshot.
func (h *Handler) InvalidateThresholds(w http.ResponseWriter, r *http.Request) {
	if err := h.thresholds.Invalidate(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("threshold cache invalidated", "actor_id", r.Header.Get(ActorIDHeader))
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "threshold cache invalidated",
	})
}

// ============================================================================
// RESPONSES
// ============================================================================

// statusFor maps pipeline and store errors onto HTTP status codes.
func statusFor(err error) int {
	var reqErr *RequestError
	switch {
	case errors.As(err, &reqErr), errors.Is(err, repository.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, history.ErrSubmissionNotFound):
		return http.StatusNotFound
	case errors.Is(err, decision.ErrInconsistentSeverityBounds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, repository.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
