package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oslsr/kestrel/internal/bus"
	"github.com/oslsr/kestrel/internal/cache"
	"github.com/oslsr/kestrel/internal/decision"
	"github.com/oslsr/kestrel/internal/domain"
	"github.com/oslsr/kestrel/internal/engine"
	"github.com/oslsr/kestrel/internal/history"
	"github.com/oslsr/kestrel/internal/metrics"
	"github.com/oslsr/kestrel/internal/pipeline"
	"github.com/oslsr/kestrel/internal/repository"
	"github.com/oslsr/kestrel/internal/rules"
	"github.com/oslsr/kestrel/internal/thresholds"
)

type testEnv struct {
	server *Server
	repo   *repository.SQLRepository
	bus    *bus.ChannelBus
	cache  *cache.LRUCache
	pipe   *pipeline.Pipeline
}

// newTestEnv wires the full community stack over a temporary SQLite database.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	c := cache.NewLRUCache(100)
	b := bus.NewChannelBus(100)
	t.Cleanup(func() { b.Close() })
	m := metrics.New()

	provider := thresholds.NewProvider(repo,
		thresholds.WithCache(c, time.Minute),
		thresholds.WithBus(b),
		thresholds.WithMetrics(m),
	)
	if _, err := provider.Seed(ctx, thresholds.DefaultRules(), ""); err != nil {
		t.Fatalf("failed to seed thresholds: %v", err)
	}

	policies, err := rules.NewEngine()
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}
	if err := policies.LoadPolicies([]domain.AlertPolicy{domain.DefaultAlertPolicy()}); err != nil {
		t.Fatalf("failed to load policies: %v", err)
	}

	eng := engine.New(provider, history.NewBuilder(repo), engine.WithMetrics(m))
	pipe := pipeline.New(eng, repo, b, policies, nil, m)

	server, err := NewServer(domain.ServerConfig{Host: "localhost", Port: 8080}, Deps{
		Repo:       repo,
		Cache:      c,
		Bus:        b,
		Thresholds: provider,
		Pipeline:   pipe,
		Metrics:    m,
	}, "test-v1")
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	return &testEnv{server: server, repo: repo, bus: b, cache: c, pipe: pipe}
}

func (e *testEnv) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch v := body.(type) {
	case nil:
	case string:
		buf.WriteString(v)
	default:
		json.NewEncoder(&buf).Encode(v)
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rr.Code, rr.Body.String())
	}
}

func expectError(t *testing.T, rr *httptest.ResponseRecorder, want int, contains string) {
	t.Helper()
	expectStatus(t, rr, want)
	resp := decode[map[string]string](t, rr)
	if !strings.Contains(resp["error"], contains) {
		t.Errorf("expected error containing %q, got %q", contains, resp["error"])
	}
}

var householdForm = map[string]any{
	"id":      "form-hh",
	"title":   "Household survey",
	"version": "3",
	"formSchema": map[string]any{
		"sections": []any{
			map[string]any{"id": "s1", "questions": []any{
				map[string]any{"name": "q1", "type": "select_one"},
				map[string]any{"name": "q2", "type": "select_one"},
			}},
		},
	},
}

func submission(id string) map[string]any {
	return map[string]any{
		"id":                    id,
		"enumeratorId":          "enum-001",
		"questionnaireFormId":   "form-hh",
		"submittedAt":           "2026-02-18T11:00:00Z",
		"gpsLatitude":           6.5244,
		"gpsLongitude":          3.3792,
		"completionTimeSeconds": 900,
		"rawData":               map[string]any{"q1": "yes", "q2": "no"},
	}
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(http.MethodGet, "/health", nil)
	expectStatus(t, rr, http.StatusOK)
	health := decode[map[string]any](t, rr)
	if health["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", health["status"])
	}
	if health["version"] != "test-v1" {
		t.Errorf("expected version test-v1, got %v", health["version"])
	}

	rr = env.do(http.MethodGet, "/ready", nil)
	expectStatus(t, rr, http.StatusOK)
	ready := decode[map[string]any](t, rr)
	if ready["activeRules"] != float64(27) {
		t.Errorf("expected 27 active rules, got %v", ready["activeRules"])
	}
}

func TestForms(t *testing.T) {
	env := newTestEnv(t)

	t.Run("Create", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/forms", householdForm)
		expectStatus(t, rr, http.StatusCreated)
	})

	t.Run("Get", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/forms/form-hh", nil)
		expectStatus(t, rr, http.StatusOK)
		form := decode[domain.Form](t, rr)
		if form.Title != "Household survey" || form.Version != "3" {
			t.Errorf("unexpected form: %+v", form)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		expectError(t, env.do(http.MethodGet, "/forms/missing", nil), http.StatusNotFound, "not found")
	})

	t.Run("InvalidSchema", func(t *testing.T) {
		bad := map[string]any{
			"title":      "Broken",
			"formSchema": map[string]any{"sections": "not-a-list"},
		}
		expectError(t, env.do(http.MethodPost, "/forms", bad), http.StatusBadRequest, "invalid request")
	})
}

func TestSubmissions(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodPost, "/forms", householdForm)

	t.Run("Validation", func(t *testing.T) {
		tests := []struct {
			name   string
			mutate func(map[string]any)
		}{
			{"missing enumerator", func(s map[string]any) { delete(s, "enumeratorId") }},
			{"latitude out of range", func(s map[string]any) { s["gpsLatitude"] = 91.0 }},
			{"longitude without latitude", func(s map[string]any) { delete(s, "gpsLatitude") }},
			{"bad timestamp", func(s map[string]any) { s["submittedAt"] = "yesterday" }},
			{"negative completion time", func(s map[string]any) { s["completionTimeSeconds"] = -1 }},
			{"unknown field", func(s map[string]any) { s["amount"] = 100 }},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				body := submission("sub-invalid")
				tt.mutate(body)
				expectError(t, env.do(http.MethodPost, "/submissions", body), http.StatusBadRequest, "invalid request")
			})
		}

		expectError(t, env.do(http.MethodPost, "/submissions", "{not json"), http.StatusBadRequest, "invalid JSON")
	})

	t.Run("Queued", func(t *testing.T) {
		queued := make(chan domain.SubmissionEvent, 1)
		sub, _ := env.bus.Subscribe(context.Background(), domain.TopicSubmissionIngested, func(_ context.Context, msg *domain.Message) error {
			var ev domain.SubmissionEvent
			if err := bus.Decode(msg, &ev); err != nil {
				return err
			}
			queued <- ev
			return nil
		})
		defer sub.Unsubscribe()

		rr := env.do(http.MethodPost, "/submissions", submission("sub-queued"))
		expectStatus(t, rr, http.StatusAccepted)
		resp := decode[SubmissionResponse](t, rr)
		if resp.SubmissionID != "sub-queued" || resp.Status != "queued" {
			t.Errorf("unexpected response: %+v", resp)
		}

		select {
		case ev := <-queued:
			if ev.SubmissionID != "sub-queued" {
				t.Errorf("expected sub-queued, got %s", ev.SubmissionID)
			}
		case <-time.After(time.Second):
			t.Fatal("expected ingested event")
		}

		rr = env.do(http.MethodGet, "/submissions/sub-queued", nil)
		expectStatus(t, rr, http.StatusOK)
		stored := decode[domain.Submission](t, rr)
		if stored.EnumeratorID != "enum-001" || stored.RawData["q1"] != "yes" {
			t.Errorf("unexpected submission: %+v", stored)
		}
	})

	t.Run("GeneratedID", func(t *testing.T) {
		body := submission("")
		delete(body, "id")
		rr := env.do(http.MethodPost, "/submissions", body)
		expectStatus(t, rr, http.StatusAccepted)
		if decode[SubmissionResponse](t, rr).SubmissionID == "" {
			t.Error("expected generated submission id")
		}
	})

	t.Run("Sync", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/submissions?mode=sync", submission("sub-sync"))
		expectStatus(t, rr, http.StatusCreated)

		resp := decode[EvaluationResponse](t, rr)
		if resp.Evaluation == nil || resp.Detection == nil {
			t.Fatalf("expected evaluation and detection, got %s", rr.Body.String())
		}
		if resp.Evaluation.SubmissionID != "sub-sync" {
			t.Errorf("expected sub-sync, got %s", resp.Evaluation.SubmissionID)
		}
		if resp.Evaluation.ConfigVersion != 1 {
			t.Errorf("expected config version 1, got %d", resp.Evaluation.ConfigVersion)
		}
		if !resp.Evaluation.Severity.Valid() {
			t.Errorf("expected a valid severity, got %q", resp.Evaluation.Severity)
		}
		if len(resp.Evaluation.HeuristicResults) != 5 {
			t.Errorf("expected 5 heuristic results, got %d", len(resp.Evaluation.HeuristicResults))
		}
		if resp.Evaluation.Metadata.TraceID == "" {
			t.Error("expected trace id in metadata")
		}

		if _, err := env.repo.GetDetection(context.Background(), resp.Detection.ID); err != nil {
			t.Errorf("expected detection to be persisted: %v", err)
		}
	})

	t.Run("Evaluate", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/submissions/sub-queued/evaluate", nil)
		expectStatus(t, rr, http.StatusOK)
	})

	t.Run("EvaluateUnknown", func(t *testing.T) {
		expectError(t, env.do(http.MethodPost, "/submissions/nope/evaluate", nil), http.StatusNotFound, "submission not found")
	})

	t.Run("GetUnknown", func(t *testing.T) {
		expectError(t, env.do(http.MethodGet, "/submissions/nope", nil), http.StatusNotFound, "not found")
	})
}

func TestDetections(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodPost, "/forms", householdForm)

	var ids []string
	for i := 0; i < 3; i++ {
		rr := env.do(http.MethodPost, "/submissions?mode=sync", submission(fmt.Sprintf("sub-%d", i)))
		expectStatus(t, rr, http.StatusCreated)
		ids = append(ids, decode[EvaluationResponse](t, rr).Detection.ID)
	}

	t.Run("List", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/detections?pageSize=2", nil)
		expectStatus(t, rr, http.StatusOK)
		page := decode[domain.DetectionPage](t, rr)
		if page.Total != 3 || len(page.Data) != 2 || page.Page != 1 || page.PageSize != 2 {
			t.Errorf("unexpected page: total=%d len=%d page=%d size=%d", page.Total, len(page.Data), page.Page, page.PageSize)
		}
	})

	t.Run("InvalidFilters", func(t *testing.T) {
		tests := []struct {
			query    string
			contains string
		}{
			{"severity=extreme", "invalid severity"},
			{"resolution=maybe", "invalid resolution"},
			{"page=0", "page must be"},
			{"pageSize=101", "pageSize must be"},
			{"dateFrom=last-week", "invalid dateFrom"},
		}
		for _, tt := range tests {
			t.Run(tt.query, func(t *testing.T) {
				expectError(t, env.do(http.MethodGet, "/detections?"+tt.query, nil), http.StatusBadRequest, tt.contains)
			})
		}
	})

	t.Run("Get", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/detections/"+ids[0], nil)
		expectStatus(t, rr, http.StatusOK)
		if det := decode[domain.FraudDetection](t, rr); det.SubmissionID != "sub-0" {
			t.Errorf("expected sub-0, got %s", det.SubmissionID)
		}
		expectError(t, env.do(http.MethodGet, "/detections/missing", nil), http.StatusNotFound, "not found")
	})

	t.Run("Review", func(t *testing.T) {
		body := map[string]any{"resolution": "false_positive", "notes": "verified by phone"}

		expectError(t, env.do(http.MethodPatch, "/detections/"+ids[0]+"/review", body), http.StatusBadRequest, "X-Actor-ID")

		rr := env.do(http.MethodPatch, "/detections/"+ids[0]+"/review", body, ActorIDHeader, "supervisor-7")
		expectStatus(t, rr, http.StatusOK)
		det := decode[domain.FraudDetection](t, rr)
		if det.ReviewedBy == nil || *det.ReviewedBy != "supervisor-7" {
			t.Errorf("expected reviewer supervisor-7, got %v", det.ReviewedBy)
		}

		rr = env.do(http.MethodGet, "/detections?resolution=unreviewed", nil)
		expectStatus(t, rr, http.StatusOK)
		if page := decode[domain.DetectionPage](t, rr); page.Total != 2 {
			t.Errorf("expected 2 unreviewed, got %d", page.Total)
		}

		bad := map[string]any{"resolution": "maybe"}
		expectError(t, env.do(http.MethodPatch, "/detections/"+ids[1]+"/review", bad, ActorIDHeader, "supervisor-7"), http.StatusBadRequest, "unknown resolution")
		expectError(t, env.do(http.MethodPatch, "/detections/missing/review", body, ActorIDHeader, "supervisor-7"), http.StatusNotFound, "not found")
	})
}

func TestThresholds(t *testing.T) {
	env := newTestEnv(t)

	t.Run("List", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/thresholds", nil)
		expectStatus(t, rr, http.StatusOK)
		resp := decode[ThresholdsResponse](t, rr)
		if resp.Version != 1 || len(resp.Rules) != 27 {
			t.Errorf("expected version 1 with 27 rules, got %d with %d", resp.Version, len(resp.Rules))
		}
	})

	t.Run("Grouped", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/thresholds?grouped=true", nil)
		expectStatus(t, rr, http.StatusOK)
		resp := decode[ThresholdsResponse](t, rr)
		if len(resp.Categories[domain.CategorySeverity]) != 4 {
			t.Errorf("expected 4 severity rules, got %d", len(resp.Categories[domain.CategorySeverity]))
		}
	})

	t.Run("Update", func(t *testing.T) {
		body := map[string]any{"thresholdValue": 40, "notes": "rural areas"}

		expectError(t, env.do(http.MethodPut, "/thresholds/speed_speeder_pct", body), http.StatusBadRequest, "X-Actor-ID")

		rr := env.do(http.MethodPut, "/thresholds/speed_speeder_pct", body, ActorIDHeader, "admin-1")
		expectStatus(t, rr, http.StatusOK)
		rule := decode[domain.ThresholdRule](t, rr)
		if rule.Version != 2 || rule.ThresholdValue != 40 || rule.CreatedBy != "admin-1" {
			t.Errorf("unexpected rule: %+v", rule)
		}

		rr = env.do(http.MethodGet, "/thresholds", nil)
		if resp := decode[ThresholdsResponse](t, rr); resp.Version != 2 {
			t.Errorf("expected version 2 after update, got %d", resp.Version)
		}
	})

	t.Run("UpdateErrors", func(t *testing.T) {
		expectError(t, env.do(http.MethodPut, "/thresholds/nope", map[string]any{"thresholdValue": 1}, ActorIDHeader, "admin-1"),
			http.StatusNotFound, "not found")
		expectError(t, env.do(http.MethodPut, "/thresholds/severity_low_min", map[string]any{"thresholdValue": 99}, ActorIDHeader, "admin-1"),
			http.StatusUnprocessableEntity, "severity")
		expectError(t, env.do(http.MethodPut, "/thresholds/gps_weight", map[string]any{"weight": 3}, ActorIDHeader, "admin-1"),
			http.StatusBadRequest, "invalid request")
		expectError(t, env.do(http.MethodPut, "/thresholds/gps_weight", map[string]any{"thresholdValue": 3, "severityFloor": "extreme"}, ActorIDHeader, "admin-1"),
			http.StatusBadRequest, "invalid request")
	})

	t.Run("History", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/thresholds/speed_speeder_pct/history", nil)
		expectStatus(t, rr, http.StatusOK)
		resp := decode[struct {
			Versions []domain.ThresholdRule `json:"versions"`
		}](t, rr)
		if len(resp.Versions) != 2 || resp.Versions[0].Version != 2 {
			t.Errorf("expected two versions newest first, got %+v", resp.Versions)
		}
		expectError(t, env.do(http.MethodGet, "/thresholds/nope/history", nil), http.StatusNotFound, "not found")
	})

	t.Run("Invalidate", func(t *testing.T) {
		env.do(http.MethodGet, "/thresholds", nil)
		if v, _ := env.cache.Get(context.Background(), thresholds.CacheKey); v == nil {
			t.Fatal("expected snapshot to be cached")
		}
		expectStatus(t, env.do(http.MethodPost, "/thresholds/invalidate", nil), http.StatusOK)
		if v, _ := env.cache.Get(context.Background(), thresholds.CacheKey); v != nil {
			t.Error("expected snapshot cache to be dropped")
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodPost, "/forms", householdForm)
	expectStatus(t, env.do(http.MethodPost, "/submissions?mode=sync", submission("sub-m")), http.StatusCreated)

	rr := env.do(http.MethodGet, "/metrics", nil)
	expectStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), "kestrel_engine_evaluations_total") {
		t.Errorf("expected evaluation counter in metrics output")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{badRequest("bad"), http.StatusBadRequest},
		{fmt.Errorf("x: %w", repository.ErrInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("x: %w", repository.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("build context: %w", history.ErrSubmissionNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", decision.ErrInconsistentSeverityBounds), http.StatusUnprocessableEntity},
		{repository.ErrConflict, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v): expected %d, got %d", tt.err, tt.want, got)
		}
	}
}

func TestCORSAndTracingHeaders(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/thresholds", nil)
	req.Header.Set("Origin", "https://dashboard.example")
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected 204 for preflight, got %d", rr.Code)
	}
	if !strings.Contains(rr.Header().Get("Access-Control-Allow-Headers"), ActorIDHeader) {
		t.Error("expected X-Actor-ID to be an allowed header")
	}

	rr = env.do(http.MethodGet, "/health", nil, RequestIDHeader, "req-42")
	if rr.Header().Get(RequestIDHeader) != "req-42" {
		t.Errorf("expected request id to be echoed, got %q", rr.Header().Get(RequestIDHeader))
	}
}
