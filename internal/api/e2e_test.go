package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/oslsr/kestrel/internal/domain"
	"github.com/oslsr/kestrel/internal/worker"
)

// TestQueuedSubmissionIsEvaluated drives a submission through the HTTP API,
// the bus and the worker into a stored detection.
func TestQueuedSubmissionIsEvaluated(t *testing.T) {
	env := newTestEnv(t)

	w := worker.NewWorker(env.bus, env.pipe, env.cache, nil)
	if err := w.Start(worker.Config{Concurrency: 2, RetryBackoff: time.Millisecond}); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	defer w.Stop()

	expectStatus(t, env.do(http.MethodPost, "/forms", householdForm), http.StatusCreated)
	for _, id := range []string{"e2e-1", "e2e-2"} {
		expectStatus(t, env.do(http.MethodPost, "/submissions", submission(id)), http.StatusAccepted)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rr := env.do(http.MethodGet, "/detections?enumeratorId=enum-001", nil)
		if rr.Code == http.StatusOK && decode[domain.DetectionPage](t, rr).Total == 2 {
			if stats := w.GetStats(); stats.Failed != 0 {
				t.Errorf("expected no failed evaluations, got %+v", stats)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected both queued submissions to produce detections")
}
