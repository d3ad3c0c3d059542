package main

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/oslsr/kestrel/internal/domain"
)

const sample = `ID,Enumerator_ID,Form_ID,Submitted_At,Completion_Time_Seconds,GPS_Latitude,GPS_Longitude,Raw_Data,Is_Fraud
s2,e1,f1,2026-02-20T11:00:00Z,120,6.52,3.37,"{""q1"":""a""}",1
s1,e1,f1,2026-02-20T10:00:00Z,900,,,,0
bad-time,e1,f1,yesterday,10,,,,0
bad-json,e1,f1,2026-02-20T12:00:00Z,10,,,"{oops",0
s3,e2,f1,2026-02-20T09:00:00Z,,,,,0
`

func TestReadRows(t *testing.T) {
	rows, skipped, err := readRows(strings.NewReader(sample), 0)
	if err != nil {
		t.Fatalf("readRows failed: %v", err)
	}
	if skipped != 2 {
		t.Errorf("expected 2 skipped rows, got %d", skipped)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}

	order := []string{rows[0].Submission.ID, rows[1].Submission.ID, rows[2].Submission.ID}
	if strings.Join(order, ",") != "s3,s1,s2" {
		t.Errorf("expected rows ordered by submitted_at, got %v", order)
	}

	s2 := rows[2]
	if !s2.IsFraud || s2.Submission.RawData["q1"] != "a" {
		t.Errorf("unexpected row: %+v", s2)
	}
	if s2.Submission.GPSLatitude == nil || *s2.Submission.GPSLatitude != 6.52 {
		t.Error("expected latitude to be parsed")
	}
	if rows[0].Submission.CompletionTimeSeconds != nil {
		t.Error("expected empty completion time to stay nil")
	}

	t.Run("Limit", func(t *testing.T) {
		rows, _, _ := readRows(strings.NewReader(sample), 1)
		if len(rows) != 1 || rows[0].Submission.ID != "s3" {
			t.Errorf("expected only the earliest row, got %+v", rows)
		}
	})

	t.Run("MissingColumn", func(t *testing.T) {
		if _, _, err := readRows(strings.NewReader("id,enumerator_id\n"), 0); err == nil {
			t.Error("expected missing column error")
		}
	})
}

func TestScores(t *testing.T) {
	m := &Metrics{TruePositives: 8, FalsePositives: 2, TrueNegatives: 85, FalseNegatives: 5}
	precision, recall, f1, accuracy := m.Scores()

	near := func(a, b float64) bool { return math.Abs(a-b) < 1e-9 }
	if !near(precision, 0.8) {
		t.Errorf("expected precision 0.8, got %v", precision)
	}
	if !near(recall, 8.0/13.0) {
		t.Errorf("expected recall 8/13, got %v", recall)
	}
	if !near(f1, 2*0.8*(8.0/13.0)/(0.8+8.0/13.0)) {
		t.Errorf("unexpected f1 %v", f1)
	}
	if !near(accuracy, 0.93) {
		t.Errorf("expected accuracy 0.93, got %v", accuracy)
	}

	if p, r, f, a := (&Metrics{}).Scores(); p != 0 || r != 0 || f != 0 || a != 0 {
		t.Error("expected zero scores for an empty run")
	}
}

func TestReplay(t *testing.T) {
	severities := map[string]domain.Severity{"s1": domain.SeverityLow, "s2": domain.SeverityCritical, "s3": domain.SeverityHigh}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/submissions" || r.URL.Query().Get("mode") != "sync" {
			http.NotFound(w, r)
			return
		}
		var sub SubmissionRequest
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"evaluation": map[string]any{"severity": severities[sub.ID], "totalScore": 10},
		})
	}))
	defer srv.Close()

	rows, _, err := readRows(strings.NewReader(sample), 0)
	if err != nil {
		t.Fatalf("readRows failed: %v", err)
	}

	m := replay(srv.Client(), rows, srv.URL, domain.SeverityHigh, 2, false)
	if m.TotalProcessed != 3 || m.TotalErrors != 0 {
		t.Fatalf("unexpected totals: %+v", m)
	}
	// s2 is labeled fraud and critical, s3 is clean but high, s1 is clean and low.
	if m.TruePositives != 1 || m.FalsePositives != 1 || m.TrueNegatives != 1 || m.FalseNegatives != 0 {
		t.Errorf("unexpected confusion matrix: %+v", m)
	}

	t.Run("ServerErrorsCounted", func(t *testing.T) {
		failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
		}))
		defer failing.Close()

		m := replay(failing.Client(), rows, failing.URL, domain.SeverityHigh, 1, false)
		if m.TotalErrors != 3 {
			t.Errorf("expected 3 errors, got %d", m.TotalErrors)
		}
	})
}
