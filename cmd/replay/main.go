// Kestrel - Fraud signals for field survey submissions.
// Copyright (c) 2025 The OSLSR Authors
// Licensed under the Apache License 2.0

// Replay sends labeled historical submissions through a running Kestrel and
// scores its severity tiers against the labels.
//
// Usage:
//
//	go run ./cmd/replay -csv labeled.csv -url http://localhost:8080 -flag-at high
//
// The CSV needs a header row with these columns (case-insensitive):
//
//	id, enumerator_id, form_id, submitted_at, completion_time_seconds,
//	gps_latitude, gps_longitude, raw_data, is_fraud
//
// raw_data holds the answers as a JSON object and is_fraud is 1 or 0. Rows are
// replayed in submitted_at order so each evaluation sees the history the field
// team had produced by then.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oslsr/kestrel/internal/domain"
)

// Row is one labeled submission.
type Row struct {
	Submission SubmissionRequest
	IsFraud    bool
}

// SubmissionRequest is the POST /submissions body.
type SubmissionRequest struct {
	ID                    string         `json:"id"`
	EnumeratorID          string         `json:"enumeratorId"`
	QuestionnaireFormID   string         `json:"questionnaireFormId"`
	SubmittedAt           time.Time      `json:"submittedAt"`
	GPSLatitude           *float64       `json:"gpsLatitude,omitempty"`
	GPSLongitude          *float64       `json:"gpsLongitude,omitempty"`
	CompletionTimeSeconds *float64       `json:"completionTimeSeconds,omitempty"`
	RawData               map[string]any `json:"rawData,omitempty"`
}

// EvaluationResponse is the subset of the sync submission response we read.
type EvaluationResponse struct {
	Evaluation struct {
		TotalScore float64         `json:"totalScore"`
		Severity   domain.Severity `json:"severity"`
	} `json:"evaluation"`
	Reasons []string `json:"reasons"`
}

// Metrics tracks replay results.
type Metrics struct {
	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64

	TotalProcessed int64
	TotalFraud     int64
	TotalClean     int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to the labeled submissions CSV")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	formPath := flag.String("form", "", "Optional form JSON to register before replaying")
	flagAt := flag.String("flag-at", string(domain.SeverityHigh), "Lowest severity counted as a fraud prediction")
	limit := flag.Int("limit", 0, "Maximum submissions to replay (0 = all)")
	workers := flag.Int("workers", 1, "Concurrent requests; above 1 history order is not guaranteed")
	verbose := flag.Bool("verbose", false, "Print each submission result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: replay -csv labeled.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}
	threshold := domain.Severity(*flagAt)
	if !threshold.Valid() {
		fmt.Printf("ERROR: unknown severity %q\n", *flagAt)
		os.Exit(1)
	}

	fmt.Println("KESTREL REPLAY")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Flag At:     %s\n", threshold)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Println()

	client := &http.Client{Timeout: 30 * time.Second}
	if err := checkHealth(client, *baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	if *formPath != "" {
		if err := registerForm(client, *baseURL, *formPath); err != nil {
			fmt.Printf("ERROR: failed to register form: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Form registered")
	}

	f, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	rows, skipped, err := readRows(f, *limit)
	f.Close()
	if err != nil {
		fmt.Printf("ERROR: failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d submissions (%d malformed rows skipped)\n", len(rows), skipped)

	start := time.Now()
	m := replay(client, rows, *baseURL, threshold, *workers, *verbose)
	printResults(os.Stdout, m, time.Since(start))
}

func checkHealth(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func registerForm(client *http.Client, baseURL, path string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	resp, err := client.Post(baseURL+"/forms", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

var requiredColumns = []string{"id", "enumerator_id", "form_id", "submitted_at", "is_fraud"}

// readRows parses the labeled CSV and returns the rows ordered by submission
// time along with the number of malformed rows skipped.
func readRows(r io.Reader, limit int) ([]Row, int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int)
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, 0, fmt.Errorf("missing column %q", name)
		}
	}

	field := func(record []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	optionalFloat := func(record []string, name string) (*float64, error) {
		s := field(record, name)
		if s == "" {
			return nil, nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, err
		}
		return &v, nil
	}

	var rows []Row
	skipped := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			skipped++
			continue
		}

		submittedAt, err := time.Parse(time.RFC3339, field(record, "submitted_at"))
		if err != nil {
			skipped++
			continue
		}
		sub := SubmissionRequest{
			ID:                  field(record, "id"),
			EnumeratorID:        field(record, "enumerator_id"),
			QuestionnaireFormID: field(record, "form_id"),
			SubmittedAt:         submittedAt,
		}
		var parseErr error
		if sub.CompletionTimeSeconds, err = optionalFloat(record, "completion_time_seconds"); err != nil {
			parseErr = err
		}
		if sub.GPSLatitude, err = optionalFloat(record, "gps_latitude"); err != nil {
			parseErr = err
		}
		if sub.GPSLongitude, err = optionalFloat(record, "gps_longitude"); err != nil {
			parseErr = err
		}
		if raw := field(record, "raw_data"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &sub.RawData); err != nil {
				parseErr = err
			}
		}
		if parseErr != nil || sub.EnumeratorID == "" || sub.QuestionnaireFormID == "" {
			skipped++
			continue
		}

		rows = append(rows, Row{Submission: sub, IsFraud: field(record, "is_fraud") == "1"})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Submission.SubmittedAt.Before(rows[j].Submission.SubmittedAt)
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, skipped, nil
}

func replay(client *http.Client, rows []Row, baseURL string, flagAt domain.Severity, numWorkers int, verbose bool) *Metrics {
	if numWorkers < 1 {
		numWorkers = 1
	}
	m := &Metrics{}
	work := make(chan Row, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for row := range work {
				start := time.Now()
				result, err := submit(client, baseURL, row.Submission)
				atomic.AddInt64(&m.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&m.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&m.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", row.Submission.ID, err)
					}
					continue
				}

				predicted := result.Evaluation.Severity.Rank() >= flagAt.Rank()
				m.record(predicted, row.IsFraud)

				if verbose {
					mark := "ok"
					if predicted != row.IsFraud {
						mark = "MISS"
					}
					fmt.Printf("%-4s %-20s | Fraud: %-5v | %-8s (%5.1f) | %s\n",
						mark, row.Submission.ID, row.IsFraud,
						result.Evaluation.Severity, result.Evaluation.TotalScore,
						strings.Join(result.Reasons, "; "))
				}
			}
		}()
	}

	for _, row := range rows {
		work <- row
	}
	close(work)
	wg.Wait()
	return m
}

func (m *Metrics) record(predicted, actual bool) {
	if actual {
		atomic.AddInt64(&m.TotalFraud, 1)
	} else {
		atomic.AddInt64(&m.TotalClean, 1)
	}
	switch {
	case predicted && actual:
		atomic.AddInt64(&m.TruePositives, 1)
	case predicted && !actual:
		atomic.AddInt64(&m.FalsePositives, 1)
	case !predicted && !actual:
		atomic.AddInt64(&m.TrueNegatives, 1)
	default:
		atomic.AddInt64(&m.FalseNegatives, 1)
	}
}

func submit(client *http.Client, baseURL string, sub SubmissionRequest) (*EvaluationResponse, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return nil, err
	}
	resp, err := client.Post(baseURL+"/submissions?mode=sync", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var result EvaluationResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Scores derives precision, recall, F1 and accuracy from the confusion matrix.
func (m *Metrics) Scores() (precision, recall, f1, accuracy float64) {
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}
	return precision, recall, f1, accuracy
}

func printResults(w io.Writer, m *Metrics, duration time.Duration) {
	fmt.Fprintln(w, "\nREPLAY RESULTS")

	fmt.Fprintf(w, "\nDATASET\n")
	fmt.Fprintf(w, "   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Fprintf(w, "   Labeled Fraud:    %d\n", m.TotalFraud)
	fmt.Fprintf(w, "   Labeled Clean:    %d\n", m.TotalClean)
	fmt.Fprintf(w, "   Errors:           %d\n", m.TotalErrors)

	fmt.Fprintf(w, "\nCONFUSION MATRIX\n")
	fmt.Fprintln(w, "                      Predicted")
	fmt.Fprintln(w, "                   flagged   not flagged")
	fmt.Fprintf(w, "   Actual fraud   %8d   %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Fprintf(w, "          clean   %8d   %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	precision, recall, f1, accuracy := m.Scores()
	fmt.Fprintf(w, "\nDETECTION METRICS\n")
	fmt.Fprintf(w, "   Precision:  %.4f\n", precision)
	fmt.Fprintf(w, "   Recall:     %.4f\n", recall)
	fmt.Fprintf(w, "   F1-Score:   %.4f\n", f1)
	fmt.Fprintf(w, "   Accuracy:   %.4f\n", accuracy)

	fmt.Fprintf(w, "\nPERFORMANCE\n")
	fmt.Fprintf(w, "   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		fmt.Fprintf(w, "   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Fprintf(w, "   Throughput:       %.2f submissions/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	fmt.Fprintln(w)
}
