package heuristics

import (
	"context"
	"math"

	"github.com/oslsr/kestrel/internal/domain"
)

// longIdenticalString is the run length that adds the LIS bonus.
const longIdenticalString = 8

// Battery is a group of scale questions in one form section.
type Battery struct {
	SectionID     string
	QuestionNames []string
}

// BatteryResult holds the response-pattern metrics of one analysed battery.
type BatteryResult struct {
	SectionID     string  `json:"sectionId"`
	QuestionCount int     `json:"questionCount"`
	PIR           float64 `json:"pir"`
	LIS           int     `json:"lis"`
	Entropy       float64 `json:"entropy"`
	Flagged       bool    `json:"flagged"`
}

// IdentifyBatteries returns sections holding at least minSize scale questions
// (select_one, likert, radio).
func IdentifyBatteries(schema map[string]any, minSize int) []Battery {
	var batteries []Battery
	for _, sec := range parseSections(schema) {
		var names []string
		for _, q := range sec.Questions {
			switch q.Type {
			case "select_one", "likert", "radio":
				names = append(names, q.Name)
			}
		}
		if len(names) >= minSize {
			batteries = append(batteries, Battery{SectionID: sec.ID, QuestionNames: names})
		}
	}
	return batteries
}

func frequencies(responses []any) map[string]int {
	freq := make(map[string]int, len(responses))
	for _, r := range responses {
		freq[stringify(r)]++
	}
	return freq
}

// PIR is the share of responses equal to the most frequent response.
func PIR(responses []any) float64 {
	if len(responses) == 0 {
		return 0
	}
	maxCount := 0
	for _, c := range frequencies(responses) {
		if c > maxCount {
			maxCount = c
		}
	}
	return float64(maxCount) / float64(len(responses))
}

// LIS is the longest run of consecutive identical responses.
func LIS(responses []any) int {
	if len(responses) == 0 {
		return 0
	}
	maxRun, run := 1, 1
	for i := 1; i < len(responses); i++ {
		if stringify(responses[i]) == stringify(responses[i-1]) {
			run++
			if run > maxRun {
				maxRun = run
			}
		} else {
			run = 1
		}
	}
	return maxRun
}

// ShannonEntropy returns the entropy of the responses in bits, rounded to 2 decimals.
func ShannonEntropy(responses []any) float64 {
	if len(responses) == 0 {
		return 0
	}
	n := float64(len(responses))
	var entropy float64
	for _, c := range frequencies(responses) {
		p := float64(c) / n
		if p > 0 {
			entropy -= p * math.Log2(p)
		}
	}
	return round2(entropy)
}

// StraightLining flags answer batteries filled with the same response.
type StraightLining struct{}

func (StraightLining) Key() string                   { return KeyStraightLining }
func (StraightLining) Category() domain.RuleCategory { return domain.CategoryStraightline }

func (StraightLining) Evaluate(_ context.Context, sc *domain.SubmissionContext, rules []domain.ThresholdRule) (domain.HeuristicResult, error) {
	pirThreshold := threshold(rules, "straightline_pir_threshold", 0.8)
	minBattery := threshold(rules, "straightline_min_battery_size", 5)
	entropyThreshold := threshold(rules, "straightline_entropy_threshold", 0.5)
	minFlagged := threshold(rules, "straightline_min_flagged_batteries", 2)
	weight := threshold(rules, "straightline_weight", 20)

	batteries := IdentifyBatteries(sc.FormSchema, int(math.Ceil(minBattery)))
	if len(batteries) == 0 {
		return domain.HeuristicResult{Score: 0, Details: map[string]any{
			"reason":       "no_batteries_found",
			"batteryCount": 0,
		}}, nil
	}

	results := []BatteryResult{}
	flagged := 0
	for _, b := range batteries {
		var responses []any
		for _, name := range b.QuestionNames {
			v, ok := sc.RawData[name]
			if !ok || v == nil {
				continue
			}
			if s, isStr := v.(string); isStr && s == "" {
				continue
			}
			responses = append(responses, v)
		}
		if float64(len(responses)) < minBattery {
			continue
		}

		pir := PIR(responses)
		isFlagged := pir >= pirThreshold
		if isFlagged {
			flagged++
		}
		results = append(results, BatteryResult{
			SectionID:     b.SectionID,
			QuestionCount: len(responses),
			PIR:           round2(pir),
			LIS:           LIS(responses),
			Entropy:       ShannonEntropy(responses),
			Flagged:       isFlagged,
		})
	}

	var score float64
	flags := []string{}
	switch {
	case float64(flagged) >= minFlagged:
		score = weight
		flags = append(flags, "multi_battery_straight_lining")
	case flagged == 1:
		score = weight * 0.5
		flags = append(flags, "single_battery_straight_lining")
	}

	maxLIS := 0
	minEntropy := math.Inf(1)
	for _, r := range results {
		if r.LIS > maxLIS {
			maxLIS = r.LIS
		}
		if r.Entropy < minEntropy {
			minEntropy = r.Entropy
		}
	}

	if maxLIS >= longIdenticalString && score < weight {
		score = math.Min(score+weight*0.25, weight)
		flags = append(flags, "long_identical_string")
	}
	if minEntropy < entropyThreshold && score < weight {
		score = math.Min(score+weight*0.25, weight)
		flags = append(flags, "low_entropy")
	}

	score = round2(math.Min(score, weight))

	var minEntropyOut any
	if !math.IsInf(minEntropy, 1) {
		minEntropyOut = minEntropy
	}

	return domain.HeuristicResult{
		Score: score,
		Details: map[string]any{
			"batteryCount":      len(batteries),
			"analyzedBatteries": len(results),
			"flaggedBatteries":  flagged,
			"maxLIS":            maxLIS,
			"minEntropy":        minEntropyOut,
			"batteryResults":    results,
			"flags":             flags,
			"thresholds": map[string]any{
				"pirThreshold":        pirThreshold,
				"minBatterySize":      minBattery,
				"entropyThreshold":    entropyThreshold,
				"minFlaggedBatteries": minFlagged,
			},
		},
	}, nil
}
