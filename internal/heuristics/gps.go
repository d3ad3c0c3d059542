package heuristics

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/oslsr/kestrel/internal/domain"
)

const earthRadiusMeters = 6_371_000.0

// DBSCAN labels.
const (
	labelUnvisited = -2
	labelNoise     = -1
)

// Teleportation is an implausibly fast move between two consecutive submissions.
type Teleportation struct {
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	SpeedKmh   float64   `json:"speedKmh"`
	DistanceKm float64   `json:"distanceKm"`
}

// DuplicateCoord is a submission by another enumerator at nearly the same spot.
type DuplicateCoord struct {
	EnumeratorID   string  `json:"enumeratorId"`
	DistanceMeters float64 `json:"distanceMeters"`
	SubmissionID   string  `json:"submissionId"`
}

type geoPoint struct {
	lat, lon float64
}

type timedPoint struct {
	geoPoint
	at time.Time
}

// HaversineDistance returns the great-circle distance in meters.
func HaversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// dbscan labels each point with a cluster index, or labelNoise.
// A point is core when at least minSamples-1 other points lie within eps meters.
func dbscan(points []geoPoint, eps float64, minSamples int) []int {
	n := len(points)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = labelUnvisited
	}

	regionQuery := func(idx int) []int {
		var neighbors []int
		p := points[idx]
		for i := 0; i < n; i++ {
			if i == idx {
				continue
			}
			if HaversineDistance(p.lat, p.lon, points[i].lat, points[i].lon) <= eps {
				neighbors = append(neighbors, i)
			}
		}
		return neighbors
	}

	cluster := 0
	for i := 0; i < n; i++ {
		if labels[i] != labelUnvisited {
			continue
		}
		neighbors := regionQuery(i)
		if len(neighbors) < minSamples-1 {
			labels[i] = labelNoise
			continue
		}

		labels[i] = cluster
		seeds := append([]int(nil), neighbors...)
		seen := make(map[int]struct{}, len(seeds))
		for _, s := range seeds {
			seen[s] = struct{}{}
		}

		for j := 0; j < len(seeds); j++ {
			q := seeds[j]
			if labels[q] == labelNoise {
				// border point
				labels[q] = cluster
			}
			if labels[q] != labelUnvisited {
				continue
			}
			labels[q] = cluster
			qNeighbors := regionQuery(q)
			if len(qNeighbors) >= minSamples-1 {
				for _, nb := range qNeighbors {
					if _, ok := seen[nb]; !ok {
						seeds = append(seeds, nb)
						seen[nb] = struct{}{}
					}
				}
			}
		}
		cluster++
	}
	return labels
}

func detectTeleportations(points []timedPoint, speedThresholdKmh float64) []Teleportation {
	sorted := append([]timedPoint(nil), points...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].at.Before(sorted[j].at) })

	teleportations := []Teleportation{}
	for i := 1; i < len(sorted); i++ {
		prev, curr := sorted[i-1], sorted[i]
		hours := curr.at.Sub(prev.at).Hours()
		if hours <= 0 {
			continue
		}
		km := HaversineDistance(prev.lat, prev.lon, curr.lat, curr.lon) / 1000
		speed := km / hours
		if speed > speedThresholdKmh {
			teleportations = append(teleportations, Teleportation{
				From:       prev.at,
				To:         curr.at,
				SpeedKmh:   round1(speed),
				DistanceKm: round1(km),
			})
		}
	}
	return teleportations
}

func detectDuplicateCoords(sc *domain.SubmissionContext, thresholdMeters float64) []DuplicateCoord {
	dups := []DuplicateCoord{}
	for i := range sc.NearbySubmissions {
		sub := &sc.NearbySubmissions[i]
		if sub.EnumeratorID == sc.EnumeratorID || !sub.HasGPS() {
			continue
		}
		dist := HaversineDistance(*sc.GPSLatitude, *sc.GPSLongitude, *sub.GPSLatitude, *sub.GPSLongitude)
		if dist < thresholdMeters {
			dups = append(dups, DuplicateCoord{
				EnumeratorID:   sub.EnumeratorID,
				DistanceMeters: round1(dist),
				SubmissionID:   sub.ID,
			})
		}
	}
	return dups
}

// GPSClustering flags submissions that sit in a dense spatial cluster of the
// enumerator's recent work, jump implausibly far between submissions, or share
// coordinates with another enumerator.
type GPSClustering struct{}

func (GPSClustering) Key() string                   { return KeyGPSClustering }
func (GPSClustering) Category() domain.RuleCategory { return domain.CategoryGPS }

func (GPSClustering) Evaluate(ctx context.Context, sc *domain.SubmissionContext, rules []domain.ThresholdRule) (domain.HeuristicResult, error) {
	if !sc.HasGPS() {
		return skipped("no_gps_data"), nil
	}

	radius := threshold(rules, "gps_cluster_radius_m", 50)
	minSamples := threshold(rules, "gps_cluster_min_samples", 3)
	teleportKmh := threshold(rules, "gps_teleport_speed_kmh", 120)
	dupThreshold := threshold(rules, "gps_duplicate_coord_threshold_m", 5)
	weight := threshold(rules, "gps_weight", 25)

	current := geoPoint{lat: *sc.GPSLatitude, lon: *sc.GPSLongitude}

	var score float64
	flags := []string{}

	points := make([]geoPoint, 0, len(sc.RecentSubmissions)+1)
	timed := make([]timedPoint, 0, len(sc.RecentSubmissions)+1)
	for i := range sc.RecentSubmissions {
		r := &sc.RecentSubmissions[i]
		if !r.HasGPS() {
			continue
		}
		p := geoPoint{lat: *r.GPSLatitude, lon: *r.GPSLongitude}
		points = append(points, p)
		timed = append(timed, timedPoint{geoPoint: p, at: r.SubmittedAt})
	}
	points = append(points, current)
	timed = append(timed, timedPoint{geoPoint: current, at: sc.SubmittedAt})

	if err := ctx.Err(); err != nil {
		return domain.HeuristicResult{}, err
	}

	clusterCount := 0
	inCluster := false
	if float64(len(points)) >= minSamples {
		labels := dbscan(points, radius, int(minSamples))
		clusters := make(map[int]struct{})
		for _, l := range labels {
			if l >= 0 {
				clusters[l] = struct{}{}
			}
		}
		clusterCount = len(clusters)
		inCluster = labels[len(labels)-1] >= 0
		if inCluster {
			score += weight * 0.6
			flags = append(flags, "in_spatial_cluster")
		}
	}

	teleportations := detectTeleportations(timed, teleportKmh)
	if len(teleportations) > 0 {
		score += weight * 0.2
		flags = append(flags, "teleportation_detected")
	}

	dups := detectDuplicateCoords(sc, dupThreshold)
	if len(dups) > 0 {
		score += weight * 0.2
		flags = append(flags, "duplicate_coordinates")
	}

	score = round2(math.Min(score, weight))

	return domain.HeuristicResult{
		Score: score,
		Details: map[string]any{
			"clusterCount":    clusterCount,
			"inCluster":       inCluster,
			"teleportations":  teleportations,
			"duplicateCoords": dups,
			"flags":           flags,
			"gpsPointCount":   len(points),
			"thresholds": map[string]any{
				"clusterRadiusM":           radius,
				"clusterMinSamples":        minSamples,
				"teleportSpeedKmh":         teleportKmh,
				"duplicateCoordThresholdM": dupThreshold,
			},
		},
	}, nil
}
