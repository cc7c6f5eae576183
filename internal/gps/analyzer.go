// Package gps computes geolocation-anomaly signals over visit records:
// implausible travel between consecutive visits to the same subject is
// flagged, and per-worker travel statistics feed the dashboard sparklines.
package gps

import (
	"math"
	"sort"
	"time"

	"github.com/ignite/fieldvisit-monitor/internal/domain"
)

const earthRadiusKm = 6371.0088

// DailyDistance is one point of the trailing travel-distance series.
type DailyDistance struct {
	Date       string  `json:"date"` // YYYY-MM-DD
	DistanceKm float64 `json:"distance_km"`
}

// WorkerStats holds the per-worker GPS signal rollup.
type WorkerStats struct {
	WorkerID           string          `json:"worker_id"`
	TotalVisits        int             `json:"total_visits"`
	VisitsWithLocation int             `json:"visits_with_location"`
	FlaggedVisits      int             `json:"flagged_visits"`
	MedianDistanceKm   float64         `json:"median_distance_km"`
	MaxDistanceKm      float64         `json:"max_distance_km"`
	DailyTravel        []DailyDistance `json:"daily_travel"`

	distances []float64
}

// Analysis is the GPS stage output for one pipeline run.
type Analysis struct {
	TotalVisits    int                     `json:"total_visits"`
	TotalFlagged   int                     `json:"total_flagged"`
	DateRangeStart time.Time               `json:"date_range_start"`
	DateRangeEnd   time.Time               `json:"date_range_end"`
	ThresholdKm    float64                 `json:"threshold_km"`
	Workers        map[string]*WorkerStats `json:"workers"`
}

// Analyze computes same-subject consecutive-visit distances and flags
// those exceeding thresholdKm. Visits without a geocoordinate are excluded
// from distance computation but still counted in totals. The trailing
// travel series covers trailingDays calendar days ending at now.
func Analyze(visits []domain.VisitRecord, thresholdKm float64, trailingDays int, now time.Time) *Analysis {
	a := &Analysis{
		ThresholdKm: thresholdKm,
		Workers:     make(map[string]*WorkerStats),
	}

	worker := func(id string) *WorkerStats {
		w := a.Workers[id]
		if w == nil {
			w = &WorkerStats{WorkerID: id}
			a.Workers[id] = w
		}
		return w
	}

	bySubject := make(map[string][]domain.VisitRecord)
	for _, v := range visits {
		a.TotalVisits++
		w := worker(v.WorkerID)
		w.TotalVisits++
		if v.HasLocation() {
			w.VisitsWithLocation++
		}
		if a.DateRangeStart.IsZero() || v.CompletedAt.Before(a.DateRangeStart) {
			a.DateRangeStart = v.CompletedAt
		}
		if v.CompletedAt.After(a.DateRangeEnd) {
			a.DateRangeEnd = v.CompletedAt
		}
		bySubject[v.SubjectID] = append(bySubject[v.SubjectID], v)
	}

	// Same-subject consecutive distances; the later visit of a pair is the
	// one flagged and the one whose worker owns the distance.
	for _, subjectVisits := range bySubject {
		located := make([]domain.VisitRecord, 0, len(subjectVisits))
		for _, v := range subjectVisits {
			if v.HasLocation() {
				located = append(located, v)
			}
		}
		sort.Slice(located, func(i, j int) bool {
			return located[i].CompletedAt.Before(located[j].CompletedAt)
		})

		for i := 1; i < len(located); i++ {
			dist := Haversine(*located[i-1].Location, *located[i].Location)
			w := worker(located[i].WorkerID)
			w.distances = append(w.distances, dist)
			if dist > thresholdKm {
				w.FlaggedVisits++
				a.TotalFlagged++
			}
		}
	}

	for _, w := range a.Workers {
		w.MedianDistanceKm = median(w.distances)
		w.MaxDistanceKm = maxOf(w.distances)
	}

	buildDailyTravel(a, visits, trailingDays, now)
	return a
}

// buildDailyTravel sums, per worker and calendar day, the distances
// between that worker's consecutive located visits on the same day.
func buildDailyTravel(a *Analysis, visits []domain.VisitRecord, trailingDays int, now time.Time) {
	if trailingDays <= 0 {
		trailingDays = 14
	}

	byWorker := make(map[string][]domain.VisitRecord)
	for _, v := range visits {
		if v.HasLocation() {
			byWorker[v.WorkerID] = append(byWorker[v.WorkerID], v)
		}
	}

	for workerID, workerVisits := range byWorker {
		sort.Slice(workerVisits, func(i, j int) bool {
			return workerVisits[i].CompletedAt.Before(workerVisits[j].CompletedAt)
		})

		daily := make(map[string]float64)
		for i := 1; i < len(workerVisits); i++ {
			prev, cur := workerVisits[i-1], workerVisits[i]
			prevDay := prev.CompletedAt.UTC().Format("2006-01-02")
			curDay := cur.CompletedAt.UTC().Format("2006-01-02")
			if prevDay != curDay {
				continue
			}
			daily[curDay] += Haversine(*prev.Location, *cur.Location)
		}

		w := a.Workers[workerID]
		start := now.UTC().AddDate(0, 0, -(trailingDays - 1))
		for d := 0; d < trailingDays; d++ {
			date := start.AddDate(0, 0, d).Format("2006-01-02")
			w.DailyTravel = append(w.DailyTravel, DailyDistance{
				Date:       date,
				DistanceKm: daily[date],
			})
		}
	}
}

// Haversine returns the great-circle distance between two points in km.
func Haversine(a, b domain.GeoPoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func maxOf(values []float64) float64 {
	max := 0.0
	for _, v := range values {
		if v > max {
			max = v
		}
	}
	return max
}
