package stream

import (
	"sort"
	"time"

	"github.com/ignite/fieldvisit-monitor/internal/domain"
	"github.com/ignite/fieldvisit-monitor/internal/followup"
	"github.com/ignite/fieldvisit-monitor/internal/gps"
	"github.com/ignite/fieldvisit-monitor/internal/quality"
)

// Run lifecycle states as persisted alongside snapshots.
const (
	RunInProgress = "in_progress"
	RunCompleted  = "completed"
)

// GPSData is the geolocation section of the combined payload.
type GPSData struct {
	TotalVisits     int                `json:"total_visits"`
	TotalFlagged    int                `json:"total_flagged"`
	DateRangeStart  time.Time          `json:"date_range_start"`
	DateRangeEnd    time.Time          `json:"date_range_end"`
	ThresholdKm     float64            `json:"threshold_km"`
	WorkerSummaries []*gps.WorkerStats `json:"worker_summaries"`
}

// FollowupData is the visit-reconciliation section of the combined payload.
// SubjectDrilldown carries the full per-subject assessments grouped by
// worker; it is present on live runs and stripped from completed snapshots
// at the persistence layer.
type FollowupData struct {
	TotalSubjects      int                                 `json:"total_subjects"`
	Unclassified       int                                 `json:"unclassified"`
	WorkerSummaries    []*followup.WorkerRollup            `json:"worker_summaries"`
	SubjectDrilldown   map[string][]followup.SubjectResult `json:"subject_drilldown,omitempty"`
	StatusDistribution map[followup.Status]int             `json:"status_distribution"`
}

// WorkerSummary is the per-worker overview row combining all signal
// families for the dashboard's main table.
type WorkerSummary struct {
	WorkerID             string   `json:"worker_id"`
	Name                 string   `json:"name,omitempty"`
	Score                *float64 `json:"score,omitempty"`
	Rank                 int      `json:"rank,omitempty"`
	Subjects             int      `json:"subjects"`
	Expected             int      `json:"expected"`
	Completed            int      `json:"completed"`
	FollowUpRate         *float64 `json:"follow_up_rate"`
	FlaggedVisits        int      `json:"flagged_visits"`
	MedianDistanceKm     float64  `json:"median_distance_km"`
	MaxDistanceKm        float64  `json:"max_distance_km"`
	SameDayCompletions   int      `json:"same_day_completions"`
	ContactDuplicateRate float64  `json:"contact_duplicate_rate"`
}

// OverviewData is the cross-signal section of the combined payload.
type OverviewData struct {
	WorkerSummaries         []*WorkerSummary        `json:"worker_summaries"`
	VisitStatusDistribution map[followup.Status]int `json:"visit_status_distribution"`
}

// Payload is the combined result of one monitoring run. It is the body of
// the terminal complete event and the value persisted by the snapshot
// store.
type Payload struct {
	Success         bool              `json:"success"`
	DomainID        string            `json:"domain_id"`
	DomainName      string            `json:"domain_name"`
	GeneratedAt     time.Time         `json:"generated_at"`
	FromCache       bool              `json:"from_cache"`
	GPSData         *GPSData          `json:"gps_data,omitempty"`
	FollowupData    *FollowupData     `json:"followup_data,omitempty"`
	OverviewData    *OverviewData     `json:"overview_data,omitempty"`
	ActiveWorkerIDs []string          `json:"active_worker_ids"`
	WorkerNames     map[string]string `json:"worker_names,omitempty"`
}

// assemblePayload combines the per-stage outputs into the final payload.
// Pure assembly: every input was produced by an earlier stage.
func assemblePayload(
	domainID, domainName string,
	generatedAt time.Time,
	fromCache bool,
	analysis *gps.Analysis,
	merged *followup.Result,
	workerQuality map[string]*quality.WorkerQuality,
	scores map[string]domain.WorkerScore,
	names map[string]string,
	visits []domain.VisitRecord,
) *Payload {
	p := &Payload{
		Success:     true,
		DomainID:    domainID,
		DomainName:  domainName,
		GeneratedAt: generatedAt,
		FromCache:   fromCache,
		WorkerNames: names,
	}

	if analysis != nil {
		gd := &GPSData{
			TotalVisits:    analysis.TotalVisits,
			TotalFlagged:   analysis.TotalFlagged,
			DateRangeStart: analysis.DateRangeStart,
			DateRangeEnd:   analysis.DateRangeEnd,
			ThresholdKm:    analysis.ThresholdKm,
		}
		for _, id := range sortedKeys(analysis.Workers) {
			gd.WorkerSummaries = append(gd.WorkerSummaries, analysis.Workers[id])
		}
		p.GPSData = gd
	}

	if merged != nil {
		fd := &FollowupData{
			TotalSubjects:      merged.TotalSubjects,
			Unclassified:       merged.Unclassified,
			StatusDistribution: merged.StatusDistribution,
			SubjectDrilldown:   make(map[string][]followup.SubjectResult),
		}
		for _, id := range sortedKeys(merged.Workers) {
			fd.WorkerSummaries = append(fd.WorkerSummaries, merged.Workers[id])
		}
		for _, sr := range merged.Subjects {
			fd.SubjectDrilldown[sr.WorkerID] = append(fd.SubjectDrilldown[sr.WorkerID], sr)
		}
		p.FollowupData = fd
	}

	p.OverviewData = buildOverview(analysis, merged, workerQuality, scores, names)
	p.ActiveWorkerIDs = activeWorkers(visits)
	return p
}

// buildOverview joins the signal families per worker. A worker appears in
// the overview if any family knows it.
func buildOverview(
	analysis *gps.Analysis,
	merged *followup.Result,
	workerQuality map[string]*quality.WorkerQuality,
	scores map[string]domain.WorkerScore,
	names map[string]string,
) *OverviewData {
	rows := make(map[string]*WorkerSummary)
	row := func(id string) *WorkerSummary {
		r := rows[id]
		if r == nil {
			r = &WorkerSummary{WorkerID: id, Name: names[id]}
			rows[id] = r
		}
		return r
	}

	if merged != nil {
		for id, w := range merged.Workers {
			r := row(id)
			r.Subjects = w.Subjects
			r.Expected = w.Expected
			r.Completed = w.Completed
			r.FollowUpRate = w.FollowUpRate
		}
	}
	if analysis != nil {
		for id, w := range analysis.Workers {
			r := row(id)
			r.FlaggedVisits = w.FlaggedVisits
			r.MedianDistanceKm = w.MedianDistanceKm
			r.MaxDistanceKm = w.MaxDistanceKm
		}
	}
	for id, q := range workerQuality {
		r := row(id)
		r.SameDayCompletions = q.SameDayCompletions
		r.ContactDuplicateRate = q.ContactDuplicateRate
	}
	for id, s := range scores {
		r := row(id)
		score := s.Score
		r.Score = &score
		r.Rank = s.Rank
	}

	od := &OverviewData{WorkerSummaries: make([]*WorkerSummary, 0, len(rows))}
	for _, id := range sortedKeys(rows) {
		od.WorkerSummaries = append(od.WorkerSummaries, rows[id])
	}
	if merged != nil {
		od.VisitStatusDistribution = merged.StatusDistribution
	}
	return od
}

// activeWorkers returns the sorted distinct worker IDs seen in the run's
// visit records.
func activeWorkers(visits []domain.VisitRecord) []string {
	seen := make(map[string]bool)
	for _, v := range visits {
		if v.WorkerID != "" {
			seen[v.WorkerID] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
