// Package followup implements the merge & classification engine: completed
// visit records are reconciled against each subject's expected-visit
// schedule, and every expected visit receives exactly one timeliness state
// at the evaluation instant. Classification is deterministic given the
// evaluation date, the registration data, and the matching visit records —
// there is no hidden state.
package followup

import (
	"sort"
	"time"

	"github.com/ignite/fieldvisit-monitor/internal/config"
	"github.com/ignite/fieldvisit-monitor/internal/domain"
)

// Status is the timeliness classification of one expected visit.
type Status string

const (
	StatusCompletedOnTime Status = "completed_on_time"
	StatusCompletedLate   Status = "completed_late"
	StatusDueOnTime       Status = "due_on_time"
	StatusDueLate         Status = "due_late"
	StatusMissed          Status = "missed"
)

// Completed reports whether the status is a completed variant.
func (s Status) Completed() bool {
	return s == StatusCompletedOnTime || s == StatusCompletedLate
}

// Due reports whether the status is a due (pending) variant.
func (s Status) Due() bool {
	return s == StatusDueOnTime || s == StatusDueLate
}

// Options are the per-run merge parameters.
type Options struct {
	Now             time.Time
	GracePeriodDays int
	EligibleOnly    bool // drop non-eligible subjects from the output entirely
}

// VisitAssessment is the classification of one expected visit.
type VisitAssessment struct {
	VisitType     string     `json:"visit_type"` // canonical
	SlotIndex     int        `json:"slot_index"`
	ScheduledDate time.Time  `json:"scheduled_date"`
	WindowEnd     time.Time  `json:"window_end"` // scheduled date + on-time window
	Status        Status     `json:"status"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// SubjectResult is the merged record for one subject.
type SubjectResult struct {
	SubjectID    string            `json:"subject_id"`
	WorkerID     string            `json:"worker_id"`
	Name         string            `json:"name"`
	Eligible     bool              `json:"eligible"`
	Visits       []VisitAssessment `json:"visits"`
	Completed    int               `json:"completed"`
	Total        int               `json:"total"` // classified expected visits
	Unclassified int               `json:"unclassified,omitempty"`
	FollowUpRate *float64          `json:"follow_up_rate"` // nil = undefined (nothing past grace yet)
}

// WorkerRollup aggregates classification counts per field worker.
type WorkerRollup struct {
	WorkerID        string   `json:"worker_id"`
	Subjects        int      `json:"subjects"`
	Expected        int      `json:"expected"`
	Completed       int      `json:"completed"`
	CompletedOnTime int      `json:"completed_on_time"`
	CompletedLate   int      `json:"completed_late"`
	DueOnTime       int      `json:"due_on_time"`
	DueLate         int      `json:"due_late"`
	Missed          int      `json:"missed"`
	Unclassified    int      `json:"unclassified"`
	FollowUpRate    *float64 `json:"follow_up_rate"`

	rateNum, rateDen int
}

// Result is the full merge output for one pipeline run.
type Result struct {
	Subjects           []SubjectResult          `json:"subjects"`
	Workers            map[string]*WorkerRollup `json:"workers"`
	StatusDistribution map[Status]int           `json:"status_distribution"`
	TotalSubjects      int                      `json:"total_subjects"`
	Unclassified       int                      `json:"unclassified"`
}

// Engine merges completed visits against expected-visit schedules.
type Engine struct {
	schedule *Schedule
}

// NewEngine builds a merge engine around the configured schedule table.
func NewEngine(schedule *Schedule) *Engine {
	return &Engine{schedule: schedule}
}

// Merge reconciles visit records against each subject's expected visits
// and classifies every expected visit. The follow-up rate is recomputed in
// full on every call — its denominator moves daily as visits cross the
// grace threshold, so it must never be cached independently of the full
// payload.
func (e *Engine) Merge(profiles []domain.SubjectProfile, visits []domain.VisitRecord, opts Options) *Result {
	visitsBySubject := groupVisitsBySubject(visits)

	res := &Result{
		Workers:            make(map[string]*WorkerRollup),
		StatusDistribution: make(map[Status]int),
	}

	for _, profile := range profiles {
		if opts.EligibleOnly && !profile.Eligible {
			continue
		}

		sr := e.mergeSubject(profile, visitsBySubject[profile.SubjectID], opts)
		res.Subjects = append(res.Subjects, sr)
		res.TotalSubjects++
		res.Unclassified += sr.Unclassified

		w := res.Workers[profile.WorkerID]
		if w == nil {
			w = &WorkerRollup{WorkerID: profile.WorkerID}
			res.Workers[profile.WorkerID] = w
		}
		w.Subjects++
		w.Unclassified += sr.Unclassified
		for _, va := range sr.Visits {
			w.Expected++
			res.StatusDistribution[va.Status]++
			switch va.Status {
			case StatusCompletedOnTime:
				w.Completed++
				w.CompletedOnTime++
			case StatusCompletedLate:
				w.Completed++
				w.CompletedLate++
			case StatusDueOnTime:
				w.DueOnTime++
			case StatusDueLate:
				w.DueLate++
			case StatusMissed:
				w.Missed++
			}
		}

		// Follow-up rate aggregation is always restricted to eligible
		// subjects, independent of the output filter toggle.
		if profile.Eligible {
			num, den := rateTerms(sr.Visits, opts)
			w.rateNum += num
			w.rateDen += den
		}
	}

	for _, w := range res.Workers {
		if w.rateDen > 0 {
			rate := float64(w.rateNum) / float64(w.rateDen)
			w.FollowUpRate = &rate
		}
	}

	return res
}

func (e *Engine) mergeSubject(profile domain.SubjectProfile, subjectVisits []domain.VisitRecord, opts Options) SubjectResult {
	sr := SubjectResult{
		SubjectID: profile.SubjectID,
		WorkerID:  profile.WorkerID,
		Name:      profile.Name,
		Eligible:  profile.Eligible,
	}

	// Deterministic matching: expected visits in schedule order, candidate
	// records in completion order, each record consumed at most once.
	expected := append([]domain.ExpectedVisit(nil), profile.Expected...)
	sort.Slice(expected, func(i, j int) bool {
		if expected[i].ScheduledDate.Equal(expected[j].ScheduledDate) {
			return expected[i].SlotIndex < expected[j].SlotIndex
		}
		return expected[i].ScheduledDate.Before(expected[j].ScheduledDate)
	})
	candidates := append([]domain.VisitRecord(nil), subjectVisits...)
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CompletedAt.Before(candidates[j].CompletedAt)
	})
	used := make([]bool, len(candidates))

	for _, ev := range expected {
		canonical, known := e.schedule.Normalize(ev.VisitType)
		if !known {
			// No entry in the normalization table: excluded from
			// classification, counted separately, never guessed.
			sr.Unclassified++
			continue
		}
		window, _ := e.schedule.Window(canonical)
		scheduled := anchorScheduledDate(ev.ScheduledDate, window.Reference, profile)

		va := VisitAssessment{
			VisitType:     canonical,
			SlotIndex:     ev.SlotIndex,
			ScheduledDate: scheduled,
			WindowEnd:     scheduled.AddDate(0, 0, window.OnTimeWindowDays),
		}

		matched := false
		for i, rec := range candidates {
			if used[i] {
				continue
			}
			recType, ok := e.schedule.Normalize(rec.VisitType)
			if !ok || recType != canonical {
				continue
			}
			used[i] = true
			matched = true
			completedAt := rec.CompletedAt
			va.CompletedAt = &completedAt
			if withinDays(scheduled, completedAt, window.OnTimeWindowDays) {
				va.Status = StatusCompletedOnTime
			} else {
				va.Status = StatusCompletedLate
			}
			break
		}

		if !matched {
			anchored := ev
			anchored.ScheduledDate = scheduled
			va.Status = classifyPending(anchored, window.OnTimeWindowDays, window.ExpiryOffsetDays, opts.Now)
		}

		sr.Visits = append(sr.Visits, va)
		sr.Total++
		if va.Status.Completed() {
			sr.Completed++
		}
	}

	num, den := rateTerms(sr.Visits, opts)
	if den > 0 {
		rate := float64(num) / float64(den)
		sr.FollowUpRate = &rate
	}

	return sr
}

// classifyPending classifies an expected visit with no matching record.
// The document's expiry date wins when present; otherwise the schedule
// table's expiry offset is applied. A visit with no resolvable expiry
// never expires: it can only ever be due, never missed. This is a
// deliberate, auditable policy decision, not a silent default.
func classifyPending(ev domain.ExpectedVisit, onTimeWindowDays, expiryOffsetDays int, now time.Time) Status {
	if !dateAfter(now, ev.ScheduledDate.AddDate(0, 0, onTimeWindowDays)) {
		return StatusDueOnTime
	}

	expiry := ev.ExpiryDate
	if expiry == nil && expiryOffsetDays > 0 {
		derived := ev.ScheduledDate.AddDate(0, 0, expiryOffsetDays)
		expiry = &derived
	}
	if expiry == nil {
		return StatusDueLate
	}
	if dateAfter(now, *expiry) {
		return StatusMissed
	}
	return StatusDueLate
}

// anchorScheduledDate resolves the effective scheduled date of a slot. The
// dates in a registration document's schedule block are projected from the
// expected delivery date; when a delivery-referenced slot's subject has a
// known actual delivery date, the slot shifts by the same number of days
// the delivery itself shifted. Registration-referenced slots (and subjects
// without both dates) keep the document date.
func anchorScheduledDate(scheduled time.Time, reference string, profile domain.SubjectProfile) time.Time {
	if reference != config.ReferenceDelivery {
		return scheduled
	}
	if profile.ExpectedDeliveryDate == nil || profile.ActualDeliveryDate == nil {
		return scheduled
	}
	delta := truncateToDay(*profile.ActualDeliveryDate).Sub(truncateToDay(*profile.ExpectedDeliveryDate))
	return scheduled.Add(delta)
}

// rateTerms returns the follow-up rate terms for one subject: completed
// visits over expected visits whose on-time window elapsed at least
// gracePeriodDays ago. Visits still inside the grace period never count
// against the denominator.
func rateTerms(visits []VisitAssessment, opts Options) (num, den int) {
	for _, va := range visits {
		if va.Status.Completed() {
			num++
		}
		threshold := va.WindowEnd.AddDate(0, 0, opts.GracePeriodDays)
		if !truncateToDay(opts.Now).Before(truncateToDay(threshold)) {
			den++
		}
	}
	return num, den
}

func groupVisitsBySubject(visits []domain.VisitRecord) map[string][]domain.VisitRecord {
	m := make(map[string][]domain.VisitRecord)
	for _, v := range visits {
		m[v.SubjectID] = append(m[v.SubjectID], v)
	}
	return m
}

// withinDays reports whether t falls in [start, start+days] at date
// granularity.
func withinDays(start, t time.Time, days int) bool {
	startDay := truncateToDay(start)
	end := startDay.AddDate(0, 0, days)
	day := truncateToDay(t)
	return !day.Before(startDay) && !day.After(end)
}

// dateAfter reports whether a's calendar date is strictly after b's.
func dateAfter(a, b time.Time) bool {
	return truncateToDay(a).After(truncateToDay(b))
}

func truncateToDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
