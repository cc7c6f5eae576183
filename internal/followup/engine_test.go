package followup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/fieldvisit-monitor/internal/config"
	"github.com/ignite/fieldvisit-monitor/internal/domain"
)

var day0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func day(n int) time.Time { return day0.AddDate(0, 0, n) }

func testSchedule() *Schedule {
	return NewSchedule([]config.VisitTypeConfig{
		{
			Type:             "registration_followup",
			Aliases:          []string{"reg_followup", "Reg Followup"},
			OnTimeWindowDays: 7,
			ExpiryOffsetDays: 30,
			Reference:        "registration",
		},
		{
			Type:             "delivery_followup",
			Aliases:          []string{"del_followup"},
			OnTimeWindowDays: 4,
			ExpiryOffsetDays: 21,
			Reference:        "delivery",
		},
		{
			Type:             "open_ended_followup",
			OnTimeWindowDays: 7,
			// no expiry offset: pending visits of this type never expire
		},
	})
}

func subject(id string, expected ...domain.ExpectedVisit) domain.SubjectProfile {
	return domain.SubjectProfile{
		SubjectID: id,
		WorkerID:  "w1",
		Name:      "Subject " + id,
		Eligible:  true,
		Expected:  expected,
	}
}

func expectedVisit(subjectID, visitType string, scheduled time.Time) domain.ExpectedVisit {
	return domain.ExpectedVisit{
		SubjectID:     subjectID,
		WorkerID:      "w1",
		VisitType:     visitType,
		SlotIndex:     1,
		ScheduledDate: scheduled,
	}
}

func visit(subjectID, visitType string, completed time.Time) domain.VisitRecord {
	return domain.VisitRecord{
		SubjectID:   subjectID,
		WorkerID:    "w1",
		VisitType:   visitType,
		CompletedAt: completed,
	}
}

func opts(now time.Time) Options {
	return Options{Now: now, GracePeriodDays: 5, EligibleOnly: true}
}

func TestScheduleNormalization(t *testing.T) {
	s := testSchedule()

	for _, tag := range []string{"reg_followup", "Reg Followup", "REG-FOLLOWUP", "registration_followup"} {
		canonical, ok := s.Normalize(tag)
		assert.True(t, ok, tag)
		assert.Equal(t, "registration_followup", canonical)
	}

	_, ok := s.Normalize("mystery_form")
	assert.False(t, ok)
}

func TestClassificationEndToEnd(t *testing.T) {
	e := NewEngine(testSchedule())
	profile := subject("s1", expectedVisit("s1", "registration_followup", day(0)))

	// No matching record at day 10: past the 7-day window, inside expiry
	res := e.Merge([]domain.SubjectProfile{profile}, nil, opts(day(10)))
	require.Len(t, res.Subjects[0].Visits, 1)
	assert.Equal(t, StatusDueLate, res.Subjects[0].Visits[0].Status)

	// No matching record at day 35: past the 30-day expiry offset
	res = e.Merge([]domain.SubjectProfile{profile}, nil, opts(day(35)))
	assert.Equal(t, StatusMissed, res.Subjects[0].Visits[0].Status)

	// Matching record completed at day 5: inside the on-time window
	res = e.Merge([]domain.SubjectProfile{profile},
		[]domain.VisitRecord{visit("s1", "reg_followup", day(5))}, opts(day(35)))
	assert.Equal(t, StatusCompletedOnTime, res.Subjects[0].Visits[0].Status)

	// Matching record completed at day 12: completed, but late
	res = e.Merge([]domain.SubjectProfile{profile},
		[]domain.VisitRecord{visit("s1", "reg_followup", day(12))}, opts(day(35)))
	assert.Equal(t, StatusCompletedLate, res.Subjects[0].Visits[0].Status)
}

func TestDueOnTimeInsideWindow(t *testing.T) {
	e := NewEngine(testSchedule())
	profile := subject("s1", expectedVisit("s1", "registration_followup", day(0)))

	res := e.Merge([]domain.SubjectProfile{profile}, nil, opts(day(6)))
	assert.Equal(t, StatusDueOnTime, res.Subjects[0].Visits[0].Status)

	// Day 7 is the window boundary, still on time
	res = e.Merge([]domain.SubjectProfile{profile}, nil, opts(day(7)))
	assert.Equal(t, StatusDueOnTime, res.Subjects[0].Visits[0].Status)
}

func TestDocumentExpiryOverridesTable(t *testing.T) {
	e := NewEngine(testSchedule())
	expiry := day(15)
	ev := expectedVisit("s1", "registration_followup", day(0))
	ev.ExpiryDate = &expiry
	profile := subject("s1", ev)

	// Day 20 is past the document expiry (day 15) but inside the table's
	// 30-day offset: the document wins.
	res := e.Merge([]domain.SubjectProfile{profile}, nil, opts(day(20)))
	assert.Equal(t, StatusMissed, res.Subjects[0].Visits[0].Status)
}

func TestMissingExpiryNeverMissed(t *testing.T) {
	e := NewEngine(testSchedule())
	profile := subject("s1", expectedVisit("s1", "open_ended_followup", day(0)))

	// Even years later, a never-expiring visit stays due
	res := e.Merge([]domain.SubjectProfile{profile}, nil, opts(day(800)))
	assert.Equal(t, StatusDueLate, res.Subjects[0].Visits[0].Status)
}

func TestDeliveryReferenceReanchorsSchedule(t *testing.T) {
	e := NewEngine(testSchedule())
	edd := day(7)
	add := day(14) // delivered a week late
	profile := subject("s1",
		domain.ExpectedVisit{SubjectID: "s1", WorkerID: "w1", VisitType: "delivery_followup", SlotIndex: 1, ScheduledDate: day(10)},
	)
	profile.ExpectedDeliveryDate = &edd
	profile.ActualDeliveryDate = &add

	// Completed 9 days after the document date, but only 2 days after the
	// re-anchored one: on time against the real delivery.
	visits := []domain.VisitRecord{visit("s1", "del_followup", day(19))}
	res := e.Merge([]domain.SubjectProfile{profile}, visits, opts(day(25)))

	sr := res.Subjects[0]
	require.Len(t, sr.Visits, 1)
	assert.Equal(t, day(17), sr.Visits[0].ScheduledDate)
	assert.Equal(t, day(21), sr.Visits[0].WindowEnd)
	assert.Equal(t, StatusCompletedOnTime, sr.Visits[0].Status)
}

func TestDeliveryReferenceWithoutActualDateKeepsDocumentDate(t *testing.T) {
	e := NewEngine(testSchedule())
	edd := day(7)
	profile := subject("s1",
		domain.ExpectedVisit{SubjectID: "s1", WorkerID: "w1", VisitType: "delivery_followup", SlotIndex: 1, ScheduledDate: day(10)},
	)
	profile.ExpectedDeliveryDate = &edd

	res := e.Merge([]domain.SubjectProfile{profile}, nil, opts(day(16)))

	sr := res.Subjects[0]
	require.Len(t, sr.Visits, 1)
	assert.Equal(t, day(10), sr.Visits[0].ScheduledDate)
	assert.Equal(t, StatusDueLate, sr.Visits[0].Status)
}

func TestRegistrationReferenceIgnoresDeliveryShift(t *testing.T) {
	e := NewEngine(testSchedule())
	edd := day(7)
	add := day(14)
	profile := subject("s1", expectedVisit("s1", "registration_followup", day(0)))
	profile.ExpectedDeliveryDate = &edd
	profile.ActualDeliveryDate = &add

	res := e.Merge([]domain.SubjectProfile{profile}, nil, opts(day(3)))

	require.Len(t, res.Subjects[0].Visits, 1)
	assert.Equal(t, day(0), res.Subjects[0].Visits[0].ScheduledDate)
}

func TestStatusCountsSumToExpected(t *testing.T) {
	e := NewEngine(testSchedule())
	profiles := []domain.SubjectProfile{
		subject("s1",
			expectedVisit("s1", "registration_followup", day(0)),
			domain.ExpectedVisit{SubjectID: "s1", WorkerID: "w1", VisitType: "delivery_followup", SlotIndex: 2, ScheduledDate: day(10)},
		),
		subject("s2", expectedVisit("s2", "registration_followup", day(-40))),
	}
	visits := []domain.VisitRecord{
		visit("s1", "reg_followup", day(3)),
	}

	res := e.Merge(profiles, visits, opts(day(12)))

	total := 0
	for _, sr := range res.Subjects {
		total += sr.Total
	}
	classified := 0
	for _, n := range res.StatusDistribution {
		classified += n
	}
	assert.Equal(t, total, classified, "every classified expected visit gets exactly one status")

	completed := res.StatusDistribution[StatusCompletedOnTime] + res.StatusDistribution[StatusCompletedLate]
	due := res.StatusDistribution[StatusDueOnTime] + res.StatusDistribution[StatusDueLate]
	missed := res.StatusDistribution[StatusMissed]
	assert.Equal(t, total, completed+due+missed)
}

func TestUnclassifiedBucket(t *testing.T) {
	e := NewEngine(testSchedule())
	profile := subject("s1",
		expectedVisit("s1", "registration_followup", day(0)),
		domain.ExpectedVisit{SubjectID: "s1", WorkerID: "w1", VisitType: "mystery_form", SlotIndex: 2, ScheduledDate: day(5)},
	)

	res := e.Merge([]domain.SubjectProfile{profile}, nil, opts(day(3)))

	sr := res.Subjects[0]
	assert.Equal(t, 1, sr.Total, "unknown visit type excluded from classification")
	assert.Equal(t, 1, sr.Unclassified)
	assert.Equal(t, 1, res.Unclassified)
	assert.Equal(t, 1, res.Workers["w1"].Unclassified)
}

func TestVisitRecordConsumedOnce(t *testing.T) {
	e := NewEngine(testSchedule())
	// Two expected visits of the same type, one completed record: only the
	// earlier slot may claim it.
	profile := subject("s1",
		domain.ExpectedVisit{SubjectID: "s1", WorkerID: "w1", VisitType: "registration_followup", SlotIndex: 1, ScheduledDate: day(0)},
		domain.ExpectedVisit{SubjectID: "s1", WorkerID: "w1", VisitType: "registration_followup", SlotIndex: 2, ScheduledDate: day(30)},
	)
	visits := []domain.VisitRecord{visit("s1", "reg_followup", day(2))}

	res := e.Merge([]domain.SubjectProfile{profile}, visits, opts(day(5)))

	sr := res.Subjects[0]
	require.Len(t, sr.Visits, 2)
	assert.Equal(t, StatusCompletedOnTime, sr.Visits[0].Status)
	assert.Equal(t, StatusDueOnTime, sr.Visits[1].Status)
	assert.Equal(t, 1, sr.Completed)
}

func TestFollowUpRateGracePeriod(t *testing.T) {
	e := NewEngine(testSchedule())
	// Window ends day 7. With grace 5, the visit counts against the
	// denominator from day 12 onward.
	profile := subject("s1", expectedVisit("s1", "registration_followup", day(0)))

	o := opts(day(10))
	res := e.Merge([]domain.SubjectProfile{profile}, nil, o)
	assert.Nil(t, res.Subjects[0].FollowUpRate, "inside grace: rate undefined")
	assert.Nil(t, res.Workers["w1"].FollowUpRate)

	o = opts(day(12))
	res = e.Merge([]domain.SubjectProfile{profile}, nil, o)
	require.NotNil(t, res.Subjects[0].FollowUpRate)
	assert.Equal(t, 0.0, *res.Subjects[0].FollowUpRate)
}

func TestFollowUpRateMonotonicInGrace(t *testing.T) {
	e := NewEngine(testSchedule())
	profiles := []domain.SubjectProfile{
		subject("s1",
			expectedVisit("s1", "registration_followup", day(0)),
			domain.ExpectedVisit{SubjectID: "s1", WorkerID: "w1", VisitType: "registration_followup", SlotIndex: 2, ScheduledDate: day(4)},
		),
	}
	visits := []domain.VisitRecord{visit("s1", "reg_followup", day(3))}

	now := day(13)
	var prev float64 = 2.0 // above any possible rate
	for grace := 6; grace >= 0; grace-- {
		res := e.Merge(profiles, visits, Options{Now: now, GracePeriodDays: grace, EligibleOnly: true})
		rate := res.Workers["w1"].FollowUpRate
		if rate == nil {
			continue
		}
		assert.LessOrEqual(t, *rate, prev, "rate must not increase as grace shrinks (grace=%d)", grace)
		prev = *rate
	}
}

func TestEligibleOnlyFilter(t *testing.T) {
	e := NewEngine(testSchedule())
	eligible := subject("s1", expectedVisit("s1", "registration_followup", day(0)))
	notEligible := subject("s2", expectedVisit("s2", "registration_followup", day(0)))
	notEligible.Eligible = false

	res := e.Merge([]domain.SubjectProfile{eligible, notEligible}, nil, Options{Now: day(3), GracePeriodDays: 5, EligibleOnly: true})
	assert.Equal(t, 1, res.TotalSubjects)

	res = e.Merge([]domain.SubjectProfile{eligible, notEligible}, nil, Options{Now: day(3), GracePeriodDays: 5, EligibleOnly: false})
	assert.Equal(t, 2, res.TotalSubjects)
}
