package casemgmt

import (
	"time"

	"github.com/ignite/fieldvisit-monitor/internal/domain"
	"github.com/ignite/fieldvisit-monitor/internal/pkg/logger"
)

const dateLayout = "2006-01-02"

// registrationPage is one page of the registration feed.
type registrationPage struct {
	Meta    pageMeta             `json:"meta"`
	Objects []registrationObject `json:"objects"`
}

type pageMeta struct {
	TotalCount int `json:"total_count"`
	Limit      int `json:"limit"`
	Offset     int `json:"offset"`
}

// registrationObject is the wire shape of one registration document. The
// embedded schedule block carries up to domain.MaxScheduleSlots expected
// visits; sparse population is normal, so presence is validated per slot.
type registrationObject struct {
	CaseID     string         `json:"case_id"`
	OwnerID    string         `json:"owner_id"`
	OpenedOn   time.Time      `json:"opened_on"`
	Properties caseProperties `json:"properties"`
	Schedule   []scheduleSlot `json:"schedule"`
}

type caseProperties struct {
	Name     string `json:"name"`
	Contact  string `json:"contact_phone_number,omitempty"`
	Eligible string `json:"eligible"` // "yes"/"no"
	EDD      string `json:"edd,omitempty"`
	ADD      string `json:"add,omitempty"`
}

type scheduleSlot struct {
	Slot          int    `json:"slot"` // 1-based
	VisitType     string `json:"visit_type"`
	ScheduledDate string `json:"scheduled_date"`
	ExpiryDate    string `json:"expiry_date,omitempty"`
}

// toDomain converts a registration document into a SubjectProfile with its
// embedded expected visits. Invalid or empty schedule slots are skipped;
// a slot with a missing expiry date yields a never-expiring expected visit
// (deliberate policy: such a visit can be Due but never Missed).
func (r registrationObject) toDomain() domain.SubjectProfile {
	profile := domain.SubjectProfile{
		SubjectID:    r.CaseID,
		WorkerID:     r.OwnerID,
		Name:         r.Properties.Name,
		Contact:      r.Properties.Contact,
		Eligible:     r.Properties.Eligible == "yes",
		RegisteredAt: r.OpenedOn,
	}
	profile.ExpectedDeliveryDate = parseDate(r.Properties.EDD)
	profile.ActualDeliveryDate = parseDate(r.Properties.ADD)

	for _, slot := range r.Schedule {
		if slot.Slot < 1 || slot.Slot > domain.MaxScheduleSlots {
			logger.Warn("registration schedule slot out of range",
				"case_id", r.CaseID, "slot", slot.Slot)
			continue
		}
		scheduled := parseDate(slot.ScheduledDate)
		if scheduled == nil || slot.VisitType == "" {
			// Unpopulated slot
			continue
		}
		profile.Expected = append(profile.Expected, domain.ExpectedVisit{
			SubjectID:     r.CaseID,
			WorkerID:      r.OwnerID,
			VisitType:     slot.VisitType,
			SlotIndex:     slot.Slot,
			ScheduledDate: *scheduled,
			ExpiryDate:    parseDate(slot.ExpiryDate),
		})
	}
	return profile
}

func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil
	}
	return &t
}

// workerResponse is the wire shape of the worker directory endpoint.
type workerResponse struct {
	Workers []workerObject `json:"workers"`
}

type workerObject struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}
