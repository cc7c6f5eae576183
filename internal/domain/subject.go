package domain

import "time"

// MaxScheduleSlots is the number of expected-visit slots a registration
// document can carry. Slots beyond the populated ones are absent, not
// zero-valued; consumers must validate presence per slot.
const MaxScheduleSlots = 6

// ExpectedVisit is one scheduled visit derived from the embedded schedule
// block of a registration document.
type ExpectedVisit struct {
	SubjectID     string     `json:"subject_id"`
	WorkerID      string     `json:"worker_id"`
	VisitType     string     `json:"visit_type"` // raw form tag; the classification engine normalizes it
	SlotIndex     int        `json:"slot_index"` // 1-based position in the schedule block
	ScheduledDate time.Time  `json:"scheduled_date"`
	ExpiryDate    *time.Time `json:"expiry_date,omitempty"` // nil = never expires (policy: can never be Missed)
}

// SubjectProfile is the metadata of one followed subject. One registration
// document yields exactly one profile plus its embedded expected visits.
type SubjectProfile struct {
	SubjectID            string          `json:"subject_id"`
	WorkerID             string          `json:"worker_id"`
	Name                 string          `json:"name"`
	Contact              string          `json:"contact,omitempty"`
	Eligible             bool            `json:"eligible"`
	RegisteredAt         time.Time       `json:"registered_at"`
	ExpectedDeliveryDate *time.Time      `json:"expected_delivery_date,omitempty"`
	ActualDeliveryDate   *time.Time      `json:"actual_delivery_date,omitempty"`
	Expected             []ExpectedVisit `json:"expected"`
}

// WorkerScore is a per-worker performance score from the submission feed.
type WorkerScore struct {
	WorkerID string  `json:"worker_id"`
	Score    float64 `json:"score"`
	Rank     int     `json:"rank,omitempty"`
}
