package domain

import "time"

// GeoPoint is a WGS84 latitude/longitude pair captured by the field app.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// VisitRecord is one completed field visit as reported by the
// visit-submission feed. Records are immutable once fetched; their
// lifecycle is bounded to a single pipeline run.
type VisitRecord struct {
	SubjectID   string    `json:"subject_id"`
	WorkerID    string    `json:"worker_id"`
	VisitType   string    `json:"visit_type"` // raw form tag, normalized by the merge engine
	CompletedAt time.Time `json:"completed_at"`
	Location    *GeoPoint `json:"location,omitempty"`
	Age         *int      `json:"age,omitempty"`
	Parity      *int      `json:"parity,omitempty"`
	AppVersion  string    `json:"app_version,omitempty"`
}

// HasLocation reports whether the visit carries a usable geocoordinate.
// The field app submits (0,0) when the GPS fix failed, so the origin is
// treated as missing.
func (v VisitRecord) HasLocation() bool {
	return v.Location != nil && !(v.Location.Lat == 0 && v.Location.Lon == 0)
}

// DateRange is a half-open [From, To] window in UTC used for feed queries.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the range (inclusive).
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && !t.After(r.To)
}

// LastNDays builds a range ending at now and starting days earlier.
func LastNDays(now time.Time, days int) DateRange {
	return DateRange{From: now.AddDate(0, 0, -days), To: now}
}
