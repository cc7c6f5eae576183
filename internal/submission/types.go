package submission

import (
	"time"

	"github.com/ignite/fieldvisit-monitor/internal/domain"
)

// visitPage is one page of the visit-submission feed.
type visitPage struct {
	Meta    pageMeta      `json:"meta"`
	Objects []visitObject `json:"objects"`
}

type pageMeta struct {
	TotalCount int `json:"total_count"`
	Limit      int `json:"limit"`
	Offset     int `json:"offset"`
}

// visitObject is the wire shape of one completed visit.
type visitObject struct {
	CaseID      string     `json:"case_id"`
	UserID      string     `json:"user_id"`
	FormType    string     `json:"form_type"`
	CompletedOn time.Time  `json:"completed_on"`
	GPS         *gpsRecord `json:"gps,omitempty"`
	Age         *int       `json:"age,omitempty"`
	Parity      *int       `json:"parity,omitempty"`
	AppVersion  string     `json:"app_version,omitempty"`
}

type gpsRecord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// toDomain converts a wire visit into the domain record.
func (v visitObject) toDomain() domain.VisitRecord {
	rec := domain.VisitRecord{
		SubjectID:   v.CaseID,
		WorkerID:    v.UserID,
		VisitType:   v.FormType,
		CompletedAt: v.CompletedOn,
		Age:         v.Age,
		Parity:      v.Parity,
		AppVersion:  v.AppVersion,
	}
	if v.GPS != nil {
		rec.Location = &domain.GeoPoint{Lat: v.GPS.Lat, Lon: v.GPS.Lon}
	}
	return rec
}

// scoreResponse is the wire shape of the worker-scores endpoint.
type scoreResponse struct {
	Scores []scoreObject `json:"scores"`
}

type scoreObject struct {
	UserID string  `json:"user_id"`
	Score  float64 `json:"score"`
	Rank   int     `json:"rank"`
}
