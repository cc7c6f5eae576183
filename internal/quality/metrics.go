// Package quality computes population-level fabrication signals per field
// worker: duplicate-value concentration on reported numeric fields,
// suspicious same-day completion batching, and shared contact identifiers.
// Everything here is a pure function over already-merged data; the package
// performs no I/O.
package quality

import (
	"strconv"

	"github.com/ignite/fieldvisit-monitor/internal/domain"
)

// FieldConcentration describes how concentrated the reported values of one
// field are for a worker. A high repeated share with a dominant value is a
// fabrication signal.
type FieldConcentration struct {
	Field             string  `json:"field"`
	Values            int     `json:"values"`
	PercentRepeated   float64 `json:"percent_repeated"` // share of values occurring more than once
	MostFrequent      string  `json:"most_frequent,omitempty"`
	MostFrequentCount int     `json:"most_frequent_count"`
}

// WorkerQuality is the fraud-signal rollup for one worker.
type WorkerQuality struct {
	WorkerID             string               `json:"worker_id"`
	Fields               []FieldConcentration `json:"fields"`
	SameDayCompletions   int                  `json:"same_day_completions"`
	ContactDuplicateRate float64              `json:"contact_duplicate_rate"`
}

// Compute derives per-worker quality metrics from merged subject profiles
// and the run's visit records.
func Compute(profiles []domain.SubjectProfile, visits []domain.VisitRecord) map[string]*WorkerQuality {
	out := make(map[string]*WorkerQuality)
	worker := func(id string) *WorkerQuality {
		w := out[id]
		if w == nil {
			w = &WorkerQuality{WorkerID: id}
			out[id] = w
		}
		return w
	}

	// Duplicate-value concentration over the reported numeric fields
	ages := make(map[string][]string)
	parities := make(map[string][]string)
	for _, v := range visits {
		if v.Age != nil {
			ages[v.WorkerID] = append(ages[v.WorkerID], strconv.Itoa(*v.Age))
		}
		if v.Parity != nil {
			parities[v.WorkerID] = append(parities[v.WorkerID], strconv.Itoa(*v.Parity))
		}
	}
	for workerID, values := range ages {
		worker(workerID).Fields = append(worker(workerID).Fields, concentration("age", values))
	}
	for workerID, values := range parities {
		worker(workerID).Fields = append(worker(workerID).Fields, concentration("parity", values))
	}

	// Same-day completions: subjects with two distinct visit types
	// completed on the identical calendar date
	typesBySubjectDay := make(map[string]map[string]bool) // subject|date -> visit types
	workerOfSubject := make(map[string]string)
	for _, v := range visits {
		key := v.SubjectID + "|" + v.CompletedAt.UTC().Format("2006-01-02")
		if typesBySubjectDay[key] == nil {
			typesBySubjectDay[key] = make(map[string]bool)
		}
		typesBySubjectDay[key][v.VisitType] = true
		workerOfSubject[v.SubjectID] = v.WorkerID
	}
	flaggedSubjects := make(map[string]bool)
	for key, types := range typesBySubjectDay {
		if len(types) < 2 {
			continue
		}
		subjectID := key[:len(key)-len("|2006-01-02")]
		flaggedSubjects[subjectID] = true
	}
	for subjectID := range flaggedSubjects {
		worker(workerOfSubject[subjectID]).SameDayCompletions++
	}

	// Contact duplicates within each worker's subject set
	contactCounts := make(map[string]map[string]int) // worker -> contact -> subjects
	subjectsByWorker := make(map[string][]domain.SubjectProfile)
	for _, p := range profiles {
		subjectsByWorker[p.WorkerID] = append(subjectsByWorker[p.WorkerID], p)
		if p.Contact == "" {
			continue
		}
		if contactCounts[p.WorkerID] == nil {
			contactCounts[p.WorkerID] = make(map[string]int)
		}
		contactCounts[p.WorkerID][p.Contact]++
	}
	for workerID, subjects := range subjectsByWorker {
		dupes := 0
		for _, p := range subjects {
			if p.Contact != "" && contactCounts[workerID][p.Contact] > 1 {
				dupes++
			}
		}
		if len(subjects) > 0 {
			worker(workerID).ContactDuplicateRate = float64(dupes) / float64(len(subjects))
		}
	}

	return out
}

// concentration computes the repeated-value share and the modal value.
func concentration(field string, values []string) FieldConcentration {
	fc := FieldConcentration{Field: field, Values: len(values)}
	if len(values) == 0 {
		return fc
	}

	counts := make(map[string]int, len(values))
	for _, v := range values {
		counts[v]++
	}

	repeated := 0
	for _, v := range values {
		if counts[v] > 1 {
			repeated++
		}
	}
	fc.PercentRepeated = 100 * float64(repeated) / float64(len(values))

	for v, n := range counts {
		if n > fc.MostFrequentCount {
			fc.MostFrequent = v
			fc.MostFrequentCount = n
		} else if n == fc.MostFrequentCount && v < fc.MostFrequent {
			// Deterministic tie-break for stable output
			fc.MostFrequent = v
		}
	}
	return fc
}
