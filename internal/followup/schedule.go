package followup

import (
	"strings"

	"github.com/ignite/fieldvisit-monitor/internal/config"
)

// Schedule is the visit-type policy table: the normalization lookup from
// raw form tags to canonical types, plus the per-type on-time and expiry
// windows. It is built once from config; the engine never hard-codes
// window lengths.
type Schedule struct {
	windows map[string]config.VisitTypeConfig
	aliases map[string]string
}

// NewSchedule builds the schedule table from the configured visit types.
// Each canonical type name is also its own alias.
func NewSchedule(types []config.VisitTypeConfig) *Schedule {
	s := &Schedule{
		windows: make(map[string]config.VisitTypeConfig, len(types)),
		aliases: make(map[string]string),
	}
	for _, vt := range types {
		s.windows[vt.Type] = vt
		s.aliases[canonicalTag(vt.Type)] = vt.Type
		for _, alias := range vt.Aliases {
			s.aliases[canonicalTag(alias)] = vt.Type
		}
	}
	return s
}

// Normalize maps a raw visit-type tag to its canonical type. The second
// return is false when the tag has no entry in the table; such visits land
// in the unclassified bucket, never in a guessed type.
func (s *Schedule) Normalize(rawTag string) (string, bool) {
	typ, ok := s.aliases[canonicalTag(rawTag)]
	return typ, ok
}

// Window returns the policy row for a canonical type.
func (s *Schedule) Window(canonicalType string) (config.VisitTypeConfig, bool) {
	cfg, ok := s.windows[canonicalType]
	return cfg, ok
}

// canonicalTag folds case and separator variations seen across app
// versions ("Reg Followup", "reg-followup", "REG_FOLLOWUP").
func canonicalTag(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	tag = strings.ReplaceAll(tag, "-", "_")
	tag = strings.ReplaceAll(tag, " ", "_")
	return tag
}
