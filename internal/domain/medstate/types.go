// Package medstate implements the medication-at-index engine: interval stitching,
// index-date resolution, medication-state evaluation, biologic-naive derivation and
// cohort assembly. Every step is a pure function over immutable inputs.
package medstate

import (
	"encoding/json"
	"strings"

	"cloud.google.com/go/civil"
)

// Source identifies where a prescription record came from.
type Source string

const (
	SourceEMR             Source = "EMR"
	SourcePatientReported Source = "PATIENT_REPORTED"
	SourceUnknown         Source = ""
)

// ParseSource maps the free-text source column onto a Source.
func ParseSource(s string) Source {
	u := strings.ToUpper(strings.TrimSpace(s))
	switch {
	case u == "":
		return SourceUnknown
	case strings.Contains(u, "EMR"), strings.Contains(u, "EHR"), strings.Contains(u, "ELECTRONIC"):
		return SourceEMR
	default:
		return SourcePatientReported
	}
}

// NullDate is a date that may be absent.
type NullDate struct {
	Date  civil.Date
	Valid bool
}

// DateOf wraps a present date.
func DateOf(d civil.Date) NullDate {
	return NullDate{Date: d, Valid: true}
}

// String renders the date, or "" when absent.
func (n NullDate) String() string {
	if !n.Valid {
		return ""
	}
	return n.Date.String()
}

// MarshalJSON encodes an absent date as null.
func (n NullDate) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Date)
}

// UnmarshalJSON accepts null or an ISO date.
func (n *NullDate) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*n = NullDate{}
		return nil
	}
	if err := json.Unmarshal(data, &n.Date); err != nil {
		return err
	}
	n.Valid = true
	return nil
}

// PrescriptionEvent is one decoded prescription row.
type PrescriptionEvent struct {
	PatientID           string     `json:"patient_id"`
	Medication          string     `json:"medication"`
	Class               string     `json:"class"`
	Start               civil.Date `json:"start"`
	End                 NullDate   `json:"end"`
	Source              Source     `json:"source,omitempty"`
	CurrentAtEnrollment bool       `json:"current_at_enrollment,omitempty"`
}

// MedicationInterval is a stitched exposure window. An invalid End means ongoing.
type MedicationInterval struct {
	PatientID  string     `json:"patient_id"`
	Medication string     `json:"medication"`
	Class      string     `json:"class"`
	Start      civil.Date `json:"start"`
	End        NullDate   `json:"end"`
}

// Ongoing reports whether the interval has no effective end.
func (iv MedicationInterval) Ongoing() bool {
	return !iv.End.Valid
}

// ActiveOn tests half-open containment: start <= d < end, or d >= start when ongoing.
func (iv MedicationInterval) ActiveOn(d civil.Date) bool {
	if d.Before(iv.Start) {
		return false
	}
	return !iv.End.Valid || d.Before(iv.End.Date)
}

// Overlaps reports whether two intervals share at least one day.
func (iv MedicationInterval) Overlaps(other MedicationInterval) bool {
	aEndsFirst := iv.End.Valid && !iv.End.Date.After(other.Start)
	bEndsFirst := other.End.Valid && !other.End.Date.After(iv.Start)
	return !aEndsFirst && !bEndsFirst
}

// IndexKey identifies one evaluation point.
type IndexKey struct {
	PatientID string
	IndexDate civil.Date
	EventID   string
}

// IndexRecord is one resolved index date. Attributes carries strategy-specific
// passthrough values, such as the originating collection-event row.
type IndexRecord struct {
	PatientID  string            `json:"patient_id"`
	IndexDate  civil.Date        `json:"index_date"`
	EventID    string            `json:"event_id,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Key returns the record's identity.
func (r IndexRecord) Key() IndexKey {
	return IndexKey{PatientID: r.PatientID, IndexDate: r.IndexDate, EventID: r.EventID}
}

// StateRow marks one class as active at one index record. Medication joins every
// tied medication name; Medications keeps them separately.
type StateRow struct {
	PatientID   string     `json:"patient_id"`
	IndexDate   civil.Date `json:"index_date"`
	EventID     string     `json:"event_id,omitempty"`
	Class       string     `json:"class"`
	Medication  string     `json:"medication"`
	Medications []string   `json:"medications"`
	Start       civil.Date `json:"start"`
	Active      bool       `json:"active"`
}

// Key returns the index record the row belongs to.
func (s StateRow) Key() IndexKey {
	return IndexKey{PatientID: s.PatientID, IndexDate: s.IndexDate, EventID: s.EventID}
}

// NaiveMarker is one biologic-naive flag from the raw history.
type NaiveMarker struct {
	PatientID string     `json:"patient_id"`
	Date      civil.Date `json:"date"`
}

// NameDelimiter joins medication names that tie within a class.
const NameDelimiter = ", "
