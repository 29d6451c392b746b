package medstate

import (
	"errors"
	"fmt"
	"sort"

	"github.com/drfirst/go-medindex/internal/extract"
)

// SchemaError reports a required extract or column that is absent. It aborts the build.
type SchemaError struct {
	Table  string
	Column string
}

func (e *SchemaError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("schema: required extract %q is missing", e.Table)
	}
	return fmt.Sprintf("schema: extract %q has no column %q", e.Table, e.Column)
}

// ConfigError reports an unusable build request, such as an unknown strategy.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ErrNoStrategy is wrapped by the ConfigError returned when no strategy is requested.
var ErrNoStrategy = errors.New("no index strategy requested")

// IsPermanent reports whether retrying the same request cannot succeed.
func IsPermanent(err error) bool {
	var se *SchemaError
	var ce *ConfigError
	return errors.As(err, &se) || errors.As(err, &ce)
}

// IssueKind classifies a recoverable data-quality finding.
type IssueKind string

const (
	IssueDateParse       IssueKind = "date_parse"
	IssueInvalidInterval IssueKind = "invalid_interval"
	IssueUnclassified    IssueKind = "unclassified"
	IssueJoinCardinality IssueKind = "join_cardinality"
	IssueEmptyResult     IssueKind = "empty_result"
	IssuePatientExcluded IssueKind = "patient_excluded"
)

// Issue is a recoverable finding. Row is the 1-based data row, 0 when not row-scoped.
type Issue struct {
	Kind      IssueKind `json:"kind"`
	Table     string    `json:"table,omitempty"`
	Row       int       `json:"row,omitempty"`
	PatientID string    `json:"patient_id,omitempty"`
	Message   string    `json:"message"`
}

func (i Issue) String() string {
	switch {
	case i.Table != "" && i.Row > 0:
		return fmt.Sprintf("%s: %s row %d: %s", i.Kind, i.Table, i.Row, i.Message)
	case i.PatientID != "":
		return fmt.Sprintf("%s: patient %s: %s", i.Kind, i.PatientID, i.Message)
	default:
		return fmt.Sprintf("%s: %s", i.Kind, i.Message)
	}
}

// Report summarizes one build.
type Report struct {
	Strategy     Kind              `json:"strategy"`
	Patients     int               `json:"patients"`
	IndexRecords int               `json:"index_records"`
	Rows         int               `json:"rows"`
	Excluded     []string          `json:"excluded,omitempty"`
	Issues       []Issue           `json:"issues,omitempty"`
	Warnings     []extract.Warning `json:"warnings,omitempty"`
}

// Count returns the number of issues of one kind.
func (r *Report) Count(kind IssueKind) int {
	n := 0
	for _, i := range r.Issues {
		if i.Kind == kind {
			n++
		}
	}
	return n
}

// CountsByKind tallies issues per kind.
func (r *Report) CountsByKind() map[IssueKind]int {
	counts := make(map[IssueKind]int)
	for _, i := range r.Issues {
		counts[i.Kind]++
	}
	return counts
}

func (r *Report) add(issues ...Issue) {
	r.Issues = append(r.Issues, issues...)
}

func (r *Report) exclude(ids map[string]bool) {
	for id := range ids {
		r.Excluded = append(r.Excluded, id)
	}
	sort.Strings(r.Excluded)
}
