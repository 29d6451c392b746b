package medstate

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/drfirst/go-medindex/internal/extract"
	"github.com/drfirst/go-medindex/internal/taxonomy"
)

// History is the decoded prescription extract.
type History struct {
	Events  []PrescriptionEvent
	Markers []NaiveMarker
	// HasCurrentFlag is set when the extract carries CURRENT_AT_ENROLLMENT.
	HasCurrentFlag bool
	// Patients lists every patient that appears in the extract.
	Patients []string
	// Excluded holds patients who have malformed medication rows and no valid ones.
	Excluded map[string]bool
	// UntrackedClasses lists class labels the taxonomy does not declare, sorted.
	UntrackedClasses []string
	// UntrackedMedications lists medications the taxonomy does not name, by class then name.
	UntrackedMedications []string
	Issues               []Issue
}

// prescriptionColumns are required in the prescription extract.
var prescriptionColumns = []string{ColPatientID, ColMedicationName, ColStartDate}

// DecodeHistory turns the prescription extract into events and naive markers. Rows with
// bad dates, inverted intervals or no resolvable class are dropped one by one with an
// issue. A patient is excluded only when they have malformed rows and none survive;
// rows that are merely unclassified never exclude anyone.
func DecodeHistory(t *extract.Table, tax *taxonomy.Taxonomy) (*History, error) {
	if t == nil {
		return nil, &SchemaError{Table: extract.Prescriptions}
	}
	if missing := t.Missing(prescriptionColumns...); len(missing) > 0 {
		return nil, &SchemaError{Table: extract.Prescriptions, Column: missing[0]}
	}

	h := &History{
		HasCurrentFlag: t.Has(ColCurrentAtEnrollment),
		Excluded:       make(map[string]bool),
	}
	seen := make(map[string]bool)
	malformed := make(map[string]int)
	kept := make(map[string]int)

	for row := range t.Rows {
		line := row + 1
		patient := t.Value(row, ColPatientID)
		if patient == "" {
			h.Issues = append(h.Issues, Issue{Kind: IssueJoinCardinality, Table: t.Name, Row: line,
				Message: "row has no patient id and cannot be joined; dropped"})
			continue
		}
		if !seen[patient] {
			seen[patient] = true
			h.Patients = append(h.Patients, patient)
		}
		med := t.Value(row, ColMedicationName)

		if tax.IsNaiveMarker(med) {
			d, err := extract.ParseDate(t.Value(row, ColStartDate))
			if err != nil {
				h.Issues = append(h.Issues, dateIssue(t.Name, line, patient, ColStartDate, err))
				continue
			}
			h.Markers = append(h.Markers, NaiveMarker{PatientID: patient, Date: d})
			continue
		}

		ev, issue, ok := decodeEvent(t, row, patient, med, tax)
		if !ok {
			if issue.Kind != IssueUnclassified || med == "" {
				malformed[patient]++
			}
			h.Issues = append(h.Issues, issue)
			continue
		}
		kept[patient]++
		h.Events = append(h.Events, ev)
	}

	for _, p := range h.Patients {
		if malformed[p] > 0 && kept[p] == 0 {
			h.Excluded[p] = true
			h.Issues = append(h.Issues, Issue{Kind: IssuePatientExcluded, PatientID: p,
				Message: fmt.Sprintf("all %d medication rows failed validation", malformed[p])})
		}
	}
	sort.Strings(h.Patients)
	h.UntrackedClasses, h.UntrackedMedications = untracked(h.Events, tax)
	return h, nil
}

// untracked collects the classes and medications of events that have no taxonomy entry.
func untracked(events []PrescriptionEvent, tax *taxonomy.Taxonomy) ([]string, []string) {
	classes := make(map[string]bool)
	meds := make(map[string]string)
	for _, ev := range events {
		if _, ok := tax.Canonical(ev.Class); !ok {
			classes[ev.Class] = true
		}
		if _, ok := tax.ClassOf(ev.Medication); !ok {
			if _, dup := meds[ev.Medication]; !dup {
				meds[ev.Medication] = ev.Class
			}
		}
	}
	classNames := make([]string, 0, len(classes))
	for c := range classes {
		classNames = append(classNames, c)
	}
	sort.Strings(classNames)
	medNames := make([]string, 0, len(meds))
	for m := range meds {
		medNames = append(medNames, m)
	}
	sort.Slice(medNames, func(i, j int) bool {
		a, b := medNames[i], medNames[j]
		if meds[a] != meds[b] {
			return meds[a] < meds[b]
		}
		return a < b
	})
	return classNames, medNames
}

func decodeEvent(t *extract.Table, row int, patient, med string, tax *taxonomy.Taxonomy) (PrescriptionEvent, Issue, bool) {
	line := row + 1
	if med == "" {
		return PrescriptionEvent{}, Issue{Kind: IssueUnclassified, Table: t.Name, Row: line, PatientID: patient,
			Message: "row has no medication name"}, false
	}

	class, ok := classify(t.Value(row, ColMOAClass), med, tax)
	if !ok {
		return PrescriptionEvent{}, Issue{Kind: IssueUnclassified, Table: t.Name, Row: line, PatientID: patient,
			Message: fmt.Sprintf("medication %q has no class label and no known class", med)}, false
	}

	start, err := extract.ParseDate(t.Value(row, ColStartDate))
	if err != nil {
		return PrescriptionEvent{}, dateIssue(t.Name, line, patient, ColStartDate, err), false
	}

	var end NullDate
	if raw := t.Value(row, ColEndDate); !extract.IsEmpty(raw) {
		d, err := extract.ParseDate(raw)
		if err != nil {
			return PrescriptionEvent{}, dateIssue(t.Name, line, patient, ColEndDate, err), false
		}
		if d.Before(start) {
			return PrescriptionEvent{}, Issue{Kind: IssueInvalidInterval, Table: t.Name, Row: line, PatientID: patient,
				Message: fmt.Sprintf("end %s precedes start %s", d, start)}, false
		}
		end = DateOf(d)
	}

	return PrescriptionEvent{
		PatientID:           patient,
		Medication:          tax.CanonicalMedication(med),
		Class:               class,
		Start:               start,
		End:                 end,
		Source:              ParseSource(t.Value(row, ColSource)),
		CurrentAtEnrollment: truthy(t.Value(row, ColCurrentAtEnrollment)),
	}, Issue{}, true
}

// classify prefers the extract's own class label, spelled as the taxonomy declares it
// when it is known and kept verbatim otherwise. Unlabelled rows fall back to the taxonomy.
func classify(label, med string, tax *taxonomy.Taxonomy) (string, bool) {
	label = strings.TrimSpace(label)
	if label != "" && !extract.IsEmpty(label) {
		if c, ok := tax.Canonical(label); ok {
			return c, true
		}
		return label, true
	}
	return tax.ClassOf(med)
}

func dateIssue(table string, line int, patient, column string, err error) Issue {
	msg := fmt.Sprintf("%s: %v", column, err)
	if errors.Is(err, extract.ErrEmptyDate) {
		msg = fmt.Sprintf("%s is empty", column)
	}
	return Issue{Kind: IssueDateParse, Table: table, Row: line, PatientID: patient, Message: msg}
}

func truthy(s string) bool {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "1", "TRUE", "T", "YES", "Y", "X":
		return true
	}
	return false
}
