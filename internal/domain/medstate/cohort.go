package medstate

import (
	"encoding/json"
	"sort"
	"strings"

	"cloud.google.com/go/civil"

	"github.com/drfirst/go-medindex/internal/extract"
	"github.com/drfirst/go-medindex/internal/taxonomy"
)

// Band groups report columns for styling.
type Band string

const (
	BandPassthrough Band = "passthrough"
	BandSummary     Band = "summary"
	BandDetail      Band = "detail"
)

type columnSource int

const (
	srcPatient columnSource = iota
	srcIndexDate
	srcEventID
	srcPassthrough
	srcAttribute
	srcNoCurrent
	srcMedicationAtIndex
	srcBioNaive
	srcClass
	srcStartDate
)

// Column is one report column. Names are upper-cased.
type Column struct {
	Name string `json:"name"`
	Band Band   `json:"band"`

	source columnSource
	key    string
}

// CohortRow is one report row, keyed by an index record.
type CohortRow struct {
	PatientID string
	IndexDate civil.Date
	EventID   string

	Passthrough map[string]string
	Attributes  map[string]string
	// Classes maps class name to the active medication name(s).
	Classes map[string]string
	// StartDates maps a detail column key to the start of the active interval.
	StartDates map[string]civil.Date

	MedicationAtIndex   string
	BioNaive            NullDate
	NoCurrentMedication string
}

// Value renders one cell.
func (r CohortRow) Value(c Column) string {
	switch c.source {
	case srcPatient:
		return r.PatientID
	case srcIndexDate:
		return r.IndexDate.String()
	case srcEventID:
		return r.EventID
	case srcPassthrough:
		return r.Passthrough[c.key]
	case srcAttribute:
		return r.Attributes[c.key]
	case srcNoCurrent:
		return r.NoCurrentMedication
	case srcMedicationAtIndex:
		return r.MedicationAtIndex
	case srcBioNaive:
		return r.BioNaive.String()
	case srcClass:
		return r.Classes[c.key]
	case srcStartDate:
		if d, ok := r.StartDates[c.key]; ok {
			return d.String()
		}
	}
	return ""
}

// Cohort is the assembled wide table.
type Cohort struct {
	Kind    Kind
	Columns []Column
	Rows    []CohortRow
}

// Header returns the column names in order.
func (c *Cohort) Header() []string {
	names := make([]string, len(c.Columns))
	for i, col := range c.Columns {
		names[i] = col.Name
	}
	return names
}

// Records renders every row as strings in column order.
func (c *Cohort) Records() [][]string {
	out := make([][]string, len(c.Rows))
	for i, r := range c.Rows {
		rec := make([]string, len(c.Columns))
		for j, col := range c.Columns {
			rec[j] = r.Value(col)
		}
		out[i] = rec
	}
	return out
}

// Column looks up a column by name.
func (c *Cohort) Column(name string) (Column, bool) {
	for _, col := range c.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

// MarshalJSON encodes the cohort as a column list plus string rows.
func (c *Cohort) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Strategy Kind       `json:"strategy"`
		Columns  []Column   `json:"columns"`
		Rows     [][]string `json:"rows"`
	}{c.Kind, c.Columns, c.Records()})
}

// PivotActive maps each index record to class -> joined medication names.
func PivotActive(states []StateRow) map[IndexKey]map[string]string {
	out := make(map[IndexKey]map[string]string)
	for _, s := range states {
		if !s.Active {
			continue
		}
		m, ok := out[s.Key()]
		if !ok {
			m = make(map[string]string)
			out[s.Key()] = m
		}
		m[s.Class] = s.Medication
	}
	return out
}

// PivotStartDates maps each index record to detail column key -> interval start.
func PivotStartDates(states []StateRow) map[IndexKey]map[string]civil.Date {
	out := make(map[IndexKey]map[string]civil.Date)
	for _, s := range states {
		if !s.Active {
			continue
		}
		m, ok := out[s.Key()]
		if !ok {
			m = make(map[string]civil.Date)
			out[s.Key()] = m
		}
		for _, med := range s.Medications {
			m[extract.NormalizeColumn(med)] = s.Start
		}
	}
	return out
}

// Assembly gathers everything the assembler joins.
type Assembly struct {
	Index        IndexSet
	States       []StateRow
	BioNaive     map[IndexKey]civil.Date
	Demographics *extract.Table
	Diagnosis    *extract.Table
	// UntrackedClasses and UntrackedMedications come from the decoded prescription
	// history and get columns after the taxonomy's own.
	UntrackedClasses     []string
	UntrackedMedications []string
}

// Assemble builds the wide cohort table. Column presence depends on the strategy, the
// taxonomy, the extract headers and the classes present in the prescription history;
// index records never add or remove a column.
func Assemble(a Assembly, tax *taxonomy.Taxonomy) (*Cohort, []Issue) {
	var issues []Issue
	kind := a.Index.Kind
	used := make(map[string]bool)
	var cols []Column
	add := func(c Column) {
		used[c.Name] = true
		cols = append(cols, c)
	}

	add(Column{Name: ColPatientID, Band: BandPassthrough, source: srcPatient})
	add(Column{Name: ColIndexDate, Band: BandPassthrough, source: srcIndexDate})
	if kind.EventKeyed() || a.Index.EventIDs {
		add(Column{Name: ColEventID, Band: BandPassthrough, source: srcEventID})
	}

	demo, demoIssues := indexPassthrough(a.Demographics, used)
	issues = append(issues, demoIssues...)
	for _, c := range demo.columns {
		add(Column{Name: c, Band: BandPassthrough, source: srcPassthrough, key: c})
	}
	diag, diagIssues := indexPassthrough(a.Diagnosis, used)
	issues = append(issues, diagIssues...)
	for _, c := range diag.columns {
		add(Column{Name: c, Band: BandPassthrough, source: srcPassthrough, key: c})
	}

	for _, c := range a.Index.AttributeColumns {
		name := extract.NormalizeColumn(c)
		if used[name] {
			name += eventSuffix
		}
		add(Column{Name: name, Band: BandPassthrough, source: srcAttribute, key: c})
	}

	if kind == KindEnrollment {
		add(Column{Name: ColNoCurrentMedication, Band: BandSummary, source: srcNoCurrent})
	}
	add(Column{Name: ColMedicationAtIndex, Band: BandSummary, source: srcMedicationAtIndex})
	add(Column{Name: ColBioNaive, Band: BandSummary, source: srcBioNaive})
	classes := append(tax.ClassNames(), a.UntrackedClasses...)
	for _, class := range classes {
		name := extract.NormalizeColumn(class)
		if used[name] {
			name += classSuffix
		}
		add(Column{Name: name, Band: BandSummary, source: srcClass, key: class})
	}
	for _, med := range append(tax.Medications(), a.UntrackedMedications...) {
		key := extract.NormalizeColumn(med)
		if used[key+startDateSuffix] {
			continue
		}
		add(Column{Name: key + startDateSuffix, Band: BandDetail, source: srcStartDate, key: key})
	}

	active := PivotActive(a.States)
	starts := PivotStartDates(a.States)
	hasFlag := a.Demographics.Has(ColNoCurrentMedication)

	rows := make([]CohortRow, 0, len(a.Index.Records))
	for _, rec := range a.Index.Records {
		key := rec.Key()
		row := CohortRow{
			PatientID:   rec.PatientID,
			IndexDate:   rec.IndexDate,
			EventID:     rec.EventID,
			Passthrough: merge(demo.byPatient[rec.PatientID], diag.byPatient[rec.PatientID]),
			Attributes:  rec.Attributes,
			Classes:     active[key],
			StartDates:  starts[key],
		}
		row.MedicationAtIndex = medicationAtIndex(classes, row.Classes)
		if d, ok := a.BioNaive[key]; ok {
			row.BioNaive = DateOf(d)
		}
		if kind == KindEnrollment {
			row.NoCurrentMedication = noCurrentMedication(hasFlag, demo.flags[rec.PatientID], row.MedicationAtIndex)
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		x, y := rows[i], rows[j]
		if x.PatientID != y.PatientID {
			return x.PatientID < y.PatientID
		}
		if x.IndexDate != y.IndexDate {
			return x.IndexDate.Before(y.IndexDate)
		}
		return x.EventID < y.EventID
	})

	return &Cohort{Kind: kind, Columns: cols, Rows: rows}, issues
}

type passthrough struct {
	columns   []string
	byPatient map[string]map[string]string
	flags     map[string]string
}

// indexPassthrough keys a patient-level extract by patient id. The first row per patient
// is kept; further rows raise a join issue.
func indexPassthrough(t *extract.Table, used map[string]bool) (passthrough, []Issue) {
	p := passthrough{byPatient: make(map[string]map[string]string), flags: make(map[string]string)}
	if t == nil || !t.Has(ColPatientID) {
		return p, nil
	}
	for _, c := range t.Columns {
		if c == ColPatientID || c == ColNoCurrentMedication || droppedPassthrough[c] || used[c] {
			continue
		}
		p.columns = append(p.columns, c)
	}

	var issues []Issue
	dups := make(map[string]int)
	var order []string
	for row := range t.Rows {
		patient := t.Value(row, ColPatientID)
		if patient == "" {
			continue
		}
		if _, ok := p.byPatient[patient]; ok {
			if dups[patient] == 0 {
				order = append(order, patient)
			}
			dups[patient]++
			continue
		}
		vals := make(map[string]string, len(p.columns))
		for _, c := range p.columns {
			vals[c] = t.Value(row, c)
		}
		p.byPatient[patient] = vals
		p.flags[patient] = t.Value(row, ColNoCurrentMedication)
	}
	for _, patient := range order {
		issues = append(issues, Issue{Kind: IssueJoinCardinality, Table: t.Name, PatientID: patient,
			Message: "more than one row for patient; first kept"})
	}
	return p, issues
}

func merge(maps ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func medicationAtIndex(classes []string, active map[string]string) string {
	var names []string
	for _, c := range classes {
		if v, ok := active[c]; ok && v != "" {
			names = append(names, v)
		}
	}
	return strings.Join(names, NameDelimiter)
}

// noCurrentMedication passes the demographic flag through when the extract has one and
// otherwise derives it from the enrollment snapshot.
func noCurrentMedication(hasFlag bool, flag, atIndex string) string {
	if hasFlag {
		return flag
	}
	if atIndex == "" {
		return "Yes"
	}
	return "No"
}
