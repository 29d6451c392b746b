package medstate

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/drfirst/go-medindex/internal/extract"
)

func sampleExtracts() extract.Set {
	return extract.Set{
		extract.Prescriptions: table(extract.Prescriptions, append(rxHeader, "CURRENT_AT_ENROLLMENT"),
			[]string{"P1", "Adalimumab", "Biologic", "01/01/2020", "", "EMR", ""},
			[]string{"P1", "Infliximab", "Biologic", "01/06/2020", "", "EMR", "Y"},
			[]string{"P1", "Azathioprine", "Immunomodulator", "01/02/2020", "01/05/2020", "Patient form", ""},
			[]string{"P1", "BIOLOGIC_NAIVE", "", "01/01/2018", "", "", ""},
			[]string{"P2", "Methotrexate", "", "01/01/2021", "", "EMR", ""},
			[]string{"P2", "Azathioprine", "", "01/01/2021", "", "EMR", ""},
			[]string{"P3", "Vedolizumab", "", "bad", "", "EMR", ""},
		),
		extract.Demographics: table(extract.Demographics, []string{"PATIENT_ID", "SEX", "DATE_OF_CONSENT", "DATE_OF_CONSENT_WITHDRAWN"},
			[]string{"P1", "F", "01/07/2020", ""},
			[]string{"P2", "M", "01/02/2021", ""},
			[]string{"P3", "F", "01/02/2021", ""},
			[]string{"P4", "M", "01/02/2021", ""},
		),
		extract.Encounters: table(extract.Encounters, []string{"PATIENT_ID", "ENCOUNTER_DATE", "ENCOUNTER_TYPE"},
			[]string{"P1", "01/03/2020", "Office"},
			[]string{"P2", "01/02/2021", "Office"},
		),
	}
}

func TestBuildLatest(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	engine := NewEngine(nil, zap.New(core))

	res, err := engine.Build(context.Background(), Input{Extracts: sampleExtracts()}, KindLatest)
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != KindLatest {
		t.Errorf("strategy = %s", res.Strategy)
	}

	// P3 is excluded, P4 has no encounters.
	if len(res.Cohort.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(res.Cohort.Rows))
	}
	for _, r := range res.Cohort.Rows {
		if r.PatientID == "P4" || r.PatientID == "P3" {
			t.Errorf("patient %s should be absent", r.PatientID)
		}
	}

	p1 := res.Cohort.Rows[0]
	if p1.Classes["Biologic"] != "Adalimumab" || p1.Classes["Immunomodulator"] != "Azathioprine" {
		t.Errorf("P1 at 2020-03-01 = %v", p1.Classes)
	}
	if p1.BioNaive != DateOf(day(t, "2018-01-01")) {
		t.Errorf("P1 BIONAIVE = %s", p1.BioNaive)
	}
	p2 := res.Cohort.Rows[1]
	if p2.Classes["Immunomodulator"] != "Azathioprine, Methotrexate" || p2.BioNaive.Valid {
		t.Errorf("P2 = %+v", p2)
	}

	if res.Report.Count(IssueEmptyResult) != 1 || res.Report.Count(IssuePatientExcluded) != 1 {
		t.Errorf("issues = %+v", res.Report.Issues)
	}
	if !reflect.DeepEqual(res.Report.Excluded, []string{"P3"}) {
		t.Errorf("excluded = %v", res.Report.Excluded)
	}

	built := logs.FilterMessage("cohort built").All()
	if len(built) != 1 {
		t.Fatalf("expected one build log, got %d", len(built))
	}
	if got := built[0].ContextMap()["patients"]; got != int64(2) {
		t.Errorf("logged patients = %v", got)
	}
}

func TestBuildEnrollmentUsesSnapshot(t *testing.T) {
	engine := NewEngine(nil, zap.NewNop())
	res, err := engine.Build(context.Background(), Input{Extracts: sampleExtracts()}, KindLatest, KindEnrollment)
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != KindEnrollment {
		t.Fatalf("strategy = %s, want ENROLLMENT by priority", res.Strategy)
	}
	for _, r := range res.Cohort.Rows {
		switch r.PatientID {
		case "P1":
			if r.MedicationAtIndex != "Infliximab" || r.NoCurrentMedication != "No" {
				t.Errorf("P1 = %q / %q, want flagged Infliximab only", r.MedicationAtIndex, r.NoCurrentMedication)
			}
		case "P2":
			if r.MedicationAtIndex != "" || r.NoCurrentMedication != "Yes" {
				t.Errorf("P2 = %q / %q, want no flagged medication", r.MedicationAtIndex, r.NoCurrentMedication)
			}
		}
	}
}

func TestBuildEnrollmentFallsBackToContainment(t *testing.T) {
	set := sampleExtracts()
	rx := set[extract.Prescriptions]
	set[extract.Prescriptions] = table(extract.Prescriptions, rx.Columns[:len(rxHeader)], trimRows(rx.Rows, len(rxHeader))...)

	res, err := NewEngine(nil, nil).Build(context.Background(), Input{Extracts: set}, KindEnrollment)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range res.Cohort.Rows {
		if r.PatientID == "P2" && r.MedicationAtIndex != "Azathioprine, Methotrexate" {
			t.Errorf("P2 at consent = %q", r.MedicationAtIndex)
		}
	}
}

func trimRows(rows [][]string, n int) [][]string {
	out := make([][]string, len(rows))
	for i, r := range rows {
		out[i] = append([]string(nil), r[:n]...)
	}
	return out
}

func TestBuildStrategyExclusivity(t *testing.T) {
	engine := NewEngine(nil, nil)
	in := Input{Extracts: sampleExtracts()}

	latest, err := engine.Build(context.Background(), in, KindLatest)
	if err != nil {
		t.Fatal(err)
	}
	enrollment, err := engine.Build(context.Background(), in, KindEnrollment)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(latest.Intervals, enrollment.Intervals) {
		t.Error("changing the strategy changed the interval set")
	}
	if reflect.DeepEqual(latest.Index, enrollment.Index) {
		t.Error("different strategies should resolve different index dates")
	}
}

func TestBuildSchemaErrors(t *testing.T) {
	engine := NewEngine(nil, nil)

	set := sampleExtracts()
	delete(set, extract.Encounters)
	_, err := engine.Build(context.Background(), Input{Extracts: set}, KindLatest)
	var se *SchemaError
	if !errors.As(err, &se) || se.Table != extract.Encounters {
		t.Errorf("err = %v, want schema error for encounters", err)
	}
	if !IsPermanent(err) {
		t.Error("schema errors must be permanent")
	}

	_, err = engine.Build(context.Background(), Input{Extracts: sampleExtracts()}, KindBiosample)
	if !errors.As(err, &se) || se.Table != extract.Biosamples {
		t.Errorf("err = %v, want schema error for biosamples", err)
	}

	_, err = engine.Build(context.Background(), Input{Extracts: sampleExtracts()})
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Errorf("err = %v, want config error", err)
	}
}

func TestBuildExternalWithMarkers(t *testing.T) {
	in := Input{
		Extracts: sampleExtracts(),
		External:         []IndexRecord{{PatientID: "P2", IndexDate: day(t, "2021-03-01"), EventID: "visit-9"}},
		ExternalEventIDs: true,
		Markers:          []NaiveMarker{{PatientID: "P2", Date: day(t, "2020-12-01")}},
	}
	res, err := NewEngine(nil, nil).Build(context.Background(), in, KindExternal)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Cohort.Rows) != 1 {
		t.Fatalf("rows = %d", len(res.Cohort.Rows))
	}
	if _, ok := res.Cohort.Column(ColEventID); !ok {
		t.Error("event-keyed caller records should produce an EVENT_ID column")
	}
	if res.Cohort.Rows[0].BioNaive != DateOf(day(t, "2020-12-01")) {
		t.Errorf("BIONAIVE = %s", res.Cohort.Rows[0].BioNaive)
	}
}

func TestExternalHeaderIgnoresRecordValues(t *testing.T) {
	engine := NewEngine(nil, nil)
	build := func(eventID string) []string {
		t.Helper()
		in := Input{
			Extracts: sampleExtracts(),
			External: []IndexRecord{{PatientID: "P1", IndexDate: day(t, "2020-03-01"), EventID: eventID}},
		}
		res, err := engine.Build(context.Background(), in, KindExternal)
		if err != nil {
			t.Fatal(err)
		}
		return res.Cohort.Header()
	}

	plain, keyed := build(""), build("x")
	if !reflect.DeepEqual(plain, keyed) {
		t.Errorf("headers differ:\n%v\n%v", plain, keyed)
	}
	for _, c := range plain {
		if c == ColEventID {
			t.Errorf("EVENT_ID present without event-keyed records: %v", plain)
		}
	}
}

func TestExternalIndexExtractHeaderDecidesEventID(t *testing.T) {
	engine := NewEngine(nil, nil)
	tests := []struct {
		name   string
		header []string
		row    []string
		want   bool
	}{
		{"with column", []string{"PATIENT_ID", "INDEX_DATE", "EVENT_ID"}, []string{"P1", "01/03/2020", ""}, true},
		{"without column", []string{"PATIENT_ID", "INDEX_DATE"}, []string{"P1", "01/03/2020"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := sampleExtracts()
			set[extract.ExternalIndex] = table(extract.ExternalIndex, tt.header, tt.row)
			res, err := engine.Build(context.Background(), Input{Extracts: set}, KindExternal)
			if err != nil {
				t.Fatal(err)
			}
			if _, ok := res.Cohort.Column(ColEventID); ok != tt.want {
				t.Errorf("EVENT_ID column = %v, want %v", ok, tt.want)
			}
		})
	}
}

func TestBuildKeepsUntrackedClasses(t *testing.T) {
	set := extract.Set{
		extract.Prescriptions: table(extract.Prescriptions, rxHeader,
			[]string{"Q", "DrugA", "Immunomodulators", "01/01/2021", "", "EMR"},
			[]string{"Q", "DrugB", "Immunomodulators", "01/01/2021", "", "EMR"},
			[]string{"R", "Ciprofloxacin", "Antibiotic", "01/01/2021", "", "EMR"},
			[]string{"R", "Aspirin", "", "01/01/2021", "", "EMR"},
		),
		extract.Demographics: table(extract.Demographics, []string{"PATIENT_ID", "DATE_OF_CONSENT"},
			[]string{"Q", "01/02/2021"},
			[]string{"R", "01/02/2021"},
		),
	}
	res, err := NewEngine(nil, nil).Build(context.Background(), Input{Extracts: set}, KindEnrollment)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Report.Excluded) != 0 || res.Report.Count(IssuePatientExcluded) != 0 {
		t.Errorf("excluded = %v, issues = %v", res.Report.Excluded, res.Report.Issues)
	}
	// Aspirin has neither a label nor a taxonomy entry.
	if res.Report.Count(IssueUnclassified) != 1 {
		t.Errorf("unclassified = %d, want 1", res.Report.Count(IssueUnclassified))
	}
	if len(res.Cohort.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(res.Cohort.Rows))
	}

	q, r := res.Cohort.Rows[0], res.Cohort.Rows[1]
	if q.Classes["Immunomodulator"] != "DrugA, DrugB" {
		t.Errorf("Q classes = %v", q.Classes)
	}
	if r.Classes["Antibiotic"] != "Ciprofloxacin" || r.MedicationAtIndex != "Ciprofloxacin" {
		t.Errorf("R = %+v", r)
	}
	if r.NoCurrentMedication != "No" {
		t.Errorf("R NO_CURRENT = %q", r.NoCurrentMedication)
	}

	header := res.Cohort.Header()
	pos := make(map[string]int, len(header))
	for i, c := range header {
		pos[c] = i
	}
	for _, c := range []string{"ANTIBIOTIC", "DRUGA_START_DATE", "CIPROFLOXACIN_START_DATE"} {
		if _, ok := pos[c]; !ok {
			t.Errorf("missing column %s in %v", c, header)
		}
	}
	if pos["ANTIBIOTIC"] < pos["SMALL_MOLECULE"] {
		t.Errorf("untracked class column should follow the taxonomy classes: %v", header)
	}
	col, _ := res.Cohort.Column("DRUGA_START_DATE")
	if got := q.Value(col); got != "2021-01-01" {
		t.Errorf("DRUGA_START_DATE = %q", got)
	}
}
