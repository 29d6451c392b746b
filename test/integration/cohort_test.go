// Package integration runs the cohort engine end to end over the CSV fixtures.
package integration

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-medindex/internal/domain/medstate"
	"github.com/drfirst/go-medindex/internal/export/workbook"
	"github.com/drfirst/go-medindex/internal/extract"
	"github.com/drfirst/go-medindex/internal/fhir/r5"
)

const fixtureDir = "../fixtures/ibd"

func loadFixtures(t *testing.T) extract.Set {
	t.Helper()
	set, err := extract.LoadDir(fixtureDir)
	if err != nil {
		t.Skipf("fixtures not readable: %v", err)
	}
	if set.Get(extract.Prescriptions) == nil {
		t.Skipf("fixtures not found in %s", fixtureDir)
	}
	return set
}

// cell returns the rendered value of a column for the row of a patient and index date.
func cell(t *testing.T, c *medstate.Cohort, patient, indexDate, column string) string {
	t.Helper()
	col, ok := c.Column(column)
	if !ok {
		t.Fatalf("cohort has no column %s (have %v)", column, c.Header())
	}
	for _, r := range c.Rows {
		if r.PatientID == patient && r.IndexDate.String() == indexDate {
			return r.Value(col)
		}
	}
	t.Fatalf("no row for %s on %s", patient, indexDate)
	return ""
}

func TestStrategies(t *testing.T) {
	set := loadFixtures(t)
	engine := medstate.NewEngine(nil, zaptest.NewLogger(t))

	type expect struct {
		patient, date, column, value string
	}
	tests := []struct {
		kind   medstate.Kind
		rows   int
		checks []expect
	}{
		{medstate.KindEnrollment, 3, []expect{
			{"P1", "2020-07-01", "BIOLOGIC", "Infliximab"},
			{"P1", "2020-07-01", "IMMUNOMODULATOR", ""},
			{"P1", "2020-07-01", "BIONAIVE", "2018-01-01"},
			{"P2", "2021-02-01", "IMMUNOMODULATOR", "Azathioprine, Methotrexate"},
			{"P2", "2021-02-01", "NO_CURRENT_IBD_MEDICATION_AT_ENROLLMENT", "No"},
			{"P3", "2020-05-05", "AMINOSALICYLATE", "Mesalamine"},
			{"P3", "2020-05-05", "DIAGNOSIS", "Ulcerative colitis"},
		}},
		{medstate.KindLatest, 2, []expect{
			{"P1", "2020-03-01", "BIOLOGIC", "Adalimumab"},
			{"P1", "2020-03-01", "IMMUNOMODULATOR", "Azathioprine"},
			{"P1", "2020-03-01", "LATEST_ENCOUNTER_TYPE", "Office"},
			{"P2", "2021-03-15", "SEX", "M"},
		}},
		{medstate.KindEndoscopy, 2, []expect{
			{"P1", "2020-04-15", "EVENT_ID", "PR1"},
			{"P1", "2020-04-15", "BIOLOGIC", "Adalimumab"},
			{"P1", "2020-08-01", "BIOLOGIC", "Infliximab"},
			{"P1", "2020-08-01", "ADALIMUMAB_START_DATE", ""},
			{"P1", "2020-08-01", "INFLIXIMAB_START_DATE", "2020-06-01"},
		}},
		{medstate.KindBiosample, 2, []expect{
			{"P1", "2020-03-01", "SAMPLE_TYPE", "Tissue"},
			{"P2", "2021-03-01", "MEDICATION_AT_INDEX", "Azathioprine, Methotrexate"},
		}},
		{medstate.KindOmics, 1, []expect{
			{"P2", "2021-03-01", "ASSAY", "RNA-seq"},
		}},
		{medstate.KindExternal, 1, []expect{
			{"P3", "2021-01-01", "EVENT_ID", "E1"},
			{"P3", "2021-01-01", "BIOLOGIC", ""},
		}},
	}

	var intervals []medstate.MedicationInterval
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			res, err := engine.Build(context.Background(), medstate.Input{Extracts: set}, tt.kind)
			if err != nil {
				t.Fatal(err)
			}
			if len(res.Cohort.Rows) != tt.rows {
				t.Fatalf("rows = %d, want %d", len(res.Cohort.Rows), tt.rows)
			}
			for _, c := range tt.checks {
				if got := cell(t, res.Cohort, c.patient, c.date, c.column); got != c.value {
					t.Errorf("%s %s %s = %q, want %q", c.patient, c.date, c.column, got, c.value)
				}
			}

			// The strategy never changes the interval set.
			if intervals == nil {
				intervals = res.Intervals
			} else if !reflect.DeepEqual(intervals, res.Intervals) {
				t.Error("intervals differ between strategies")
			}
		})
	}
}

func TestLatestReportsPatientsWithoutEncounters(t *testing.T) {
	set := loadFixtures(t)
	res, err := medstate.NewEngine(nil, nil).Build(context.Background(), medstate.Input{Extracts: set}, medstate.KindLatest)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, issue := range res.Report.Issues {
		if issue.Kind == medstate.IssueEmptyResult && issue.PatientID == "P3" {
			found = true
		}
	}
	if !found {
		t.Errorf("P3 has no encounters but no empty_result issue was reported: %v", res.Report.Issues)
	}
}

func TestStrategyPriority(t *testing.T) {
	set := loadFixtures(t)
	res, err := medstate.NewEngine(nil, nil).Build(context.Background(), medstate.Input{Extracts: set},
		medstate.KindLatest, medstate.KindExternal, medstate.KindEndoscopy)
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != medstate.KindEndoscopy {
		t.Errorf("strategy = %s, want ENDOSCOPY", res.Strategy)
	}
}

func TestFHIRPrescriptionsAndWorkbook(t *testing.T) {
	set := loadFixtures(t)
	reqs, err := r5.ReadBundleFile("../fixtures/emr_bundle.json")
	if err != nil {
		t.Skipf("bundle fixture not readable: %v", err)
	}
	emr := r5.ToPrescriptionRows(reqs)
	if emr.Len() != 1 || len(emr.Warnings) != 1 {
		t.Fatalf("emr rows = %d, warnings = %d", emr.Len(), len(emr.Warnings))
	}
	merged := extract.Concat(set.Get(extract.Prescriptions), emr)
	merged.Name = extract.Prescriptions
	set[extract.Prescriptions] = merged

	res, err := medstate.NewEngine(nil, zaptest.NewLogger(t)).Build(context.Background(),
		medstate.Input{Extracts: set}, medstate.KindExternal)
	if err != nil {
		t.Fatal(err)
	}
	if got := cell(t, res.Cohort, "P3", "2021-01-01", "BIOLOGIC"); got != "Vedolizumab" {
		t.Errorf("P3 biologic = %q, want Vedolizumab", got)
	}

	path := filepath.Join(t.TempDir(), "cohort.xlsx")
	if err := workbook.NewWriter(workbook.DefaultConfig(), nil).Save(path, res.Cohort); err != nil {
		t.Fatal(err)
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := f.GetRows(workbook.DefaultConfig().SheetName)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("sheet rows = %d, want header plus 1", len(rows))
	}
	if !reflect.DeepEqual(rows[0][:3], []string{"PATIENT_ID", "INDEX_DATE", "EVENT_ID"}) {
		t.Errorf("header = %v", rows[0])
	}
}
