package medstate

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"cloud.google.com/go/civil"

	"github.com/drfirst/go-medindex/internal/extract"
	"github.com/drfirst/go-medindex/internal/taxonomy"
)

func TestAssembleColumnsPerStrategy(t *testing.T) {
	tax := taxonomy.Default()
	demo := table(extract.Demographics,
		[]string{"PATIENT_ID", "SEX", "DATE_OF_CONSENT", "DATE_OF_CONSENT_WITHDRAWN", "NO_CURRENT_IBD_MEDICATION_AT_ENROLLMENT"},
		[]string{"P1", "F", "2020-01-01", "", "No"})
	diag := table(extract.Diagnosis, []string{"PATIENT_ID", "DIAGNOSIS", "DATE_OF_DIAGNOSIS", "SEX"},
		[]string{"P1", "Crohn's disease", "2015-01-01", "F"})

	tests := []struct {
		kind    Kind
		attrs   []string
		want    []string
		notWant []string
	}{
		{
			kind:    KindEnrollment,
			want:    []string{"PATIENT_ID", "INDEX_DATE", "SEX", "DATE_OF_CONSENT", "DIAGNOSIS", ColNoCurrentMedication, ColMedicationAtIndex, ColBioNaive},
			notWant: []string{"DATE_OF_CONSENT_WITHDRAWN", "DATE_OF_DIAGNOSIS", ColLatestEncounterType, ColEventID},
		},
		{
			kind:    KindLatest,
			attrs:   []string{ColLatestEncounterType},
			want:    []string{"PATIENT_ID", "INDEX_DATE", "SEX", "DIAGNOSIS", ColLatestEncounterType, ColMedicationAtIndex, ColBioNaive},
			notWant: []string{ColNoCurrentMedication, ColEventID},
		},
		{
			kind:    KindBiosample,
			attrs:   []string{"SAMPLE_ID", "COLLECTION_DATE", "SEX"},
			want:    []string{"PATIENT_ID", "INDEX_DATE", "EVENT_ID", "SEX", "DIAGNOSIS", "SAMPLE_ID", "COLLECTION_DATE", "SEX_EVENT"},
			notWant: []string{ColNoCurrentMedication, ColLatestEncounterType},
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			c, _ := Assemble(Assembly{
				Index:        IndexSet{Kind: tt.kind, AttributeColumns: tt.attrs},
				Demographics: demo,
				Diagnosis:    diag,
			}, tax)
			header := c.Header()

			pos := -1
			for _, w := range tt.want {
				i := indexOf(header, w)
				if i < 0 {
					t.Errorf("missing column %s in %v", w, header)
					continue
				}
				if i < pos {
					t.Errorf("column %s out of order in %v", w, header)
				}
				pos = i
			}
			for _, nw := range tt.notWant {
				if indexOf(header, nw) >= 0 {
					t.Errorf("unexpected column %s", nw)
				}
			}
			for _, h := range header {
				if h != strings.ToUpper(h) {
					t.Errorf("column %s not upper-cased", h)
				}
			}
		})
	}
}

func TestAssembleBandsAndOrder(t *testing.T) {
	tax := taxonomy.Default()
	c, _ := Assemble(Assembly{Index: IndexSet{Kind: KindLatest}}, tax)

	var summary, detail []string
	lastBand := BandPassthrough
	order := map[Band]int{BandPassthrough: 0, BandSummary: 1, BandDetail: 2}
	for _, col := range c.Columns {
		if order[col.Band] < order[lastBand] {
			t.Fatalf("bands out of order at %s", col.Name)
		}
		lastBand = col.Band
		switch col.Band {
		case BandSummary:
			summary = append(summary, col.Name)
		case BandDetail:
			detail = append(detail, col.Name)
		}
	}

	wantSummary := []string{ColMedicationAtIndex, ColBioNaive, "AMINOSALICYLATE", "BIOLOGIC", "CORTICOSTEROID", "IMMUNOMODULATOR", "SMALL_MOLECULE"}
	if !reflect.DeepEqual(summary, wantSummary) {
		t.Errorf("summary band = %v, want %v", summary, wantSummary)
	}
	if len(detail) != len(tax.Medications()) || detail[0] != "BALSALAZIDE_START_DATE" {
		t.Errorf("detail band = %v", detail)
	}
}

func TestAssembleRows(t *testing.T) {
	tax := taxonomy.Default()
	rec := IndexRecord{PatientID: "P1", IndexDate: day(t, "2021-02-01")}
	states := []StateRow{
		{PatientID: "P1", IndexDate: rec.IndexDate, Class: "Immunomodulator", Medication: "Azathioprine, Methotrexate",
			Medications: []string{"Azathioprine", "Methotrexate"}, Start: day(t, "2021-01-01"), Active: true},
		{PatientID: "P1", IndexDate: rec.IndexDate, Class: "Biologic", Medication: "Infliximab",
			Medications: []string{"Infliximab"}, Start: day(t, "2020-06-01"), Active: true},
	}
	demo := table(extract.Demographics, []string{"PATIENT_ID", "SEX"},
		[]string{"P1", "F"}, []string{"P1", "M"})

	c, issues := Assemble(Assembly{
		Index:        IndexSet{Kind: KindEnrollment, Records: []IndexRecord{rec}},
		States:       states,
		BioNaive:     map[IndexKey]civil.Date{rec.Key(): day(t, "2019-01-01")},
		Demographics: demo,
	}, tax)

	if len(issues) != 1 || issues[0].Kind != IssueJoinCardinality {
		t.Errorf("issues = %+v, want one join_cardinality", issues)
	}
	if len(c.Rows) != 1 {
		t.Fatalf("rows = %d", len(c.Rows))
	}
	row := c.Rows[0]
	value := func(name string) string {
		col, ok := c.Column(name)
		if !ok {
			t.Fatalf("no column %s", name)
		}
		return row.Value(col)
	}

	checks := map[string]string{
		"SEX":                     "F",
		ColMedicationAtIndex:      "Infliximab, Azathioprine, Methotrexate",
		ColBioNaive:               "2019-01-01",
		ColNoCurrentMedication:    "No",
		"BIOLOGIC":                "Infliximab",
		"IMMUNOMODULATOR":         "Azathioprine, Methotrexate",
		"CORTICOSTEROID":          "",
		"AZATHIOPRINE_START_DATE": "2021-01-01",
		"METHOTREXATE_START_DATE": "2021-01-01",
		"INFLIXIMAB_START_DATE":   "2020-06-01",
		"ADALIMUMAB_START_DATE":   "",
	}
	for name, want := range checks {
		if got := value(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}

	data, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Strategy string     `json:"strategy"`
		Rows     [][]string `json:"rows"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Strategy != "ENROLLMENT" || len(decoded.Rows) != 1 || len(decoded.Rows[0]) != len(c.Columns) {
		t.Errorf("json = %s", data)
	}
}

func TestPivotsIgnoreInactiveRows(t *testing.T) {
	states := []StateRow{{PatientID: "P", Class: "Biologic", Medication: "Infliximab", Medications: []string{"Infliximab"}}}
	if len(PivotActive(states)) != 0 || len(PivotStartDates(states)) != 0 {
		t.Error("inactive rows must not reach the pivots")
	}
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
