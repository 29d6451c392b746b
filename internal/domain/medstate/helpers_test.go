package medstate

import (
	"testing"

	"cloud.google.com/go/civil"

	"github.com/drfirst/go-medindex/internal/extract"
)

func day(t testing.TB, s string) civil.Date {
	t.Helper()
	d, err := civil.ParseDate(s)
	if err != nil {
		t.Fatalf("bad test date %q: %v", s, err)
	}
	return d
}

func ongoing(patient, med, class string, start civil.Date) PrescriptionEvent {
	return PrescriptionEvent{PatientID: patient, Medication: med, Class: class, Start: start}
}

func table(name string, header []string, rows ...[]string) *extract.Table {
	return extract.NewTable(name, header, rows)
}

var rxHeader = []string{"PATIENT_ID", "MEDICATION_NAME", "MOA_CLASS", "START_DATE", "END_DATE", "SOURCE"}
