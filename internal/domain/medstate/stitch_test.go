package medstate

import (
	"reflect"
	"testing"
)

func TestStitchInfersEndFromNextStart(t *testing.T) {
	events := []PrescriptionEvent{
		ongoing("P", "Infliximab", "Biologic", day(t, "2020-06-01")),
		ongoing("P", "Adalimumab", "Biologic", day(t, "2020-01-01")),
	}

	got := Stitch(events)
	if len(got) != 2 {
		t.Fatalf("expected 2 intervals, got %d", len(got))
	}
	first, second := got[0], got[1]
	if first.Medication != "Adalimumab" || !first.End.Valid || first.End.Date != day(t, "2020-06-01") {
		t.Errorf("first interval = %+v, want Adalimumab ending 2020-06-01", first)
	}
	if second.Medication != "Infliximab" || !second.Ongoing() {
		t.Errorf("second interval = %+v, want Infliximab ongoing", second)
	}

	if !first.ActiveOn(day(t, "2020-03-01")) || second.ActiveOn(day(t, "2020-03-01")) {
		t.Error("on 2020-03-01 only the 2020-01-01 interval should be active")
	}
	if first.ActiveOn(day(t, "2020-07-01")) || !second.ActiveOn(day(t, "2020-07-01")) {
		t.Error("on 2020-07-01 only the 2020-06-01 interval should be active")
	}
}

func TestStitchGroupsByPatientAndClass(t *testing.T) {
	events := []PrescriptionEvent{
		ongoing("P", "Adalimumab", "Biologic", day(t, "2020-01-01")),
		ongoing("P", "Azathioprine", "Immunomodulator", day(t, "2020-02-01")),
		ongoing("Q", "Vedolizumab", "Biologic", day(t, "2020-03-01")),
	}
	for _, iv := range Stitch(events) {
		if !iv.Ongoing() {
			t.Errorf("%s/%s: different groups must not end each other, got end %s", iv.PatientID, iv.Medication, iv.End)
		}
	}
}

func TestStitchSimultaneousStarts(t *testing.T) {
	events := []PrescriptionEvent{
		ongoing("Q", "Methotrexate", "Immunomodulator", day(t, "2021-01-01")),
		ongoing("Q", "Azathioprine", "Immunomodulator", day(t, "2021-01-01")),
		ongoing("Q", "Mercaptopurine", "Immunomodulator", day(t, "2021-05-01")),
	}
	got := Stitch(events)
	if len(got) != 3 {
		t.Fatalf("expected 3 intervals, got %d", len(got))
	}
	// Stable order keeps input order among equal starts.
	if got[0].Medication != "Methotrexate" || got[1].Medication != "Azathioprine" {
		t.Errorf("equal starts reordered: %s, %s", got[0].Medication, got[1].Medication)
	}
	for _, iv := range got[:2] {
		if iv.End != DateOf(day(t, "2021-05-01")) {
			t.Errorf("%s should end at the next distinct start, got %s", iv.Medication, iv.End)
		}
	}
	if !got[2].Ongoing() {
		t.Errorf("last interval should stay ongoing, got %s", got[2].End)
	}
}

func TestStitchReportedEnds(t *testing.T) {
	tests := []struct {
		name    string
		end     NullDate
		wantEnd NullDate
	}{
		{"earlier reported end kept", DateOf(day(t, "2020-03-01")), DateOf(day(t, "2020-03-01"))},
		{"later reported end clipped", DateOf(day(t, "2020-09-01")), DateOf(day(t, "2020-06-01"))},
		{"missing end inferred", NullDate{}, DateOf(day(t, "2020-06-01"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := ongoing("P", "Adalimumab", "Biologic", day(t, "2020-01-01"))
			first.End = tt.end
			got := Stitch([]PrescriptionEvent{first, ongoing("P", "Infliximab", "Biologic", day(t, "2020-06-01"))})
			if got[0].End != tt.wantEnd {
				t.Errorf("end = %s, want %s", got[0].End, tt.wantEnd)
			}
		})
	}

	last := ongoing("P", "Adalimumab", "Biologic", day(t, "2020-01-01"))
	last.End = DateOf(day(t, "2020-02-01"))
	if got := Stitch([]PrescriptionEvent{last}); got[0].End != last.End {
		t.Errorf("last event should keep its reported end, got %s", got[0].End)
	}
}

func TestStitchNonOverlapAcrossDistinctStarts(t *testing.T) {
	starts := []string{"2019-01-01", "2019-04-15", "2019-04-15", "2020-02-29", "2021-07-01", "2018-12-31"}
	var events []PrescriptionEvent
	for i, s := range starts {
		ev := ongoing("P", []string{"Adalimumab", "Infliximab", "Golimumab"}[i%3], "Biologic", day(t, s))
		if i%2 == 0 {
			ev.End = DateOf(day(t, "2022-01-01"))
		}
		events = append(events, ev)
	}

	got := Stitch(events)
	for i := range got {
		for j := i + 1; j < len(got); j++ {
			if got[i].Start == got[j].Start {
				continue
			}
			if got[i].Overlaps(got[j]) {
				t.Errorf("intervals overlap: %+v and %+v", got[i], got[j])
			}
		}
		if got[i].End.Valid && got[i].End.Date.Before(got[i].Start) {
			t.Errorf("end before start: %+v", got[i])
		}
	}
}

func TestStitchDoesNotMutateInput(t *testing.T) {
	events := []PrescriptionEvent{
		ongoing("P", "Infliximab", "Biologic", day(t, "2020-06-01")),
		ongoing("P", "Adalimumab", "Biologic", day(t, "2020-01-01")),
	}
	before := append([]PrescriptionEvent(nil), events...)
	Stitch(events)
	if !reflect.DeepEqual(events, before) {
		t.Errorf("input modified: %+v", events)
	}
}
