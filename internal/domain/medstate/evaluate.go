package medstate

import (
	"sort"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/exascience/pargo/parallel"
)

// Evaluate reports, for every index record, the active medication per class. An
// interval is active on d when start <= d < end, or start <= d when ongoing. Among the
// active intervals of one class the latest start wins; medications sharing that start
// are joined in name order. Classes with nothing active produce no row.
//
// Patients are independent, so each is swept on its own and the work is spread over
// the available cores. Output is ordered by patient, index date, event id and class.
func Evaluate(intervals []MedicationInterval, index []IndexRecord) []StateRow {
	byPatient := make(map[string][]MedicationInterval)
	for _, iv := range intervals {
		byPatient[iv.PatientID] = append(byPatient[iv.PatientID], iv)
	}
	recs := make(map[string][]IndexRecord)
	var patients []string
	for _, r := range index {
		if _, ok := recs[r.PatientID]; !ok {
			patients = append(patients, r.PatientID)
		}
		recs[r.PatientID] = append(recs[r.PatientID], r)
	}
	if len(patients) == 0 {
		return nil
	}
	sort.Strings(patients)

	results := make([][]StateRow, len(patients))
	parallel.Range(0, len(patients), 0, func(low, high int) {
		for i := low; i < high; i++ {
			p := patients[i]
			results[i] = sweep(byPatient[p], recs[p])
		}
	})

	var out []StateRow
	for _, rows := range results {
		out = append(out, rows...)
	}
	return out
}

// sweep walks one patient's index dates in ascending order while maintaining the set
// of open intervals. Both slices belong to the caller's private grouping.
func sweep(intervals []MedicationInterval, recs []IndexRecord) []StateRow {
	sort.SliceStable(intervals, func(i, j int) bool {
		return intervals[i].Start.Before(intervals[j].Start)
	})
	sortRecords(recs)

	var rows []StateRow
	var open []MedicationInterval
	next := 0
	for _, rec := range recs {
		d := rec.IndexDate
		for next < len(intervals) && !intervals[next].Start.After(d) {
			open = append(open, intervals[next])
			next++
		}
		// Dates only move forward, so a closed interval never reopens.
		live := open[:0]
		for _, iv := range open {
			if iv.ActiveOn(d) {
				live = append(live, iv)
			}
		}
		open = live
		rows = append(rows, resolveClasses(rec, open)...)
	}
	return rows
}

// resolveClasses applies the latest-start tie-break per class.
func resolveClasses(rec IndexRecord, active []MedicationInterval) []StateRow {
	type best struct {
		start civil.Date
		names map[string]bool
	}
	byClass := make(map[string]*best)
	for _, iv := range active {
		b, ok := byClass[iv.Class]
		switch {
		case !ok || iv.Start.After(b.start):
			byClass[iv.Class] = &best{start: iv.Start, names: map[string]bool{iv.Medication: true}}
		case iv.Start == b.start:
			b.names[iv.Medication] = true
		}
	}

	classes := make([]string, 0, len(byClass))
	for c := range byClass {
		classes = append(classes, c)
	}
	sort.Strings(classes)

	rows := make([]StateRow, 0, len(classes))
	for _, c := range classes {
		b := byClass[c]
		names := make([]string, 0, len(b.names))
		for n := range b.names {
			names = append(names, n)
		}
		sort.Strings(names)
		rows = append(rows, StateRow{
			PatientID:   rec.PatientID,
			IndexDate:   rec.IndexDate,
			EventID:     rec.EventID,
			Class:       c,
			Medication:  strings.Join(names, NameDelimiter),
			Medications: names,
			Start:       b.start,
			Active:      true,
		})
	}
	return rows
}

// EnrollmentSnapshot builds state rows from the CURRENT_AT_ENROLLMENT flag instead of
// interval containment. Flagged events are grouped per class with the same latest-start
// tie-break.
func EnrollmentSnapshot(events []PrescriptionEvent, index []IndexRecord) []StateRow {
	flagged := make(map[string][]MedicationInterval)
	for _, ev := range events {
		if !ev.CurrentAtEnrollment {
			continue
		}
		flagged[ev.PatientID] = append(flagged[ev.PatientID], MedicationInterval{
			PatientID:  ev.PatientID,
			Medication: ev.Medication,
			Class:      ev.Class,
			Start:      ev.Start,
			End:        ev.End,
		})
	}

	recs := make([]IndexRecord, len(index))
	copy(recs, index)
	sortRecords(recs)

	var out []StateRow
	for _, rec := range recs {
		out = append(out, resolveClasses(rec, flagged[rec.PatientID])...)
	}
	return out
}
