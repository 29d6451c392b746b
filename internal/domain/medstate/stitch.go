package medstate

import (
	"sort"
)

type classKey struct {
	patient string
	class   string
}

// Stitch converts prescription events into non-overlapping intervals per patient and
// class. Events are ordered by start (stable on input order); each one ends where the
// next strictly later start in the same class begins. A reported end that runs past
// that start is clipped to it, and an earlier reported end is kept. The last event
// keeps its reported end, or stays ongoing when it has none. Events sharing a start
// day become parallel intervals with the same window.
//
// The input is not modified.
func Stitch(events []PrescriptionEvent) []MedicationInterval {
	groups := make(map[classKey][]PrescriptionEvent)
	var keys []classKey
	for _, ev := range events {
		k := classKey{patient: ev.PatientID, class: ev.Class}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], ev)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].patient != keys[j].patient {
			return keys[i].patient < keys[j].patient
		}
		return keys[i].class < keys[j].class
	})

	out := make([]MedicationInterval, 0, len(events))
	for _, k := range keys {
		out = append(out, stitchGroup(groups[k])...)
	}
	return out
}

func stitchGroup(group []PrescriptionEvent) []MedicationInterval {
	sort.SliceStable(group, func(i, j int) bool {
		return group[i].Start.Before(group[j].Start)
	})

	out := make([]MedicationInterval, 0, len(group))
	for i := 0; i < len(group); {
		// [i, j) share one start day.
		j := i + 1
		for j < len(group) && group[j].Start == group[i].Start {
			j++
		}
		for _, ev := range group[i:j] {
			end := ev.End
			if j < len(group) {
				next := group[j].Start
				if !end.Valid || end.Date.After(next) {
					end = DateOf(next)
				}
			}
			out = append(out, MedicationInterval{
				PatientID:  ev.PatientID,
				Medication: ev.Medication,
				Class:      ev.Class,
				Start:      ev.Start,
				End:        end,
			})
		}
		i = j
	}
	return out
}
