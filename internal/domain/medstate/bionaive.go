package medstate

import (
	"cloud.google.com/go/civil"
)

// BioNaive returns, per index record, the earliest naive-marker date on or before the
// index date. Records with no qualifying marker are absent from the result.
func BioNaive(markers []NaiveMarker, index []IndexRecord) map[IndexKey]civil.Date {
	byPatient := make(map[string][]civil.Date)
	for _, m := range markers {
		byPatient[m.PatientID] = append(byPatient[m.PatientID], m.Date)
	}

	out := make(map[IndexKey]civil.Date)
	for _, rec := range index {
		var best civil.Date
		found := false
		for _, d := range byPatient[rec.PatientID] {
			if d.After(rec.IndexDate) {
				continue
			}
			if !found || d.Before(best) {
				best, found = d, true
			}
		}
		if found {
			out[rec.Key()] = best
		}
	}
	return out
}
