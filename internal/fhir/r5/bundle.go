package r5

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/drfirst/go-medindex/internal/domain/medstate"
	"github.com/drfirst/go-medindex/internal/extract"
)

// TableName names the extract built from a FHIR bundle.
const TableName = "fhir_medication_requests"

// Bundle is a FHIR Bundle restricted to MedicationRequest entries.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry wraps one resource of a bundle.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource"`
}

// ReadBundle decodes a Bundle, or a lone MedicationRequest, and returns its
// MedicationRequests. Other resource types are skipped.
func ReadBundle(r io.Reader) ([]MedicationRequest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}

	switch head.ResourceType {
	case "MedicationRequest":
		var req MedicationRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("decode medication request: %w", err)
		}
		return []MedicationRequest{req}, nil
	case "Bundle":
	default:
		return nil, fmt.Errorf("unsupported resourceType %q", head.ResourceType)
	}

	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	var out []MedicationRequest
	for i, e := range b.Entry {
		if err := json.Unmarshal(e.Resource, &head); err != nil {
			return nil, fmt.Errorf("decode entry %d: %w", i, err)
		}
		if head.ResourceType != "MedicationRequest" {
			continue
		}
		var req MedicationRequest
		if err := json.Unmarshal(e.Resource, &req); err != nil {
			return nil, fmt.Errorf("decode entry %d: %w", i, err)
		}
		out = append(out, req)
	}
	return out, nil
}

// ReadBundleFile reads a bundle from disk.
func ReadBundleFile(path string) ([]MedicationRequest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer f.Close()
	return ReadBundle(f)
}

// ErrNoPatient is reported for requests without a subject.
var ErrNoPatient = errors.New("medication request has no subject")

// ToPrescriptionRows converts EMR medication requests into a prescription extract.
// Requests that are not countable or cannot be dated are skipped with a warning;
// stopped or completed requests without a validity end stay ongoing.
func ToPrescriptionRows(reqs []MedicationRequest) *extract.Table {
	columns := []string{
		medstate.ColPatientID, medstate.ColMedicationName,
		medstate.ColStartDate, medstate.ColEndDate, medstate.ColSource,
	}
	t := extract.NewTable(TableName, columns, nil)

	for i := range reqs {
		req := &reqs[i]
		warn := func(msg string) {
			t.Warnings = append(t.Warnings, extract.Warning{Table: TableName, Row: i + 1, Message: msg})
		}
		if !req.Countable() {
			warn(fmt.Sprintf("skipped %s request %s", req.Status, req.ID))
			continue
		}
		patient := req.PatientID()
		if patient == "" {
			warn(ErrNoPatient.Error())
			continue
		}
		name := req.MedicationName()
		if name == "" {
			warn(fmt.Sprintf("request %s has no medication name", req.ID))
			continue
		}
		start, err := req.Start()
		if err != nil {
			warn(err.Error())
			continue
		}
		end := ""
		if d, ok, err := req.End(); err != nil {
			warn(err.Error())
			continue
		} else if ok {
			end = d.String()
		}
		t.Rows = append(t.Rows, []string{patient, name, start.String(), end, string(medstate.SourceEMR)})
	}
	return t
}
