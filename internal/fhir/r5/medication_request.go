package r5

import (
	"encoding/json"

	"cloud.google.com/go/civil"
)

// MedicationRequest is the subset of the FHIR R5 resource the cohort engine reads.
type MedicationRequest struct {
	ResourceType    string            `json:"resourceType"`
	ID              string            `json:"id,omitempty"`
	Status          string            `json:"status"`
	Intent          string            `json:"intent,omitempty"`
	Medication      CodeableReference `json:"medication"`
	Subject         Reference         `json:"subject"`
	AuthoredOn      string            `json:"authoredOn,omitempty"`
	DispenseRequest *DispenseRequest  `json:"dispenseRequest,omitempty"`
}

// DispenseRequest carries the validity period of the order.
type DispenseRequest struct {
	ValidityPeriod *Period `json:"validityPeriod,omitempty"`
}

// PatientID returns the subject's ID, preferring the reference over a bare identifier.
func (m *MedicationRequest) PatientID() string {
	if m.Subject.Reference != "" {
		return referenceID(m.Subject.Reference)
	}
	if m.Subject.Identifier != nil {
		return m.Subject.Identifier.Value
	}
	return ""
}

// MedicationName returns the display name of the medication.
func (m *MedicationRequest) MedicationName() string {
	if c := m.Medication.Concept; c != nil {
		if c.Text != "" {
			return c.Text
		}
		for _, coding := range c.Coding {
			if coding.System == SystemRxNorm && coding.Display != "" {
				return coding.Display
			}
		}
		for _, coding := range c.Coding {
			if coding.Display != "" {
				return coding.Display
			}
		}
	}
	if m.Medication.Reference != nil {
		return m.Medication.Reference.Display
	}
	return ""
}

// Start returns the validity start, or the authoring date when no period is given.
func (m *MedicationRequest) Start() (civil.Date, error) {
	if p := m.validity(); p != nil && p.Start != "" {
		return ParseDateTime(p.Start)
	}
	return ParseDateTime(m.AuthoredOn)
}

// End returns the validity end. ok is false for an ongoing request.
func (m *MedicationRequest) End() (d civil.Date, ok bool, err error) {
	p := m.validity()
	if p == nil || p.End == "" {
		return civil.Date{}, false, nil
	}
	d, err = ParseDateTime(p.End)
	return d, err == nil, err
}

// Countable reports whether the request describes medication actually prescribed.
func (m *MedicationRequest) Countable() bool {
	switch m.Status {
	case StatusCancelled, StatusEnteredInError, StatusDraft:
		return false
	}
	return true
}

func (m *MedicationRequest) validity() *Period {
	if m.DispenseRequest == nil {
		return nil
	}
	return m.DispenseRequest.ValidityPeriod
}

// ToJSON serializes the MedicationRequest to JSON.
func (m *MedicationRequest) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}
