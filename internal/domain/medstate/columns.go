package medstate

// Extract column names the engine reads.
const (
	ColPatientID           = "PATIENT_ID"
	ColMedicationName      = "MEDICATION_NAME"
	ColMOAClass            = "MOA_CLASS"
	ColStartDate           = "START_DATE"
	ColEndDate             = "END_DATE"
	ColSource              = "SOURCE"
	ColCurrentAtEnrollment = "CURRENT_AT_ENROLLMENT"

	ColDateOfConsent          = "DATE_OF_CONSENT"
	ColDateOfConsentWithdrawn = "DATE_OF_CONSENT_WITHDRAWN"
	ColDateOfDiagnosis        = "DATE_OF_DIAGNOSIS"

	ColEncounterDate = "ENCOUNTER_DATE"
	ColEncounterType = "ENCOUNTER_TYPE"

	ColProcedureID   = "PROCEDURE_ID"
	ColProcedureDate = "PROCEDURE_DATE"
	ColProcedureType = "PROCEDURE_TYPE"

	ColSampleID       = "SAMPLE_ID"
	ColCollectionDate = "COLLECTION_DATE"

	ColIndexDate = "INDEX_DATE"
	ColEventID   = "EVENT_ID"
)

// Report column names.
const (
	ColNoCurrentMedication = "NO_CURRENT_IBD_MEDICATION_AT_ENROLLMENT"
	ColMedicationAtIndex   = "MEDICATION_AT_INDEX"
	ColBioNaive            = "BIONAIVE"
	ColLatestEncounterType = "LATEST_ENCOUNTER_TYPE"

	startDateSuffix = "_START_DATE"
	eventSuffix     = "_EVENT"
	classSuffix     = "_CLASS"
)

// droppedPassthrough never reaches the report.
var droppedPassthrough = map[string]bool{
	ColDateOfConsentWithdrawn: true,
	ColDateOfDiagnosis:        true,
}
