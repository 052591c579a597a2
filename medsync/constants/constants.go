package constants

import "time"

// This is set during compilation. See build_and_package.sh in the ops repo.
var Version = "latest"

// FHIR wire format
const FHIRJSONContentType = "application/fhir+json"
const FormURLEncodedContentType = "application/x-www-form-urlencoded"

// Code systems
const LOINCSystem = "http://loinc.org"
const ObservationCategorySystem = "http://terminology.hl7.org/CodeSystem/observation-category"
const UCUMSystem = "http://unitsofmeasure.org"

// HL7v2 separators. Fixed; MSH-2 is not consulted.
const (
	HL7FieldSeparator        = "|"
	HL7ComponentSeparator    = "^"
	HL7SubcomponentSeparator = "&"
)

// Client defaults
const DefaultClientTimeout = 30 * time.Second
const DefaultMaxRetries = 3
const DefaultRetryBaseDelay = 500 * time.Millisecond
const DefaultPageSize = 50

// Circuit breaker defaults
const DefaultFailureThreshold = 5
const DefaultRecoveryTimeout = 30 * time.Second

// Sync defaults
const DefaultSyncConcurrency = 4

// MaxRecordedErrors bounds the error list carried by a sync result.
const MaxRecordedErrors = 25

const TestIntegrationName = "sandbox"
