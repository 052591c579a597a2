package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/medsync/medsync-app/medsync/constants"
)

// MessageType is the HL7v2 message class carried in MSH-9 component 1.
type MessageType string

const (
	MessageTypeADT MessageType = "ADT"
	MessageTypeORU MessageType = "ORU"
	MessageTypeORM MessageType = "ORM"
	MessageTypeSIU MessageType = "SIU"
	MessageTypeDFT MessageType = "DFT"
	MessageTypeMDM MessageType = "MDM"
	MessageTypeQRY MessageType = "QRY"
	MessageTypeRSP MessageType = "RSP"
)

var messageTypes = map[string]MessageType{
	"ADT": MessageTypeADT,
	"ORU": MessageTypeORU,
	"ORM": MessageTypeORM,
	"SIU": MessageTypeSIU,
	"DFT": MessageTypeDFT,
	"MDM": MessageTypeMDM,
	"QRY": MessageTypeQRY,
	"RSP": MessageTypeRSP,
}

// ParseMessageType maps the raw MSH-9 value onto the closed message-type set.
func ParseMessageType(s string) (MessageType, bool) {
	mt, ok := messageTypes[s]
	return mt, ok
}

// ResourceType is the closed set of FHIR resource types this system syncs.
type ResourceType string

const (
	ResourceTypePatient           ResourceType = "Patient"
	ResourceTypeObservation       ResourceType = "Observation"
	ResourceTypeDiagnosticReport  ResourceType = "DiagnosticReport"
	ResourceTypeDocumentReference ResourceType = "DocumentReference"
	ResourceTypeImagingStudy      ResourceType = "ImagingStudy"
)

// SyncedResourceTypes is the fixed walk order for a patient sync.
var SyncedResourceTypes = []ResourceType{
	ResourceTypeObservation,
	ResourceTypeDiagnosticReport,
	ResourceTypeDocumentReference,
	ResourceTypeImagingStudy,
}

// Supported reports whether rt belongs to the closed resource-type set.
func (rt ResourceType) Supported() bool {
	switch rt {
	case ResourceTypePatient, ResourceTypeObservation, ResourceTypeDiagnosticReport,
		ResourceTypeDocumentReference, ResourceTypeImagingStudy:
		return true
	}
	return false
}

// Token is the OAuth2 session state for one connection. A client call must
// see a non-expired token before executing.
type Token struct {
	AccessToken  string
	TokenType    string
	ExpiresAt    time.Time
	RefreshToken string
	Scope        string

	// SMART launch context, when the issuing flow provided one.
	PatientID   string
	EncounterID string
	UserID      string
}

// Expired reports whether the token must be refreshed before use.
func (t *Token) Expired(now time.Time) bool {
	return t == nil || t.AccessToken == "" || !now.Before(t.ExpiresAt)
}

// TokenResponse is the JSON body returned by the OAuth2 token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`

	// SMART-on-FHIR launch context fields.
	Patient   string `json:"patient,omitempty"`
	Encounter string `json:"encounter,omitempty"`
	User      string `json:"user,omitempty"`
}

// Token derives a Token from the response, fixing the expiry at issuance.
func (tr *TokenResponse) Token(issuedAt time.Time) *Token {
	return &Token{
		AccessToken:  tr.AccessToken,
		TokenType:    tr.TokenType,
		ExpiresAt:    issuedAt.Add(time.Duration(tr.ExpiresIn) * time.Second),
		RefreshToken: tr.RefreshToken,
		Scope:        tr.Scope,
		PatientID:    tr.Patient,
		EncounterID:  tr.Encounter,
		UserID:       tr.User,
	}
}

// Connection represents one user's authorized session with a named
// integration. At most one active connection exists per user; creating a new
// one deactivates all prior active rows in the same transaction. Connections
// are never hard-deleted.
type Connection struct {
	ID          uint
	UserID      string
	Integration string
	ClientID    string
	Environment string
	Scope       string

	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time

	// SMART launch context.
	PatientID   string
	PatientName string
	EncounterID string
	FHIRUserID  string

	Active   bool
	LastSync *time.Time

	CreatedAt time.Time
}

// Token reconstructs the session token stored on the connection.
func (c *Connection) Token() *Token {
	return &Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		ExpiresAt:    c.ExpiresAt,
		Scope:        c.Scope,
		PatientID:    c.PatientID,
		EncounterID:  c.EncounterID,
		UserID:       c.FHIRUserID,
	}
}

// CanonicalResource is the normalized, storage-ready form of a clinical fact
// regardless of source format. Created once per sync and never mutated; a
// later sync with the same (connection, resource type, external id) is a
// no-op.
type CanonicalResource struct {
	ID           uint
	ConnectionID uint
	ResourceType ResourceType
	ExternalID   string
	PatientRef   string

	Code    string
	Display string

	ValueQuantity *float64
	ValueUnit     string
	ValueString   string

	EffectiveAt *time.Time
	IssuedAt    *time.Time
	Status      string

	RangeLow  *float64
	RangeHigh *float64

	// Raw source payload, kept for audit.
	Raw json.RawMessage

	SourceSystem string
	CreatedAt    time.Time
}

// SyncStatus tracks the lifecycle of one sync operation.
type SyncStatus string

const (
	SyncStatusRunning   SyncStatus = "running"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusFailed    SyncStatus = "failed"
)

// SyncOperationResult summarizes one (connection, resource type) walk or one
// HL7 message. Created at operation start and finalized exactly once.
type SyncOperationResult struct {
	ID           string
	ConnectionID uint
	ResourceType ResourceType
	PatientID    string

	Found  int
	Synced int
	Failed int
	Errors []string

	StartedAt   time.Time
	CompletedAt *time.Time
	Status      SyncStatus

	finalized bool
}

// NewSyncOperationResult starts a running result for a resource-type walk.
func NewSyncOperationResult(id string, connectionID uint, rt ResourceType, patientID string) *SyncOperationResult {
	return &SyncOperationResult{
		ID:           id,
		ConnectionID: connectionID,
		ResourceType: rt,
		PatientID:    patientID,
		StartedAt:    time.Now().UTC(),
		Status:       SyncStatusRunning,
	}
}

// RecordError appends an error message, keeping the list bounded.
func (r *SyncOperationResult) RecordError(msg string) {
	if len(r.Errors) < constants.MaxRecordedErrors {
		r.Errors = append(r.Errors, msg)
	}
}

// Finalize marks the result done with the given status. Finalizing twice is
// a programming error.
func (r *SyncOperationResult) Finalize(status SyncStatus) error {
	if r.finalized {
		return fmt.Errorf("sync result %s already finalized", r.ID)
	}
	now := time.Now().UTC()
	r.CompletedAt = &now
	r.Status = status
	r.finalized = true
	return nil
}

// Finalized reports whether Finalize has run.
func (r *SyncOperationResult) Finalized() bool {
	return r.finalized
}
