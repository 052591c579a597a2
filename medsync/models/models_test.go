package models

import (
	"testing"
	"time"

	"github.com/medsync/medsync-app/medsync/constants"
	"github.com/stretchr/testify/assert"
)

func TestParseMessageType(t *testing.T) {
	mt, ok := ParseMessageType("ORU")
	assert.True(t, ok)
	assert.Equal(t, MessageTypeORU, mt)

	_, ok = ParseMessageType("ZZZ")
	assert.False(t, ok)
}

func TestResourceTypeSupported(t *testing.T) {
	for _, rt := range SyncedResourceTypes {
		assert.True(t, rt.Supported())
	}
	assert.True(t, ResourceTypePatient.Supported())
	assert.False(t, ResourceType("Medication").Supported())
}

func TestTokenExpired(t *testing.T) {
	now := time.Now()

	var nilToken *Token
	assert.True(t, nilToken.Expired(now))
	assert.True(t, (&Token{}).Expired(now))
	assert.True(t, (&Token{AccessToken: "abc", ExpiresAt: now.Add(-time.Minute)}).Expired(now))
	assert.True(t, (&Token{AccessToken: "abc", ExpiresAt: now}).Expired(now))
	assert.False(t, (&Token{AccessToken: "abc", ExpiresAt: now.Add(time.Minute)}).Expired(now))
}

func TestTokenResponseToToken(t *testing.T) {
	issued := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := &TokenResponse{
		AccessToken:  "at",
		TokenType:    "Bearer",
		ExpiresIn:    3600,
		RefreshToken: "rt",
		Scope:        "patient/*.read",
		Patient:      "12345",
		Encounter:    "enc-1",
		User:         "Practitioner/9",
	}

	tok := tr.Token(issued)
	assert.Equal(t, "at", tok.AccessToken)
	assert.Equal(t, issued.Add(time.Hour), tok.ExpiresAt)
	assert.Equal(t, "rt", tok.RefreshToken)
	assert.Equal(t, "12345", tok.PatientID)
	assert.Equal(t, "enc-1", tok.EncounterID)
	assert.Equal(t, "Practitioner/9", tok.UserID)
	assert.False(t, tok.Expired(issued.Add(59*time.Minute)))
	assert.True(t, tok.Expired(issued.Add(61*time.Minute)))
}

func TestSyncOperationResultFinalize(t *testing.T) {
	r := NewSyncOperationResult("op-1", 1, ResourceTypeObservation, "12345")
	assert.Equal(t, SyncStatusRunning, r.Status)
	assert.Nil(t, r.CompletedAt)
	assert.False(t, r.Finalized())

	assert.NoError(t, r.Finalize(SyncStatusCompleted))
	assert.Equal(t, SyncStatusCompleted, r.Status)
	assert.NotNil(t, r.CompletedAt)
	assert.True(t, r.Finalized())

	// Finalizing twice is rejected
	assert.Error(t, r.Finalize(SyncStatusFailed))
	assert.Equal(t, SyncStatusCompleted, r.Status)
}

func TestSyncOperationResultErrorListBounded(t *testing.T) {
	r := NewSyncOperationResult("op-2", 1, ResourceTypeObservation, "12345")
	for i := 0; i < constants.MaxRecordedErrors*2; i++ {
		r.RecordError("boom")
	}
	assert.Len(t, r.Errors, constants.MaxRecordedErrors)
}
