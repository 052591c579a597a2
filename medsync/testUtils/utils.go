package testUtils

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"strings"
	"testing"
	"time"

	randomdata "github.com/Pallinder/go-randomdata"
	"github.com/stretchr/testify/mock"

	"github.com/medsync/medsync-app/conf"
	"github.com/medsync/medsync-app/medsync/models"
)

// CtxMatcher allow us to validate that the caller supplied a context.Context argument
// See: https://github.com/stretchr/testify/issues/519
var CtxMatcher = mock.MatchedBy(func(ctx context.Context) bool { return true })

func RandomHexID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "not_a_random_hex_id"
	}
	return fmt.Sprintf("%x", b)
}

// RandomMRN returns a plausible medical record number for fixtures.
func RandomMRN() string {
	return fmt.Sprintf("MRN%06d", randomdata.Number(1000000))
}

func RandomPatientName() (first, last string) {
	return randomdata.FirstName(randomdata.RandomGender), randomdata.LastName()
}

func setEnv(why, key, value string) {
	if err := conf.SetEnv(&testing.T{}, key, value); err != nil {
		log.Printf("Error %s env value %s to %s\n", why, key, value)
	}
}

// SetAndRestoreEnvKey replaces the current value of the env var key,
// returning a function which can be used to restore the original value
func SetAndRestoreEnvKey(key, value string) func() {
	originalValue := conf.GetEnv(key)
	setEnv("setting", key, value)
	return func() {
		setEnv("restoring", key, originalValue)
	}
}

// ORUMessage assembles a lab-result message with one OBX per observation
// triple (code, display, value). Segments are CR-delimited per the standard.
func ORUMessage(controlID, patientID string, observations ...[3]string) string {
	segments := []string{
		fmt.Sprintf("MSH|^~\\&|LAB|FAC|EHR|FAC|20250101120000||ORU^R01|%s|P|2.5.1", controlID),
		fmt.Sprintf("PID|1||%s^^^hospital^MR||Doe^Jane||19850301|F", patientID),
		"OBR|1|||PANEL^Test Panel",
	}
	for i, obs := range observations {
		segments = append(segments, fmt.Sprintf("OBX|%d|NM|%s^%s^LN||%s|mg/dL^mg/dL|70-110|N|||F",
			i+1, obs[0], obs[1], obs[2]))
	}
	return strings.Join(segments, "\r")
}

// ActiveConnection builds a connected fixture with a live token.
func ActiveConnection(id uint, integration string) *models.Connection {
	return &models.Connection{
		ID:          id,
		UserID:      RandomHexID(),
		Integration: integration,
		AccessToken: "tok-" + RandomHexID(),
		ExpiresAt:   time.Now().Add(time.Hour),
		PatientID:   RandomMRN(),
		Active:      true,
	}
}
