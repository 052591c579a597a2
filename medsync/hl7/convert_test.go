package hl7

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertORU(t *testing.T) {
	msg, err := Parse(sampleORU)
	require.NoError(t, err)

	result := Convert(msg)
	require.True(t, result.Supported)
	assert.Equal(t, "ORU^R01", result.MessageType)
	assert.Equal(t, "12345", result.PatientID)

	require.NotNil(t, result.Bundle)
	assert.Equal(t, "collection", result.Bundle.Type)
	require.Len(t, result.Bundle.Entries, 2)

	patient := result.Bundle.Entries[0].Resource()
	require.NotNil(t, patient)
	assert.Equal(t, "Patient", patient["resourceType"])
	assert.Equal(t, "12345", patient["id"])
	name := patient["name"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "Doe", name["family"])
	assert.Equal(t, []interface{}{"John"}, name["given"])
	assert.Equal(t, "male", patient["gender"])
	assert.Equal(t, "1980-01-01", patient["birthDate"])

	obs := result.Bundle.Entries[1].Resource()
	require.NotNil(t, obs)
	assert.Equal(t, "Observation", obs["resourceType"])
	assert.Equal(t, "MSG001-obx-1", obs["id"])
	assert.Equal(t, "final", obs["status"])
	assert.Equal(t, map[string]interface{}{"reference": "Patient/12345"}, obs["subject"])

	coding := obs["code"].(map[string]interface{})["coding"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "2345-7", coding["code"])
	assert.Equal(t, "Glucose", coding["display"])
	assert.Equal(t, "http://loinc.org", coding["system"])

	quantity := obs["valueQuantity"].(map[string]interface{})
	assert.Equal(t, 95.0, quantity["value"])
	assert.Equal(t, "mg/dL", quantity["unit"])

	rr := obs["referenceRange"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, 70.0, rr["low"].(map[string]interface{})["value"])
	assert.Equal(t, 110.0, rr["high"].(map[string]interface{})["value"])

	category := obs["category"].([]interface{})[0].(map[string]interface{})
	catCoding := category["coding"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "laboratory", catCoding["code"])
}

// Converting a message with N OBX segments yields exactly N Observations
// plus one Patient.
func TestConvertORUObservationCount(t *testing.T) {
	for _, n := range []int{1, 3, 10} {
		raw := "MSH|^~\\&|LAB|HOSP|EHR|HOSP|20240101120000||ORU^R01|MSG010|P|2.5\r" +
			"PID|||12345||Doe^John||19800101|M"
		for i := 1; i <= n; i++ {
			raw += fmt.Sprintf("\rOBX|%d|NM|2345-7^Glucose^LN||%d|mg/dL|70-110|N|||F", i, 90+i)
		}

		msg, err := Parse(raw)
		require.NoError(t, err)

		result := Convert(msg)
		require.True(t, result.Supported)
		assert.Len(t, result.Bundle.Entries, n+1)
	}
}

func TestConvertUnsupportedTypes(t *testing.T) {
	tests := []struct {
		msh9  string
		label string
	}{
		{"ADT^A01", "ADT^A01"},
		{"MDM^T02", "MDM^T02"},
		{"ORM^O01", "ORM^O01"},
	}
	for _, tt := range tests {
		t.Run(tt.msh9, func(t *testing.T) {
			raw := "MSH|^~\\&|LAB|HOSP|EHR|HOSP|20240101120000||" + tt.msh9 + "|MSG002|P|2.5\r" +
				"PID|||12345||Doe^John||19800101|M"
			msg, err := Parse(raw)
			require.NoError(t, err)

			result := Convert(msg)
			assert.False(t, result.Supported)
			assert.Equal(t, tt.label, result.MessageType)
			assert.Nil(t, result.Bundle)
		})
	}
}

func TestConvertObservationTimes(t *testing.T) {
	raw := "MSH|^~\\&|LAB|HOSP|EHR|HOSP|20240101120000||ORU^R01|MSG003|P|2.5\r" +
		"PID|||12345||Doe^John||19800101|M\r" +
		"OBX|1|NM|2345-7^Glucose^LN||95|mg/dL|70-110|N|||F|||20240101113000|||||20240101120500"

	msg, err := Parse(raw)
	require.NoError(t, err)

	result := Convert(msg)
	require.True(t, result.Supported)
	obs := result.Bundle.Entries[1].Resource()
	assert.Equal(t, "2024-01-01T11:30:00Z", obs["effectiveDateTime"])
	assert.Equal(t, "2024-01-01T12:05:00Z", obs["issued"])
}

func TestConvertNonNumericValue(t *testing.T) {
	raw := "MSH|^~\\&|LAB|HOSP|EHR|HOSP|20240101120000||ORU^R01|MSG004|P|2.5\r" +
		"PID|||12345||Doe^John||19800101|M\r" +
		"OBX|1|ST|888-8^Culture^LN||no growth||||||F"

	msg, err := Parse(raw)
	require.NoError(t, err)

	result := Convert(msg)
	obs := result.Bundle.Entries[1].Resource()
	assert.Equal(t, "no growth", obs["valueString"])
	assert.NotContains(t, obs, "valueQuantity")
	assert.NotContains(t, obs, "referenceRange")
}

func TestConvertExplicitRangeComponents(t *testing.T) {
	raw := "MSH|^~\\&|LAB|HOSP|EHR|HOSP|20240101120000||ORU^R01|MSG005|P|2.5\r" +
		"PID|||12345||Doe^John||19800101|M\r" +
		"OBX|1|NM|718-7^Hemoglobin^LN||13.2|g/dL|12^16|N|||F"

	msg, err := Parse(raw)
	require.NoError(t, err)

	result := Convert(msg)
	obs := result.Bundle.Entries[1].Resource()
	rr := obs["referenceRange"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, 12.0, rr["low"].(map[string]interface{})["value"])
	assert.Equal(t, 16.0, rr["high"].(map[string]interface{})["value"])
}

func TestConvertORUWithoutPID(t *testing.T) {
	raw := "MSH|^~\\&|LAB|HOSP|EHR|HOSP|20240101120000||ORU^R01|MSG006|P|2.5\r" +
		"OBX|1|NM|2345-7^Glucose^LN||95|mg/dL|||||F"

	msg, err := Parse(raw)
	require.NoError(t, err)

	result := Convert(msg)
	require.True(t, result.Supported)
	assert.Equal(t, "", result.PatientID)
	require.Len(t, result.Bundle.Entries, 1)
	obs := result.Bundle.Entries[0].Resource()
	assert.NotContains(t, obs, "subject")
}

func TestObservationIDDeterministic(t *testing.T) {
	assert.Equal(t, "MSG1-obx-1", observationID("MSG1", "1", 0))
	assert.Equal(t, "MSG1-obx-3", observationID("MSG1", "", 2))
	assert.Equal(t, "obx-1", observationID("", "1", 0))
}

func TestHL7Timestamp(t *testing.T) {
	assert.Equal(t, "2024-01-01T12:00:00Z", hl7Timestamp("20240101120000"))
	assert.Equal(t, "2024-01-01T00:00:00Z", hl7Timestamp("20240101"))
	assert.Equal(t, "", hl7Timestamp(""))
	assert.Equal(t, "", hl7Timestamp("not-a-time"))
}
