package hl7

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/medsync/medsync-app/medsync/constants"
	"github.com/medsync/medsync-app/medsync/models"
	"github.com/medsync/medsync-app/medsync/models/fhir"
)

// ConversionResult is the structured outcome of converting one message.
// Unsupported message types are an expected outcome, not an error; callers
// must branch on Supported.
type ConversionResult struct {
	Supported   bool
	MessageType string
	Bundle      *fhir.Bundle
	PatientID   string
}

// Static gender mapping keyed by the HL7 administrative-sex table; no
// substring inference.
var genderByCode = map[string]string{
	"M": "male",
	"F": "female",
	"O": "other",
	"U": "unknown",
	"A": "other",
	"N": "unknown",
}

// Convert maps a parsed HL7 message into a FHIR collection bundle. Only ORU
// (observation result) messages convert; everything else is reported as
// unsupported.
func Convert(msg *Message) *ConversionResult {
	label := string(msg.Type)
	if msg.TriggerEvent != "" {
		label = label + "^" + msg.TriggerEvent
	}

	if msg.Type != models.MessageTypeORU {
		return &ConversionResult{Supported: false, MessageType: label}
	}

	return convertORU(msg, label)
}

func convertORU(msg *Message, label string) *ConversionResult {
	bundle := &fhir.Bundle{Type: "collection"}
	bundle.ResourceType = "Bundle"

	patientID := msg.Component("PID", 3, 1)
	if pid := msg.Segment("PID"); pid != nil {
		bundle.Entries = append(bundle.Entries, fhir.BundleEntry{"resource": patientResource(pid)})
	}

	// One Observation per OBX, in message order.
	for i, obx := range msg.AllSegments("OBX") {
		bundle.Entries = append(bundle.Entries, fhir.BundleEntry{
			"resource": observationResource(msg, obx, i, patientID),
		})
	}

	return &ConversionResult{
		Supported:   true,
		MessageType: label,
		Bundle:      bundle,
		PatientID:   patientID,
	}
}

func patientResource(pid *Segment) map[string]interface{} {
	resource := map[string]interface{}{
		"resourceType": "Patient",
		"id":           pid.Component(3, 1),
	}

	family := pid.Component(5, 1)
	given := pid.Component(5, 2)
	if family != "" || given != "" {
		name := map[string]interface{}{}
		if family != "" {
			name["family"] = family
		}
		if given != "" {
			name["given"] = []interface{}{given}
		}
		resource["name"] = []interface{}{name}
	}

	if gender, ok := genderByCode[pid.Field(8)]; ok {
		resource["gender"] = gender
	}
	if birth := hl7Date(pid.Field(7)); birth != "" {
		resource["birthDate"] = birth
	}

	return resource
}

func observationResource(msg *Message, obx *Segment, index int, patientID string) map[string]interface{} {
	resource := map[string]interface{}{
		"resourceType": "Observation",
		"id":           observationID(msg.ControlID, obx.Field(1), index),
		"status":       "final",
		"category": []interface{}{
			map[string]interface{}{
				"coding": []interface{}{
					map[string]interface{}{
						"system": constants.ObservationCategorySystem,
						"code":   "laboratory",
					},
				},
			},
		},
		"code": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{
					"system":  constants.LOINCSystem,
					"code":    obx.Component(3, 1),
					"display": obx.Component(3, 2),
				},
			},
		},
	}

	if patientID != "" {
		resource["subject"] = map[string]interface{}{"reference": "Patient/" + patientID}
	}

	unitCode := obx.Component(6, 1)
	unitDisplay := obx.Component(6, 2)
	unit := unitDisplay
	if unit == "" {
		unit = unitCode
	}

	value := obx.Field(5)
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		quantity := map[string]interface{}{"value": f}
		if unit != "" {
			quantity["unit"] = unit
			quantity["code"] = unitCode
			quantity["system"] = constants.UCUMSystem
		}
		resource["valueQuantity"] = quantity
	} else if value != "" {
		resource["valueString"] = value
	}

	if rr := referenceRange(obx); rr != nil {
		resource["referenceRange"] = []interface{}{rr}
	}

	if effective := hl7Timestamp(obx.Field(14)); effective != "" {
		resource["effectiveDateTime"] = effective
	}
	if issued := hl7Timestamp(obx.Field(19)); issued != "" {
		resource["issued"] = issued
	}

	return resource
}

// observationID derives a deterministic external id from the message control
// id and the OBX set id, so reprocessing the same message dedupes cleanly.
func observationID(controlID, setID string, index int) string {
	if setID == "" {
		setID = strconv.Itoa(index + 1)
	}
	if controlID == "" {
		return "obx-" + setID
	}
	return fmt.Sprintf("%s-obx-%s", controlID, setID)
}

// referenceRange reads OBX-7. The standard shape is low^high, but many
// senders collapse it to a single "low-high" component.
func referenceRange(obx *Segment) map[string]interface{} {
	low := obx.Component(7, 1)
	high := obx.Component(7, 2)
	if high == "" && strings.Contains(low, "-") {
		parts := strings.SplitN(low, "-", 2)
		low, high = parts[0], parts[1]
	}

	rr := map[string]interface{}{}
	if f, err := strconv.ParseFloat(low, 64); err == nil {
		rr["low"] = map[string]interface{}{"value": f}
	}
	if f, err := strconv.ParseFloat(high, 64); err == nil {
		rr["high"] = map[string]interface{}{"value": f}
	}
	if len(rr) == 0 {
		return nil
	}
	return rr
}

// Accepted HL7 timestamp precisions, most specific first.
var hl7TimeLayouts = []string{
	"20060102150405-0700",
	"20060102150405",
	"200601021504",
	"2006010215",
	"20060102",
}

// hl7Timestamp converts an HL7 TS value to RFC3339, or "" when absent or
// unparseable.
func hl7Timestamp(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, layout := range hl7TimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(time.RFC3339)
		}
	}
	return ""
}

// hl7Date converts an HL7 DT value to a FHIR date (YYYY-MM-DD).
func hl7Date(s string) string {
	s = strings.TrimSpace(s)
	if len(s) < 8 {
		return ""
	}
	if t, err := time.Parse("20060102", s[:8]); err == nil {
		return t.Format("2006-01-02")
	}
	return ""
}
