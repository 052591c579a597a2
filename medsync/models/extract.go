package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// resourceHeader holds the fields every FHIR resource carries.
type resourceHeader struct {
	ResourceType string `mapstructure:"resourceType"`
	ID           string `mapstructure:"id"`
}

// fieldSpec is a data-driven extraction table: JSON paths (dot-separated,
// numeric path elements index into arrays) for each canonical field. Empty
// paths are skipped for that resource type.
type fieldSpec struct {
	code        string
	display     string
	value       string
	unit        string
	valueString string
	effective   string
	issued      string
	status      string
	rangeLow    string
	rangeHigh   string
	patientRef  string
}

var extractionSpecs = map[ResourceType]fieldSpec{
	ResourceTypeObservation: {
		code:        "code.coding.0.code",
		display:     "code.coding.0.display",
		value:       "valueQuantity.value",
		unit:        "valueQuantity.unit",
		valueString: "valueString",
		effective:   "effectiveDateTime",
		issued:      "issued",
		status:      "status",
		rangeLow:    "referenceRange.0.low.value",
		rangeHigh:   "referenceRange.0.high.value",
		patientRef:  "subject.reference",
	},
	ResourceTypeDiagnosticReport: {
		code:       "code.coding.0.code",
		display:    "code.coding.0.display",
		effective:  "effectiveDateTime",
		issued:     "issued",
		status:     "status",
		patientRef: "subject.reference",
	},
	ResourceTypeDocumentReference: {
		code:       "type.coding.0.code",
		display:    "type.coding.0.display",
		effective:  "date",
		status:     "status",
		patientRef: "subject.reference",
	},
	ResourceTypeImagingStudy: {
		code:       "procedureCode.0.coding.0.code",
		display:    "procedureCode.0.coding.0.display",
		effective:  "started",
		status:     "status",
		patientRef: "subject.reference",
	},
	ResourceTypePatient: {
		code:      "gender",
		effective: "birthDate",
	},
}

// FromFHIR normalizes a raw FHIR resource object into a CanonicalResource
// for the given connection. The raw JSON is retained for audit.
func FromFHIR(resource map[string]interface{}, connectionID uint, sourceSystem string) (*CanonicalResource, error) {
	var hdr resourceHeader
	if err := mapstructure.Decode(resource, &hdr); err != nil {
		return nil, errors.Wrap(err, "could not decode resource header")
	}

	rt := ResourceType(hdr.ResourceType)
	spec, ok := extractionSpecs[rt]
	if !ok {
		return nil, fmt.Errorf("unsupported resource type %q", hdr.ResourceType)
	}
	if hdr.ID == "" {
		return nil, fmt.Errorf("%s resource has no id", hdr.ResourceType)
	}

	raw, err := json.Marshal(resource)
	if err != nil {
		return nil, errors.Wrap(err, "could not re-encode resource for audit")
	}

	cr := &CanonicalResource{
		ConnectionID:  connectionID,
		ResourceType:  rt,
		ExternalID:    hdr.ID,
		PatientRef:    refID(lookupString(resource, spec.patientRef)),
		Code:          lookupString(resource, spec.code),
		Display:       lookupString(resource, spec.display),
		ValueQuantity: lookupFloat(resource, spec.value),
		ValueUnit:     lookupString(resource, spec.unit),
		ValueString:   lookupString(resource, spec.valueString),
		EffectiveAt:   lookupTime(resource, spec.effective),
		IssuedAt:      lookupTime(resource, spec.issued),
		Status:        lookupString(resource, spec.status),
		RangeLow:      lookupFloat(resource, spec.rangeLow),
		RangeHigh:     lookupFloat(resource, spec.rangeHigh),
		Raw:           raw,
		SourceSystem:  sourceSystem,
		CreatedAt:     time.Now().UTC(),
	}

	return cr, nil
}

// refID strips the resource-type prefix from a FHIR reference
// ("Patient/123" -> "123").
func refID(ref string) string {
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

// lookup walks a dot-separated path through nested maps and arrays.
func lookup(m map[string]interface{}, path string) interface{} {
	if path == "" {
		return nil
	}
	var cur interface{} = m
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			cur = node[part]
		case []interface{}:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			cur = node[i]
		default:
			return nil
		}
	}
	return cur
}

func lookupString(m map[string]interface{}, path string) string {
	switch v := lookup(m, path).(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func lookupFloat(m map[string]interface{}, path string) *float64 {
	switch v := lookup(m, path).(type) {
	case float64:
		return &v
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return &f
		}
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return &f
		}
	}
	return nil
}

// Accepted timestamp layouts, most specific first. FHIR dates come in full
// instants, local datetimes, and bare dates.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func lookupTime(m map[string]interface{}, path string) *time.Time {
	s := lookupString(m, path)
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
