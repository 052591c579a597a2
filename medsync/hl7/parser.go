// Package hl7 tokenizes HL7v2 pipe-delimited messages and converts the
// subset this system understands into FHIR resources. Parsing is pure: no
// I/O, no shared state.
package hl7

import (
	"io/ioutil"
	"strings"

	"github.com/dimchansky/utfbom"
	"github.com/medsync/medsync-app/medsync/constants"
	errs "github.com/medsync/medsync-app/medsync/errors"
	"github.com/medsync/medsync-app/medsync/models"
)

// MLLP frame characters; tolerated on input, never required.
const (
	startBlock     = 0x0B
	endBlock       = 0x1C
	carriageReturn = 0x0D
)

// Message is one parsed HL7v2 message. Immutable once parsed; the raw text
// is retained for audit.
type Message struct {
	Type         models.MessageType
	TriggerEvent string
	ControlID    string
	ProcessingID string
	VersionID    string
	Segments     []Segment
	Raw          string
}

// Segment is a 3-letter-tagged sequence of fields.
type Segment struct {
	Type   string
	Fields []Field
}

// Field holds the raw field value and its component split.
type Field struct {
	Value      string
	Components []Component
}

// Component optionally splits into subcomponents; a component without the
// subcomponent separator is a one-element subcomponent list.
type Component struct {
	Value         string
	Subcomponents []string
}

// Parse tokenizes raw HL7v2 text into a Message. The field, component, and
// subcomponent separators are fixed constants rather than derived from
// MSH-2, a deliberate simplification. Repetition separators (~) are not
// handled; repeated occurrences collapse into a single value.
func Parse(raw string) (*Message, error) {
	data, err := ioutil.ReadAll(utfbom.SkipOnly(strings.NewReader(raw)))
	if err != nil {
		return nil, &errs.ParsingError{Msg: "could not read message: " + err.Error()}
	}
	text := unwrapMLLP(string(data))

	if strings.TrimSpace(text) == "" {
		return nil, &errs.ParsingError{Msg: "empty message"}
	}

	// Segments are CR-separated on the wire; tolerate LF endings from files.
	text = strings.NewReplacer("\r\n", "\r", "\n", "\r").Replace(text)

	var segments []Segment
	for _, line := range strings.Split(text, "\r") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		seg, err := parseSegment(line)
		if err != nil {
			return nil, err
		}
		segments = append(segments, *seg)
	}

	if len(segments) == 0 {
		return nil, &errs.ParsingError{Msg: "no segments found"}
	}
	if segments[0].Type != "MSH" {
		return nil, &errs.ParsingError{Msg: "first segment must be MSH, got " + segments[0].Type}
	}

	msg := &Message{Segments: segments, Raw: raw}

	// Header fields by fixed 1-based HL7 index.
	msgType := msg.Component("MSH", 9, 1)
	if mt, ok := models.ParseMessageType(msgType); ok {
		msg.Type = mt
	} else {
		msg.Type = models.MessageType(msgType)
	}
	msg.TriggerEvent = msg.Component("MSH", 9, 2)
	msg.ControlID = msg.Field("MSH", 10)
	msg.ProcessingID = msg.Field("MSH", 11)
	msg.VersionID = msg.Field("MSH", 12)

	return msg, nil
}

func parseSegment(line string) (*Segment, error) {
	pieces := strings.Split(line, constants.HL7FieldSeparator)
	if len(pieces) < 2 {
		return nil, &errs.ParsingError{Msg: "segment has fewer than 2 pieces: " + line}
	}

	tag := pieces[0]
	values := pieces[1:]

	// In MSH the field separator itself is MSH-1, so the encoding characters
	// land at MSH-2 and the remaining fields keep their standard numbering.
	if tag == "MSH" {
		values = append([]string{constants.HL7FieldSeparator}, values...)
	}

	fields := make([]Field, len(values))
	for i, v := range values {
		fields[i] = parseField(v)
	}

	return &Segment{Type: tag, Fields: fields}, nil
}

func parseField(value string) Field {
	parts := strings.Split(value, constants.HL7ComponentSeparator)
	components := make([]Component, len(parts))
	for i, p := range parts {
		components[i] = Component{Value: p, Subcomponents: strings.Split(p, constants.HL7SubcomponentSeparator)}
	}
	return Field{Value: value, Components: components}
}

// Segment returns the first segment with the given tag, or nil.
func (m *Message) Segment(tag string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Type == tag {
			return &m.Segments[i]
		}
	}
	return nil
}

// AllSegments returns every segment with the given tag, in message order.
func (m *Message) AllSegments(tag string) []*Segment {
	var out []*Segment
	for i := range m.Segments {
		if m.Segments[i].Type == tag {
			out = append(out, &m.Segments[i])
		}
	}
	return out
}

// Field returns the raw value of the 1-based field index within the first
// segment of the given tag. Out-of-range indices and missing segments yield
// an empty string, never an error; real-world messages are routinely short.
func (m *Message) Field(tag string, index int) string {
	seg := m.Segment(tag)
	if seg == nil {
		return ""
	}
	return seg.Field(index)
}

// Component returns the 1-based component within the 1-based field, with the
// same leniency as Field.
func (m *Message) Component(tag string, fieldIndex, componentIndex int) string {
	seg := m.Segment(tag)
	if seg == nil {
		return ""
	}
	return seg.Component(fieldIndex, componentIndex)
}

// Field returns the raw value of the 1-based field index, or "".
func (s *Segment) Field(index int) string {
	if index < 1 || index > len(s.Fields) {
		return ""
	}
	return s.Fields[index-1].Value
}

// Component returns the 1-based component of the 1-based field, or "".
func (s *Segment) Component(fieldIndex, componentIndex int) string {
	if fieldIndex < 1 || fieldIndex > len(s.Fields) {
		return ""
	}
	f := s.Fields[fieldIndex-1]
	if componentIndex < 1 || componentIndex > len(f.Components) {
		return ""
	}
	return f.Components[componentIndex-1].Value
}

func unwrapMLLP(s string) string {
	s = strings.TrimPrefix(s, string(rune(startBlock)))
	s = strings.TrimSuffix(s, string([]byte{endBlock, carriageReturn}))
	return s
}
