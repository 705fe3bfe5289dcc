package hl7v2

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func pidExampleSpec(t *testing.T) *SegmentSpec {
	t.Helper()
	r := NewRegistry()
	r.MustRegister("PID", []FieldDef{
		{Name: "patient_identifier_list", Position: 3},
		{Name: "patient_name", Position: 5},
		{Name: "date_of_birth", Position: 7},
		{Name: "administrative_sex", Position: 8},
	})
	spec, err := r.Lookup("PID")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	return spec
}

func newTestEncoder(t *testing.T) *Encoder {
	t.Helper()
	enc, err := NewEncoder(StandardRegistry(), DefaultDelimiters())
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	return enc
}

func TestEncodeSegment_PID(t *testing.T) {
	line, err := EncodeSegment(pidExampleSpec(t), FieldValues{
		"patient_identifier_list": "56782445^^^UAReg^PI",
		"patient_name":            "KLEINSAMPLE^BARRY^Q^JR",
		"date_of_birth":           "19620910",
		"administrative_sex":      "M",
	}, DefaultDelimiters())
	if err != nil {
		t.Fatalf("EncodeSegment: %v", err)
	}

	want := "PID|||56782445^^^UAReg^PI||KLEINSAMPLE^BARRY^Q^JR||19620910|M"
	if line != want {
		t.Errorf("got  %q\nwant %q", line, want)
	}
}

func TestEncodeSegment_PrimitiveFieldsEscapeComponents(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("PID", []FieldDef{
		{Name: "patient_identifier_list", Position: 3, Kind: Primitive},
		{Name: "patient_name", Position: 5},
	})
	spec, _ := r.Lookup("PID")

	line, err := EncodeSegment(spec, FieldValues{
		"patient_identifier_list": "A^B",
		"patient_name":            "DOE^JOHN",
	}, DefaultDelimiters())
	if err != nil {
		t.Fatalf("EncodeSegment: %v", err)
	}
	if line != `PID|||A\S\B||DOE^JOHN` {
		t.Errorf("got %q", line)
	}
}

func TestEncodeSegment_UserRegisteredHeader(t *testing.T) {
	tests := []struct {
		name   string
		fields []FieldDef
	}{
		{
			name: "slot declared without kind",
			fields: []FieldDef{
				{Name: "encoding_characters", Position: 2},
				{Name: "sending_application", Position: 3},
			},
		},
		{
			name:   "slot omitted",
			fields: []FieldDef{{Name: "sending_application", Position: 3}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			if err := r.Register("MSH", tt.fields); err != nil {
				t.Fatalf("Register: %v", err)
			}
			enc, err := NewEncoder(r, DefaultDelimiters())
			if err != nil {
				t.Fatalf("NewEncoder: %v", err)
			}
			line, err := enc.Encode("MSH", FieldValues{"sending_application": "EHR"})
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if want := `MSH|^~\&|EHR`; line != want {
				t.Errorf("got %q, want %q", line, want)
			}
		})
	}
}

func TestEncodeSegment_MissingValuesAreEmpty(t *testing.T) {
	line, err := EncodeSegment(pidExampleSpec(t), FieldValues{"administrative_sex": "F"}, DefaultDelimiters())
	if err != nil {
		t.Fatalf("EncodeSegment: %v", err)
	}
	if line != "PID||||||||F" {
		t.Errorf("got %q", line)
	}

	line, err = EncodeSegment(pidExampleSpec(t), nil, DefaultDelimiters())
	if err != nil {
		t.Fatalf("EncodeSegment: %v", err)
	}
	if line != "PID||||||||" {
		t.Errorf("expected all-empty PID, got %q", line)
	}
}

func TestEncodeSegment_TokenCount(t *testing.T) {
	enc := newTestEncoder(t)
	for _, spec := range enc.Registry().Specs() {
		t.Run(spec.Type(), func(t *testing.T) {
			line, err := EncodeSegment(spec, nil, DefaultDelimiters())
			if err != nil {
				t.Fatalf("EncodeSegment: %v", err)
			}
			tokens := strings.Split(line, "|")
			if len(tokens) != spec.Width()+1 {
				t.Errorf("expected %d tokens, got %d: %q", spec.Width()+1, len(tokens), line)
			}
			if tokens[0] != spec.Type() {
				t.Errorf("expected first token %s, got %s", spec.Type(), tokens[0])
			}
		})
	}
}

func TestEncodeSegment_MSHCarriesEncodingCharacters(t *testing.T) {
	enc := newTestEncoder(t)
	line, err := enc.Encode("MSH", FieldValues{
		"sending_application": "EHR",
		"message_type":        "ADT^A01",
		"message_control_id":  "MSG00001",
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	want := `MSH|^~\&|EHR||||||ADT^A01|MSG00001|P|2.5`
	if line != want {
		t.Errorf("got  %q\nwant %q", line, want)
	}

	tokens := strings.Split(line, "|")
	if tokens[1] != `^~\&` {
		t.Errorf("expected encoding characters as first field, got %q", tokens[1])
	}
	// MSH-n is tokens[n-1] because MSH-1 is the separator itself.
	if tokens[10-1] != "MSG00001" {
		t.Errorf("expected MSH-10 MSG00001, got %q", tokens[9])
	}
}

func TestEncodeSegment_EncodingCharactersIgnoreValues(t *testing.T) {
	enc := newTestEncoder(t)
	line, err := enc.Encode("MSH", FieldValues{"encoding_characters": "XXXX"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.HasPrefix(line, `MSH|^~\&|`) {
		t.Errorf("encoding characters must come from the delimiters, got %q", line)
	}
}

func TestEncodeSegment_CustomDelimiters(t *testing.T) {
	d, err := NewDelimiters('#', `$%*!`)
	if err != nil {
		t.Fatalf("NewDelimiters: %v", err)
	}
	enc, err := NewEncoder(StandardRegistry(), d)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}

	line, err := enc.Encode("MRG", FieldValues{
		"prior_patient_identifier_list": "123$$$MRN",
		"prior_patient_account_number":  "A#1",
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if line != "MRG#123$$$MRN##A*F*1" {
		t.Errorf("got %q", line)
	}

	msh, err := enc.Encode("MSH", nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.HasPrefix(msh, "MSH#$%*!#") {
		t.Errorf("expected custom MSH-1/MSH-2, got %q", msh)
	}
}

func TestEncodeSegment_Escaping(t *testing.T) {
	enc := newTestEncoder(t)
	line, err := enc.Encode("OBX", FieldValues{
		"set_id":            "1",
		"value_type":        "ST",
		"observation_value": `A|B^C~D\E&F`,
		"units":             "mg|dL",
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got := fieldOf(line, 5); got != `A\F\B\S\C\R\D\E\E\T\F` {
		t.Errorf("primitive value not fully escaped: %q", got)
	}
	if got := fieldOf(line, 6); got != `mg\F\dL` {
		t.Errorf("composite value must escape the field separator: %q", got)
	}
	if strings.Count(line, "|") != 11 {
		t.Errorf("escaping must not change the field count: %q", line)
	}
}

func TestEncodeSegment_LineBreaksAreEscaped(t *testing.T) {
	enc := newTestEncoder(t)
	line, err := enc.Encode("MSA", FieldValues{"text_message": "first\rsecond\nthird"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if strings.ContainsAny(line, "\r\n") {
		t.Errorf("segment must not contain raw line breaks: %q", line)
	}
}

func TestEncodeSegment_Defaults(t *testing.T) {
	enc := newTestEncoder(t)

	line, err := enc.Encode("MSH", FieldValues{"processing_id": "T"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.HasSuffix(line, "|T|2.5") {
		t.Errorf("expected supplied processing id and default version, got %q", line)
	}

	line, err = enc.Encode("MSH", FieldValues{"version_id": ""})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.HasSuffix(line, "|P|") {
		t.Errorf("an explicit empty value must override the default, got %q", line)
	}
}

func TestEncodeSegment_IgnoresUndeclaredNames(t *testing.T) {
	spec := pidExampleSpec(t)
	a, _ := EncodeSegment(spec, FieldValues{"administrative_sex": "M"}, DefaultDelimiters())
	b, _ := EncodeSegment(spec, FieldValues{"administrative_sex": "M", "shoe_size": "11"}, DefaultDelimiters())
	if a != b {
		t.Errorf("undeclared field changed output: %q vs %q", a, b)
	}
}

func TestEncodeSegment_Deterministic(t *testing.T) {
	spec := pidExampleSpec(t)
	values := FieldValues{"patient_name": "DOE^JANE", "administrative_sex": "F"}
	first, _ := EncodeSegment(spec, values, DefaultDelimiters())
	for i := 0; i < 10; i++ {
		again, _ := EncodeSegment(spec, values, DefaultDelimiters())
		if again != first {
			t.Fatalf("encoding is not deterministic: %q vs %q", first, again)
		}
	}
}

func TestEncodeSegment_NoTruncation(t *testing.T) {
	long := strings.Repeat("X", 5000)
	line, err := EncodeSegment(pidExampleSpec(t), FieldValues{"date_of_birth": long}, DefaultDelimiters())
	if err != nil {
		t.Fatalf("EncodeSegment: %v", err)
	}
	if fieldOf(line, 7) != long {
		t.Error("long values must be emitted in full")
	}
}

func TestEncodeSegment_Errors(t *testing.T) {
	if _, err := EncodeSegment(nil, nil, DefaultDelimiters()); !errors.Is(err, ErrUnknownSegmentType) {
		t.Errorf("expected ErrUnknownSegmentType for nil spec, got %v", err)
	}

	bad := DefaultDelimiters()
	bad.Component = bad.Field
	line, err := EncodeSegment(pidExampleSpec(t), nil, bad)
	if !errors.Is(err, ErrInvalidDelimiterConfiguration) {
		t.Errorf("expected ErrInvalidDelimiterConfiguration, got %v", err)
	}
	if line != "" {
		t.Errorf("expected no output on error, got %q", line)
	}
}

func TestEncoder_UnknownType(t *testing.T) {
	line, err := newTestEncoder(t).Encode("ZZZ", FieldValues{"a": "b"})
	if !errors.Is(err, ErrUnknownSegmentType) {
		t.Fatalf("expected ErrUnknownSegmentType, got %v", err)
	}
	if line != "" {
		t.Errorf("expected no output, got %q", line)
	}
}

func TestNewEncoder_Errors(t *testing.T) {
	if _, err := NewEncoder(nil, DefaultDelimiters()); err == nil {
		t.Error("expected error for nil registry")
	}
	bad := DefaultDelimiters()
	bad.Escape = 'E'
	if _, err := NewEncoder(NewRegistry(), bad); !errors.Is(err, ErrInvalidDelimiterConfiguration) {
		t.Errorf("expected ErrInvalidDelimiterConfiguration, got %v", err)
	}
}

func TestEncodeMessage(t *testing.T) {
	if got := EncodeMessage(); got != "" {
		t.Errorf("expected empty message, got %q", got)
	}
	if got := EncodeMessage("A", "B", "C"); got != "A\rB\rC" {
		t.Errorf("got %q", got)
	}
}

func TestEncoder_EncodeSegments_FullMessage(t *testing.T) {
	enc := newTestEncoder(t)
	msg, err := enc.EncodeSegments(
		Segment{Type: "MSH", Values: FieldValues{
			"sending_application": "EHR",
			"message_type":        "ADT^A01",
			"message_control_id":  "MSG00001",
		}},
		Segment{Type: "EVN", Values: FieldValues{"event_type_code": "A01"}},
		Segment{Type: "PID", Values: FieldValues{
			"patient_identifier_list": "56782445^^^UAReg^PI",
			"patient_name":            "KLEINSAMPLE^BARRY^Q^JR",
		}},
	)
	if err != nil {
		t.Fatalf("EncodeSegments: %v", err)
	}

	lines := strings.Split(msg, "\r")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), msg)
	}
	for i, prefix := range []string{"MSH|", "EVN|", "PID|"} {
		if !strings.HasPrefix(lines[i], prefix) {
			t.Errorf("line %d: expected prefix %s, got %q", i, prefix, lines[i])
		}
	}
	if strings.HasSuffix(msg, "\r") {
		t.Error("message must not end with a segment terminator")
	}
}

func TestEncoder_EncodeSegments_RawAndErrors(t *testing.T) {
	enc := newTestEncoder(t)

	msg, err := enc.EncodeSegments(
		Segment{Raw: "ZPI|custom"},
		Segment{Type: "MSA", Values: FieldValues{"acknowledgment_code": "AA"}},
	)
	if err != nil {
		t.Fatalf("EncodeSegments: %v", err)
	}
	if msg != "ZPI|custom\rMSA|AA||" {
		t.Errorf("got %q", msg)
	}

	msg, err = enc.EncodeSegments(
		Segment{Type: "EVN"},
		Segment{Type: "ZZZ"},
	)
	if !errors.Is(err, ErrUnknownSegmentType) {
		t.Fatalf("expected ErrUnknownSegmentType, got %v", err)
	}
	if !strings.Contains(err.Error(), "segment 2") {
		t.Errorf("expected failing segment index in error, got %v", err)
	}
	if msg != "" {
		t.Errorf("expected no partial output, got %q", msg)
	}
}

func TestEncoder_EncodeSegments_RawMustBeOneLine(t *testing.T) {
	enc := newTestEncoder(t)

	for _, raw := range []string{
		"ZPI|a\rPID|||injected",
		"ZPI|a\nPID|||injected",
		"ZPI|a\r",
	} {
		msg, err := enc.EncodeSegments(
			Segment{Type: "EVN"},
			Segment{Raw: raw},
		)
		if !errors.Is(err, ErrInvalidRawSegment) {
			t.Errorf("%q: expected ErrInvalidRawSegment, got %v", raw, err)
			continue
		}
		if !strings.Contains(err.Error(), "segment 2") {
			t.Errorf("%q: expected failing segment index in error, got %v", raw, err)
		}
		if msg != "" {
			t.Errorf("%q: expected no partial output, got %q", raw, msg)
		}
	}
}

func TestEncoder_WithLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	enc, err := NewEncoder(StandardRegistry(), DefaultDelimiters(), WithLogger(logger))
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if _, err := enc.Encode("EVN", nil); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(buf.String(), `"segment":"EVN"`) {
		t.Errorf("expected debug log for EVN, got %q", buf.String())
	}
}

type countingRecorder struct {
	encoded map[string]int
	failed  map[string]int
}

func (r *countingRecorder) SegmentEncoded(t string) { r.encoded[t]++ }
func (r *countingRecorder) EncodeFailed(t string)   { r.failed[t]++ }

func TestEncoder_WithRecorder(t *testing.T) {
	rec := &countingRecorder{encoded: map[string]int{}, failed: map[string]int{}}
	enc, err := NewEncoder(StandardRegistry(), DefaultDelimiters(), WithRecorder(rec))
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}

	if _, err := enc.EncodeSegments(
		Segment{Type: "MSH"},
		Segment{Type: "PID", Values: FieldValues{"patient_id": "1"}},
		Segment{Raw: "ZZZ|raw"},
	); err != nil {
		t.Fatalf("EncodeSegments: %v", err)
	}
	if _, err := enc.Encode("ZZZ", nil); err == nil {
		t.Fatal("expected error for unknown segment")
	}

	if rec.encoded["MSH"] != 1 || rec.encoded["PID"] != 1 {
		t.Errorf("encoded counts = %v", rec.encoded)
	}
	if _, ok := rec.encoded["ZZZ"]; ok {
		t.Errorf("raw segment must not be counted as encoded")
	}
	if rec.failed[UnknownSegmentLabel] != 1 {
		t.Errorf("failed counts = %v", rec.failed)
	}
}

func TestEncoder_RecorderLabelsUnknownTypesOnce(t *testing.T) {
	rec := &countingRecorder{encoded: map[string]int{}, failed: map[string]int{}}
	enc, err := NewEncoder(StandardRegistry(), DefaultDelimiters(), WithRecorder(rec))
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}

	for i := 0; i < 500; i++ {
		if _, err := enc.Encode(fmt.Sprintf("Z%d", i), nil); err == nil {
			t.Fatal("expected error for unregistered type")
		}
	}
	if len(rec.failed) != 1 || rec.failed[UnknownSegmentLabel] != 500 {
		t.Errorf("expected all failures under %q, got %d labels", UnknownSegmentLabel, len(rec.failed))
	}
}

func TestEncoder_WithRecorderNil(t *testing.T) {
	enc, err := NewEncoder(StandardRegistry(), DefaultDelimiters(), WithRecorder(nil))
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if _, err := enc.Encode("EVN", nil); err != nil {
		t.Fatalf("Encode: %v", err)
	}
}
