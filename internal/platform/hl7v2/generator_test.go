package hl7v2

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// =========== Test Helpers ===========

var fixedNow = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func newTestGenerator(t *testing.T) *Generator {
	t.Helper()
	enc, err := NewEncoder(StandardRegistry(), DefaultDelimiters())
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	g := NewGenerator(enc, HeaderConfig{SendingApplication: "EHR", SendingFacility: "EHRFac"})
	g.now = func() time.Time { return fixedNow }
	g.controlID = func() string { return "CTRL0001" }
	return g
}

func splitSegments(body []byte) []string {
	return strings.Split(string(body), SegmentTerminator)
}

// fieldOf returns field n of a non-header segment line.
func fieldOf(line string, n int) string {
	parts := strings.Split(line, "|")
	if n >= len(parts) {
		return ""
	}
	return parts[n]
}

func testPatient() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Patient",
		"id":           "patient-123",
		"name": []interface{}{
			map[string]interface{}{
				"family": "Doe",
				"given":  []interface{}{"John"},
			},
		},
		"birthDate": "1980-05-15",
		"gender":    "male",
		"identifier": []interface{}{
			map[string]interface{}{
				"value": "MRN12345",
				"type": map[string]interface{}{
					"coding": []interface{}{
						map[string]interface{}{
							"code": "MR",
						},
					},
				},
			},
		},
		"address": []interface{}{
			map[string]interface{}{
				"line":       []interface{}{"123 Main St"},
				"city":       "Springfield",
				"state":      "IL",
				"postalCode": "62701",
			},
		},
		"telecom": []interface{}{
			map[string]interface{}{
				"system": "phone",
				"value":  "555-555-1234",
			},
		},
	}
}

func testEncounter() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Encounter",
		"id":           "enc-001",
		"class": map[string]interface{}{
			"code": "IMP",
		},
		"status": "in-progress",
		"location": []interface{}{
			map[string]interface{}{
				"location": map[string]interface{}{
					"display": "ICU Room 101",
				},
			},
		},
		"participant": []interface{}{
			map[string]interface{}{
				"individual": map[string]interface{}{
					"display": "Dr. Robert Smith",
				},
			},
		},
	}
}

func testServiceRequest() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "ServiceRequest",
		"id":           "sr-001",
		"status":       "active",
		"intent":       "order",
		"code": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{
					"system":  "http://loinc.org",
					"code":    "85025",
					"display": "CBC",
				},
			},
		},
		"authoredOn": "2024-01-15T12:00:00Z",
	}
}

func testDiagnosticReport() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "DiagnosticReport",
		"id":           "dr-001",
		"status":       "final",
		"code": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{
					"system":  "http://loinc.org",
					"code":    "85025",
					"display": "CBC",
				},
			},
		},
		"effectiveDateTime": "2024-01-15T14:00:00Z",
	}
}

func testObservations() []map[string]interface{} {
	return []map[string]interface{}{
		{
			"resourceType": "Observation",
			"id":           "obs-001",
			"status":       "final",
			"code": map[string]interface{}{
				"coding": []interface{}{
					map[string]interface{}{
						"system":  "http://loinc.org",
						"code":    "718-7",
						"display": "Hemoglobin",
					},
				},
			},
			"valueQuantity": map[string]interface{}{
				"value": 13.5,
				"unit":  "g/dL",
			},
			"referenceRange": []interface{}{
				map[string]interface{}{
					"low": map[string]interface{}{
						"value": 12.0,
						"unit":  "g/dL",
					},
					"high": map[string]interface{}{
						"value": 17.5,
						"unit":  "g/dL",
					},
				},
			},
		},
		{
			"resourceType": "Observation",
			"id":           "obs-002",
			"status":       "final",
			"code": map[string]interface{}{
				"coding": []interface{}{
					map[string]interface{}{
						"system":  "http://loinc.org",
						"code":    "4544-3",
						"display": "Hematocrit",
					},
				},
			},
			"valueQuantity": map[string]interface{}{
				"value": 40.1,
				"unit":  "%",
			},
			"referenceRange": []interface{}{
				map[string]interface{}{
					"low": map[string]interface{}{
						"value": 36.0,
						"unit":  "%",
					},
					"high": map[string]interface{}{
						"value": 53.0,
						"unit":  "%",
					},
				},
			},
		},
	}
}

// =========== ADT Tests ===========

func TestGenerator_ADT_A01(t *testing.T) {
	out, err := newTestGenerator(t).ADT("A01", testPatient(), testEncounter())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{
		`MSH|^~\&|EHR|EHRFac|||20240115103000||ADT^A01|CTRL0001|P|2.5`,
		"EVN|A01|20240115103000||||",
		"PID|1||MRN12345||Doe^John||19800515|M|||123 Main St^^Springfield^IL^62701^||555-555-1234",
		"PV1|1|I|ICU Room 101||||Dr. Robert Smith|||",
	}
	got := splitSegments(out.Body)
	if len(got) != len(want) {
		t.Fatalf("expected %d segments, got %d: %q", len(want), len(got), out.Body)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("segment %d:\n got  %q\n want %q", i, got[i], want[i])
		}
	}

	if out.ControlID != "CTRL0001" {
		t.Errorf("expected control id CTRL0001, got %s", out.ControlID)
	}
	if out.MessageType != "ADT^A01" {
		t.Errorf("expected message type ADT^A01, got %s", out.MessageType)
	}
	if out.Segments != 4 {
		t.Errorf("expected 4 segments, got %d", out.Segments)
	}
}

func TestGenerator_ADT_Events(t *testing.T) {
	for _, event := range []string{"A03", "A08"} {
		t.Run(event, func(t *testing.T) {
			out, err := newTestGenerator(t).ADT(event, testPatient(), testEncounter())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			segs := splitSegments(out.Body)
			if !strings.Contains(segs[0], "|ADT^"+event+"|") {
				t.Errorf("expected ADT^%s in MSH, got %q", event, segs[0])
			}
			if fieldOf(segs[1], 1) != event {
				t.Errorf("expected EVN-1 %s, got %q", event, segs[1])
			}
		})
	}
}

func TestGenerator_ADT_NilEncounter(t *testing.T) {
	out, err := newTestGenerator(t).ADT("A08", testPatient(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	segs := splitSegments(out.Body)
	if segs[3] != "PV1|1|||||||||" {
		t.Errorf("expected empty PV1, got %q", segs[3])
	}
}

func TestGenerator_ADT_NilPatient(t *testing.T) {
	_, err := newTestGenerator(t).ADT("A01", nil, testEncounter())
	if !errors.Is(err, ErrPatientRequired) {
		t.Fatalf("expected ErrPatientRequired, got %v", err)
	}
}

func TestGenerator_ADT_EscapesPatientData(t *testing.T) {
	patient := map[string]interface{}{
		"name": []interface{}{
			map[string]interface{}{
				"family": "O|Brien^Smith",
				"given":  []interface{}{"Mary&Ann"},
			},
		},
	}
	out, err := newTestGenerator(t).ADT("A01", patient, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pid := splitSegments(out.Body)[2]
	if got := fieldOf(pid, 5); got != `O\F\Brien\S\Smith^Mary\T\Ann` {
		t.Errorf("expected escaped name, got %q", got)
	}
	if strings.Count(pid, "|") != 13 {
		t.Errorf("escaped data must not add fields: %q", pid)
	}
}

func TestGenerator_ControlIDsAreUnique(t *testing.T) {
	enc, err := NewEncoder(StandardRegistry(), DefaultDelimiters())
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	g := NewGenerator(enc, HeaderConfig{})

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		out, err := g.ADT("A01", testPatient(), nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(out.ControlID) != 20 {
			t.Errorf("expected 20-character control id, got %q", out.ControlID)
		}
		if seen[out.ControlID] {
			t.Fatalf("duplicate control id %s", out.ControlID)
		}
		seen[out.ControlID] = true
	}
}

// =========== Merge / BAR Tests ===========

func TestGenerator_Merge(t *testing.T) {
	params := map[string]interface{}{
		"priorPatientID": "MRN-OLD",
		"priorAccountID": "ACC-9",
	}
	out, err := newTestGenerator(t).Merge("A40", testPatient(), params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	segs := splitSegments(out.Body)
	if len(segs) != 4 {
		t.Fatalf("expected MSH, EVN, PID, MRG, got %d segments", len(segs))
	}
	if out.MessageType != "ADT^A40" {
		t.Errorf("expected ADT^A40, got %s", out.MessageType)
	}
	if segs[3] != "MRG|MRN-OLD||ACC-9" {
		t.Errorf("unexpected MRG: %q", segs[3])
	}
}

func TestGenerator_Merge_Errors(t *testing.T) {
	g := newTestGenerator(t)
	if _, err := g.Merge("A40", nil, map[string]interface{}{}); !errors.Is(err, ErrPatientRequired) {
		t.Errorf("expected ErrPatientRequired, got %v", err)
	}
	if _, err := g.Merge("A40", testPatient(), nil); !errors.Is(err, ErrMergeParamsMissing) {
		t.Errorf("expected ErrMergeParamsMissing, got %v", err)
	}
}

func TestGenerator_BAR(t *testing.T) {
	diagnosis := map[string]interface{}{
		"code":        "E11.9",
		"description": "Type 2 diabetes",
		"codeSystem":  "I10",
		"type":        "F",
	}
	out, err := newTestGenerator(t).BAR("P01", testPatient(), testEncounter(), diagnosis)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	segs := splitSegments(out.Body)
	if len(segs) != 5 {
		t.Fatalf("expected MSH, EVN, PID, PV1, DG1, got %d segments", len(segs))
	}
	if out.MessageType != "BAR^P01" {
		t.Errorf("expected BAR^P01, got %s", out.MessageType)
	}
	if segs[4] != "DG1|1|I10|E11.9^Type 2 diabetes^I10||20240115|F" {
		t.Errorf("unexpected DG1: %q", segs[4])
	}
}

func TestGenerator_BAR_Errors(t *testing.T) {
	g := newTestGenerator(t)
	if _, err := g.BAR("P01", nil, nil, map[string]interface{}{}); !errors.Is(err, ErrPatientRequired) {
		t.Errorf("expected ErrPatientRequired, got %v", err)
	}
	if _, err := g.BAR("P05", testPatient(), nil, nil); !errors.Is(err, ErrDiagnosisMissing) {
		t.Errorf("expected ErrDiagnosisMissing, got %v", err)
	}
}

// =========== ORM / ORU Tests ===========

func TestGenerator_ORM(t *testing.T) {
	out, err := newTestGenerator(t).ORM(testServiceRequest(), testPatient())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	segs := splitSegments(out.Body)
	if len(segs) != 4 {
		t.Fatalf("expected MSH, PID, ORC, OBR, got %d segments", len(segs))
	}
	if out.MessageType != "ORM^O01" {
		t.Errorf("expected ORM^O01, got %s", out.MessageType)
	}
	if segs[2] != "ORC|NW|sr-001|||||||20240115120000" {
		t.Errorf("unexpected ORC: %q", segs[2])
	}
	if segs[3] != "OBR|1|||85025^CBC^LN|||20240115120000" {
		t.Errorf("unexpected OBR: %q", segs[3])
	}
}

func TestGenerator_UnparseableDatesAreEscaped(t *testing.T) {
	sr := testServiceRequest()
	sr["authoredOn"] = "2024^01&15|x"
	out, err := newTestGenerator(t).ORM(sr, testPatient())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	segs := splitSegments(out.Body)
	if len(segs) != 4 {
		t.Fatalf("expected MSH, PID, ORC, OBR, got %d segments", len(segs))
	}
	want := `2024\S\01\T\15\F\x`
	if got := fieldOf(segs[2], 9); got != want {
		t.Errorf("ORC-9: expected %q, got %q (line %q)", want, got, segs[2])
	}
	if got := fieldOf(segs[3], 7); got != want {
		t.Errorf("OBR-7: expected %q, got %q (line %q)", want, got, segs[3])
	}

	dr := testDiagnosticReport()
	dr["effectiveDateTime"] = "soon^ish"
	out, err = newTestGenerator(t).ORU(dr, testObservations(), testPatient())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := fieldOf(splitSegments(out.Body)[2], 7); got != `soon\S\ish` {
		t.Errorf("ORU OBR-7: expected escaped value, got %q", got)
	}
}

func TestGenerator_ORU(t *testing.T) {
	out, err := newTestGenerator(t).ORU(testDiagnosticReport(), testObservations(), testPatient())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	segs := splitSegments(out.Body)
	if len(segs) != 5 {
		t.Fatalf("expected MSH, PID, OBR, OBX, OBX, got %d segments", len(segs))
	}
	if segs[2] != "OBR|1|||85025^CBC^LN|||20240115140000" {
		t.Errorf("unexpected OBR: %q", segs[2])
	}
	if segs[3] != "OBX|1|NM|718-7^Hemoglobin^LN||13.5|g/dL|12-17.5|N|||F" {
		t.Errorf("unexpected first OBX: %q", segs[3])
	}
	if fieldOf(segs[4], 1) != "2" || fieldOf(segs[4], 5) != "40.1" {
		t.Errorf("unexpected second OBX: %q", segs[4])
	}
}

func TestGenerator_ORU_StringValue(t *testing.T) {
	obs := []map[string]interface{}{
		{"valueString": "positive|see note", "status": "preliminary"},
	}
	out, err := newTestGenerator(t).ORU(testDiagnosticReport(), obs, testPatient())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	obx := splitSegments(out.Body)[3]
	if fieldOf(obx, 2) != "ST" {
		t.Errorf("expected ST value type, got %q", obx)
	}
	if !strings.Contains(obx, `|positive\F\see note|`) {
		t.Errorf("expected escaped observation value, got %q", obx)
	}
	if fieldOf(obx, 11) != "P" {
		t.Errorf("expected preliminary status P, got %q", obx)
	}
}

// =========== Helper Tests ===========

func TestConvertFHIRDateTimeToHL7(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"2024-01-15T12:00:00Z", "20240115120000"},
		{"2024-01-15T12:00:00", "20240115120000"},
		{"2024-01-15", "20240115"},
		{"2024-01", "202401"},
	}
	for _, tt := range tests {
		if got := convertFHIRDateTimeToHL7(tt.in); got != tt.want {
			t.Errorf("convertFHIRDateTimeToHL7(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMapFHIRGender(t *testing.T) {
	tests := map[string]string{"male": "M", "Female": "F", "other": "O", "unknown": "U", "": "U"}
	for in, want := range tests {
		if got := mapFHIRGender(in); got != want {
			t.Errorf("mapFHIRGender(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGenerator_MinimalPatient(t *testing.T) {
	out, err := newTestGenerator(t).ADT("A01", map[string]interface{}{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pid := splitSegments(out.Body)[2]
	if pid != "PID|1||||||||||||" {
		t.Errorf("expected PID with only set id, got %q", pid)
	}
}
