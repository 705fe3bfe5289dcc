package hl7v2

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HeaderConfig supplies the routing and versioning values written to MSH.
// Empty ProcessingID and VersionID fall back to the MSH spec defaults.
type HeaderConfig struct {
	SendingApplication   string
	SendingFacility      string
	ReceivingApplication string
	ReceivingFacility    string
	ProcessingID         string
	VersionID            string
}

// Generator builds complete HL7v2 messages from FHIR resources represented
// as generic JSON maps.
type Generator struct {
	enc       *Encoder
	header    HeaderConfig
	now       func() time.Time
	controlID func() string
}

// NewGenerator creates a generator that encodes through enc.
func NewGenerator(enc *Encoder, header HeaderConfig) *Generator {
	return &Generator{
		enc:       enc,
		header:    header,
		now:       func() time.Time { return time.Now().UTC() },
		controlID: newControlID,
	}
}

// newControlID returns a unique MSH-10 value. HL7 2.5 limits MSH-10 to 20
// characters.
func newControlID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:20]
}

// Generated is an encoded message together with the header values the
// generator chose for it.
type Generated struct {
	ControlID   string
	MessageType string
	Body        []byte
	Segments    int
}

// ADT generates an ADT (Admit/Discharge/Transfer) message: MSH, EVN, PID, PV1.
// event is the trigger event, e.g. "A01" (admit), "A03" (discharge) or
// "A08" (update).
func (g *Generator) ADT(event string, patient, encounter map[string]interface{}) (*Generated, error) {
	if patient == nil {
		return nil, ErrPatientRequired
	}
	return g.build("ADT", event,
		Segment{Type: "EVN", Values: g.evnValues(event)},
		Segment{Type: "PID", Values: g.pidValues(patient)},
		Segment{Type: "PV1", Values: g.pv1Values(encounter)},
	)
}

// Merge generates an ADT^A40 (merge patient) or ADT^A41 (merge account)
// message: MSH, EVN, PID, MRG. mergeParams holds "priorPatientID" and
// optionally "priorAccountID".
func (g *Generator) Merge(event string, patient, mergeParams map[string]interface{}) (*Generated, error) {
	if patient == nil {
		return nil, ErrPatientRequired
	}
	if mergeParams == nil {
		return nil, ErrMergeParamsMissing
	}
	return g.build("ADT", event,
		Segment{Type: "EVN", Values: g.evnValues(event)},
		Segment{Type: "PID", Values: g.pidValues(patient)},
		Segment{Type: "MRG", Values: g.mrgValues(mergeParams)},
	)
}

// BAR generates a BAR^P01 (add account) or BAR^P05 (update account)
// message: MSH, EVN, PID, PV1, DG1. diagnosis holds "code", "description",
// "type" and optionally "codeSystem".
func (g *Generator) BAR(event string, patient, encounter, diagnosis map[string]interface{}) (*Generated, error) {
	if patient == nil {
		return nil, ErrPatientRequired
	}
	if diagnosis == nil {
		return nil, ErrDiagnosisMissing
	}
	return g.build("BAR", event,
		Segment{Type: "EVN", Values: g.evnValues(event)},
		Segment{Type: "PID", Values: g.pidValues(patient)},
		Segment{Type: "PV1", Values: g.pv1Values(encounter)},
		Segment{Type: "DG1", Values: g.dg1Values(1, diagnosis)},
	)
}

// ORM generates an ORM^O01 (order) message: MSH, PID, ORC, OBR.
func (g *Generator) ORM(serviceRequest, patient map[string]interface{}) (*Generated, error) {
	if patient == nil {
		return nil, ErrPatientRequired
	}
	return g.build("ORM", "O01",
		Segment{Type: "PID", Values: g.pidValues(patient)},
		Segment{Type: "ORC", Values: g.orcValues(serviceRequest)},
		Segment{Type: "OBR", Values: g.obrValues(serviceRequest, "authoredOn")},
	)
}

// ORU generates an ORU^R01 (observation result) message: MSH, PID, OBR and
// one OBX per observation.
func (g *Generator) ORU(diagnosticReport map[string]interface{}, observations []map[string]interface{}, patient map[string]interface{}) (*Generated, error) {
	if patient == nil {
		return nil, ErrPatientRequired
	}
	segs := []Segment{
		{Type: "PID", Values: g.pidValues(patient)},
		{Type: "OBR", Values: g.obrValues(diagnosticReport, "effectiveDateTime")},
	}
	for i, obs := range observations {
		segs = append(segs, Segment{Type: "OBX", Values: g.obxValues(i+1, obs)})
	}
	return g.build("ORU", "R01", segs...)
}

// build prepends an MSH for msgType^trigger and encodes the message.
func (g *Generator) build(msgType, trigger string, body ...Segment) (*Generated, error) {
	d := g.enc.Delimiters()
	controlID := g.controlID()
	messageType := d.Components(msgType, trigger)

	segs := make([]Segment, 0, len(body)+1)
	segs = append(segs, Segment{Type: "MSH", Values: g.mshValues(messageType, controlID)})
	segs = append(segs, body...)

	text, err := g.enc.EncodeSegments(segs...)
	if err != nil {
		return nil, fmt.Errorf("hl7v2: generate %s^%s: %w", msgType, trigger, err)
	}
	return &Generated{
		ControlID:   controlID,
		MessageType: msgType + "^" + trigger,
		Body:        []byte(text),
		Segments:    len(segs),
	}, nil
}

func (g *Generator) mshValues(messageType, controlID string) FieldValues {
	d := g.enc.Delimiters()
	v := FieldValues{
		"sending_application":   d.EscapeValue(g.header.SendingApplication),
		"sending_facility":      d.EscapeValue(g.header.SendingFacility),
		"receiving_application": d.EscapeValue(g.header.ReceivingApplication),
		"receiving_facility":    d.EscapeValue(g.header.ReceivingFacility),
		"date_time_of_message":  g.now().Format("20060102150405"),
		"message_type":          messageType,
		"message_control_id":    controlID,
	}
	if g.header.ProcessingID != "" {
		v["processing_id"] = d.EscapeValue(g.header.ProcessingID)
	}
	if g.header.VersionID != "" {
		v["version_id"] = d.EscapeValue(g.header.VersionID)
	}
	return v
}

func (g *Generator) evnValues(event string) FieldValues {
	return FieldValues{
		"event_type_code":    event,
		"recorded_date_time": g.now().Format("20060102150405"),
	}
}

// pidValues maps a FHIR Patient to PID-1, 3, 5, 7, 8, 11 and 13.
func (g *Generator) pidValues(patient map[string]interface{}) FieldValues {
	d := g.enc.Delimiters()
	v := FieldValues{"set_id": "1"}

	if ids, ok := getArray(patient, "identifier"); ok && len(ids) > 0 {
		if id, ok := ids[0].(map[string]interface{}); ok {
			if val, ok := getString(id, "value"); ok {
				v["patient_identifier_list"] = d.EscapeValue(val)
			}
		}
	}

	if names, ok := getArray(patient, "name"); ok && len(names) > 0 {
		if name, ok := names[0].(map[string]interface{}); ok {
			family, _ := getString(name, "family")
			given := ""
			if givens, ok := getArray(name, "given"); ok && len(givens) > 0 {
				given, _ = givens[0].(string)
			}
			v["patient_name"] = d.Components(family, given)
		}
	}

	if birthDate, ok := getString(patient, "birthDate"); ok {
		v["date_of_birth"] = d.EscapeValue(strings.ReplaceAll(birthDate, "-", ""))
	}

	if gender, ok := getString(patient, "gender"); ok {
		v["administrative_sex"] = mapFHIRGender(gender)
	}

	if addrs, ok := getArray(patient, "address"); ok && len(addrs) > 0 {
		if addr, ok := addrs[0].(map[string]interface{}); ok {
			v["patient_address"] = buildHL7Address(d, addr)
		}
	}

	if telecoms, ok := getArray(patient, "telecom"); ok && len(telecoms) > 0 {
		if t, ok := telecoms[0].(map[string]interface{}); ok {
			if val, ok := getString(t, "value"); ok {
				v["phone_number_home"] = d.EscapeValue(val)
			}
		}
	}

	return v
}

// pv1Values maps a FHIR Encounter to PV1-2 (class), PV1-3 (location) and
// PV1-7 (attending doctor). A nil encounter yields "PV1|1".
func (g *Generator) pv1Values(encounter map[string]interface{}) FieldValues {
	d := g.enc.Delimiters()
	v := FieldValues{"set_id": "1"}
	if encounter == nil {
		return v
	}

	if classObj, ok := getNestedMap(encounter, "class"); ok {
		if code, ok := getString(classObj, "code"); ok {
			v["patient_class"] = mapEncounterClass(code)
		}
	}

	if locs, ok := getArray(encounter, "location"); ok && len(locs) > 0 {
		if loc, ok := locs[0].(map[string]interface{}); ok {
			if locRef, ok := getNestedMap(loc, "location"); ok {
				if disp, ok := getString(locRef, "display"); ok {
					v["assigned_patient_location"] = d.EscapeValue(disp)
				}
			}
		}
	}

	if participants, ok := getArray(encounter, "participant"); ok && len(participants) > 0 {
		if p, ok := participants[0].(map[string]interface{}); ok {
			if ind, ok := getNestedMap(p, "individual"); ok {
				if disp, ok := getString(ind, "display"); ok {
					v["attending_doctor"] = d.EscapeValue(disp)
				}
			}
		}
	}

	return v
}

// mrgValues maps merge parameters to MRG-1 and MRG-3.
func (g *Generator) mrgValues(params map[string]interface{}) FieldValues {
	d := g.enc.Delimiters()
	v := FieldValues{}
	if s, ok := getString(params, "priorPatientID"); ok {
		v["prior_patient_identifier_list"] = d.EscapeValue(s)
	}
	if s, ok := getString(params, "priorAccountID"); ok {
		v["prior_patient_account_number"] = d.EscapeValue(s)
	}
	return v
}

// dg1Values maps a diagnosis to DG1-1..6. DG1-3 is a CE
// (code^description^system) and DG1-5 the generation date.
func (g *Generator) dg1Values(setID int, diagnosis map[string]interface{}) FieldValues {
	d := g.enc.Delimiters()
	code, _ := getString(diagnosis, "code")
	description, _ := getString(diagnosis, "description")
	codeSystem, _ := getString(diagnosis, "codeSystem")
	diagType, _ := getString(diagnosis, "type")

	return FieldValues{
		"set_id":                  strconv.Itoa(setID),
		"diagnosis_coding_method": codeSystem,
		"diagnosis_code":          d.Components(code, description, codeSystem),
		"diagnosis_date_time":     g.now().Format("20060102"),
		"diagnosis_type":          diagType,
	}
}

// orcValues maps a FHIR ServiceRequest to ORC-1 (NW), ORC-2 and ORC-9.
func (g *Generator) orcValues(serviceRequest map[string]interface{}) FieldValues {
	d := g.enc.Delimiters()
	v := FieldValues{"order_control": "NW"}
	if serviceRequest == nil {
		return v
	}
	if id, ok := getString(serviceRequest, "id"); ok {
		v["placer_order_number"] = d.EscapeValue(id)
	}
	if authored, ok := getString(serviceRequest, "authoredOn"); ok {
		v["date_time_of_transaction"] = d.EscapeValue(convertFHIRDateTimeToHL7(authored))
	}
	return v
}

// obrValues maps a ServiceRequest or DiagnosticReport to OBR-1, OBR-4 and
// OBR-7. timeKey names the resource element holding the observation time.
func (g *Generator) obrValues(resource map[string]interface{}, timeKey string) FieldValues {
	d := g.enc.Delimiters()
	v := FieldValues{"set_id": "1"}
	if resource == nil {
		return v
	}
	if id := g.codedElement(resource); id != "" {
		v["universal_service_identifier"] = id
	}
	if dt, ok := getString(resource, timeKey); ok {
		v["observation_date_time"] = d.EscapeValue(convertFHIRDateTimeToHL7(dt))
	}
	return v
}

// obxValues maps a FHIR Observation to OBX-1..11. Quantities are sent as NM
// with units; valueString as ST.
func (g *Generator) obxValues(setID int, obs map[string]interface{}) FieldValues {
	d := g.enc.Delimiters()
	v := FieldValues{
		"set_id":                    strconv.Itoa(setID),
		"value_type":                "NM",
		"abnormal_flags":            "N",
		"observation_result_status": "F",
	}
	if obs == nil {
		return v
	}

	if id := g.codedElement(obs); id != "" {
		v["observation_identifier"] = id
	}

	if vq, ok := getNestedMap(obs, "valueQuantity"); ok {
		if val, exists := vq["value"]; exists {
			v["observation_value"] = fmt.Sprintf("%v", val)
		}
		if u, ok := getString(vq, "unit"); ok {
			v["units"] = d.EscapeValue(u)
		}
	} else if vs, ok := getString(obs, "valueString"); ok {
		v["value_type"] = "ST"
		v["observation_value"] = vs
	}

	if ranges, ok := getArray(obs, "referenceRange"); ok && len(ranges) > 0 {
		if rr, ok := ranges[0].(map[string]interface{}); ok {
			low, high := "", ""
			if lowObj, ok := getNestedMap(rr, "low"); ok {
				if val, exists := lowObj["value"]; exists {
					low = fmt.Sprintf("%v", val)
				}
			}
			if highObj, ok := getNestedMap(rr, "high"); ok {
				if val, exists := highObj["value"]; exists {
					high = fmt.Sprintf("%v", val)
				}
			}
			if low != "" || high != "" {
				v["references_range"] = low + "-" + high
			}
		}
	}

	if s, ok := getString(obs, "status"); ok {
		v["observation_result_status"] = mapObservationStatus(s)
	}

	return v
}

// codedElement builds a CE (code^display^system) from the first coding of
// resource.code, or "" when there is no code.
func (g *Generator) codedElement(resource map[string]interface{}) string {
	codeObj, ok := getNestedMap(resource, "code")
	if !ok {
		return ""
	}
	codings, ok := getArray(codeObj, "coding")
	if !ok || len(codings) == 0 {
		return ""
	}
	c, ok := codings[0].(map[string]interface{})
	if !ok {
		return ""
	}
	code, _ := getString(c, "code")
	if code == "" {
		return ""
	}
	display, _ := getString(c, "display")
	system, _ := getString(c, "system")
	return g.enc.Delimiters().Components(code, display, mapFHIRSystemToShort(system))
}

// ---- FHIR Map Accessor Helpers ----

func getString(m map[string]interface{}, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func getArray(m map[string]interface{}, key string) ([]interface{}, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	arr, ok := v.([]interface{})
	return arr, ok
}

func getNestedMap(m map[string]interface{}, key string) (map[string]interface{}, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	nested, ok := v.(map[string]interface{})
	return nested, ok
}

// ---- Mapping Helpers ----

// mapFHIRGender converts a FHIR gender string to HL7v2 administrative sex code.
func mapFHIRGender(gender string) string {
	switch strings.ToLower(gender) {
	case "male":
		return "M"
	case "female":
		return "F"
	case "other":
		return "O"
	default:
		return "U"
	}
}

// mapEncounterClass maps a FHIR Encounter class code to HL7v2 patient class.
func mapEncounterClass(code string) string {
	switch strings.ToUpper(code) {
	case "IMP":
		return "I"
	case "AMB":
		return "O"
	case "EMER":
		return "E"
	default:
		return code
	}
}

func mapFHIRSystemToShort(system string) string {
	switch system {
	case "http://loinc.org":
		return "LN"
	case "http://snomed.info/sct":
		return "SCT"
	case "http://www.nlm.nih.gov/research/umls/rxnorm":
		return "RXNORM"
	case "http://hl7.org/fhir/sid/icd-10-cm":
		return "I10"
	default:
		return system
	}
}

func mapObservationStatus(status string) string {
	switch status {
	case "preliminary":
		return "P"
	case "cancelled":
		return "X"
	case "corrected":
		return "C"
	default:
		return "F"
	}
}

// convertFHIRDateTimeToHL7 converts a FHIR date or dateTime to an HL7 TS.
// Unparseable input is passed through with date punctuation stripped, so the
// result is not guaranteed to be free of delimiters.
func convertFHIRDateTimeToHL7(dt string) string {
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, dt); err == nil {
			if layout == "2006-01-02" {
				return t.Format("20060102")
			}
			return t.Format("20060102150405")
		}
	}
	r := strings.NewReplacer("-", "", "T", "", ":", "", "Z", "")
	return r.Replace(dt)
}

// buildHL7Address renders a FHIR address as an XAD:
// street^other^city^state^zip^country
func buildHL7Address(d Delimiters, addr map[string]interface{}) string {
	street := ""
	if lines, ok := getArray(addr, "line"); ok && len(lines) > 0 {
		street, _ = lines[0].(string)
	}
	city, _ := getString(addr, "city")
	state, _ := getString(addr, "state")
	zip, _ := getString(addr, "postalCode")
	country, _ := getString(addr, "country")
	return d.Components(street, "", city, state, zip, country)
}
