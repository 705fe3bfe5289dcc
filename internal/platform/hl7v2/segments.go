package hl7v2

// Field layouts for the segments this service produces, using HL7 v2.5
// field numbering. Only the leading fields each segment needs are declared;
// the catalog is not meant to be exhaustive.

var mshFields = []FieldDef{
	{Name: "encoding_characters", Position: 2, Kind: EncodingCharacters},
	{Name: "sending_application", Position: 3},
	{Name: "sending_facility", Position: 4},
	{Name: "receiving_application", Position: 5},
	{Name: "receiving_facility", Position: 6},
	{Name: "date_time_of_message", Position: 7},
	{Name: "security", Position: 8, Kind: Primitive},
	{Name: "message_type", Position: 9},
	{Name: "message_control_id", Position: 10, Kind: Primitive},
	{Name: "processing_id", Position: 11, Default: "P"},
	{Name: "version_id", Position: 12, Default: "2.5"},
}

var evnFields = []FieldDef{
	{Name: "event_type_code", Position: 1, Kind: Primitive},
	{Name: "recorded_date_time", Position: 2},
	{Name: "date_time_planned_event", Position: 3},
	{Name: "event_reason_code", Position: 4, Kind: Primitive},
	{Name: "operator_id", Position: 5},
	{Name: "event_occurred", Position: 6},
}

var pidFields = []FieldDef{
	{Name: "set_id", Position: 1, Kind: Primitive},
	{Name: "patient_id", Position: 2},
	{Name: "patient_identifier_list", Position: 3},
	{Name: "alternate_patient_id", Position: 4},
	{Name: "patient_name", Position: 5},
	{Name: "mothers_maiden_name", Position: 6},
	{Name: "date_of_birth", Position: 7},
	{Name: "administrative_sex", Position: 8, Kind: Primitive},
	{Name: "patient_alias", Position: 9},
	{Name: "race", Position: 10},
	{Name: "patient_address", Position: 11},
	{Name: "county_code", Position: 12, Kind: Primitive},
	{Name: "phone_number_home", Position: 13},
}

var nk1Fields = []FieldDef{
	{Name: "set_id", Position: 1, Kind: Primitive},
	{Name: "name", Position: 2},
	{Name: "relationship", Position: 3},
	{Name: "address", Position: 4},
	{Name: "phone_number", Position: 5},
}

var pv1Fields = []FieldDef{
	{Name: "set_id", Position: 1, Kind: Primitive},
	{Name: "patient_class", Position: 2, Kind: Primitive},
	{Name: "assigned_patient_location", Position: 3},
	{Name: "admission_type", Position: 4, Kind: Primitive},
	{Name: "preadmit_number", Position: 5},
	{Name: "prior_patient_location", Position: 6},
	{Name: "attending_doctor", Position: 7},
	{Name: "referring_doctor", Position: 8},
	{Name: "consulting_doctor", Position: 9},
	{Name: "hospital_service", Position: 10, Kind: Primitive},
}

var mrgFields = []FieldDef{
	{Name: "prior_patient_identifier_list", Position: 1},
	{Name: "prior_alternate_patient_id", Position: 2},
	{Name: "prior_patient_account_number", Position: 3},
}

var dg1Fields = []FieldDef{
	{Name: "set_id", Position: 1, Kind: Primitive},
	{Name: "diagnosis_coding_method", Position: 2, Kind: Primitive},
	{Name: "diagnosis_code", Position: 3},
	{Name: "diagnosis_description", Position: 4, Kind: Primitive},
	{Name: "diagnosis_date_time", Position: 5},
	{Name: "diagnosis_type", Position: 6, Kind: Primitive},
}

var orcFields = []FieldDef{
	{Name: "order_control", Position: 1, Kind: Primitive},
	{Name: "placer_order_number", Position: 2},
	{Name: "filler_order_number", Position: 3},
	{Name: "placer_group_number", Position: 4},
	{Name: "order_status", Position: 5, Kind: Primitive},
	{Name: "response_flag", Position: 6, Kind: Primitive},
	{Name: "quantity_timing", Position: 7},
	{Name: "parent", Position: 8},
	{Name: "date_time_of_transaction", Position: 9},
}

var obrFields = []FieldDef{
	{Name: "set_id", Position: 1, Kind: Primitive},
	{Name: "placer_order_number", Position: 2},
	{Name: "filler_order_number", Position: 3},
	{Name: "universal_service_identifier", Position: 4},
	{Name: "priority", Position: 5, Kind: Primitive},
	{Name: "requested_date_time", Position: 6},
	{Name: "observation_date_time", Position: 7},
}

var obxFields = []FieldDef{
	{Name: "set_id", Position: 1, Kind: Primitive},
	{Name: "value_type", Position: 2, Kind: Primitive},
	{Name: "observation_identifier", Position: 3},
	{Name: "observation_sub_id", Position: 4, Kind: Primitive},
	{Name: "observation_value", Position: 5, Kind: Primitive},
	{Name: "units", Position: 6},
	{Name: "references_range", Position: 7, Kind: Primitive},
	{Name: "abnormal_flags", Position: 8, Kind: Primitive},
	{Name: "probability", Position: 9, Kind: Primitive},
	{Name: "nature_of_abnormal_test", Position: 10, Kind: Primitive},
	{Name: "observation_result_status", Position: 11, Kind: Primitive},
}

var msaFields = []FieldDef{
	{Name: "acknowledgment_code", Position: 1, Kind: Primitive},
	{Name: "message_control_id", Position: 2, Kind: Primitive},
	{Name: "text_message", Position: 3, Kind: Primitive},
}

// standardSegments lists the compiled-in catalog in registration order.
var standardSegments = []struct {
	typeCode string
	fields   []FieldDef
}{
	{"MSH", mshFields},
	{"EVN", evnFields},
	{"PID", pidFields},
	{"NK1", nk1Fields},
	{"PV1", pv1Fields},
	{"MRG", mrgFields},
	{"DG1", dg1Fields},
	{"ORC", orcFields},
	{"OBR", obrFields},
	{"OBX", obxFields},
	{"MSA", msaFields},
}

// StandardRegistry returns a registry holding the compiled-in catalog. A
// layout error here is a bug and panics.
func StandardRegistry() *Registry {
	r := NewRegistry()
	for _, s := range standardSegments {
		r.MustRegister(s.typeCode, s.fields)
	}
	return r
}
