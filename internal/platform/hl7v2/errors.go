package hl7v2

import "errors"

// Registry construction errors. These are programming errors in a segment
// layout and are expected to abort startup (see Registry.MustRegister).
var (
	ErrDuplicateSegmentType = errors.New("hl7v2: duplicate segment type")
	ErrDuplicatePosition    = errors.New("hl7v2: duplicate field position")
	ErrNonMonotonicPosition = errors.New("hl7v2: field positions out of order")
	ErrInvalidSegmentType   = errors.New("hl7v2: invalid segment type code")
	ErrInvalidFieldDef      = errors.New("hl7v2: invalid field definition")
)

// Per-encode errors, returned to the immediate caller.
var (
	ErrUnknownSegmentType            = errors.New("hl7v2: unknown segment type")
	ErrInvalidDelimiterConfiguration = errors.New("hl7v2: invalid delimiter configuration")
	ErrInvalidRawSegment             = errors.New("hl7v2: raw segment must be a single line")
)

// Generator and archive errors.
var (
	ErrPatientRequired    = errors.New("hl7v2: patient resource is required")
	ErrMergeParamsMissing = errors.New("hl7v2: merge parameters are required")
	ErrDiagnosisMissing   = errors.New("hl7v2: diagnosis data is required")
	ErrMessageNotFound    = errors.New("hl7v2: message not found")
)
