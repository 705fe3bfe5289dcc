package hl7v2

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// FieldValues maps field names to raw values for one segment instance.
// Names the segment does not declare are ignored.
type FieldValues map[string]string

// EncodeSegment renders one segment line. Fields are emitted in position
// order; positions without a FieldDef, and fields with neither a value nor
// a default, are emitted empty. Values are escaped according to their
// FieldKind and are never truncated.
//
// For a header spec the field separator follows the type code directly and
// the encoding characters are written verbatim as the first field:
//
//	MSH|^~\&|SendingApp|...
func EncodeSegment(spec *SegmentSpec, values FieldValues, d Delimiters) (string, error) {
	if spec == nil {
		return "", fmt.Errorf("%w: nil segment spec", ErrUnknownSegmentType)
	}
	if err := d.Validate(); err != nil {
		return "", err
	}

	first := 1
	if spec.header {
		first = headerPosition
	}

	var b strings.Builder
	b.Grow(len(spec.typeCode) + 1 + spec.Width()*8)
	b.WriteString(spec.typeCode)

	pos := first
	for _, f := range spec.fields {
		for ; pos < f.Position; pos++ {
			b.WriteByte(d.Field)
		}
		b.WriteByte(d.Field)
		b.WriteString(resolveField(f, values, d))
		pos++
	}

	return b.String(), nil
}

// resolveField picks values[name], then the default, then "", and escapes
// the result for the field's kind.
func resolveField(f FieldDef, values FieldValues, d Delimiters) string {
	if f.Kind == EncodingCharacters {
		return d.EncodingCharacters()
	}
	v, ok := values[f.Name]
	if !ok {
		v = f.Default
	}
	if v == "" {
		return ""
	}
	if f.Kind == Composite {
		return d.EscapeStructured(v)
	}
	return d.EscapeValue(v)
}

// EncodeMessage joins encoded segment lines with the segment terminator.
// Order is preserved and no trailing terminator is added.
func EncodeMessage(lines ...string) string {
	return strings.Join(lines, SegmentTerminator)
}

// Segment is one entry of a message to encode: either a registered type
// with its values, or a line that has already been encoded (Raw).
type Segment struct {
	Type   string      `json:"type,omitempty"`
	Values FieldValues `json:"values,omitempty"`
	Raw    string      `json:"raw,omitempty"`
}

// EncoderOption configures an Encoder.
type EncoderOption func(*Encoder)

// WithLogger sets the logger used for debug output.
func WithLogger(logger zerolog.Logger) EncoderOption {
	return func(e *Encoder) {
		e.logger = logger
	}
}

// UnknownSegmentLabel is reported to a Recorder in place of a type code that
// is not registered, so caller input cannot grow the label set.
const UnknownSegmentLabel = "unknown"

// Recorder receives per-segment encoding outcomes. typeCode is always a
// registered type or UnknownSegmentLabel.
type Recorder interface {
	SegmentEncoded(typeCode string)
	EncodeFailed(typeCode string)
}

type nopRecorder struct{}

func (nopRecorder) SegmentEncoded(string) {}
func (nopRecorder) EncodeFailed(string)   {}

// WithRecorder reports every Encode outcome to r.
func WithRecorder(r Recorder) EncoderOption {
	return func(e *Encoder) {
		if r != nil {
			e.recorder = r
		}
	}
}

// Encoder encodes segments against a registry with a fixed set of
// delimiters. It holds no mutable state and may be shared.
type Encoder struct {
	registry   *Registry
	delimiters Delimiters
	logger     zerolog.Logger
	recorder   Recorder
}

// NewEncoder validates d and returns an Encoder bound to reg.
func NewEncoder(reg *Registry, d Delimiters, opts ...EncoderOption) (*Encoder, error) {
	if reg == nil {
		return nil, fmt.Errorf("hl7v2: encoder requires a registry")
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	e := &Encoder{
		registry:   reg,
		delimiters: d,
		logger:     zerolog.Nop(),
		recorder:   nopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Registry returns the registry the encoder resolves type codes against.
func (e *Encoder) Registry() *Registry { return e.registry }

// Delimiters returns the active delimiters.
func (e *Encoder) Delimiters() Delimiters { return e.delimiters }

// Encode looks up typeCode and encodes one segment.
func (e *Encoder) Encode(typeCode string, values FieldValues) (string, error) {
	spec, err := e.registry.Lookup(typeCode)
	if err != nil {
		e.recorder.EncodeFailed(UnknownSegmentLabel)
		return "", err
	}
	line, err := EncodeSegment(spec, values, e.delimiters)
	if err != nil {
		e.recorder.EncodeFailed(typeCode)
		return "", err
	}
	e.recorder.SegmentEncoded(typeCode)
	e.logger.Debug().
		Str("segment", typeCode).
		Int("width", spec.Width()).
		Int("values", len(values)).
		Msg("encoded segment")
	return line, nil
}

// EncodeSegments encodes each segment in order and joins them into a
// message. Raw lines are copied as given but may not contain a CR or LF.
// If any segment fails nothing is returned.
func (e *Encoder) EncodeSegments(segs ...Segment) (string, error) {
	lines := make([]string, 0, len(segs))
	for i, s := range segs {
		if s.Raw != "" {
			if strings.ContainsAny(s.Raw, "\r\n") {
				return "", fmt.Errorf("segment %d: %w", i+1, ErrInvalidRawSegment)
			}
			lines = append(lines, s.Raw)
			continue
		}
		line, err := e.Encode(s.Type, s.Values)
		if err != nil {
			return "", fmt.Errorf("segment %d: %w", i+1, err)
		}
		lines = append(lines, line)
	}
	return EncodeMessage(lines...), nil
}
