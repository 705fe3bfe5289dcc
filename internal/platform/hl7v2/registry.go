package hl7v2

import (
	"fmt"
	"sync"
)

// FieldKind controls how a field value is escaped during encoding.
type FieldKind int

const (
	// Composite values carry HL7 structure (components, repetitions,
	// subcomponents) supplied by the caller; only the field separator and
	// line breaks are escaped. It is the zero value, so a FieldDef declared
	// with just a name and position passes "DOE^JOHN" through as two
	// components.
	Composite FieldKind = iota
	// Primitive values are escaped in full (see Delimiters.EscapeValue).
	Primitive
	// EncodingCharacters marks the header slot that carries MSH-2. Its value
	// always comes from the active Delimiters and is never escaped.
	EncodingCharacters
)

func (k FieldKind) String() string {
	switch k {
	case Primitive:
		return "primitive"
	case Composite:
		return "composite"
	case EncodingCharacters:
		return "encoding-characters"
	default:
		return fmt.Sprintf("FieldKind(%d)", int(k))
	}
}

// FieldDef declares one named field of a segment. Position is the 1-based
// HL7 field number (PID-5 has Position 5).
type FieldDef struct {
	Name     string
	Position int
	Default  string
	Kind     FieldKind
}

// headerPosition is where a header segment (MSH, BHS, FHS) carries its
// encoding characters. Position 1 of a header is the field separator itself.
const headerPosition = 2

// encodingCharactersField names the slot injected into a header layout that
// does not declare position 2.
const encodingCharactersField = "encoding_characters"

// headerTypes are the segment types that open with their own delimiters.
var headerTypes = map[string]bool{"MSH": true, "BHS": true, "FHS": true}

// IsHeaderType reports whether typeCode is a message, batch or file header.
func IsHeaderType(typeCode string) bool { return headerTypes[typeCode] }

// SegmentSpec is the immutable field layout of one segment type.
type SegmentSpec struct {
	typeCode string
	fields   []FieldDef
	byName   map[string]int
	header   bool
}

// Type returns the three-character segment type code.
func (s *SegmentSpec) Type() string { return s.typeCode }

// Fields returns a copy of the field definitions in declaration order.
func (s *SegmentSpec) Fields() []FieldDef {
	out := make([]FieldDef, len(s.fields))
	copy(out, s.fields)
	return out
}

// Field looks up a field definition by name.
func (s *SegmentSpec) Field(name string) (FieldDef, bool) {
	i, ok := s.byName[name]
	if !ok {
		return FieldDef{}, false
	}
	return s.fields[i], true
}

// IsHeader reports whether the segment carries its own encoding characters.
func (s *SegmentSpec) IsHeader() bool { return s.header }

// Width is the number of field slots emitted after the type code.
func (s *SegmentSpec) Width() int {
	if len(s.fields) == 0 {
		return 0
	}
	last := s.fields[len(s.fields)-1].Position
	if s.header {
		return last - 1
	}
	return last
}

// Registry maps segment type codes to their specs. Specs are registered once
// at startup; lookups are safe from any number of goroutines.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]*SegmentSpec
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]*SegmentSpec)}
}

// Register validates fields and adds a spec for typeCode. Fields must be
// supplied in strictly increasing position order.
//
// For a header type (MSH, BHS, FHS) position 1 may not be declared, and
// position 2 always carries the encoding characters: a FieldDef there is
// forced to Kind EncodingCharacters, and one named "encoding_characters" is
// added when the layout omits it.
func (r *Registry) Register(typeCode string, fields []FieldDef) error {
	spec, err := newSegmentSpec(typeCode, fields)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[typeCode]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateSegmentType, typeCode)
	}
	r.specs[typeCode] = spec
	r.order = append(r.order, typeCode)
	return nil
}

// MustRegister is Register for compiled-in layouts; it panics on error.
func (r *Registry) MustRegister(typeCode string, fields []FieldDef) {
	if err := r.Register(typeCode, fields); err != nil {
		panic(err)
	}
}

// Lookup returns the spec registered for typeCode.
func (r *Registry) Lookup(typeCode string) (*SegmentSpec, error) {
	r.mu.RLock()
	spec, ok := r.specs[typeCode]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSegmentType, typeCode)
	}
	return spec, nil
}

// Types returns the registered type codes in registration order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Specs returns all registered specs in registration order.
func (r *Registry) Specs() []*SegmentSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*SegmentSpec, 0, len(r.order))
	for _, code := range r.order {
		out = append(out, r.specs[code])
	}
	return out
}

func newSegmentSpec(typeCode string, fields []FieldDef) (*SegmentSpec, error) {
	if !validTypeCode(typeCode) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSegmentType, typeCode)
	}

	header := IsHeaderType(typeCode)
	if header {
		fields = withEncodingCharacters(fields)
	}

	spec := &SegmentSpec{
		typeCode: typeCode,
		fields:   make([]FieldDef, len(fields)),
		byName:   make(map[string]int, len(fields)),
		header:   header,
	}
	copy(spec.fields, fields)

	seen := make(map[int]bool, len(fields))
	prev := 0
	for i, f := range spec.fields {
		if f.Name == "" {
			return nil, fmt.Errorf("%w: %s field at position %d has no name", ErrInvalidFieldDef, typeCode, f.Position)
		}
		if _, dup := spec.byName[f.Name]; dup {
			return nil, fmt.Errorf("%w: %s field %q declared twice", ErrInvalidFieldDef, typeCode, f.Name)
		}
		if f.Position < 1 {
			return nil, fmt.Errorf("%w: %s.%s has position %d", ErrInvalidFieldDef, typeCode, f.Name, f.Position)
		}
		if seen[f.Position] {
			return nil, fmt.Errorf("%w: %s-%d (%s)", ErrDuplicatePosition, typeCode, f.Position, f.Name)
		}
		if f.Position < prev {
			return nil, fmt.Errorf("%w: %s.%s at %d follows position %d", ErrNonMonotonicPosition, typeCode, f.Name, f.Position, prev)
		}
		if header && f.Position < headerPosition {
			return nil, fmt.Errorf("%w: %s-1 is the field separator and cannot be declared (%s)",
				ErrInvalidFieldDef, typeCode, f.Name)
		}
		if f.Kind == EncodingCharacters && (!header || i != 0 || f.Position != headerPosition) {
			return nil, fmt.Errorf("%w: %s.%s: encoding characters belong only at position %d of a header segment",
				ErrInvalidFieldDef, typeCode, f.Name, headerPosition)
		}
		seen[f.Position] = true
		spec.byName[f.Name] = i
		prev = f.Position
	}

	return spec, nil
}

// withEncodingCharacters returns a copy of a header layout whose position-2
// slot is the encoding characters.
func withEncodingCharacters(fields []FieldDef) []FieldDef {
	out := make([]FieldDef, 0, len(fields)+1)
	for _, f := range fields {
		if f.Position == headerPosition {
			f.Kind = EncodingCharacters
		}
		out = append(out, f)
	}
	for _, f := range out {
		if f.Position == headerPosition {
			return out
		}
	}
	slot := FieldDef{Name: encodingCharactersField, Position: headerPosition, Kind: EncodingCharacters}
	i := 0
	for i < len(out) && out[i].Position < headerPosition {
		i++
	}
	out = append(out, FieldDef{})
	copy(out[i+1:], out[i:])
	out[i] = slot
	return out
}

// validTypeCode accepts three upper-case letters or digits, e.g. "PID",
// "PV1" or a site-defined "ZPI".
func validTypeCode(code string) bool {
	if len(code) != 3 {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
