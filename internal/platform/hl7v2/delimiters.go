package hl7v2

import (
	"fmt"
	"strings"
)

const (
	// SegmentTerminator separates segments within a message.
	SegmentTerminator = "\r"

	// DefaultFieldSeparator is the conventional MSH-1 value.
	DefaultFieldSeparator = '|'

	// DefaultEncodingCharacters is the conventional MSH-2 value, in HL7 order:
	// component, repetition, escape, subcomponent.
	DefaultEncodingCharacters = `^~\&`
)

// Delimiters holds the field separator and the four encoding characters
// that are active for a message.
type Delimiters struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	Subcomponent byte
}

// DefaultDelimiters returns |^~\&.
func DefaultDelimiters() Delimiters {
	return Delimiters{
		Field:        DefaultFieldSeparator,
		Component:    '^',
		Repetition:   '~',
		Escape:       '\\',
		Subcomponent: '&',
	}
}

// NewDelimiters builds a Delimiters value from a field separator and an
// encoding-characters string as it would appear in MSH-2.
func NewDelimiters(field byte, encodingCharacters string) (Delimiters, error) {
	if len(encodingCharacters) != 4 {
		return Delimiters{}, fmt.Errorf("%w: encoding characters must be exactly 4 characters, got %q",
			ErrInvalidDelimiterConfiguration, encodingCharacters)
	}
	d := Delimiters{
		Field:        field,
		Component:    encodingCharacters[0],
		Repetition:   encodingCharacters[1],
		Escape:       encodingCharacters[2],
		Subcomponent: encodingCharacters[3],
	}
	if err := d.Validate(); err != nil {
		return Delimiters{}, err
	}
	return d, nil
}

// Validate checks that all five delimiters are distinct printable ASCII
// characters. The segment terminator can never be a delimiter.
func (d Delimiters) Validate() error {
	all := [5]byte{d.Field, d.Component, d.Repetition, d.Escape, d.Subcomponent}
	for i, c := range all {
		if c <= ' ' || c >= 0x7f {
			return fmt.Errorf("%w: delimiter %q is not a printable ASCII character",
				ErrInvalidDelimiterConfiguration, c)
		}
		if isAlphanumeric(c) {
			return fmt.Errorf("%w: delimiter %q must not be a letter or digit",
				ErrInvalidDelimiterConfiguration, c)
		}
		for _, other := range all[i+1:] {
			if c == other {
				return fmt.Errorf("%w: delimiter %q is used more than once",
					ErrInvalidDelimiterConfiguration, c)
			}
		}
	}
	return nil
}

// EncodingCharacters returns the MSH-2 representation of d.
func (d Delimiters) EncodingCharacters() string {
	return string([]byte{d.Component, d.Repetition, d.Escape, d.Subcomponent})
}

// String returns the field separator followed by the encoding characters,
// i.e. the five characters that follow "MSH" in a header segment.
func (d Delimiters) String() string {
	return string(d.Field) + d.EncodingCharacters()
}

// EscapeValue applies the HL7 escape scheme to a primitive value:
//
//	field separator       -> \F\
//	component separator   -> \S\
//	repetition separator  -> \R\
//	escape character      -> \E\
//	subcomponent separator -> \T\
//	CR / LF               -> \X0D\ / \X0A\
//
// The escape character used in the output is d.Escape. Values that contain
// none of these characters are returned unchanged.
func (d Delimiters) EscapeValue(value string) string {
	return d.escape(value, true)
}

// EscapeStructured escapes only what would break the field structure of a
// segment: the field separator and line breaks. Component, repetition,
// subcomponent and escape characters are left as they are so that callers
// can pass composite values such as "DOE^JOHN" through.
func (d Delimiters) EscapeStructured(value string) string {
	return d.escape(value, false)
}

func (d Delimiters) escape(value string, all bool) string {
	if !d.needsEscape(value, all) {
		return value
	}

	var b strings.Builder
	b.Grow(len(value) + 8)
	for i := 0; i < len(value); i++ {
		c := value[i]
		var seq string
		switch {
		case c == d.Field:
			seq = "F"
		case c == '\r':
			seq = "X0D"
		case c == '\n':
			seq = "X0A"
		case !all:
		case c == d.Component:
			seq = "S"
		case c == d.Repetition:
			seq = "R"
		case c == d.Escape:
			seq = "E"
		case c == d.Subcomponent:
			seq = "T"
		}
		if seq == "" {
			b.WriteByte(c)
			continue
		}
		b.WriteByte(d.Escape)
		b.WriteString(seq)
		b.WriteByte(d.Escape)
	}
	return b.String()
}

func (d Delimiters) needsEscape(value string, all bool) bool {
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c == d.Field || c == '\r' || c == '\n' {
			return true
		}
		if all && (c == d.Component || c == d.Repetition || c == d.Escape || c == d.Subcomponent) {
			return true
		}
	}
	return false
}

// Unescape reverses EscapeValue. It is what a conformant decoder does to a
// single primitive value after splitting on the delimiters. Escape
// sequences it does not recognise are kept verbatim.
func (d Delimiters) Unescape(value string) string {
	if strings.IndexByte(value, d.Escape) < 0 {
		return value
	}

	var b strings.Builder
	b.Grow(len(value))
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c != d.Escape {
			b.WriteByte(c)
			continue
		}
		end := strings.IndexByte(value[i+1:], d.Escape)
		if end < 0 {
			b.WriteString(value[i:])
			break
		}
		seq := value[i+1 : i+1+end]
		if decoded, ok := d.decodeSequence(seq); ok {
			b.WriteString(decoded)
		} else {
			b.WriteString(value[i : i+end+2])
		}
		i += end + 1
	}
	return b.String()
}

func (d Delimiters) decodeSequence(seq string) (string, bool) {
	switch seq {
	case "F":
		return string(d.Field), true
	case "S":
		return string(d.Component), true
	case "R":
		return string(d.Repetition), true
	case "E":
		return string(d.Escape), true
	case "T":
		return string(d.Subcomponent), true
	}
	if len(seq) < 3 || seq[0] != 'X' || len(seq)%2 != 1 {
		return "", false
	}
	out := make([]byte, 0, (len(seq)-1)/2)
	for i := 1; i < len(seq); i += 2 {
		hi, ok1 := hexValue(seq[i])
		lo, ok2 := hexValue(seq[i+1])
		if !ok1 || !ok2 {
			return "", false
		}
		out = append(out, hi<<4|lo)
	}
	return string(out), true
}

// Components escapes each part and joins them with the component separator.
func (d Delimiters) Components(parts ...string) string {
	return d.join(d.Component, parts)
}

// Repetitions escapes each part and joins them with the repetition separator.
func (d Delimiters) Repetitions(parts ...string) string {
	return d.join(d.Repetition, parts)
}

func (d Delimiters) join(sep byte, parts []string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = d.EscapeValue(p)
	}
	return strings.Join(escaped, string(sep))
}

func hexValue(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}

func isAlphanumeric(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
