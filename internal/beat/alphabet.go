package beat

import (
	"errors"
	"fmt"
)

// ErrInvalidAlphabet is returned when an Alphabet is not delimiter-safe.
var ErrInvalidAlphabet = errors.New("invalid beat alphabet")

// Alphabet holds the marker characters of the BEAT grammar.
type Alphabet struct {
	Page    byte
	Element byte
	Time    byte
	Repeat  byte
	Loop    byte
	TabRef  byte
}

// DefaultAlphabet returns the standard marker set.
func DefaultAlphabet() Alphabet {
	return Alphabet{
		Page:    '!',
		Element: '*',
		Time:    '~',
		Repeat:  '.',
		Loop:    '#',
		TabRef:  '@',
	}
}

// reserved characters break either the record line or a cookie value.
const reserved = "_;, \"\\="

// Validate checks that every marker is printable, distinct, outside the
// token character set and free of record/cookie delimiters.
func (a Alphabet) Validate() error {
	seen := make(map[byte]bool, 6)
	for _, m := range a.markers() {
		switch {
		case m < 0x21 || m > 0x7e:
			return fmt.Errorf("%w: marker %q is not printable ASCII", ErrInvalidAlphabet, m)
		case isTokenChar(m):
			return fmt.Errorf("%w: marker %q collides with token characters", ErrInvalidAlphabet, m)
		case containsByte(reserved, m):
			return fmt.Errorf("%w: marker %q is a delimiter", ErrInvalidAlphabet, m)
		case seen[m]:
			return fmt.Errorf("%w: marker %q used twice", ErrInvalidAlphabet, m)
		}
		seen[m] = true
	}
	return nil
}

// IsMarker reports whether c is one of the alphabet's markers.
func (a Alphabet) IsMarker(c byte) bool {
	return c == a.Page || c == a.Element || c == a.Time ||
		c == a.Repeat || c == a.Loop || c == a.TabRef
}

// ValidToken reports whether a literal mapping token can be embedded in a
// flow: non-empty and free of markers and delimiters.
func (a Alphabet) ValidToken(token string) bool {
	if token == "" {
		return false
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		if c < 0x21 || c > 0x7e || a.IsMarker(c) || containsByte(reserved, c) {
			return false
		}
	}
	return true
}

func (a Alphabet) markers() []byte {
	return []byte{a.Page, a.Element, a.Time, a.Repeat, a.Loop, a.TabRef}
}

func isTokenChar(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z')
}

func containsByte(s string, c byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return true
		}
	}
	return false
}
