package redactor

import (
	"encoding/json"
)

const redacted = "[REDACTED]"

// String holds a secret. It never marshals or prints its value; use Value to read it.
type String string

// Value returns the plaintext secret
func (s String) Value() string {
	return string(s)
}

// String implements fmt.Stringer
func (s String) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString implements fmt.GoStringer
func (s String) GoString() string {
	return s.String()
}

// MarshalJSON implements json.Marshaler
func (s String) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// MarshalText implements encoding.TextMarshaler, used by loggers and text encoders
func (s String) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (s *String) UnmarshalJSON(b []byte) error {
	var str *string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	if str == nil {
		*s = ""
		return nil
	}
	*s = String(*str)
	return nil
}

// Zero overwrites b with zeroes
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
