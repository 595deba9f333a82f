package errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind classifies a failure so callers can decide how to react without matching on messages
type Kind int

// Failure kinds
const (
	Unknown Kind = iota
	WrongPassphrase
	StoreCorrupt
	CorruptData
	NetworkError
	Timeout
	HTTPStatusError
	MalformedDocument
	MissingStatementData
	AuthFailed
	MFAChallenge
	GeneralError
)

var kindNames = map[Kind]string{
	Unknown:              "Unknown",
	WrongPassphrase:      "WrongPassphrase",
	StoreCorrupt:         "StoreCorrupt",
	CorruptData:          "CorruptData",
	NetworkError:         "NetworkError",
	Timeout:              "Timeout",
	HTTPStatusError:      "HTTPStatusError",
	MalformedDocument:    "MalformedDocument",
	MissingStatementData: "MissingStatementData",
	AuthFailed:           "AuthFailed",
	MFAChallenge:         "MFAChallenge",
	GeneralError:         "GeneralError",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Error is a classified failure. Institution and Stage are filled in as it travels up through a session.
type Error struct {
	Kind        Kind
	Institution string
	Stage       string
	// Code is the protocol status code or HTTP status, when one caused the failure
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	var buf strings.Builder
	if e.Institution != "" {
		buf.WriteString(e.Institution)
		buf.WriteString(": ")
	}
	if e.Stage != "" {
		buf.WriteString(e.Stage)
		buf.WriteString(": ")
	}

	var inner *Error
	if e.Message == "" && e.Code == 0 && errors.As(e.Err, &inner) {
		buf.WriteString(e.Err.Error())
		return buf.String()
	}

	buf.WriteString(e.Kind.String())
	if e.Code != 0 {
		fmt.Fprintf(&buf, " (%d)", e.Code)
	}
	if e.Message != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Message)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// Cause implements the github.com/pkg/errors causer
func (e *Error) Cause() error {
	return e.Err
}

// Unwrap supports errors.Is and errors.As
func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a classified error
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Newf returns a classified error with a formatted message
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithCode returns a classified error carrying a status code
func WithCode(kind Kind, code int, message string) error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap classifies err. Returns nil if err is nil.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain, or Unknown
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// CodeOf returns the status code of the first classified error in err's chain carrying one
func CodeOf(err error) int {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Code != 0 {
			return e.Code
		}
		err = errors.Unwrap(err)
	}
	return 0
}

// Annotate tags err with the institution and stage it occurred in, keeping its kind
func Annotate(err error, institution, stage string) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		annotated := *e
		if annotated.Institution == "" {
			annotated.Institution = institution
		}
		if annotated.Stage == "" {
			annotated.Stage = stage
		}
		return &annotated
	}
	return &Error{
		Kind:        KindOf(err),
		Institution: institution,
		Stage:       stage,
		Err:         err,
	}
}

// IsFatal returns true if err must stop a whole batch rather than a single institution
func IsFatal(err error) bool {
	switch KindOf(err) {
	case WrongPassphrase, StoreCorrupt:
		return true
	default:
		return false
	}
}
