package errors

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Errors makes it easy to combine multiple errors into a single string
type Errors []error

// ErrIf appends an error with failureMessage if the condition is true
// Returns the condition to allow for further conditional checks
func (e *Errors) ErrIf(condition bool, failureMessage string, formatArgs ...interface{}) bool {
	if condition {
		*e = append(*e, errors.Errorf(failureMessage, formatArgs...))
	}
	return condition
}

// AddErr appends an error if it is not nil. Flattens nested Errors
func (e *Errors) AddErr(err error) bool {
	if err == nil {
		return true
	}
	if errs, ok := err.(Errors); ok {
		*e = append(*e, errs...)
	} else {
		*e = append(*e, err)
	}
	return false
}

// ErrOrNil returns e if an error is present, otherwise returns nil
func (e Errors) ErrOrNil() error {
	switch len(e) {
	case 0:
		return nil
	case 1:
		return e[0]
	default:
		return e
	}
}

func (e Errors) Error() string {
	messages := make([]string, 0, len(e))
	for _, err := range e {
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, "\n")
}

// MarshalJSON renders each error with its kind, if it has one
func (e Errors) MarshalJSON() ([]byte, error) {
	type jsonErr struct {
		Kind        string `json:",omitempty"`
		Institution string `json:",omitempty"`
		Description string
	}
	errs := make([]jsonErr, 0, len(e))
	for _, err := range e {
		var kind string
		var institution string
		var classified *Error
		if errors.As(err, &classified) {
			kind = classified.Kind.String()
			institution = classified.Institution
		}
		errs = append(errs, jsonErr{Kind: kind, Institution: institution, Description: err.Error()})
	}
	return json.Marshal(errs)
}
