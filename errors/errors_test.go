package errors

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrIf(t *testing.T) {
	var errs Errors
	assert.False(t, errs.ErrIf(false, "not added"))
	assert.True(t, errs.ErrIf(true, "Account %q is invalid", "1234"))
	require.Len(t, errs, 1)
	assert.EqualError(t, errs[0], `Account "1234" is invalid`)
}

func TestAddErr(t *testing.T) {
	var errs Errors
	assert.True(t, errs.AddErr(nil))
	assert.False(t, errs.AddErr(errors.New("first")))
	assert.False(t, errs.AddErr(Errors{errors.New("second"), errors.New("third")}))
	assert.Len(t, errs, 3)
	assert.EqualError(t, errs, "first\nsecond\nthird")
}

func TestErrOrNil(t *testing.T) {
	someErr := errors.New("some error")
	for _, tc := range []struct {
		description string
		errs        Errors
		expectErr   error
	}{
		{
			description: "no errors",
			expectErr:   nil,
		},
		{
			description: "one error is unwrapped",
			errs:        Errors{someErr},
			expectErr:   someErr,
		},
		{
			description: "many errors",
			errs:        Errors{someErr, someErr},
			expectErr:   Errors{someErr, someErr},
		},
	} {
		t.Run(tc.description, func(t *testing.T) {
			assert.Equal(t, tc.expectErr, tc.errs.ErrOrNil())
		})
	}
}

func TestErrorsMarshalJSON(t *testing.T) {
	errs := Errors{
		errors.New("plain"),
		Annotate(New(AuthFailed, "bad password"), "bank", "signon"),
	}
	b, err := json.Marshal(errs)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"Description": "plain"},
		{"Kind": "AuthFailed", "Institution": "bank", "Description": "bank: signon: AuthFailed: bad password"}
	]`, string(b))
}

func TestKindOf(t *testing.T) {
	for _, tc := range []struct {
		description string
		err         error
		kind        Kind
	}{
		{
			description: "nil",
			kind:        Unknown,
		},
		{
			description: "unclassified",
			err:         errors.New("boom"),
			kind:        Unknown,
		},
		{
			description: "classified",
			err:         New(Timeout, "too slow"),
			kind:        Timeout,
		},
		{
			description: "wrapped classified",
			err:         errors.Wrap(WithCode(HTTPStatusError, 503, "Service Unavailable"), "Send"),
			kind:        HTTPStatusError,
		},
	} {
		t.Run(tc.description, func(t *testing.T) {
			assert.Equal(t, tc.kind, KindOf(tc.err))
		})
	}
}

func TestCodeOf(t *testing.T) {
	err := Annotate(errors.Wrap(WithCode(GeneralError, 2000, "General error"), "Sign on"), "bank", "signon")
	assert.Equal(t, 2000, CodeOf(err))
	assert.Equal(t, 0, CodeOf(errors.New("no code")))
}

func TestAnnotate(t *testing.T) {
	assert.NoError(t, Annotate(nil, "bank", "signon"))

	t.Run("classified error keeps kind and fills context", func(t *testing.T) {
		err := Annotate(WithCode(GeneralError, 2000, "General error"), "bank", "statement")
		var e *Error
		require.True(t, errors.As(err, &e))
		assert.Equal(t, GeneralError, e.Kind)
		assert.Equal(t, "bank", e.Institution)
		assert.Equal(t, "statement", e.Stage)
		assert.EqualError(t, err, "bank: statement: GeneralError (2000): General error")
	})

	t.Run("existing context is kept", func(t *testing.T) {
		err := Annotate(Annotate(New(AuthFailed, "nope"), "bank", "signon"), "other", "statement")
		assert.EqualError(t, err, "bank: signon: AuthFailed: nope")
	})

	t.Run("wrapped classified error", func(t *testing.T) {
		inner := New(NetworkError, "connection reset")
		err := Annotate(errors.Wrap(inner, "Send"), "bank", "statement")
		assert.Equal(t, NetworkError, KindOf(err))
		assert.EqualError(t, err, "bank: statement: Send: NetworkError: connection reset")
		assert.True(t, errors.Is(err, inner))
	})

	t.Run("unclassified error", func(t *testing.T) {
		err := Annotate(errors.New("boom"), "bank", "persist")
		assert.Equal(t, Unknown, KindOf(err))
		assert.EqualError(t, err, "bank: persist: Unknown: boom")
	})
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(New(WrongPassphrase, "")))
	assert.True(t, IsFatal(errors.Wrap(New(StoreCorrupt, ""), "Load")))
	assert.False(t, IsFatal(New(AuthFailed, "")))
	assert.False(t, IsFatal(nil))
}
