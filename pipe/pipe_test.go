package pipe

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpFuncsDo(t *testing.T) {
	nilOp := func() error {
		return nil
	}
	someErr := errors.New("some error")
	errOp := func() error {
		return someErr
	}

	detectOp := func(ran *bool) func() error {
		return func() error {
			*ran = true
			return nil
		}
	}

	t.Run("no errors", func(t *testing.T) {
		var ranLast bool
		assert.NoError(t, OpFuncs{nilOp, nilOp, detectOp(&ranLast)}.Do())
		assert.True(t, ranLast)
	})

	t.Run("stops on first error", func(t *testing.T) {
		var ranAfterError bool
		assert.Equal(t, someErr, OpFuncs{nilOp, errOp, detectOp(&ranAfterError)}.Do())
		assert.False(t, ranAfterError)
	})
}

func TestStagesRun(t *testing.T) {
	someErr := errors.New("some error")
	var order []string
	record := func(name string, err error) func() error {
		return func() error {
			order = append(order, name)
			return err
		}
	}

	for _, tc := range []struct {
		description string
		stages      Stages
		expectStage string
		expectErr   error
		expectOrder []string
	}{
		{
			description: "empty",
		},
		{
			description: "all succeed",
			stages: Stages{
				{Name: "sign on", Do: record("sign on", nil)},
				{Name: "statement", Do: record("statement", nil)},
			},
			expectOrder: []string{"sign on", "statement"},
		},
		{
			description: "reports failed stage",
			stages: Stages{
				{Name: "sign on", Do: record("sign on", nil)},
				{Name: "statement", Do: record("statement", someErr)},
				{Name: "persist", Do: record("persist", nil)},
			},
			expectStage: "statement",
			expectErr:   someErr,
			expectOrder: []string{"sign on", "statement"},
		},
	} {
		t.Run(tc.description, func(t *testing.T) {
			order = nil
			stage, err := tc.stages.Run()
			assert.Equal(t, tc.expectStage, stage)
			assert.Equal(t, tc.expectErr, err)
			assert.Equal(t, tc.expectOrder, order)
		})
	}
}

func TestStagesThen(t *testing.T) {
	base := Stages{{Name: "a", Do: func() error { return nil }}}
	extended := base.Then("b", func() error { return nil })
	assert.Len(t, base, 1)
	assert.Len(t, extended, 2)
	assert.Equal(t, "b", extended[1].Name)
}
