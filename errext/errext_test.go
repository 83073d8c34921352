package errext

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/tabpilot/errext/exitcodes"
)

type budgetError struct{}

func (budgetError) Error() string { return "timed out" }

func (budgetError) Fields() map[string]any { return map[string]any{"budget": "10s"} }

func TestHint(t *testing.T) {
	t.Parallel()

	assert.NoError(t, WithHint(nil, "nothing"))

	base := errors.New("not clickable")
	err := WithHint(WithHint(base, "scroll the element into view"), "check the selector")

	var herr HasHint
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, "check the selector (scroll the element into view)", herr.Hint())
	assert.ErrorIs(t, err, base)
}

func TestExitCodeIfNone(t *testing.T) {
	t.Parallel()

	assert.NoError(t, WithExitCodeIfNone(nil, exitcodes.CommandFailed))

	err := WithExitCodeIfNone(errors.New("boom"), exitcodes.OperationTimeout)
	err = WithExitCodeIfNone(err, exitcodes.CommandFailed)

	var ecerr HasExitCode
	require.True(t, errors.As(err, &ecerr))
	assert.Equal(t, exitcodes.OperationTimeout, ecerr.ExitCode())
}

func TestFormat(t *testing.T) {
	t.Parallel()

	msg, fields := Format(nil)
	assert.Empty(t, msg)
	assert.Nil(t, fields)

	err := fmt.Errorf("waiting for selector: %w", budgetError{})
	err = WithHint(err, "increase the timeout")
	err = WithExitCodeIfNone(err, exitcodes.OperationTimeout)

	msg, fields = Format(err)
	assert.Equal(t, "waiting for selector: timed out", msg)
	assert.Equal(t, map[string]any{
		"budget":    "10s",
		"hint":      "increase the timeout",
		"exit_code": int(exitcodes.OperationTimeout),
	}, fields)
}
