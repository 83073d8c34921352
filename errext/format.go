package errext

import (
	"errors"
)

// HasFields is implemented by errors that carry structured details, for
// example the budget a timed out operation consumed.
type HasFields interface {
	error
	Fields() map[string]any
}

// Format renders err as a message and a map of fields suitable for a
// command reply or a log entry. Hints, exit codes and the fields of any
// wrapped HasFields error are included.
func Format(err error) (string, map[string]any) {
	if err == nil {
		return "", nil
	}

	fields := make(map[string]any)
	var ferr HasFields
	if errors.As(err, &ferr) {
		for k, v := range ferr.Fields() {
			fields[k] = v
		}
	}
	var herr HasHint
	if errors.As(err, &herr) {
		fields["hint"] = herr.Hint()
	}
	var eerr HasExitCode
	if errors.As(err, &eerr) {
		fields["exit_code"] = int(eerr.ExitCode())
	}

	return err.Error(), fields
}
