package errext

import "errors"

// HasHint is a wrapper around an error with an attached operator hint. Hints
// give extra human-readable information about a failed command, such as
// what to check on the page before retrying.
type HasHint interface {
	error
	Hint() string
}

// WithHint attaches a hint to the given error. A nil error stays nil. If the
// error already had a hint the result reads "new hint (old hint)".
func WithHint(err error, hint string) error {
	if err == nil {
		return nil
	}
	return withHint{err, hint}
}

type withHint struct {
	error
	hint string
}

func (wh withHint) Unwrap() error {
	return wh.error
}

func (wh withHint) Hint() string {
	hint := wh.hint
	var oldhint HasHint
	if errors.As(wh.error, &oldhint) {
		hint = hint + " (" + oldhint.Hint() + ")"
	}

	return hint
}

var _ HasHint = withHint{}
