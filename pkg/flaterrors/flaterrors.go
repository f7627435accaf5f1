// Package flaterrors joins errors into a single flat list.
//
// Unlike errors.Join, nested joins are expanded so that the resulting error
// never contains another joined error. errors.Is and errors.As still see every
// member of the list.
package flaterrors

import "strings"

// Separator is placed between the messages of the joined errors.
const Separator = ": "

type joinedError struct {
	errs []error
}

// Join returns an error wrapping every non-nil error in errs.
// Joined errors passed as arguments are flattened into the result.
// Join returns nil if every value in errs is nil.
func Join(errs ...error) error {
	flat := make([]error, 0, len(errs))
	for _, err := range errs {
		flat = appendFlat(flat, err)
	}

	if len(flat) == 0 {
		return nil
	}

	return &joinedError{errs: flat}
}

func appendFlat(dst []error, err error) []error {
	if err == nil {
		return dst
	}

	if j, ok := err.(interface{ Unwrap() []error }); ok { //nolint:errorlint // only the top-level join is flattened
		for _, e := range j.Unwrap() {
			dst = appendFlat(dst, e)
		}
		return dst
	}

	return append(dst, err)
}

func (e *joinedError) Error() string {
	msgs := make([]string, 0, len(e.errs))
	for _, err := range e.errs {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, Separator)
}

func (e *joinedError) Unwrap() []error {
	return e.errs
}
