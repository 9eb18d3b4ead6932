package jsonmerge

import "errors"

// ErrInvalidDocument is returned when an input is not a JSON object or
// contains a value that cannot appear in a decoded JSON document.
var ErrInvalidDocument = errors.New("jsonmerge: invalid document")
