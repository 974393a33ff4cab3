// Package errs holds the error taxonomy shared by detection, parsing and
// extraction. Packages wrap these sentinels with %w so the orchestration
// layer can classify any failure with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrUnrecognizedFormat means no detector accepted the input.
	ErrUnrecognizedFormat = errors.New("unrecognized format")

	// ErrAmbiguousFormat means more than one sibling detector accepted the
	// same stream. This is a defect in the detector tree, not bad input.
	ErrAmbiguousFormat = errors.New("ambiguous format")

	// ErrCorruptIndex means an assembly store header or index failed its
	// consistency checks.
	ErrCorruptIndex = errors.New("corrupt index")

	// ErrDecompressionMismatch means a payload decoded to a different length
	// than its index declared.
	ErrDecompressionMismatch = errors.New("decompression mismatch")

	// ErrIO means the stream was truncated or unreadable.
	ErrIO = errors.New("i/o failure")

	// ErrBatchAborted marks inputs left unprocessed because the batch stopped
	// early.
	ErrBatchAborted = errors.New("batch aborted before this input was processed")
)

// Taxonomy labels used in reports.
const (
	KindUnrecognized  = "unrecognized-format"
	KindAmbiguous     = "ambiguous-format"
	KindCorruptIndex  = "corrupt-index"
	KindDecompression = "decompression-mismatch"
	KindIO            = "io-failure"
	KindAborted       = "batch-aborted"
	KindOther         = "error"
)

// Kind maps err onto its taxonomy label.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAmbiguousFormat):
		return KindAmbiguous
	case errors.Is(err, ErrUnrecognizedFormat):
		return KindUnrecognized
	case errors.Is(err, ErrCorruptIndex):
		return KindCorruptIndex
	case errors.Is(err, ErrDecompressionMismatch):
		return KindDecompression
	case errors.Is(err, ErrIO):
		return KindIO
	case errors.Is(err, ErrBatchAborted):
		return KindAborted
	default:
		return KindOther
	}
}

// DecompressionError reports a payload whose decoded size differs from the
// declared one.
type DecompressionError struct {
	Name     string
	Method   string
	Expected uint32
	Actual   int
	Err      error
}

func (e *DecompressionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s payload of %q: expected %d bytes: %v",
			ErrDecompressionMismatch, e.Method, e.Name, e.Expected, e.Err)
	}
	return fmt.Sprintf("%s: %s payload of %q: expected %d bytes, got %d",
		ErrDecompressionMismatch, e.Method, e.Name, e.Expected, e.Actual)
}

func (e *DecompressionError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrDecompressionMismatch, e.Err}
	}
	return []error{ErrDecompressionMismatch}
}

// IO wraps a read failure on the named stream.
func IO(desc string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, desc, err)
}
