// Package errs defines the error taxonomy shared by the conversion and export
// packages. Callers wrap one of the sentinels with context using
// fmt.Errorf("%w: ...") and test for a category with errors.Is.
package errs

import "errors"

var (
	// ErrConfiguration reports that the caller omitted a required parameter,
	// e.g. an archive input without a scratch directory.
	ErrConfiguration = errors.New("configuration error")

	// ErrUnsupportedPlatform reports that no converter release exists for the
	// running operating system / architecture.
	ErrUnsupportedPlatform = errors.New("unsupported platform")

	// ErrInvalidGeometry reports an array rank or shape that violates the 3D
	// contract of orientation or export.
	ErrInvalidGeometry = errors.New("invalid geometry")

	// ErrConversion reports that a conversion produced no usable output.
	ErrConversion = errors.New("conversion failed")

	// ErrInvalidInput reports a wrong input type or malformed value passed to
	// an entry point.
	ErrInvalidInput = errors.New("invalid input")
)
