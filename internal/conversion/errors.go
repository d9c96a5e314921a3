package conversion

import (
	"errors"
	"fmt"
)

var (
	errNoErrorCapability  = errors.New("source or target normalizer does not support error conversion")
	errNoStreamCapability = errors.New("source or target normalizer does not support stream conversion")
)

// ConversionError wraps a failure inside one conversion span.
type ConversionError struct {
	Direction string
	Source    string
	Target    string
	Err       error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("format conversion failed (%s %s -> %s): %v",
		e.Direction, e.Source, e.Target, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// UnknownFormatError reports a format id with no registered normalizer.
type UnknownFormatError struct {
	FormatID string
}

func (e *UnknownFormatError) Error() string {
	return fmt.Sprintf("no normalizer registered for format %q", e.FormatID)
}
