package session

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrGeneration   = errors.New("sql generation failed")
)

// InvalidInputError rejects a blank topic or blank natural-language text.
// Nothing is recorded when it is returned.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrInvalidInput.Error(), e.Field, e.Reason)
}

func (e *InvalidInputError) Is(target error) bool {
	return target == ErrInvalidInput
}

// GenerationError reports a failed or unusable completion. The session keeps
// the turns it had before the submission.
type GenerationError struct {
	Topic string
	Cause error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s for topic %q: %v", ErrGeneration.Error(), e.Topic, e.Cause)
}

func (e *GenerationError) Unwrap() error {
	return e.Cause
}

func (e *GenerationError) Is(target error) bool {
	return target == ErrGeneration
}
