package scheduler

import (
	"errors"
	"strings"
)

var (
	// ErrPollingUncertain marks a queue query whose answer is unknown.
	ErrPollingUncertain = errors.New("scheduler state uncertain")

	// ErrUnknownJob is returned by Cancel for ids the backend never issued.
	ErrUnknownJob = errors.New("unknown job")
)

// SubmissionError is a scheduler rejection. It is fatal for the run.
type SubmissionError struct {
	Job    string
	Output string
	Err    error
}

func (e *SubmissionError) Error() string {
	msg := "submit " + e.Job + ": " + e.Err.Error()
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// UncertainError wraps a failed query.
type UncertainError struct {
	Op  string
	Err error
}

func (e *UncertainError) Error() string {
	return e.Op + ": " + ErrPollingUncertain.Error() + ": " + e.Err.Error()
}

func (e *UncertainError) Unwrap() []error { return []error{ErrPollingUncertain, e.Err} }

// Uncertain wraps err so errors.Is(err, ErrPollingUncertain) holds.
func Uncertain(op string, err error) error {
	if err == nil {
		return nil
	}
	return &UncertainError{Op: op, Err: err}
}

// IsSubmissionError reports whether err is a scheduler rejection.
func IsSubmissionError(err error) bool {
	var se *SubmissionError
	return errors.As(err, &se)
}

// IsPollingUncertain reports whether err came from an unanswered query.
func IsPollingUncertain(err error) bool {
	return errors.Is(err, ErrPollingUncertain)
}
