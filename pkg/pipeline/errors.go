package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/imputeflow/pkg/logtail"
	"github.com/3leaps/imputeflow/pkg/validate"
)

// ErrAborted is returned when the run's context ended before completion.
var ErrAborted = errors.New("run aborted")

// ValidationFailure is a stage whose jobs left the queue without producing
// its declared artifacts. It is fatal for the run.
type ValidationFailure struct {
	Stage   Name
	Reason  string
	Result  validate.Result
	LogTail []logtail.Excerpt
}

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("stage %s failed validation: %s", e.Stage, e.Reason)
}

// Detail renders the failure with its log excerpts.
func (e *ValidationFailure) Detail() string {
	var b strings.Builder
	b.WriteString(e.Error())
	b.WriteByte('\n')
	for _, ex := range e.LogTail {
		b.WriteString(ex.String())
	}
	return b.String()
}

// PreconditionAmbiguous reports partial prior state for a stage. It is a
// warning: the stage is treated as not complete and resubmitted.
type PreconditionAmbiguous struct {
	Stage    Name
	Found    int
	Expected int
}

func (e *PreconditionAmbiguous) Error() string {
	return fmt.Sprintf("stage %s: partial prior state (%d of %d units present); resubmitting all units",
		e.Stage, e.Found, e.Expected)
}

// StageError wraps a non-validation failure with the stage it happened in.
type StageError struct {
	Stage Name
	Op    string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Op, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// IsValidationFailure reports whether err is a *ValidationFailure.
func IsValidationFailure(err error) bool {
	var vf *ValidationFailure
	return errors.As(err, &vf)
}

// FailedStage returns the stage a run error is attributed to, if any.
func FailedStage(err error) (Name, bool) {
	var vf *ValidationFailure
	if errors.As(err, &vf) {
		return vf.Stage, true
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}
