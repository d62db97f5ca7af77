package cmd

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/fulmenhq/gofulmen/foundry"
)

// codedError carries a foundry exit code to Execute. Stage validation
// failures use foundry.ExitDataInvalid so batch wrappers can tell a broken
// stage from a broken environment.
type codedError struct {
	code    int
	message string
	err     error
}

func (e *codedError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *codedError) Unwrap() error { return e.err }

func exitError(code int, message string, err error) error {
	return &codedError{code: code, message: message, err: err}
}

func exitConfigError(err error) int {
	if errors.Is(err, fs.ErrNotExist) {
		return foundry.ExitFileNotFound
	}
	return foundry.ExitInvalidArgument
}
