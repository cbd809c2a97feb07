package manager

import (
	"errors"

	"modelhub/internal/apperr"
)

// errNoCandidate reports that every candidate for task failed. The last
// candidate error is kept as the cause.
func errNoCandidate(task string, last error) error {
	e := apperr.New(apperr.NoCandidateModel, "", "no model could serve task %q", task)
	e.Err = last
	return e
}

// errUnknownMode is returned by SwitchMode for an undefined preset.
func errUnknownMode(name string) error {
	return apperr.New(apperr.NotFound, "", "unknown mode %q", name)
}

// IsUnknownMode reports whether err came from SwitchMode with an undefined preset.
func IsUnknownMode(err error) bool {
	var ae *apperr.Error
	return errors.As(err, &ae) && ae.Kind == apperr.NotFound && ae.ModelID == ""
}
