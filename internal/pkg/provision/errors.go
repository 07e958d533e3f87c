// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package provision

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned when the operator declines the confirmation prompt.
var ErrCancelled = errors.New("cancelled by operator")

// ValidationError is a bad input detected before anything is written.
type ValidationError struct {
	Err error
}

// Error implements error.
func (e *ValidationError) Error() string {
	return e.Err.Error()
}

// Unwrap implements errors.Unwrap.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Invalidf builds a ValidationError.
func Invalidf(format string, args ...any) error {
	return &ValidationError{Err: fmt.Errorf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var verr *ValidationError

	return errors.As(err, &verr)
}

// Stage names a step of the pipeline.
type Stage string

// Pipeline stages.
const (
	StageValidate    Stage = "validate"
	StageGeometry    Stage = "geometry"
	StagePartition   Stage = "partition"
	StageFormat      Stage = "format"
	StageEncrypt     Stage = "encrypt"
	StageMount       Stage = "mount"
	StageCopy        Stage = "copy"
	StagePersistence Stage = "persistence"
	StageBootloader  Stage = "bootloader"
	StageRawWrite    Stage = "raw-write"
)

// Destructive reports whether the stage writes to the target device.
func (s Stage) Destructive() bool {
	switch s {
	case StageValidate, StageGeometry:
		return false
	default:
		return true
	}
}

// StageError is a failure of a single pipeline stage.
type StageError struct {
	Stage Stage
	Err   error
}

// Error implements error.
func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

// Unwrap implements errors.Unwrap.
func (e *StageError) Unwrap() error {
	return e.Err
}

// WrapStage attaches the stage to err, nil stays nil.
func WrapStage(stage Stage, err error) error {
	if err == nil {
		return nil
	}

	var serr *StageError
	if errors.As(err, &serr) {
		return err
	}

	return &StageError{Stage: stage, Err: err}
}
