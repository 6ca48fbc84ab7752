// Package errors defines the failure kinds of a backup run and the process
// exit codes they map to. Call sites wrap these sentinels with
// github.com/pkg/errors so the kind survives added context:
//
//	return errors.Wrapf(snaperrors.ErrPhaseTransferFailed, "phase %s: %v", name, err)
//
// and callers test for the kind with the standard library's errors.Is.
package errors

import (
	stderrors "errors"
)

var (
	// The remote channel could not reach the source host. Fatal, raised before
	// compaction is ever suspended.
	ErrTransportUnavailable = stderrors.New("transport unavailable")

	// The source refused or failed to suspend compaction. Fatal, raised before
	// any phase runs.
	ErrGCSuspendFailed = stderrors.New("gc suspend failed")

	// A transfer phase failed. Fatal for the run; compaction is still resumed.
	ErrPhaseTransferFailed = stderrors.New("phase transfer failed")

	// One log segment could not be fetched. Non-fatal, other segments continue.
	ErrSegmentFetchFailed = stderrors.New("segment fetch failed")

	// The run was interrupted by the operator before all phases completed.
	ErrInterrupted = stderrors.New("interrupted")

	// Configuration could not be loaded or failed validation.
	ErrConfig = stderrors.New("invalid configuration")

	// The snapshots root does not have enough free space to start a run.
	ErrInsufficientSpace = stderrors.New("insufficient disk space")
)

type ExitCodeError struct {
	code ExitCode
	error
}

func NewError(err error, exitCode ExitCode) *ExitCodeError {
	if err == nil {
		return nil
	}
	return &ExitCodeError{exitCode, err}
}

func (e *ExitCodeError) GetExitCode() ExitCode {
	if e == nil {
		return 0
	}
	return e.code
}

func (e *ExitCodeError) Unwrap() error {
	return e.error
}

// Classify wraps err in an ExitCodeError chosen by the first failure kind
// found in its chain.
func Classify(err error) *ExitCodeError {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if stderrors.Is(err, k.err) {
			return NewError(err, k.code)
		}
	}
	return NewError(err, GenericFailureExitCode)
}
