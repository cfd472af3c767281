package vfs

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	// ErrNotFound is returned when an entry does not exist.
	// Re-exported from io/fs so os.IsNotExist and errors.Is(err, fs.ErrNotExist) keep working.
	ErrNotFound = fs.ErrNotExist

	// ErrAlreadyExists is returned when creating an entry that already exists.
	ErrAlreadyExists = fs.ErrExist

	// ErrConnection is returned when the transport to a realm could not be
	// established or was dropped mid-operation.
	ErrConnection = errors.New("connection error")

	// ErrAuth is returned when credentials are missing or rejected. It is kept
	// apart from ErrConnection so callers can prompt for new credentials.
	ErrAuth = errors.New("authentication failed")

	// ErrDirectoryNotEmpty is returned when deleting a directory that still has children.
	ErrDirectoryNotEmpty = errors.New("directory not empty")

	// ErrUnsupported is returned when an entry lacks a capability, for example
	// append writes on an object store.
	ErrUnsupported = errors.New("operation not supported")
)

// Phase identifies the side of a transfer that failed.
type Phase int

const (
	PhaseUnknown Phase = iota
	PhaseOpeningSource
	PhaseReadingSource
	PhaseOpeningDestination
	PhaseWritingDestination
)

func (p Phase) String() string {
	switch p {
	case PhaseOpeningSource:
		return "opening source"
	case PhaseReadingSource:
		return "reading source"
	case PhaseOpeningDestination:
		return "opening destination"
	case PhaseWritingDestination:
		return "writing destination"
	default:
		return "unknown"
	}
}

// TransferError tags a copy or upload failure with the phase it happened in.
type TransferError struct {
	Phase Phase
	Err   error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer failed while %s: %v", e.Phase, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// NewTransferError wraps err with phase. A nil err yields nil, and an err that
// already carries a phase is returned unchanged.
func NewTransferError(phase Phase, err error) error {
	if err == nil {
		return nil
	}
	var te *TransferError
	if errors.As(err, &te) {
		return err
	}
	return &TransferError{Phase: phase, Err: err}
}

// TransferPhase reports the phase carried by err, if any.
func TransferPhase(err error) (Phase, bool) {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Phase, true
	}
	return PhaseUnknown, false
}

// PathError wraps err in a *fs.PathError for op and path. A nil err yields nil.
func PathError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var pe *fs.PathError
	if errors.As(err, &pe) && pe.Op == op && pe.Path == path {
		return err
	}
	return &fs.PathError{Op: op, Path: path, Err: err}
}
