package db

import (
	"errors"
	"fmt"

	"github.com/ValentinKolb/dObj/lib/lockmgr"
)

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess           RetCode = iota // 0: Operation executed successfully.
	RetCPermissionDenied                 // 1: The caller lacks the required permission.
	RetCValidation                       // 2: A value was rejected by type checks or a hook.
	RetCNamespaceConflict                // 3: A namespace value is held by another field.
	RetCLocked                           // 4: The object is checked out by another transaction.
	RetCConsistency                      // 5: A consistency check failed during commit.
	RetCNotFound                         // 6: The object or field does not exist.
	RetCInvalidOperation                 // 7: The operation is not valid in the current state.
	RetCInfrastructure                   // 8: A collaborator (audit, journal) failed.
	RetCFault                            // 9: An invariant was violated; the transaction was aborted.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCPermissionDenied:
		return "PermissionDenied"
	case RetCValidation:
		return "Validation"
	case RetCNamespaceConflict:
		return "NamespaceConflict"
	case RetCLocked:
		return "Locked"
	case RetCConsistency:
		return "Consistency"
	case RetCNotFound:
		return "NotFound"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCInfrastructure:
		return "Infrastructure"
	case RetCFault:
		return "Fault"
	default:
		return "Unknown"
	}
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is the recoverable result of a failed operation. It carries a
// dialog style title and message that can be shown to the user as is.
type Error struct {
	Code  RetCode // The return code
	Title string  // Short dialog title
	Msg   string  // The error message

	// Holder names the owner of a conflicting checkout (RetCLocked).
	Holder string

	// DoNormalProcessing is false when the failed operation cannot be
	// retried and the transaction has to be aborted.
	DoNormalProcessing bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Title != "" {
		return fmt.Sprintf("%s (code %s): %s", e.Title, e.Code, e.Msg)
	}
	return fmt.Sprintf("ObjectStoreError (code %s): %s", e.Code, e.Msg)
}

// NewError creates a new recoverable error with the given code and message.
func NewError(code RetCode, title, msg string, args ...any) *Error {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	return &Error{
		Code:               code,
		Title:              title,
		Msg:                msg,
		DoNormalProcessing: true,
	}
}

func errPermission(msg string, args ...any) *Error {
	return NewError(RetCPermissionDenied, "Permission Denied", msg, args...)
}

func errValidation(msg string, args ...any) *Error {
	return NewError(RetCValidation, "Invalid Value", msg, args...)
}

func errNotFound(msg string, args ...any) *Error {
	return NewError(RetCNotFound, "Not Found", msg, args...)
}

func errInvalidOp(msg string, args ...any) *Error {
	return NewError(RetCInvalidOperation, "Invalid Operation", msg, args...)
}

func errLocked(holder lockmgr.Owner, what string) *Error {
	e := NewError(RetCLocked, "Object Locked", "%s is already being edited by %s", what, holder.Name)
	e.Holder = holder.Name
	return e
}

func errInfrastructure(err error) *Error {
	e := NewError(RetCInfrastructure, "Server Error", "%v", err)
	e.DoNormalProcessing = false
	return e
}

// CodeOf returns the RetCode carried by err, RetCSuccess for nil and
// RetCInfrastructure for foreign errors.
func CodeOf(err error) RetCode {
	if err == nil {
		return RetCSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return RetCInfrastructure
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code RetCode) bool {
	return err != nil && CodeOf(err) == code
}

// --------------------------------------------------------------------------
// Faults
// --------------------------------------------------------------------------

// Fault is raised (as a panic value) when an invariant of the edit lifecycle
// is violated. A Fault is never returned as an ordinary error; whoever
// recovers it must abort the transaction it happened in.
type Fault struct {
	Msg string
}

func (f *Fault) Error() string {
	return "fault: " + f.Msg
}

func fault(msg string, args ...any) {
	panic(&Fault{Msg: fmt.Sprintf(msg, args...)})
}

// AsFault converts a recovered panic value to a *Fault. Values that are not
// faults are returned with ok == false and must be re-panicked.
func AsFault(r any) (*Fault, bool) {
	f, ok := r.(*Fault)
	return f, ok
}

// FaultError converts a fault into the error reported to the caller.
func FaultError(f *Fault) *Error {
	e := NewError(RetCFault, "Internal Error", "%s; the transaction was aborted", f.Msg)
	e.DoNormalProcessing = false
	return e
}
