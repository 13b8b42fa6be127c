package blobstore

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind is a semantic error category, independent of the underlying
// errno, used by callers that want to branch on what went wrong rather
// than parse an errno.
type Kind string

const (
	KindBadArgument       Kind = "bad_argument"
	KindNotFound          Kind = "not_found"
	KindAlreadyExists     Kind = "already_exists"
	KindResourceExhausted Kind = "resource_exhausted"
	KindBusy              Kind = "busy"
	KindPermission        Kind = "permission"
	KindInvalidState      Kind = "invalid_state"
	KindBadFd             Kind = "bad_fd"
	KindDeviceFailure     Kind = "device_failure"
)

// Error is the structured error every exported blobstore operation
// returns on failure. Errno mirrors the negated-POSIX-errno convention
// of the on-disk and wire-level design; Kind is the semantic category
// callers should generally match on.
type Error struct {
	Op     string        // operation that failed, e.g. "open_blob"
	BlobID uint64        // blob id involved, if any (0 if not applicable)
	Kind   Kind          // semantic category
	Errno  syscall.Errno // POSIX errno this maps to (0 if not applicable)
	Msg    string        // human-readable detail
	Inner  error         // wrapped cause, if any
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.BlobID != 0 {
		parts = append(parts, fmt.Sprintf("blob=%#x", e.BlobID))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%s", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("blobstore: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("blobstore: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is comparison against a bare Kind sentinel as well
// as another *Error with a matching Kind.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if k, ok := target.(kindSentinel); ok {
		return e.Kind == Kind(k)
	}
	if te, ok := target.(*Error); ok {
		return e.Kind == te.Kind
	}
	return false
}

// kindSentinel lets callers write errors.Is(err, blobstore.NotFound)
// without constructing a full *Error.
type kindSentinel string

func (k kindSentinel) Error() string { return string(k) }

var (
	NotFound          error = kindSentinel(KindNotFound)
	AlreadyExists     error = kindSentinel(KindAlreadyExists)
	ResourceExhausted error = kindSentinel(KindResourceExhausted)
	Busy              error = kindSentinel(KindBusy)
	Permission        error = kindSentinel(KindPermission)
	InvalidState      error = kindSentinel(KindInvalidState)
	BadArgument       error = kindSentinel(KindBadArgument)
	BadFd             error = kindSentinel(KindBadFd)
	DeviceFailure     error = kindSentinel(KindDeviceFailure)
)

// NewError builds a structured Error.
func NewError(op string, kind Kind, errno syscall.Errno, msg string) *Error {
	return &Error{Op: op, Kind: kind, Errno: errno, Msg: msg}
}

// NewBlobError builds a structured Error scoped to one blob.
func NewBlobError(op string, blobID uint64, kind Kind, errno syscall.Errno, msg string) *Error {
	return &Error{Op: op, BlobID: blobID, Kind: kind, Errno: errno, Msg: msg}
}

// WrapDeviceError wraps an error returned by a BsDev call, classifying
// it by errno where possible and otherwise treating it as an opaque
// device failure.
func WrapDeviceError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if be, ok := inner.(*Error); ok {
		return &Error{Op: op, BlobID: be.BlobID, Kind: be.Kind, Errno: be.Errno, Msg: be.Msg, Inner: be.Inner}
	}
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{Op: op, Kind: kindForErrno(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Kind: KindDeviceFailure, Msg: inner.Error(), Inner: inner}
}

func kindForErrno(errno syscall.Errno) Kind {
	switch errno {
	case syscall.EINVAL:
		return KindBadArgument
	case syscall.ENOENT:
		return KindNotFound
	case syscall.EEXIST:
		return KindAlreadyExists
	case syscall.ENOMEM, syscall.ENOSPC:
		return KindResourceExhausted
	case syscall.EBUSY:
		return KindBusy
	case syscall.EPERM, syscall.EACCES:
		return KindPermission
	case syscall.EILSEQ, syscall.ENODEV:
		return KindInvalidState
	case syscall.EBADF:
		return KindBadFd
	default:
		return KindDeviceFailure
	}
}

// IsENOMEM reports whether err is the ENOMEM retry signal (§4.H): not a
// terminal failure, but a cue to enqueue the submission and redrive it
// once a pool slot frees.
func IsENOMEM(err error) bool {
	if err == nil {
		return false
	}
	if err == syscall.ENOMEM {
		return true
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Errno == syscall.ENOMEM
	}
	return false
}

// IsKind reports whether err is a *Error of the given Kind.
func IsKind(err error, kind Kind) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}
