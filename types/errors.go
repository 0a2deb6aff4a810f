package types

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying transfer failures.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrTransport indicates the send primitive itself failed.
	ErrTransport = errors.New("message transport failed")

	// ErrProtocol indicates a peer broke the transfer protocol, for
	// example by transmitting more bytes than the buffer it was offered.
	ErrProtocol = errors.New("data transfer protocol violation")

	// ErrNoMemory indicates a buffer could not be allocated or grown.
	ErrNoMemory = errors.New("not enough memory")

	// ErrWriteFailed indicates data could not be written or flushed.
	ErrWriteFailed = errors.New("write failed")

	// ErrRecipientDied indicates the receiver vanished after data was
	// written for it.
	ErrRecipientDied = errors.New("data transfer failed: receiver died")

	// ErrNoOwner indicates that no task owns the requested entity.
	ErrNoOwner = errors.New("no task owns the requested entity")

	// ErrBusy indicates an operation that allows only one instance (a
	// drag) is already in progress.
	ErrBusy = errors.New("operation already in progress")

	// ErrBadMessage indicates a malformed message or argument.
	ErrBadMessage = errors.New("bad message")
)

// TransferError wraps an underlying error with a classification.
// It preserves the original error in the chain for inspection via errors.As.
type TransferError struct {
	// Kind is the sentinel error for classification (e.g., ErrProtocol).
	Kind error
	// Op is the step that failed (e.g., "send", "ram_transmit", "write").
	Op string
	// Path is the file involved, if any.
	Path string
	// Err is the underlying error, if any.
	Err error
}

func (e *TransferError) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", msg, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", msg, e.Kind)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *TransferError) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target sentinel.
func (e *TransferError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// NewTransferError creates a classified transfer error.
func NewTransferError(kind error, op, path string, err error) *TransferError {
	return &TransferError{
		Kind: kind,
		Op:   op,
		Path: path,
		Err:  err,
	}
}

// IsProtocolViolation reports whether err was caused by a misbehaving peer.
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrProtocol)
}

// IsTransportFailure reports whether err came from the send primitive.
func IsTransportFailure(err error) bool {
	return errors.Is(err, ErrTransport)
}
