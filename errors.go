// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"errors"
	"fmt"
	"io"
	"net"
)

// ErrorCode classifies server errors.
type ErrorCode int

const (
	// ErrProtocol indicates a malformed or unexpected message from a viewer.
	ErrProtocol ErrorCode = iota
	// ErrAuthentication indicates a failed security handshake.
	ErrAuthentication
	// ErrEncoding indicates a codec failure.
	ErrEncoding
	// ErrNetwork indicates a transport failure.
	ErrNetwork
	// ErrConfiguration indicates an invalid server setting.
	ErrConfiguration
	// ErrTimeout indicates an expired deadline.
	ErrTimeout
	// ErrValidation indicates input validation failure.
	ErrValidation
	// ErrUnsupported indicates an unsupported feature or format.
	ErrUnsupported
	// ErrRejected indicates a connection refused by host policy or the blacklist.
	ErrRejected
	// ErrResource indicates an allocation or capacity failure.
	ErrResource
)

// String returns the string representation of the error code.
func (e ErrorCode) String() string {
	switch e {
	case ErrProtocol:
		return "protocol"
	case ErrAuthentication:
		return "authentication"
	case ErrEncoding:
		return "encoding"
	case ErrNetwork:
		return "network"
	case ErrConfiguration:
		return "configuration"
	case ErrTimeout:
		return "timeout"
	case ErrValidation:
		return "validation"
	case ErrUnsupported:
		return "unsupported"
	case ErrRejected:
		return "rejected"
	case ErrResource:
		return "resource"
	default:
		return "unknown"
	}
}

// Sentinel errors returned by the session manager.
var (
	ErrServerShutdown = NewVNCError("Server", ErrRejected, "server is shutting down", nil)
	ErrTooManyClients = NewVNCError("Server", ErrResource, "too many clients", nil)
	ErrClientNotFound = NewVNCError("Server", ErrValidation, "no such client", nil)
)

// VNCError carries the failing operation and a category alongside the
// wrapped cause.
type VNCError struct {
	Op      string
	Code    ErrorCode
	Message string
	Err     error
}

// Error returns the formatted error message.
func (e *VNCError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vnc %s: %s: %s: %v", e.Code.String(), e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("vnc %s: %s: %s", e.Code.String(), e.Op, e.Message)
}

// Unwrap returns the underlying error.
func (e *VNCError) Unwrap() error {
	return e.Err
}

// Is matches another VNCError with the same code and operation.
func (e *VNCError) Is(target error) bool {
	var vncErr *VNCError
	if errors.As(target, &vncErr) {
		return e.Code == vncErr.Code && e.Op == vncErr.Op
	}
	return false
}

// NewVNCError creates a new VNCError.
func NewVNCError(op string, code ErrorCode, message string, err error) *VNCError {
	return &VNCError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WrapError wraps err with server context. It returns nil for a nil err.
func WrapError(op string, code ErrorCode, message string, err error) error {
	if err == nil {
		return nil
	}
	return NewVNCError(op, code, message, err)
}

// IsVNCError reports whether err is a VNCError, optionally restricted to the
// given codes.
func IsVNCError(err error, code ...ErrorCode) bool {
	var vncErr *VNCError
	if !errors.As(err, &vncErr) {
		return false
	}

	if len(code) == 0 {
		return true
	}

	for _, c := range code {
		if vncErr.Code == c {
			return true
		}
	}
	return false
}

// GetErrorCode returns the code of a VNCError, or -1.
func GetErrorCode(err error) ErrorCode {
	var vncErr *VNCError
	if errors.As(err, &vncErr) {
		return vncErr.Code
	}
	return ErrorCode(-1)
}

// isClosedConn reports whether err only means the peer went away.
func isClosedConn(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}

func protocolError(op, message string, err error) error {
	return NewVNCError(op, ErrProtocol, message, err)
}

func authenticationError(op, message string, err error) error {
	return NewVNCError(op, ErrAuthentication, message, err)
}

func encodingError(op, message string, err error) error {
	return NewVNCError(op, ErrEncoding, message, err)
}

func networkError(op, message string, err error) error {
	return NewVNCError(op, ErrNetwork, message, err)
}

func configurationError(op, message string, err error) error {
	return NewVNCError(op, ErrConfiguration, message, err)
}

func timeoutError(op, message string, err error) error {
	return NewVNCError(op, ErrTimeout, message, err)
}

func validationError(op, message string, err error) error {
	return NewVNCError(op, ErrValidation, message, err)
}

func unsupportedError(op, message string, err error) error {
	return NewVNCError(op, ErrUnsupported, message, err)
}

func rejectedError(op, message string, err error) error {
	return NewVNCError(op, ErrRejected, message, err)
}

func resourceError(op, message string, err error) error {
	return NewVNCError(op, ErrResource, message, err)
}
