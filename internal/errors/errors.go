package errors

import (
	"errors"
	"fmt"
)

// Error types for different categories of failures
var (
	ErrTransport  = errors.New("transport error")
	ErrPeerClosed = errors.New("peer closed")
	ErrProtocol   = errors.New("protocol error")
	ErrFileSystem = errors.New("file system error")
	ErrValidation = errors.New("validation error")
	ErrTimeout    = errors.New("timeout error")
)

// TransportError represents a send/receive failure on the underlying stream
// that is not absorbed by the exact I/O primitives.
type TransportError struct {
	Op      string
	Addr    string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("transport error during %s with %s: deadline exceeded: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("transport error during %s with %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport || (e.Timeout && target == ErrTimeout)
}

// PeerClosedError reports that the stream ended before the expected number
// of bytes arrived.
type PeerClosedError struct {
	Op   string
	Got  int
	Want int
}

func (e *PeerClosedError) Error() string {
	return fmt.Sprintf("peer closed during %s after %d of %d bytes", e.Op, e.Got, e.Want)
}

func (e *PeerClosedError) Is(target error) bool {
	return target == ErrPeerClosed
}

// ProtocolError represents protocol-related errors
type ProtocolError struct {
	Op      string
	Message string
	Byte    *byte
	Err     error
}

func (e *ProtocolError) Error() string {
	msg := e.Message
	if e.Byte != nil {
		msg = fmt.Sprintf("%s (byte 0x%02x)", msg, *e.Byte)
	}
	if e.Err != nil {
		return fmt.Sprintf("protocol error during %s: %s: %v", e.Op, msg, e.Err)
	}
	return fmt.Sprintf("protocol error during %s: %s", e.Op, msg)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// FileSystemError represents file system-related errors
type FileSystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileSystemError) Error() string {
	return fmt.Sprintf("file system error during %s on %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileSystemError) Unwrap() error {
	return e.Err
}

func (e *FileSystemError) Is(target error) bool {
	return target == ErrFileSystem
}

// ValidationError represents validation errors
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s='%v': %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Helper functions for creating errors

func NewTransportError(op, addr string, err error) error {
	return &TransportError{Op: op, Addr: addr, Err: err}
}

func NewTimeoutError(op, addr string, err error) error {
	return &TransportError{Op: op, Addr: addr, Timeout: true, Err: err}
}

func NewPeerClosedError(op string, got, want int) error {
	return &PeerClosedError{Op: op, Got: got, Want: want}
}

func NewProtocolError(op, message string, err error) error {
	return &ProtocolError{Op: op, Message: message, Err: err}
}

// NewUnexpectedByteError reports a byte that is not valid at its position in the stream.
func NewUnexpectedByteError(op, message string, b byte) error {
	return &ProtocolError{Op: op, Message: message, Byte: &b}
}

func NewFileSystemError(op, path string, err error) error {
	return &FileSystemError{Op: op, Path: path, Err: err}
}

func NewValidationError(field string, value interface{}, message string) error {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// Is and As re-export the standard library helpers so callers importing this
// package under the name errors keep access to them.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
