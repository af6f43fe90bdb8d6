// Package lgerrors contains the error kinds returned by the controller core.
// Every error that callers are expected to act on carries exactly one Kind, and
// CodeFromError is the single place where kinds are translated into a transport-level code.
//
// Errors created here may be wrapped with github.com/pkg/errors; KindOf and CodeFromError
// use errors.As to look through the chain.
package lgerrors

import (
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Kind int

const (
	Unknown Kind = iota
	NotFound
	InvalidTransition
	AdmissionDenied
	InsufficientWorkers
	PreconditionFailed
	InvalidArgument
	TransientInfraFailure
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case InvalidTransition:
		return "InvalidTransition"
	case AdmissionDenied:
		return "AdmissionDenied"
	case InsufficientWorkers:
		return "InsufficientWorkers"
	case PreconditionFailed:
		return "PreconditionFailed"
	case InvalidArgument:
		return "InvalidArgument"
	case TransientInfraFailure:
		return "TransientInfraFailure"
	default:
		return "Unknown"
	}
}

// Error is a kind-tagged error. Message is always populated; Cause is optional.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (err *Error) Error() string {
	if err.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", err.Kind, err.Message, err.Cause)
	}
	return fmt.Sprintf("%s: %s", err.Kind, err.Message)
}

func (err *Error) Unwrap() error {
	return err.Cause
}

// ErrNotFound is returned whenever some resource isn't found, e.g. ErrNotFound("scenario", "abc").
func ErrNotFound(resourceType string, value string) error {
	return errors.WithStack(&Error{
		Kind:    NotFound,
		Message: fmt.Sprintf("resource %q of type %q does not exist", value, resourceType),
	})
}

func ErrInvalidTransition(from string, to string) error {
	return errors.WithStack(&Error{
		Kind:    InvalidTransition,
		Message: fmt.Sprintf("transition from %s to %s is not allowed", from, to),
	})
}

// ErrAdmissionDenied carries the reason given by the admission service, or the reason the gate failed closed.
func ErrAdmissionDenied(reason string) error {
	return errors.WithStack(&Error{Kind: AdmissionDenied, Message: reason})
}

func ErrInsufficientWorkers(required int, available int) error {
	return errors.WithStack(&Error{
		Kind:    InsufficientWorkers,
		Message: fmt.Sprintf("required %d workers but only %d are active", required, available),
	})
}

func ErrPreconditionFailed(format string, args ...interface{}) error {
	return errors.WithStack(&Error{Kind: PreconditionFailed, Message: fmt.Sprintf(format, args...)})
}

// ErrInvalidArgument is returned on an invalid field value.
func ErrInvalidArgument(name string, value interface{}, message string) error {
	msg := fmt.Sprintf("value %q is invalid for field %q", fmt.Sprint(value), name)
	if message != "" {
		msg = msg + "; " + message
	}
	return errors.WithStack(&Error{Kind: InvalidArgument, Message: msg})
}

// ErrTransient marks an infrastructure failure (store, queue, push sink) that may succeed if retried.
func ErrTransient(operation string, cause error) error {
	return errors.WithStack(&Error{Kind: TransientInfraFailure, Message: operation, Cause: cause})
}

// KindOf returns the kind of the first *Error in the chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// CodeFromError maps error kinds to gRPC return codes.
func CodeFromError(err error) codes.Code {
	// If the error is nil or already a gRPC status, return the embedded code.
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}

	switch KindOf(err) {
	case NotFound:
		return codes.NotFound
	case InvalidTransition, PreconditionFailed:
		return codes.FailedPrecondition
	case AdmissionDenied:
		return codes.PermissionDenied
	case InsufficientWorkers:
		return codes.ResourceExhausted
	case InvalidArgument:
		return codes.InvalidArgument
	case TransientInfraFailure:
		return codes.Unavailable
	default:
		return codes.Unknown
	}
}

// ToStatus converts err into a gRPC status error carrying the mapped code and the message of
// the kind-tagged error, leaving the rest of the chain for the logs.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var e *Error
	if errors.As(err, &e) {
		return status.Error(CodeFromError(err), e.Error())
	}
	return status.Error(codes.Unknown, errors.Cause(err).Error())
}
