package oc

import (
	"context"
	"errors"

	"go.opencensus.io/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func toStatusCode(err error) uint32 {
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.OK:
			return trace.StatusCodeOK
		case codes.Canceled:
			return trace.StatusCodeCancelled
		case codes.InvalidArgument:
			return trace.StatusCodeInvalidArgument
		case codes.DeadlineExceeded:
			return trace.StatusCodeDeadlineExceeded
		case codes.NotFound:
			return trace.StatusCodeNotFound
		case codes.AlreadyExists:
			return trace.StatusCodeAlreadyExists
		case codes.PermissionDenied:
			return trace.StatusCodePermissionDenied
		case codes.FailedPrecondition:
			return trace.StatusCodeFailedPrecondition
		case codes.Unimplemented:
			return trace.StatusCodeUnimplemented
		case codes.Internal:
			return trace.StatusCodeInternal
		case codes.Unavailable:
			return trace.StatusCodeUnavailable
		case codes.Unauthenticated:
			return trace.StatusCodeUnauthenticated
		}
	}

	switch {
	case checkErrors(err, context.Canceled):
		return trace.StatusCodeCancelled
	case checkErrors(err, context.DeadlineExceeded):
		return trace.StatusCodeDeadlineExceeded
	default:
		return trace.StatusCodeUnknown
	}
}

func checkErrors(err error, errs ...error) bool {
	for _, e := range errs {
		if errors.Is(err, e) {
			return true
		}
	}

	return false
}
