package retry

import (
	"context"
	"errors"

	apperrors "github.com/louisbranch/evented/internal/platform/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Class is the retry classification of an error.
type Class int

const (
	// Terminal errors must not be retried.
	Terminal Class = iota
	// Retryable errors are sequence conflicts; refresh state and retry.
	Retryable
	// Transport errors are retried only by the connection layer.
	Transport
)

func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case Transport:
		return "transport"
	default:
		return "terminal"
	}
}

// Classify maps err to a retry class. Only sequence conflicts are retryable;
// anything unrecognized is terminal.
func Classify(err error) Class {
	if err == nil {
		return Terminal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Terminal
	}
	switch apperrors.CodeOf(err) {
	case apperrors.CodeSequenceConflict:
		return Retryable
	case apperrors.CodeTransportFailure:
		return Transport
	case apperrors.CodeUnknown:
	default:
		return Terminal
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Aborted:
			return Retryable
		case codes.Unavailable:
			return Transport
		}
	}
	return Terminal
}

// IsRetryable reports whether err is a sequence conflict.
func IsRetryable(err error) bool {
	return Classify(err) == Retryable
}
