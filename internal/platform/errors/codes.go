// Package errors provides structured error handling shared by the command,
// saga, and transport layers.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Command write path errors
	CodeSequenceConflict  Code = "SEQUENCE_CONFLICT"
	CodeBusinessRejection Code = "BUSINESS_REJECTION"
	CodeRetriesExhausted  Code = "RETRIES_EXHAUSTED"
	CodeInvalidCommand    Code = "INVALID_COMMAND"
	CodeHandlerMissing    Code = "HANDLER_MISSING"

	// Transport errors
	CodeTransportFailure Code = "TRANSPORT_FAILURE"

	// Compensation errors
	CodeCompensationStep Code = "COMPENSATION_STEP_FAILED"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// Aborted - another writer advanced the aggregate; the caller may retry.
	case CodeSequenceConflict:
		return codes.Aborted

	// FailedPrecondition - state doesn't allow the operation.
	case CodeBusinessRejection:
		return codes.FailedPrecondition

	// ResourceExhausted - retry cap reached on persistent contention.
	case CodeRetriesExhausted:
		return codes.ResourceExhausted

	// InvalidArgument - malformed command envelopes.
	case CodeInvalidCommand:
		return codes.InvalidArgument

	case CodeHandlerMissing:
		return codes.Unimplemented

	case CodeTransportFailure:
		return codes.Unavailable

	case CodeNotFound:
		return codes.NotFound

	default:
		return codes.Internal
	}
}

// CodeFromGRPC maps a gRPC status code received from a remote domain back
// into the local taxonomy.
func CodeFromGRPC(code codes.Code) Code {
	switch code {
	case codes.Aborted:
		return CodeSequenceConflict
	case codes.FailedPrecondition:
		return CodeBusinessRejection
	case codes.ResourceExhausted:
		return CodeRetriesExhausted
	case codes.InvalidArgument:
		return CodeInvalidCommand
	case codes.Unimplemented:
		return CodeHandlerMissing
	case codes.NotFound:
		return CodeNotFound
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return CodeTransportFailure
	default:
		return CodeUnknown
	}
}
