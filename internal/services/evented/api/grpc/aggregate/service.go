// Package aggregate serves evented.v1.AggregateService and provides the
// clients that reach remote domains through it.
package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apperrors "github.com/louisbranch/evented/internal/platform/errors"
	"github.com/louisbranch/evented/internal/services/evented/domain/book"
	"github.com/louisbranch/evented/internal/services/evented/domain/executor"
	"github.com/louisbranch/evented/internal/services/evented/domain/fetch"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "evented.v1.AggregateService"

const (
	HandleMethod           = "/" + ServiceName + "/Handle"
	DryRunMethod           = "/" + ServiceName + "/DryRun"
	GetEventBookMethod     = "/" + ServiceName + "/GetEventBook"
	GetByCorrelationMethod = "/" + ServiceName + "/GetByCorrelation"
)

// CorrelationQuery asks for the history of the aggregate of Domain written
// under CorrelationID.
type CorrelationQuery struct {
	Domain        string `json:"domain"`
	CorrelationID string `json:"correlation_id"`
}

// AggregateServer is the server API of evented.v1.AggregateService.
type AggregateServer interface {
	Handle(ctx context.Context, cmd *book.CommandBook) (*book.EventBook, error)
	DryRun(ctx context.Context, cmd *book.CommandBook) (*book.EventBook, error)
	GetEventBook(ctx context.Context, cover *book.Cover) (*book.EventBook, error)
	GetByCorrelation(ctx context.Context, query *CorrelationQuery) (*book.EventBook, error)
}

// Service implements AggregateServer over an executor and a fetcher.
type Service struct {
	executor executor.Executor
	fetcher  fetch.Fetcher
}

// NewService creates the aggregate service. DryRun is served when exec
// implements executor.DryRunner.
func NewService(exec executor.Executor, fetcher fetch.Fetcher) *Service {
	return &Service{executor: exec, fetcher: fetcher}
}

// Register installs the service on srv.
func Register(srv grpc.ServiceRegistrar, impl AggregateServer) {
	srv.RegisterService(&serviceDesc, impl)
}

// Handle executes a command. Conflicts answer Aborted and rejections
// FailedPrecondition, with the reason as the status message.
func (s *Service) Handle(ctx context.Context, cmd *book.CommandBook) (*book.EventBook, error) {
	if s.executor == nil {
		return nil, status.Error(codes.Internal, "executor is not configured")
	}
	if cmd == nil {
		return nil, status.Error(codes.InvalidArgument, "command is required")
	}
	outcome, err := s.executor.Execute(ctx, *cmd)
	return outcomeResponse(outcome, err)
}

// DryRun runs a command without persisting or publishing its events.
func (s *Service) DryRun(ctx context.Context, cmd *book.CommandBook) (*book.EventBook, error) {
	runner, ok := s.executor.(executor.DryRunner)
	if !ok {
		return nil, status.Error(codes.Unimplemented, "dry run is not supported")
	}
	if cmd == nil {
		return nil, status.Error(codes.InvalidArgument, "command is required")
	}
	outcome, err := runner.DryRun(ctx, *cmd)
	return outcomeResponse(outcome, err)
}

// GetEventBook returns the history of cover, empty when it has none.
func (s *Service) GetEventBook(ctx context.Context, cover *book.Cover) (*book.EventBook, error) {
	if s.fetcher == nil {
		return nil, status.Error(codes.Internal, "fetcher is not configured")
	}
	if cover == nil {
		return nil, status.Error(codes.InvalidArgument, "cover is required")
	}
	if err := cover.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if fetched := s.fetcher.Fetch(ctx, *cover); fetched != nil {
		return fetched, nil
	}
	return &book.EventBook{Cover: *cover}, nil
}

// GetByCorrelation returns the history of the first aggregate of the domain
// written under the correlation id.
func (s *Service) GetByCorrelation(ctx context.Context, query *CorrelationQuery) (*book.EventBook, error) {
	if s.fetcher == nil {
		return nil, status.Error(codes.Internal, "fetcher is not configured")
	}
	if query == nil || strings.TrimSpace(query.Domain) == "" || strings.TrimSpace(query.CorrelationID) == "" {
		return nil, status.Error(codes.InvalidArgument, "domain and correlation id are required")
	}
	fetched := s.fetcher.FetchByCorrelation(ctx, query.Domain, query.CorrelationID)
	if fetched == nil {
		return nil, status.Error(codes.NotFound, "no aggregate for correlation id")
	}
	return fetched, nil
}

func outcomeResponse(outcome executor.Outcome, err error) (*book.EventBook, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	switch outcome.Kind {
	case executor.Success:
		events := outcome.Events
		return &events, nil
	case executor.Retryable:
		return nil, apperrors.New(apperrors.CodeSequenceConflict, outcome.Reason).ToGRPCStatus()
	case executor.Rejected:
		return nil, rejectionStatus(outcome)
	default:
		return nil, status.Errorf(codes.Internal, "unknown outcome kind %d", outcome.Kind)
	}
}

// RejectedCommandKey is the ErrorInfo metadata key carrying the JSON of a
// rejected command.
const RejectedCommandKey = "command"

func rejectionStatus(outcome executor.Outcome) error {
	var metadata map[string]string
	if outcome.Command != nil {
		encoded, err := json.Marshal(outcome.Command)
		if err == nil {
			metadata = map[string]string{RejectedCommandKey: string(encoded)}
		}
	}
	return apperrors.WithMetadata(apperrors.CodeBusinessRejection, outcome.Reason, metadata).ToGRPCStatus()
}

// rejectedCommand decodes the command attached to a rejection, falling back
// to the submitted one.
func rejectedCommand(remote *apperrors.Error, submitted book.CommandBook) book.CommandBook {
	encoded, ok := remote.Metadata[RejectedCommandKey]
	if !ok {
		return submitted
	}
	var cmd book.CommandBook
	if err := json.Unmarshal([]byte(encoded), &cmd); err != nil {
		return submitted
	}
	return cmd
}

func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return appErr.ToGRPCStatus()
	}
	return status.Error(codes.Internal, err.Error())
}

func handleHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(book.CommandBook)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AggregateServer).Handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: HandleMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AggregateServer).Handle(ctx, req.(*book.CommandBook))
	}
	return interceptor(ctx, in, info, handler)
}

func dryRunHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(book.CommandBook)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AggregateServer).DryRun(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DryRunMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AggregateServer).DryRun(ctx, req.(*book.CommandBook))
	}
	return interceptor(ctx, in, info, handler)
}

func getEventBookHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(book.Cover)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AggregateServer).GetEventBook(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetEventBookMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AggregateServer).GetEventBook(ctx, req.(*book.Cover))
	}
	return interceptor(ctx, in, info, handler)
}

func getByCorrelationHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CorrelationQuery)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AggregateServer).GetByCorrelation(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetByCorrelationMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AggregateServer).GetByCorrelation(ctx, req.(*CorrelationQuery))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AggregateServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Handle", Handler: handleHandler},
		{MethodName: "DryRun", Handler: dryRunHandler},
		{MethodName: "GetEventBook", Handler: getEventBookHandler},
		{MethodName: "GetByCorrelation", Handler: getByCorrelationHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "evented/v1/aggregate.proto",
}

var _ AggregateServer = (*Service)(nil)
