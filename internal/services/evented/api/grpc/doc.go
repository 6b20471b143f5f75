// Package grpc groups the gRPC surfaces of the evented service.
//
//   - aggregate/: command submission, dry runs and state queries for the
//     domains hosted by this process, plus the clients used to reach
//     domains hosted elsewhere.
package grpc
