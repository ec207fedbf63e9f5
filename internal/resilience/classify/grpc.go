package classify

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// grpcStatusError matches errors produced by gRPC clients without
// matching plain errors (status.FromError would report ok for those
// too, with codes.Unknown).
type grpcStatusError interface {
	GRPCStatus() *status.Status
}

func fromGRPC(err error) (Kind, int, bool) {
	var se grpcStatusError
	if !errors.As(err, &se) {
		return KindUnknown, 0, false
	}

	code := se.GRPCStatus().Code()

	var kind Kind
	switch code {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		kind = KindServerUnavailable
	case codes.DeadlineExceeded:
		kind = KindTimeout
	case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied,
		codes.Unauthenticated, codes.FailedPrecondition, codes.OutOfRange,
		codes.AlreadyExists, codes.Unimplemented:
		kind = KindClientRejected
	case codes.DataLoss:
		kind = KindInvalidData
	default:
		kind = KindUnknown
	}

	return kind, int(code), true
}
