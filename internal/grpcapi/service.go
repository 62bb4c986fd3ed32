package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/nfiq2-service/internal/nfiq2"
	"github.com/example/nfiq2-service/internal/scorer"
)

const (
	serviceName   = "nfiq2.v1.QualityService"
	computeMethod = "/" + serviceName + "/Compute"
	errorDomain   = "nfiq2"
)

// Error reasons carried in errdetails.ErrorInfo.
const (
	ReasonNullContext   = "NULL_CONTEXT"
	ReasonCreateFailed  = "CREATE_FAILED"
	ReasonComputeFailed = "COMPUTE_FAILED"
)

// QualityServer is the server side of nfiq2.v1.QualityService.
type QualityServer interface {
	Compute(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.Struct, error)
}

var qualityServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*QualityServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Compute", Handler: computeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nfiq2/v1/quality.proto",
}

func computeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QualityServer).Compute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: computeMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(QualityServer).Compute(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterQualityServer registers srv on s.
func RegisterQualityServer(s grpc.ServiceRegistrar, srv QualityServer) {
	s.RegisterService(&qualityServiceDesc, srv)
}

// Server exposes a Scorer over gRPC.
type Server struct {
	scorer scorer.Scorer
	logger *zap.Logger
}

// NewServer builds the gRPC service around sc.
func NewServer(sc scorer.Scorer, logger *zap.Logger) *Server {
	return &Server{scorer: sc, logger: logger.Named("grpc_quality")}
}

func (s *Server) Compute(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.Struct, error) {
	res, err := s.scorer.Score(ctx, in.GetValue())
	if err != nil {
		s.logger.Warn("compute failed", zap.Error(err), zap.Int("bytes", len(in.GetValue())))
		return nil, toStatus(err)
	}
	return encodeResult(res)
}

func encodeResult(res *nfiq2.Result) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"score":      float64(res.Score),
		"actionable": encodeValues(res.Actionable),
		"features":   encodeValues(res.Features),
	})
}

func encodeValues(values []nfiq2.NamedValue) []interface{} {
	out := make([]interface{}, 0, len(values))
	for _, v := range values {
		out = append(out, map[string]interface{}{"name": v.Name, "value": v.Value})
	}
	return out
}

func decodeResult(s *structpb.Struct) (*nfiq2.Result, error) {
	fields := s.GetFields()
	score, ok := fields["score"]
	if !ok {
		return nil, errors.New("response has no score")
	}
	actionable, err := decodeValues(fields["actionable"])
	if err != nil {
		return nil, err
	}
	features, err := decodeValues(fields["features"])
	if err != nil {
		return nil, err
	}
	return &nfiq2.Result{
		Score:      uint32(score.GetNumberValue()),
		Actionable: actionable,
		Features:   features,
	}, nil
}

func decodeValues(v *structpb.Value) ([]nfiq2.NamedValue, error) {
	list := v.GetListValue().GetValues()
	out := make([]nfiq2.NamedValue, 0, len(list))
	for i, item := range list {
		f := item.GetStructValue().GetFields()
		name, ok := f["name"]
		if !ok {
			return nil, errors.New("entry " + strconv.Itoa(i) + " has no name")
		}
		out = append(out, nfiq2.NamedValue{
			Name:  name.GetStringValue(),
			Value: f["value"].GetNumberValue(),
		})
	}
	return out, nil
}

// toStatus maps a boundary error onto a gRPC status that carries the kind
// and code, so clients can rebuild the original error.
func toStatus(err error) error {
	var nerr *nfiq2.Error
	if !errors.As(err, &nerr) {
		if errors.Is(err, context.DeadlineExceeded) {
			return status.Error(codes.DeadlineExceeded, err.Error())
		}
		if errors.Is(err, context.Canceled) {
			return status.Error(codes.Canceled, err.Error())
		}
		return status.Error(codes.Internal, err.Error())
	}

	var (
		code   codes.Code
		reason string
	)
	switch nerr.Kind {
	case nfiq2.KindNullContext:
		code, reason = codes.FailedPrecondition, ReasonNullContext
	case nfiq2.KindCreateFailed:
		code, reason = codes.Unavailable, ReasonCreateFailed
	default:
		reason = ReasonComputeFailed
		code = codes.Internal
		if nerr.Code == nfiq2.BoundaryCode {
			code = codes.InvalidArgument
		}
	}

	st := status.New(code, nerr.Error())
	withInfo, derr := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   reason,
		Domain:   errorDomain,
		Metadata: map[string]string{"code": strconv.Itoa(int(nerr.Code))},
	})
	if derr != nil {
		return st.Err()
	}
	return withInfo.Err()
}

// fromStatus rebuilds a boundary error from a status produced by toStatus.
// Deadline and cancellation statuses wrap the matching context error; other
// statuses are returned unchanged.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w", st.Message(), context.DeadlineExceeded)
	case codes.Canceled:
		return fmt.Errorf("%s: %w", st.Message(), context.Canceled)
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != errorDomain {
			continue
		}
		switch info.GetReason() {
		case ReasonNullContext:
			return nfiq2.ErrNullContext
		case ReasonCreateFailed:
			return nfiq2.ErrCreateFailed
		case ReasonComputeFailed:
			code, perr := strconv.ParseInt(info.GetMetadata()["code"], 10, 32)
			if perr != nil {
				code = int64(nfiq2.BoundaryCode)
			}
			return &nfiq2.Error{Kind: nfiq2.KindComputeFailed, Code: int32(code), Cause: errors.New(st.Message())}
		}
	}
	return err
}
