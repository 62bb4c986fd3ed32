package grpcapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/nfiq2-service/internal/logging"
	"github.com/example/nfiq2-service/internal/nfiq2"
)

// Client scores images on a remote QualityService. It implements
// scorer.Scorer.
type Client struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

// Dial connects to a remote QualityService.
func Dial(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcapi.dial", "", err)
		logger.Error("failed to dial quality service", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn.Connect()
	for state := conn.GetState(); state != connectivity.Ready; state = conn.GetState() {
		if !conn.WaitForStateChange(waitCtx, state) {
			conn.Close()
			wrapped := logging.NewOperationError("grpcapi.dial", "", waitCtx.Err())
			logger.Error("quality service not ready", zap.Error(wrapped), zap.String("addr", addr))
			return nil, nil, wrapped
		}
	}
	return NewClient(conn, logger), conn, nil
}

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface, logger *zap.Logger) *Client {
	return &Client{conn: conn, logger: logger.Named("grpc_quality_client")}
}

// Score sends image to the remote service. Boundary failures come back as
// *nfiq2.Error with their original kind and code.
func (c *Client) Score(ctx context.Context, image []byte) (*nfiq2.Result, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, computeMethod, wrapperspb.Bytes(image), out); err != nil {
		mapped := fromStatus(err)
		c.logger.Warn("remote compute failed", zap.Error(mapped))
		return nil, mapped
	}
	res, err := decodeResult(out)
	if err != nil {
		return nil, logging.NewOperationError("grpcapi.decode_result", "", err)
	}
	return res, nil
}
