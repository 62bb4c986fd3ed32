package grpcapi

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/example/nfiq2-service/internal/nfiq2"
	"github.com/example/nfiq2-service/internal/nfiq2/nfiq2test"
	"github.com/example/nfiq2-service/internal/scorer"
)

func startServer(t *testing.T, engine *nfiq2test.Engine) *Client {
	t.Helper()

	pool, err := scorer.NewPool(2, func() (*nfiq2.Handle, error) { return nfiq2.New(engine) }, time.Second, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterQualityServer(srv, NewServer(pool, zap.NewNop()))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, conn, err := Dial(ctx, "passthrough:///bufnet", zap.NewNop(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return client
}

func encodedImage(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 24, 24))); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func TestComputeRoundTrip(t *testing.T) {
	engine := &nfiq2test.Engine{
		Score:      53,
		Actionable: []nfiq2.NamedValue{{Name: "Quality", Value: 0.87}},
		Features: []nfiq2.NamedValue{
			{Name: "MinutiaeCount", Value: 12},
			{Name: "FDA_Bin10_Mean", Value: 0.25},
		},
	}
	client := startServer(t, engine)

	res, err := client.Score(context.Background(), encodedImage(t))
	if err != nil {
		t.Fatalf("score failed: %v", err)
	}
	if res.Score != 53 {
		t.Fatalf("expected score 53, got %d", res.Score)
	}
	if len(res.Actionable) != 1 || res.Actionable[0] != (nfiq2.NamedValue{Name: "Quality", Value: 0.87}) {
		t.Fatalf("unexpected actionable values: %+v", res.Actionable)
	}
	if len(res.Features) != 2 || res.Features[1] != (nfiq2.NamedValue{Name: "FDA_Bin10_Mean", Value: 0.25}) {
		t.Fatalf("unexpected features: %+v", res.Features)
	}
}

func TestComputeNativeFailureKeepsCode(t *testing.T) {
	client := startServer(t, &nfiq2test.Engine{Status: nfiq2test.StatusUnexpected})

	_, err := client.Score(context.Background(), encodedImage(t))
	if !errors.Is(err, &nfiq2.Error{Kind: nfiq2.KindComputeFailed, Code: 2}) {
		t.Fatalf("expected ComputeFailed(2), got %v", err)
	}
}

func TestComputeDecodeFailureIsInvalidArgument(t *testing.T) {
	client := startServer(t, &nfiq2test.Engine{})

	_, err := client.Score(context.Background(), []byte("nope"))
	code, ok := nfiq2.CodeOf(err)
	if !ok || code != nfiq2.BoundaryCode {
		t.Fatalf("expected boundary ComputeFailed, got %v", err)
	}
}

func TestToStatusCodes(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{nfiq2.ErrNullContext, codes.FailedPrecondition},
		{nfiq2.ErrCreateFailed, codes.Unavailable},
		{&nfiq2.Error{Kind: nfiq2.KindComputeFailed, Code: nfiq2.BoundaryCode}, codes.InvalidArgument},
		{&nfiq2.Error{Kind: nfiq2.KindComputeFailed, Code: 1}, codes.Internal},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("other"), codes.Internal},
	}
	for _, tc := range cases {
		if got := status.Code(toStatus(tc.err)); got != tc.want {
			t.Fatalf("%v: expected %s, got %s", tc.err, tc.want, got)
		}
	}
}

func TestFromStatusRestoresKinds(t *testing.T) {
	for _, err := range []error{nfiq2.ErrNullContext, nfiq2.ErrCreateFailed} {
		if got := fromStatus(toStatus(err)); !errors.Is(got, err) {
			t.Fatalf("expected %v, got %v", err, got)
		}
	}
	plain := status.Error(codes.Unavailable, "down")
	if got := fromStatus(plain); got != plain {
		t.Fatalf("expected foreign status unchanged, got %v", got)
	}
	if got := fromStatus(toStatus(context.DeadlineExceeded)); !errors.Is(got, context.DeadlineExceeded) {
		t.Fatalf("expected deadline to survive the wire, got %v", got)
	}
}
