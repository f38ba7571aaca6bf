package engine

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/usbmode/internal/domain"
	"github.com/xela07ax/usbmode/internal/infra/auth/authtest"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func startGRPC(t *testing.T, f *fixture, keys *authtest.Keys) *FunctionServiceClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)

	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		UnaryTracingInterceptor,
		UnaryAuthInterceptor(keys.Validator, zap.NewNop()),
	))
	RegisterFunctionServiceServer(srv, NewGRPCFunctionServer(f.selector))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return NewFunctionServiceClient(conn)
}

func withToken(ctx context.Context, bearer string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", bearer)
}

func TestGRPC_Unauthenticated(t *testing.T) {
	keys := authtest.NewKeys(t)
	client := startGRPC(t, newFixture(t, fullDevice(0)), keys)

	_, err := client.List(context.Background(), &structpb.Struct{})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestGRPC_List(t *testing.T) {
	keys := authtest.NewKeys(t)
	f := newFixture(t, fullDevice(domain.FunctionMTP))
	client := startGRPC(t, f, keys)

	req, err := structpb.NewStruct(map[string]interface{}{"all": false})
	require.NoError(t, err)

	resp, err := client.List(withToken(context.Background(), keys.Bearer(t, "owner", true)), req)
	require.NoError(t, err)

	fields := resp.GetFields()
	assert.Equal(t, "mtp", fields["current"].GetStringValue())
	list := fields["functions"].GetListValue().GetValues()
	require.Len(t, list, 6)
	first := list[0].GetStructValue().GetFields()
	assert.Equal(t, "mtp", first["name"].GetStringValue())
	assert.True(t, first["selected"].GetBoolValue())
	assert.Equal(t, float64(domain.FunctionMTP), first["mask"].GetNumberValue())
}

func TestGRPC_Select(t *testing.T) {
	keys := authtest.NewKeys(t)
	f := newFixture(t, fullDevice(0))
	f.mutator.On("SetCurrentFunctions", mock.Anything, domain.FunctionUVC).Return(nil).Once()
	client := startGRPC(t, f, keys)
	ctx := withToken(context.Background(), keys.Bearer(t, "guest", false))

	req, _ := structpb.NewStruct(map[string]interface{}{"function": "uvc"})
	var header metadata.MD
	resp, err := client.Select(ctx, req, grpc.Header(&header))
	require.NoError(t, err)
	assert.Equal(t, "applied", resp.GetFields()["outcome"].GetStringValue())
	assert.NotEmpty(t, header.Get("x-trace-id"))

	req, _ = structpb.NewStruct(map[string]interface{}{"function": "rndis"})
	_, err = client.Select(ctx, req)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	req, _ = structpb.NewStruct(map[string]interface{}{"function": "audio_source"})
	_, err = client.Select(ctx, req)
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.Select(ctx, &structpb.Struct{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
