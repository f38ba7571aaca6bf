package engine

import (
	"context"
	"errors"

	"github.com/xela07ax/usbmode/internal/infra/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Сервис описан вручную: запросы и ответы — google.protobuf.Struct,
// поэтому сгенерированный код не нужен.
const (
	FunctionServiceName = "usbmode.v1.FunctionService"

	functionServiceListMethod   = "/" + FunctionServiceName + "/List"
	functionServiceSelectMethod = "/" + FunctionServiceName + "/Select"
)

type FunctionServiceServer interface {
	List(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Select(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func RegisterFunctionServiceServer(s grpc.ServiceRegistrar, srv FunctionServiceServer) {
	s.RegisterService(&FunctionServiceDesc, srv)
}

func functionServiceListHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FunctionServiceServer).List(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: functionServiceListMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FunctionServiceServer).List(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func functionServiceSelectHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FunctionServiceServer).Select(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: functionServiceSelectMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FunctionServiceServer).Select(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var FunctionServiceDesc = grpc.ServiceDesc{
	ServiceName: FunctionServiceName,
	HandlerType: (*FunctionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "List", Handler: functionServiceListHandler},
		{MethodName: "Select", Handler: functionServiceSelectHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "usbmode/v1/function.proto",
}

// FunctionServiceClient — клиент FunctionService поверх любого grpc.ClientConnInterface.
type FunctionServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewFunctionServiceClient(cc grpc.ClientConnInterface) *FunctionServiceClient {
	return &FunctionServiceClient{cc: cc}
}

func (c *FunctionServiceClient) List(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, functionServiceListMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *FunctionServiceClient) Select(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, functionServiceSelectMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type GRPCFunctionServer struct {
	selector *Selector
}

func NewGRPCFunctionServer(s *Selector) *GRPCFunctionServer {
	return &GRPCFunctionServer{selector: s}
}

func (s *GRPCFunctionServer) List(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	claims, ok := auth.ClaimsFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing claims")
	}

	all := req.GetFields()["all"].GetBoolValue()
	res := s.selector.List(ctx, claims.Principal(), all)

	// Тот же пайплайн, что и для HTTP: разница только в упаковке ответа
	functions := make([]interface{}, 0, len(res.Functions))
	for _, f := range res.Functions {
		functions = append(functions, map[string]interface{}{
			"name":        f.Name,
			"description": f.Description,
			"mask":        f.Mask,
			"supported":   f.Supported,
			"selected":    f.Selected,
			"reason":      string(f.Reason),
		})
	}

	out, err := structpb.NewStruct(map[string]interface{}{
		"current":   res.Current.Name,
		"raw_mask":  res.RawMask,
		"connected": s.selector.sessions.Connected(),
		"functions": functions,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func (s *GRPCFunctionServer) Select(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	claims, ok := auth.ClaimsFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing claims")
	}

	name := req.GetFields()["function"].GetStringValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "function is required")
	}

	res, err := s.selector.Select(ctx, claims.Principal(), name)
	if err != nil {
		return nil, status.Error(grpcCodeFor(err), err.Error())
	}

	out, err := structpb.NewStruct(map[string]interface{}{
		"function": res.Function.Name,
		"outcome":  string(res.Outcome),
		"trace_id": res.TraceID,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func grpcCodeFor(err error) codes.Code {
	switch {
	case errors.Is(err, ErrUnknownFunction):
		return codes.NotFound
	case errors.Is(err, ErrFunctionNotSupported):
		return codes.PermissionDenied
	default:
		return codes.Unavailable
	}
}
