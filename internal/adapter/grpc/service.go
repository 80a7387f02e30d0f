package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "convertflow.v1.ConversionService"

// ConversionServiceServer is the server API of convertflow.v1.ConversionService.
// Requests and responses are google.protobuf.Struct messages.
type ConversionServiceServer interface {
	ExecuteConversion(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListConversions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetConversion(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListAuditEvents(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListFiatTransactions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetBalance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetPortfolio(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SyncValuations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(ConversionServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ConversionServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ConversionServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes convertflow.v1.ConversionService for grpc.Server.RegisterService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ConversionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("ExecuteConversion", ConversionServiceServer.ExecuteConversion),
		unaryHandler("ListConversions", ConversionServiceServer.ListConversions),
		unaryHandler("GetConversion", ConversionServiceServer.GetConversion),
		unaryHandler("ListAuditEvents", ConversionServiceServer.ListAuditEvents),
		unaryHandler("ListFiatTransactions", ConversionServiceServer.ListFiatTransactions),
		unaryHandler("GetBalance", ConversionServiceServer.GetBalance),
		unaryHandler("GetPortfolio", ConversionServiceServer.GetPortfolio),
		unaryHandler("SyncValuations", ConversionServiceServer.SyncValuations),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "convertflow/v1/conversion.proto",
}

// RegisterConversionServiceServer registers srv on s
func RegisterConversionServiceServer(s grpc.ServiceRegistrar, srv ConversionServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls convertflow.v1.ConversionService methods by name
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a new Client over an established connection
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes method with req and returns the decoded response
func (c *Client) Call(ctx context.Context, method string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if req == nil {
		req = &structpb.Struct{Fields: map[string]*structpb.Value{}}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
