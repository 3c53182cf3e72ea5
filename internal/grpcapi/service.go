package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// serviceDesc describes the Evaluation service to grpc.Server. It is
// written by hand: every method takes and returns a Struct, so there is
// no schema to generate from.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EvaluationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CheckGate", Handler: unaryHandler(MethodCheckGate, EvaluationServer.CheckGate)},
		{MethodName: "GetConfig", Handler: unaryHandler(MethodGetConfig, EvaluationServer.GetConfig)},
		{MethodName: "GetExperiment", Handler: unaryHandler(MethodGetExperiment, EvaluationServer.GetExperiment)},
		{MethodName: "GetStatus", Handler: unaryHandler(MethodGetStatus, EvaluationServer.GetStatus)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "heimdall/sidecar/v1/evaluation.proto",
}

type unaryMethod func(EvaluationServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

// unaryHandler builds the decode-then-intercept shim grpc.Server expects
// for one method.
func unaryHandler(fullMethod string, call unaryMethod) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(EvaluationServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(EvaluationServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}
