// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package common

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName = "sdprotect.v1.Device"

	PingMethod    = "/" + ServiceName + "/Ping"
	StatusMethod  = "/" + ServiceName + "/Status"
	SessionMethod = "/" + ServiceName + "/Session"
)

// DeviceServer is the server API of the device service.
type DeviceServer interface {
	// Ping reports the daemon is alive.
	Ping(context.Context, *emptypb.Empty) (*wrapperspb.BoolValue, error)

	// Status returns the device state. The card is only probed for power.
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)

	// Session runs one interactive request. The first message from the
	// host names the request, then the device drives the exchange with
	// pin and button requests until it sends a success or failure.
	Session(grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]) error
}

// SessionStream is the client end of a session.
type SessionStream = grpc.BidiStreamingClient[structpb.Struct, structpb.Struct]

func devicePingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DeviceServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PingMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DeviceServer).Ping(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func deviceStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DeviceServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: StatusMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DeviceServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func deviceSessionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(DeviceServer).Session(&grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// DeviceServiceDesc describes the device service for grpc.
var DeviceServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DeviceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: devicePingHandler},
		{MethodName: "Status", Handler: deviceStatusHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       deviceSessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "sdprotect/v1/device.proto",
}

// RegisterDeviceServer registers srv on s.
func RegisterDeviceServer(s grpc.ServiceRegistrar, srv DeviceServer) {
	s.RegisterService(&DeviceServiceDesc, srv)
}

// DeviceClient calls the device service.
type DeviceClient struct {
	cc grpc.ClientConnInterface
}

// NewDeviceClient returns a client over cc.
func NewDeviceClient(cc grpc.ClientConnInterface) *DeviceClient {
	return &DeviceClient{cc: cc}
}

func (c *DeviceClient) Ping(ctx context.Context, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, PingMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DeviceClient) Status(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, StatusMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DeviceClient) Session(ctx context.Context, opts ...grpc.CallOption) (SessionStream, error) {
	stream, err := c.cc.NewStream(ctx, &DeviceServiceDesc.Streams[0], SessionMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}, nil
}
