// Package grpcapi implements the gRPC API of dpaad.
//
// Messages are google.protobuf well-known types: requests are Empty or
// Struct, replies are Struct or ListValue carrying the same JSON shapes
// as the REST API.
package grpcapi

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "dpaa.v1.BusService"

const (
	methodGetStatus        = "/" + ServiceName + "/GetStatus"
	methodListInterfaces   = "/" + ServiceName + "/ListInterfaces"
	methodListDevices      = "/" + ServiceName + "/ListDevices"
	methodGetNetworkConfig = "/" + ServiceName + "/GetNetworkConfig"
	methodListEvents       = "/" + ServiceName + "/ListEvents"
	methodStreamEvents     = "/" + ServiceName + "/StreamEvents"
)

// BusServiceServer is the server API for the bus service.
type BusServiceServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListInterfaces(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	// ListDevices accepts an optional "type" filter.
	ListDevices(context.Context, *structpb.Struct) (*structpb.ListValue, error)
	GetNetworkConfig(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// ListEvents accepts optional "count", "kind" and "device" fields.
	ListEvents(context.Context, *structpb.Struct) (*structpb.ListValue, error)
	// StreamEvents sends each new event matching "kind" and "device".
	StreamEvents(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// RegisterBusServiceServer registers srv on s.
func RegisterBusServiceServer(s grpc.ServiceRegistrar, srv BusServiceServer) {
	s.RegisterService(&busServiceDesc, srv)
}

func unary[Req, Resp any](call func(BusServiceServer, context.Context, *Req) (Resp, error), method string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BusServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(BusServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func streamEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(BusServiceServer).StreamEvents(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

var busServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BusServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: unary(BusServiceServer.GetStatus, methodGetStatus)},
		{MethodName: "ListInterfaces", Handler: unary(BusServiceServer.ListInterfaces, methodListInterfaces)},
		{MethodName: "ListDevices", Handler: unary(BusServiceServer.ListDevices, methodListDevices)},
		{MethodName: "GetNetworkConfig", Handler: unary(BusServiceServer.GetNetworkConfig, methodGetNetworkConfig)},
		{MethodName: "ListEvents", Handler: unary(BusServiceServer.ListEvents, methodListEvents)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamEvents", Handler: streamEventsHandler, ServerStreams: true},
	},
	Metadata: "dpaa/v1/bus.proto",
}

// Client calls the bus service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// GetStatus returns the bus status.
func (c *Client) GetStatus(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetStatus, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListInterfaces returns the bound interfaces.
func (c *Client) ListInterfaces(ctx context.Context) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, methodListInterfaces, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListDevices returns the devices, restricted to typ when non-empty.
func (c *Client) ListDevices(ctx context.Context, typ string) (*structpb.ListValue, error) {
	in, err := structpb.NewStruct(map[string]any{"type": typ})
	if err != nil {
		return nil, err
	}
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, methodListDevices, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetNetworkConfig returns the network configuration of the last scan.
func (c *Client) GetNetworkConfig(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetNetworkConfig, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// EventQuery selects events for ListEvents and StreamEvents.
type EventQuery struct {
	Count  int
	Kind   string
	Device string
}

func (q EventQuery) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"count":  q.Count,
		"kind":   q.Kind,
		"device": q.Device,
	})
}

// ListEvents returns recent events, newest first.
func (c *Client) ListEvents(ctx context.Context, q EventQuery) (*structpb.ListValue, error) {
	in, err := q.toStruct()
	if err != nil {
		return nil, err
	}
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, methodListEvents, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamEvents calls fn for each new event until ctx is done, the stream
// ends, or fn returns an error.
func (c *Client) StreamEvents(ctx context.Context, q EventQuery, fn func(*structpb.Struct) error) error {
	in, err := q.toStruct()
	if err != nil {
		return err
	}
	stream, err := c.cc.NewStream(ctx, &busServiceDesc.Streams[0], methodStreamEvents)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		ev := new(structpb.Struct)
		if err := stream.RecvMsg(ev); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

// toValue converts a JSON-encodable value.
func toValue(v any) (*structpb.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	val := new(structpb.Value)
	if err := protojson.Unmarshal(b, val); err != nil {
		return nil, fmt.Errorf("convert %T: %w", v, err)
	}
	return val, nil
}

func toStruct(v any) (*structpb.Struct, error) {
	val, err := toValue(v)
	if err != nil {
		return nil, err
	}
	s := val.GetStructValue()
	if s == nil {
		return nil, fmt.Errorf("convert %T: not an object", v)
	}
	return s, nil
}

func toList(v any) (*structpb.ListValue, error) {
	val, err := toValue(v)
	if err != nil {
		return nil, err
	}
	if _, ok := val.Kind.(*structpb.Value_NullValue); ok {
		return &structpb.ListValue{}, nil
	}
	l := val.GetListValue()
	if l == nil {
		return nil, fmt.Errorf("convert %T: not a list", v)
	}
	return l, nil
}

// Decode converts a reply back into the JSON shape v, such as
// bus.InterfaceInfo or logging.EventRecord.
func Decode(msg proto.Message, v any) error {
	b, err := protojson.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %T: %w", msg, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode into %T: %w", v, err)
	}
	return nil
}
