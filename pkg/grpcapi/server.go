package grpcapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/christophefontaine/dpdk/pkg/bus"
	"github.com/christophefontaine/dpdk/pkg/logging"
)

const defaultEventCount = 50

// Config configures the gRPC server.
type Config struct {
	Bus      *bus.Bus
	EventBuf *logging.EventBuffer
	Version  string
}

var _ BusServiceServer = (*Server)(nil)

// Server implements BusServiceServer.
type Server struct {
	bus       *bus.Bus
	eventBuf  *logging.EventBuffer
	version   string
	startTime time.Time
	addr      string
}

// NewServer creates a new gRPC server.
func NewServer(addr string, cfg Config) *Server {
	return &Server{
		bus:       cfg.Bus,
		eventBuf:  cfg.EventBuf,
		version:   cfg.Version,
		startTime: time.Now(),
		addr:      addr,
	}
}

// Run listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	RegisterBusServiceServer(srv, s)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Event streams only end when their clients go away.
	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		srv.Stop()
	}
	return nil
}

func (s *Server) requireBus() error {
	if s.bus == nil {
		return status.Error(codes.Unavailable, "bus not available")
	}
	return nil
}

func internal(err error) error {
	return status.Errorf(codes.Internal, "%v", err)
}

func (s *Server) GetStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.requireBus(); err != nil {
		return nil, err
	}
	st, err := toStruct(s.bus.Status())
	if err != nil {
		return nil, internal(err)
	}
	drivers := make(map[string]any)
	for t, names := range s.bus.Drivers() {
		list := make([]any, len(names))
		for i, n := range names {
			list[i] = n
		}
		drivers[t.String()] = list
	}
	extra, err := structpb.NewStruct(map[string]any{
		"uptime":  time.Since(s.startTime).Truncate(time.Second).String(),
		"version": s.version,
		"drivers": drivers,
	})
	if err != nil {
		return nil, internal(err)
	}
	for k, v := range extra.Fields {
		st.Fields[k] = v
	}
	return st, nil
}

func (s *Server) ListInterfaces(_ context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	if err := s.requireBus(); err != nil {
		return nil, err
	}
	l, err := toList(s.bus.InterfaceInfos())
	if err != nil {
		return nil, internal(err)
	}
	return l, nil
}

func (s *Server) ListDevices(_ context.Context, req *structpb.Struct) (*structpb.ListValue, error) {
	if err := s.requireBus(); err != nil {
		return nil, err
	}
	typ := req.GetFields()["type"].GetStringValue()
	var devs []bus.DeviceInfo
	for _, d := range s.bus.DeviceInfos() {
		if typ == "" || d.Type == typ {
			devs = append(devs, d)
		}
	}
	l, err := toList(devs)
	if err != nil {
		return nil, internal(err)
	}
	return l, nil
}

func (s *Server) GetNetworkConfig(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.requireBus(); err != nil {
		return nil, err
	}
	cfg := s.bus.NetworkConfig()
	if cfg == nil {
		return nil, status.Error(codes.FailedPrecondition, "bus not scanned")
	}
	var text strings.Builder
	cfg.Dump(&text)
	st, err := toStruct(map[string]any{
		"num_ports": cfg.NumPorts,
		"ports":     s.bus.InterfaceInfos(),
		"text":      text.String(),
	})
	if err != nil {
		return nil, internal(err)
	}
	return st, nil
}

func eventFilter(req *structpb.Struct) logging.EventFilter {
	f := req.GetFields()
	return logging.EventFilter{
		Kind:   f["kind"].GetStringValue(),
		Device: f["device"].GetStringValue(),
	}
}

func (s *Server) ListEvents(_ context.Context, req *structpb.Struct) (*structpb.ListValue, error) {
	if s.eventBuf == nil {
		return nil, status.Error(codes.Unavailable, "event buffer not available")
	}
	n := defaultEventCount
	if v, ok := req.GetFields()["count"]; ok {
		c := v.GetNumberValue()
		if c < 0 || c != float64(int(c)) {
			return nil, status.Errorf(codes.InvalidArgument, "invalid count %v", c)
		}
		if c > 0 {
			n = int(c)
		}
	}
	l, err := toList(s.eventBuf.LatestFiltered(n, eventFilter(req)))
	if err != nil {
		return nil, internal(err)
	}
	return l, nil
}

func (s *Server) StreamEvents(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	if s.eventBuf == nil {
		return status.Error(codes.Unavailable, "event buffer not available")
	}
	filter := eventFilter(req)
	sub := s.eventBuf.Subscribe(128)
	defer sub.Close()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec := <-sub.C:
			if !filter.Match(rec) {
				continue
			}
			ev, err := toStruct(rec)
			if err != nil {
				return internal(err)
			}
			if err := stream.Send(ev); err != nil {
				return err
			}
		}
	}
}
