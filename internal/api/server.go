package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
	"unicode/utf8"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/sebas/linemux/internal/callmanager"
	"github.com/sebas/linemux/internal/events"
	"github.com/sebas/linemux/internal/phone"
)

// DefaultEventBuffer is the per-stream queue of undelivered events.
const DefaultEventBuffer = 256

// Server implements CallControlServer on a call manager.
type Server struct {
	m           *callmanager.Manager
	logger      *slog.Logger
	eventBuffer int
	health      *health.Server
}

var _ CallControlServer = (*Server)(nil)

// NewServer creates the API server.
func NewServer(m *callmanager.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{m: m, logger: logger, eventBuffer: DefaultEventBuffer, health: health.NewServer()}
}

// NewGRPCServer creates a grpc.Server with s and the standard health
// service registered.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.ChainUnaryInterceptor(s.logUnary),
	}, opts...)
	gs := grpc.NewServer(opts...)
	RegisterCallControlServer(gs, s)
	healthpb.RegisterHealthServer(gs, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return gs
}

// ListenAndServe serves the API on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	gs := s.NewGRPCServer()
	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		gs.GracefulStop()
	}()
	s.logger.Info("[API] gRPC server listening", "address", lis.Addr().String())
	if err := gs.Serve(lis); err != nil {
		return fmt.Errorf("serve gRPC: %w", err)
	}
	return nil
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Warn("[API] Request failed", "method", info.FullMethod, "error", err, "duration", time.Since(start))
	} else {
		s.logger.Debug("[API] Request", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}

// toStatus maps call manager errors to gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, callmanager.ErrNoLine):
		code = codes.NotFound
	case errors.Is(err, callmanager.ErrInvalidState), errors.Is(err, callmanager.ErrWaitPending):
		code = codes.FailedPrecondition
	case errors.Is(err, callmanager.ErrSuppServiceFailed), errors.Is(err, callmanager.ErrRemoteFailure):
		code = codes.Aborted
	case errors.Is(err, callmanager.ErrHoldTimeout):
		code = codes.DeadlineExceeded
	case errors.Is(err, callmanager.ErrManagerStopped):
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

func field(req *structpb.Struct, name string) *structpb.Value {
	if req == nil {
		return nil
	}
	return req.GetFields()[name]
}

func stringField(req *structpb.Struct, name string) string {
	return field(req, name).GetStringValue()
}

// line resolves the "line" field, falling back to the default line.
func (s *Server) line(req *structpb.Struct) (phone.Line, error) {
	id := stringField(req, "line")
	if id == "" {
		if l := s.m.DefaultLine(); l != nil {
			return l, nil
		}
		return nil, status.Error(codes.NotFound, "no line registered")
	}
	l := s.m.Line(id)
	if l == nil {
		return nil, status.Errorf(codes.NotFound, "line %q not registered", id)
	}
	return l, nil
}

// slotCall returns the call in slot of the requested line, or the first
// matching call across lines when no line is named.
func (s *Server) slotCall(req *structpb.Struct, slot phone.Slot) (*phone.Call, error) {
	if stringField(req, "line") == "" {
		return s.m.FirstNonIdle(slot), nil
	}
	l, err := s.line(req)
	if err != nil {
		return nil, err
	}
	switch slot {
	case phone.SlotRinging:
		return l.RingingCall(), nil
	case phone.SlotBackground:
		return l.BackgroundCall(), nil
	default:
		return l.ForegroundCall(), nil
	}
}

func parseSlot(s string) (phone.Slot, error) {
	switch s {
	case "", "foreground":
		return phone.SlotForeground, nil
	case "background":
		return phone.SlotBackground, nil
	case "ringing":
		return phone.SlotRinging, nil
	}
	return 0, status.Errorf(codes.InvalidArgument, "unknown slot %q", s)
}

func digitField(req *structpb.Struct) (rune, error) {
	d := stringField(req, "digit")
	r, n := utf8.DecodeRuneInString(d)
	if n == 0 || n != len(d) || !phone.IsValidDTMF(r) {
		return 0, status.Errorf(codes.InvalidArgument, "invalid DTMF digit %q", d)
	}
	return r, nil
}

// toStruct converts a JSON-tagged value to a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// fromStruct is the inverse of toStruct.
func fromStruct(st *structpb.Struct, v any) error {
	b, err := json.Marshal(st.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func (s *Server) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st, err := toStruct(s.m.Snapshot())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

func (s *Server) Dial(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	number := stringField(req, "number")
	if number == "" {
		return nil, status.Error(codes.InvalidArgument, "number is required")
	}
	l, err := s.line(req)
	if err != nil {
		return nil, err
	}
	conn, err := s.m.Dial(ctx, l, number)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := map[string]any{"line": l.ID()}
	if conn != nil {
		resp["connection_id"] = conn.ID()
		resp["address"] = conn.Address()
	}
	return structpb.NewStruct(resp)
}

func (s *Server) Accept(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	c, err := s.slotCall(req, phone.SlotRinging)
	if err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, toStatus(s.m.AcceptCall(ctx, c))
}

func (s *Server) Reject(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	c, err := s.slotCall(req, phone.SlotRinging)
	if err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, toStatus(s.m.RejectCall(ctx, c))
}

func (s *Server) Switch(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	c, err := s.slotCall(req, phone.SlotBackground)
	if err != nil {
		return nil, err
	}
	if c != nil && c.State() != phone.CallHolding {
		c = nil
	}
	return &emptypb.Empty{}, toStatus(s.m.SwitchHoldingAndActive(ctx, c))
}

func (s *Server) HangupForegroundResumeBackground(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	c, err := s.slotCall(req, phone.SlotBackground)
	if err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, toStatus(s.m.HangupForegroundResumeBackground(ctx, c))
}

func (s *Server) Hangup(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	slot, err := parseSlot(stringField(req, "slot"))
	if err != nil {
		return nil, err
	}
	c, err := s.slotCall(req, slot)
	if err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, toStatus(s.m.HangupCall(ctx, c))
}

func (s *Server) HangupAll(ctx context.Context, _ *structpb.Struct) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, toStatus(s.m.HangupAll(ctx))
}

func (s *Server) Conference(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	c, err := s.slotCall(req, phone.SlotBackground)
	if err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, toStatus(s.m.Conference(ctx, c))
}

func (s *Server) Transfer(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	c, err := s.slotCall(req, phone.SlotBackground)
	if err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, toStatus(s.m.ExplicitCallTransfer(ctx, c))
}

func (s *Server) StartDtmf(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	d, err := digitField(req)
	if err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, toStatus(s.m.StartDTMF(ctx, d))
}

func (s *Server) StopDtmf(ctx context.Context, _ *structpb.Struct) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, toStatus(s.m.StopDTMF(ctx))
}

// SendDtmf sends "digits" as a burst.
func (s *Server) SendDtmf(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	digits := stringField(req, "digits")
	if digits == "" {
		return nil, status.Error(codes.InvalidArgument, "digits is required")
	}
	for _, d := range digits {
		if !phone.IsValidDTMF(d) {
			return nil, status.Errorf(codes.InvalidArgument, "invalid DTMF digit %q", d)
		}
	}
	return &emptypb.Empty{}, toStatus(s.m.SendBurstDTMF(ctx, digits))
}

func (s *Server) SetMute(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, toStatus(s.m.SetMute(ctx, field(req, "muted").GetBoolValue()))
}

// Events streams fan-out events. "kinds" optionally limits the stream to
// the named kinds. A client that falls behind loses events rather than
// stalling the call manager.
func (s *Server) Events(req *structpb.Struct, stream EventStream) error {
	kinds, err := parseKinds(field(req, "kinds").GetListValue())
	if err != nil {
		return err
	}

	pub := events.NewChannelPublisher(s.eventBuffer)
	h := events.Func(func(ev phone.Event) {
		pub.PublishAsync(events.Record(ev))
	})
	bus := s.m.Bus()
	for _, k := range kinds {
		bus.Subscribe(k, h)
	}
	defer func() {
		for _, k := range kinds {
			bus.Unsubscribe(k, h)
		}
		pub.Close()
		if n := pub.DroppedCount(); n > 0 {
			s.logger.Warn("[API] Event stream dropped events", "dropped", n)
		}
	}()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec := <-pub.Events():
			msg, err := toStruct(rec)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

func parseKinds(list *structpb.ListValue) ([]phone.EventKind, error) {
	if len(list.GetValues()) == 0 {
		return phone.PublishedKinds, nil
	}
	byName := make(map[string]phone.EventKind, len(phone.PublishedKinds))
	for _, k := range phone.PublishedKinds {
		byName[k.String()] = k
	}
	var out []phone.EventKind
	for _, v := range list.GetValues() {
		k, ok := byName[v.GetStringValue()]
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "unknown event kind %q", v.GetStringValue())
		}
		out = append(out, k)
	}
	return out, nil
}
