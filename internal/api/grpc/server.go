// Package grpcapi exposes the transcript session over gRPC. Messages use
// the well-known google.protobuf.Struct type, so the service needs no
// generated stubs.
package grpcapi

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"ai-transcript-render-service/internal/observability/logging"
	"ai-transcript-render-service/internal/schema"
	"ai-transcript-render-service/internal/service/emitter"
	"ai-transcript-render-service/internal/service/session"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "ai.transcript.render.v1.TranscriptService"

	// PublisherIDMetadata carries the publisher identity of Ingest calls.
	PublisherIDMetadata = "x-publisher-id"

	subscribeBuffer = 256
)

// TranscriptServer is the server API of the transcript service.
type TranscriptServer interface {
	Ingest(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	UpdatePresentation(context.Context, *wrapperspb.Int64Value) (*emptypb.Empty, error)
	Subscribe(*emptypb.Empty, grpc.ServerStream) error
}

// Server implements TranscriptServer on top of a session.
type Server struct {
	session *session.Handler
	logger  zerolog.Logger
}

var _ TranscriptServer = (*Server)(nil)

// Register registers the transcript, health and reflection services on g.
// Health reports NOT_SERVING for the transcript service once the session
// is released.
func Register(g *grpc.Server, h *session.Handler) *health.Server {
	s := &Server{
		session: h,
		logger:  logging.WithSession(h.ID()).With().Str("component", "grpc").Logger(),
	}
	g.RegisterService(&serviceDesc, s)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(g, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	go func() {
		<-h.Done()
		healthServer.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}()

	// Enable gRPC reflection for debugging tools like grpcurl
	reflection.Register(g)
	return healthServer
}

// Ingest feeds one message to the session.
func (s *Server) Ingest(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	publisherID := ""
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(PublisherIDMetadata); len(v) > 0 {
			publisherID = v[0]
		}
	}

	err := s.session.HandleRecord(ctx, publisherID, schema.FromStruct(in))
	switch {
	case err == nil:
		return &emptypb.Empty{}, nil
	case errors.Is(err, session.ErrReleased):
		return nil, status.Error(codes.Unavailable, err.Error())
	default:
		return nil, status.Error(codes.Internal, err.Error())
	}
}

// UpdatePresentation records the playback position in ms.
func (s *Server) UpdatePresentation(_ context.Context, in *wrapperspb.Int64Value) (*emptypb.Empty, error) {
	if s.session.Released() {
		return nil, status.Error(codes.Unavailable, session.ErrReleased.Error())
	}
	s.session.UpdatePresentation(in.GetValue())
	return &emptypb.Empty{}, nil
}

// Subscribe streams session events as Structs until the client goes away
// or the session is released. Events are dropped for a client that cannot
// keep up.
func (s *Server) Subscribe(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ctx := stream.Context()
	events := make(chan emitter.Event, subscribeBuffer)
	unsubscribe := s.session.Subscribe(emitter.ObserverFunc(func(e emitter.Event) {
		if e.Kind == emitter.KindDebugLog {
			return
		}
		select {
		case events <- e:
		default:
			s.logger.Warn().Uint64("seq", e.Seq).Msg("Subscriber too slow, dropping event")
		}
	}))
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.session.Done():
			// Nothing is delivered after Done; flush what was queued.
			for {
				select {
				case e := <-events:
					if err := send(stream, e); err != nil {
						return err
					}
				default:
					return status.Error(codes.Unavailable, session.ErrReleased.Error())
				}
			}
		case e := <-events:
			if err := send(stream, e); err != nil {
				return err
			}
		}
	}
}

func send(stream grpc.ServerStream, e emitter.Event) error {
	msg, err := toStruct(e)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.SendMsg(msg)
}

func toStruct(e emitter.Event) (*structpb.Struct, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, err
	}
	return out, nil
}

func ingestHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TranscriptServer).Ingest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + ServiceName + "/Ingest",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TranscriptServer).Ingest(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func presentationHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.Int64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TranscriptServer).UpdatePresentation(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + ServiceName + "/UpdatePresentation",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TranscriptServer).UpdatePresentation(ctx, req.(*wrapperspb.Int64Value))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(TranscriptServer).Subscribe(in, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TranscriptServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ingest", Handler: ingestHandler},
		{MethodName: "UpdatePresentation", Handler: presentationHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "ai/transcript/render/v1/transcript.proto",
}
