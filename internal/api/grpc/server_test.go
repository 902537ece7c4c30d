package grpcapi

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"ai-transcript-render-service/internal/models"
	"ai-transcript-render-service/internal/observability/logging"
	"ai-transcript-render-service/internal/service/session"
	"ai-transcript-render-service/internal/service/transcript"
)

func newTestServer(t *testing.T) (*session.Handler, *grpc.ClientConn) {
	t.Helper()
	logging.Init(logging.Config{Level: "error", Format: "json"})

	cfg := transcript.DefaultConfig()
	cfg.PreferredMode = models.RenderText
	cfg.TickInterval = time.Hour
	h := session.NewHandler(session.Config{Engine: cfg, Limits: session.DefaultLimits()}, nil)

	lis := bufconn.Listen(1 << 20)
	g := grpc.NewServer()
	Register(g, h)
	go g.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		g.Stop()
		h.Release()
	})
	return h, conn
}

func ingest(ctx context.Context, conn *grpc.ClientConn, publisherID string, msg map[string]any) error {
	in, err := structpb.NewStruct(msg)
	if err != nil {
		return err
	}
	ctx = metadata.AppendToOutgoingContext(ctx, PublisherIDMetadata, publisherID)
	return conn.Invoke(ctx, "/"+ServiceName+"/Ingest", in, &emptypb.Empty{})
}

func TestServer_IngestAndSubscribe(t *testing.T) {
	_, conn := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, "/"+ServiceName+"/Subscribe")
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(&emptypb.Empty{}))
	require.NoError(t, stream.CloseSend())

	// the subscription is registered once the first call is served
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, ingest(ctx, conn, "agent-9", map[string]any{
		"object":      "assistant.transcription",
		"turn_id":     4,
		"text":        "on my way",
		"turn_status": 1,
	}))

	var out structpb.Struct
	require.NoError(t, stream.RecvMsg(&out))
	m := out.AsMap()
	assert.Equal(t, "transcript.updated", m["kind"])
	assert.Equal(t, "agent-9", m["agentUserId"])
	tr := m["transcript"].(map[string]any)
	assert.Equal(t, "on my way", tr["text"])
	assert.Equal(t, "END", tr["status"])
	assert.Equal(t, float64(4), tr["turnId"])
}

func TestServer_HealthFollowsRelease(t *testing.T) {
	h, conn := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := grpc_health_v1.NewHealthClient(conn)

	resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)

	h.Release()

	assert.Eventually(t, func() bool {
		resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
		return err == nil && resp.Status == grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}, time.Second, 10*time.Millisecond)

	err = ingest(ctx, conn, "agent-9", map[string]any{"object": "user.transcription", "text": "hi"})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestServer_UpdatePresentation(t *testing.T) {
	h, conn := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := conn.Invoke(ctx, "/"+ServiceName+"/UpdatePresentation", wrapperspb.Int64(2500), &emptypb.Empty{})
	require.NoError(t, err)
	assert.Equal(t, int64(2500), h.State().PresentationMs)

	h.Release()
	err = conn.Invoke(ctx, "/"+ServiceName+"/UpdatePresentation", wrapperspb.Int64(2600), &emptypb.Empty{})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}
