// gRPC client - streams a frames file (see the service's frames command)
// to the Ingest and UpdatePresentation methods, paced by frame time, and
// prints the events of a Subscribe stream.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	grpcapi "ai-transcript-render-service/internal/api/grpc"
	"ai-transcript-render-service/internal/observability/logging"
	"ai-transcript-render-service/internal/service/feed/mock"
)

func main() {
	framesFile := flag.String("frames", "", "Path to a frames JSON lines file (default: built-in demo)")
	serverAddr := flag.String("server", "localhost:50051", "gRPC server address")
	speed := flag.Float64("speed", 1, "Playback speed multiplier")
	linger := flag.Duration("linger", 2*time.Second, "How long to keep printing events after the last frame")
	flag.Parse()

	logging.Init(logging.Config{Level: "info", Format: "console", TimeFormat: time.RFC3339})

	frames, err := loadFrames(*framesFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load frames")
	}
	if len(frames) == 0 || *speed <= 0 {
		log.Fatal().Msg("Nothing to stream")
	}

	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect")
	}
	defer conn.Close()

	log.Info().Str("server", *serverAddr).Int("frames", len(frames)).Msg("Connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, "/"+grpcapi.ServiceName+"/Subscribe")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe")
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe")
	}
	stream.CloseSend()

	go func() {
		for {
			var ev structpb.Struct
			if err := stream.RecvMsg(&ev); err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Msg("Subscription ended")
				}
				return
			}
			b, _ := protojson.Marshal(&ev)
			os.Stdout.Write(append(b, '\n'))
		}
	}()

	var presentation int64
	origin := frames[0].AtMs
	start := time.Now()
	for _, f := range frames {
		due := start.Add(time.Duration(float64(f.AtMs-origin) / *speed * float64(time.Millisecond)))
		time.Sleep(time.Until(due))

		if f.IsPresentation() {
			presentation = f.PresentationMs
			if err := conn.Invoke(ctx, "/"+grpcapi.ServiceName+"/UpdatePresentation", wrapperspb.Int64(presentation), &emptypb.Empty{}); err != nil {
				log.Fatal().Err(err).Msg("Presentation update failed")
			}
			continue
		}

		var payload structpb.Struct
		if err := protojson.Unmarshal(f.Payload, &payload); err != nil {
			log.Warn().Err(err).Msg("Skipping undecodable frame")
			continue
		}
		callCtx := metadata.AppendToOutgoingContext(ctx, grpcapi.PublisherIDMetadata, f.PublisherID)
		if err := conn.Invoke(callCtx, "/"+grpcapi.ServiceName+"/Ingest", &payload, &emptypb.Empty{}); err != nil {
			log.Fatal().Err(err).Msg("Ingest failed")
		}
	}

	log.Info().Int64("presentationMs", presentation).Dur("elapsed", time.Since(start)).Msg("Finished streaming")
	time.Sleep(*linger)
}

func loadFrames(path string) ([]mock.Frame, error) {
	if path == "" {
		return mock.New("agent-1", "user-1", nil, mock.DefaultTiming()).Frames(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var frames []mock.Frame
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var fr mock.Frame
		if err := json.Unmarshal(sc.Bytes(), &fr); err != nil {
			return nil, err
		}
		frames = append(frames, fr)
	}
	return mock.FromFrames(frames, 1).Frames(), sc.Err()
}
