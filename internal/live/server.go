package live

import (
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName = "rtxbridge.live.Notifications"
	streamName  = "Stream"
	streamPath  = "/" + serviceName + "/" + streamName
)

// NotificationsServer is the handler type of the notification service.
type NotificationsServer interface {
	Stream(req *structpb.Struct, stream grpc.ServerStream) error
}

// The service carries structpb.Struct in both directions. A request holds
// "flags" (list of option flags to receive) and "replay" (send retained
// history first); each response is one encoded Event.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*NotificationsServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    streamName,
		Handler:       streamHandler,
		ServerStreams: true,
	}},
	Metadata: "rtxbridge/live",
}

func streamHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(NotificationsServer).Stream(req, stream)
}

// Server implements the notification stream endpoint.
type Server struct {
	hub *Hub
	log *slog.Logger
}

// NewServer creates a gRPC server backed by the given Hub.
func NewServer(hub *Hub, log *slog.Logger) *Server {
	return &Server{hub: hub, log: log}
}

// RegisterGRPC registers the server on the given gRPC server instance.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// Stream optionally replays retained history, then streams new
// notifications until the client disconnects.
func (s *Server) Stream(req *structpb.Struct, stream grpc.ServerStream) error {
	var flags []string
	for _, v := range req.GetFields()["flags"].GetListValue().GetValues() {
		flags = append(flags, v.GetStringValue())
	}
	filter := FlagFilter(flags)

	// Subscribe before reading history so nothing falls between the two.
	subID, ch := s.hub.Subscribe(4096, filter)
	defer s.hub.Unsubscribe(subID)
	s.log.Info("grpc client subscribed", "subID", subID, "flags", flags)

	var last uint64
	if req.GetFields()["replay"].GetBoolValue() {
		for _, evt := range s.hub.History() {
			if !filter(evt.Flag) {
				continue
			}
			if err := sendEvent(stream, evt); err != nil {
				return err
			}
			last = evt.Seq
		}
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("grpc client disconnected", "subID", subID)
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if evt.Seq <= last {
				continue
			}
			if err := sendEvent(stream, evt); err != nil {
				return err
			}
		}
	}
}

func sendEvent(stream grpc.ServerStream, evt Event) error {
	msg, err := encodeEvent(evt)
	if err != nil {
		return err
	}
	return stream.SendMsg(msg)
}

func encodeEvent(evt Event) (*structpb.Struct, error) {
	msg, err := structpb.NewStruct(map[string]any{
		"seq":  evt.Seq,
		"time": evt.Time.UTC().Format(time.RFC3339Nano),
		"text": evt.Text,
		"flag": evt.Flag,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding event %d: %w", evt.Seq, err)
	}
	return msg, nil
}

func decodeEvent(msg *structpb.Struct) Event {
	f := msg.GetFields()
	evt := Event{Seq: uint64(f["seq"].GetNumberValue())}
	evt.Text = f["text"].GetStringValue()
	evt.Flag = f["flag"].GetStringValue()
	evt.Time, _ = time.Parse(time.RFC3339Nano, f["time"].GetStringValue())
	return evt
}
