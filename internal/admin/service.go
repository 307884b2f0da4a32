// Package admin exposes read-only room inspection and host announcements over
// gRPC. Messages are protobuf well-known types, so no generated code is needed.
package admin

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/cory-johannsen/playhub/internal/relay"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "playhub.admin.v1.RoomAdmin"

// RoomAdminServer is the server API for the RoomAdmin service.
type RoomAdminServer interface {
	ListRooms(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetRoom(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Announce(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

// Service implements RoomAdminServer over a running Coordinator.
type Service struct {
	coord  *relay.Coordinator
	logger *zap.Logger
}

// NewService creates the admin service.
//
// Precondition: coord and logger must be non-nil.
func NewService(coord *relay.Coordinator, logger *zap.Logger) *Service {
	return &Service{coord: coord, logger: logger}
}

func stringsToValues(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// ListRooms returns every active room with its members in join order.
func (s *Service) ListRooms(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	summaries := s.coord.Directory().Rooms()
	rooms := make([]any, len(summaries))
	for i, r := range summaries {
		rooms[i] = map[string]any{
			"id":      r.ID,
			"members": stringsToValues(r.Members),
		}
	}
	out, err := structpb.NewStruct(map[string]any{"rooms": rooms})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "building room list: %v", err)
	}
	return out, nil
}

// GetRoom returns one room's members and their display names.
func (s *Service) GetRoom(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	roomID := req.GetValue()
	if roomID == "" {
		return nil, status.Error(codes.InvalidArgument, "room id is required")
	}
	dir := s.coord.Directory()
	members := dir.MembersOf(roomID)
	if members == nil {
		return nil, status.Errorf(codes.NotFound, "room %q not found", roomID)
	}
	out, err := structpb.NewStruct(map[string]any{
		"id":      roomID,
		"members": stringsToValues(members),
		"names":   stringsToValues(dir.Names(roomID)),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "building room: %v", err)
	}
	return out, nil
}

// Stats returns connection and room counts.
func (s *Service) Stats(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := s.coord.Stats()
	out, err := structpb.NewStruct(map[string]any{
		"connectedUsers":      st.ConnectedUsers,
		"attachedConnections": st.AttachedConnections,
		"activeRooms":         st.ActiveRooms,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "building stats: %v", err)
	}
	return out, nil
}

// Announce queues a host notification for every attached connection.
func (s *Service) Announce(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	topic := req.GetFields()["topic"].GetStringValue()
	if topic == "" {
		return nil, status.Error(codes.InvalidArgument, "topic is required")
	}

	var data json.RawMessage
	if v, ok := req.GetFields()["data"]; ok {
		raw, err := protojson.Marshal(v)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "encoding data: %v", err)
		}
		data = raw
	}

	if err := s.coord.Announce(ctx, topic, data); err != nil {
		if errors.Is(err, relay.ErrStopped) {
			return nil, status.Error(codes.Unavailable, "relay is shutting down")
		}
		return nil, status.FromContextError(err).Err()
	}
	s.logger.Info("announcement queued", zap.String("topic", topic))
	return &emptypb.Empty{}, nil
}

func listRoomsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RoomAdminServer).ListRooms(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/ListRooms"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RoomAdminServer).ListRooms(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func getRoomHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RoomAdminServer).GetRoom(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GetRoom"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RoomAdminServer).GetRoom(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func statsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RoomAdminServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Stats"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RoomAdminServer).Stats(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func announceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RoomAdminServer).Announce(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Announce"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RoomAdminServer).Announce(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes the RoomAdmin service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RoomAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListRooms", Handler: listRoomsHandler},
		{MethodName: "GetRoom", Handler: getRoomHandler},
		{MethodName: "Stats", Handler: statsHandler},
		{MethodName: "Announce", Handler: announceHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "playhub/admin/v1/admin.proto",
}

// Register adds the RoomAdmin service to s.
func Register(s grpc.ServiceRegistrar, srv RoomAdminServer) {
	s.RegisterService(&ServiceDesc, srv)
}
