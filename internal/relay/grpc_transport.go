package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/fleet-relay/internal/domain"
)

// Агентский стрим: двунаправленный gRPC, кадры едут как google.protobuf.Struct,
// поэтому отдельная генерация кода не нужна.
const (
	agentRelayService = "fleet.relay.v1.AgentRelay"
	connectMethod     = "/" + agentRelayService + "/Connect"
)

// AgentRelayServer серверная сторона агентского стрима
type AgentRelayServer interface {
	Connect(stream grpc.ServerStream) error
}

var AgentRelayServiceDesc = grpc.ServiceDesc{
	ServiceName: agentRelayService,
	HandlerType: (*AgentRelayServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Connect",
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(AgentRelayServer).Connect(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "fleet/relay/v1/relay.proto",
}

// RegisterAgentRelayServer регистрирует сервис на gRPC-сервере
func RegisterAgentRelayServer(s grpc.ServiceRegistrar, srv AgentRelayServer) {
	s.RegisterService(&AgentRelayServiceDesc, srv)
}

// GRPCAgentServer принимает агентские стримы и отдает их в Hub
type GRPCAgentServer struct {
	hub    *Hub
	logger *zap.Logger
}

func NewGRPCAgentServer(hub *Hub, logger *zap.Logger) *GRPCAgentServer {
	return &GRPCAgentServer{hub: hub, logger: logger.Named("grpc-agent")}
}

func (s *GRPCAgentServer) Connect(stream grpc.ServerStream) error {
	conn := NewStreamConn(stream)
	err := s.hub.ServeAgent(stream.Context(), conn)

	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, context.Canceled), errors.Is(err, domain.ErrSessionClosed):
		return nil
	case errors.Is(err, domain.ErrSessionSuperseded):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, domain.ErrShutdown):
		return status.Error(codes.Unavailable, err.Error())
	default:
		s.logger.Debug("agent stream closed", zap.Error(err))
		return status.Error(codes.Internal, err.Error())
	}
}

// OpenAgentStream клиентская сторона (агент): открывает стрим Connect
func OpenAgentStream(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (Conn, error) {
	stream, err := cc.NewStream(ctx, &AgentRelayServiceDesc.Streams[0], connectMethod, opts...)
	if err != nil {
		return nil, fmt.Errorf("relay: open agent stream: %w", err)
	}
	return NewStreamConn(stream), nil
}

// msgStream общее у grpc.ServerStream и grpc.ClientStream
type msgStream interface {
	Context() context.Context
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
}

type streamConn struct {
	stream msgStream
	sendMu sync.Mutex

	frames    chan []byte
	errc      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

// NewStreamConn адаптирует gRPC-стрим к Conn. Чтение идет в отдельной горутине,
// чтобы Close мог разблокировать ReadFrame.
func NewStreamConn(stream msgStream) Conn {
	c := &streamConn{
		stream: stream,
		frames: make(chan []byte),
		errc:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	go c.recvLoop()
	return c
}

func (c *streamConn) recvLoop() {
	for {
		msg := &structpb.Struct{}
		if err := c.stream.RecvMsg(msg); err != nil {
			c.errc <- err
			return
		}
		frame, err := protojson.Marshal(msg)
		if err != nil {
			c.errc <- fmt.Errorf("relay: encode frame: %w", err)
			return
		}
		select {
		case c.frames <- frame:
		case <-c.closed:
			return
		}
	}
}

func (c *streamConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.frames:
		return frame, nil
	case err := <-c.errc:
		return nil, err
	case <-c.closed:
		return nil, domain.ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *streamConn) WriteFrame(ctx context.Context, frame []byte) error {
	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(frame, msg); err != nil {
		return fmt.Errorf("relay: frame is not a JSON object: %w", err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.SendMsg(msg)
}

func (c *streamConn) Close(reason error) error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if cs, ok := c.stream.(interface{ CloseSend() error }); ok {
			_ = cs.CloseSend()
		}
	})
	return nil
}
