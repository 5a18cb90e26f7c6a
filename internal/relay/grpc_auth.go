package relay

import (
	"crypto/subtle"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// AgentTokenHeader заголовок метаданных с общим токеном агентов
const AgentTokenHeader = "x-agent-token"

// StreamAuthInterceptor проверяет общий токен агентов в метаданных стрима.
// Пустой token отключает проверку.
func StreamAuthInterceptor(token string) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if token == "" {
			return handler(srv, ss)
		}

		// 1. Извлекаем метаданные из контекста
		md, ok := metadata.FromIncomingContext(ss.Context())
		if !ok {
			return status.Errorf(codes.Unauthenticated, "missing metadata")
		}

		// 2. В gRPC заголовки в нижнем регистре
		tokens := md.Get(AgentTokenHeader)
		if len(tokens) == 0 {
			return status.Errorf(codes.Unauthenticated, "missing agent token")
		}

		if subtle.ConstantTimeCompare([]byte(tokens[0]), []byte(token)) != 1 {
			return status.Errorf(codes.PermissionDenied, "invalid agent token")
		}

		return handler(srv, ss)
	}
}
