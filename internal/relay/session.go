package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/fleet-relay/internal/domain"
)

type Role string

const (
	RoleAgent    Role = "agent"
	RoleOperator Role = "operator"
)

// Conn транспорт живого соединения (gRPC-стрим агента, WebSocket оператора, фейк в тестах)
type Conn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
	Close(reason error) error
}

// Session живая сессия одной роли для одного agent_id.
// Исходящие кадры идут через очередь out, которую вычитывает владелец (Pump).
type Session struct {
	ID          string
	Role        Role
	AgentID     string
	ConnectedAt time.Time

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	reason error
}

func NewSession(role Role, agentID string, buffer int) *Session {
	if buffer <= 0 {
		buffer = 64
	}
	return &Session{
		ID:          uuid.New().String(),
		Role:        role,
		AgentID:     agentID,
		ConnectedAt: time.Now().UTC(),
		out:         make(chan []byte, buffer),
		done:        make(chan struct{}),
	}
}

// Send неблокирующая постановка кадра в очередь. Никакого ожидания и повторов.
func (s *Session) Send(frame []byte) error {
	select {
	case <-s.done:
		return domain.ErrSessionClosed
	default:
	}

	select {
	case s.out <- frame:
		return nil
	case <-s.done:
		return domain.ErrSessionClosed
	default:
		return domain.ErrOutboundFull
	}
}

// Close помечает сессию закрытой с причиной; повторные вызовы игнорируются
func (s *Session) Close(reason error) {
	s.closeOnce.Do(func() {
		if reason == nil {
			reason = domain.ErrSessionClosed
		}
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
	})
}

// Done закрывается при закрытии сессии
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err причина закрытия (nil, пока сессия жива)
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Outbound очередь исходящих кадров (для владельца и тестов)
func (s *Session) Outbound() <-chan []byte {
	return s.out
}

// Pump владелец исходящей очереди: пишет кадры в транспорт до закрытия сессии.
// Ошибка записи закрывает сессию.
func (s *Session) Pump(ctx context.Context, conn Conn) error {
	for {
		select {
		case frame := <-s.out:
			if err := conn.WriteFrame(ctx, frame); err != nil {
				s.Close(err)
				return err
			}
		case <-s.done:
			return s.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
