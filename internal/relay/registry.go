package relay

import (
	"sort"
	"sync"

	"github.com/xela07ax/fleet-relay/internal/domain"
	"go.uber.org/zap"
)

type sessionKey struct {
	role    Role
	agentID string
}

// Registry таблица маршрутизации живых сессий: не больше одной на (role, agent_id).
// Создается при старте процесса и передается компонентам явно.
type Registry struct {
	mu       sync.RWMutex
	sessions map[sessionKey]*Session
	closed   bool

	logger  *zap.Logger
	metrics *Metrics
}

func NewRegistry(logger *zap.Logger, metrics *Metrics) *Registry {
	return &Registry{
		sessions: make(map[sessionKey]*Session),
		logger:   logger.Named("registry"),
		metrics:  metrics,
	}
}

// Register атомарно ставит сессию живой для (role, agentID).
// Предыдущая сессия вытесняется: закрывается с ErrSessionSuperseded, владелец ее гасит.
func (r *Registry) Register(role Role, agentID string, s *Session) error {
	key := sessionKey{role: role, agentID: agentID}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return domain.ErrShutdown
	}
	prev := r.sessions[key]
	r.sessions[key] = s
	r.mu.Unlock()

	if prev != nil && prev != s {
		prev.Close(domain.ErrSessionSuperseded)
		r.metrics.SessionsSuperseded.WithLabelValues(string(role)).Inc()
		r.logger.Info("session superseded",
			zap.String("role", string(role)),
			zap.String("agent_id", agentID),
			zap.String("old_session", prev.ID),
			zap.String("new_session", s.ID))
		return nil
	}

	r.metrics.SessionsActive.WithLabelValues(string(role)).Inc()
	r.logger.Debug("session registered",
		zap.String("role", string(role)),
		zap.String("agent_id", agentID),
		zap.String("session", s.ID))
	return nil
}

// Lookup текущая живая сессия для (role, agentID)
func (r *Registry) Lookup(role Role, agentID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionKey{role: role, agentID: agentID}]
	return s, ok
}

// IsCurrent проверяет, что s все еще зарегистрирована под своим ключом
func (r *Registry) IsCurrent(s *Session) bool {
	cur, ok := r.Lookup(s.Role, s.AgentID)
	return ok && cur == s
}

// Unregister удаляет запись, только если она все еще указывает на s.
// Уже вытесненную сессию трогать нельзя: там живет новое соединение.
func (r *Registry) Unregister(role Role, agentID string, s *Session) bool {
	key := sessionKey{role: role, agentID: agentID}

	r.mu.Lock()
	cur, ok := r.sessions[key]
	if !ok || cur != s {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, key)
	r.mu.Unlock()

	r.metrics.SessionsActive.WithLabelValues(string(role)).Dec()
	r.logger.Debug("session unregistered",
		zap.String("role", string(role)),
		zap.String("agent_id", agentID),
		zap.String("session", s.ID))
	return true
}

// Agents список agent_id с живой агентской сессией
func (r *Registry) Agents() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for key := range r.sessions {
		if key.role == RoleAgent {
			ids = append(ids, key.agentID)
		}
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Close teardown при остановке: все сессии закрываются с ErrShutdown, новые регистрации отклоняются
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[sessionKey]*Session)
	r.mu.Unlock()

	for key, s := range sessions {
		s.Close(domain.ErrShutdown)
		r.metrics.SessionsActive.WithLabelValues(string(key.role)).Dec()
	}
	r.logger.Info("registry closed", zap.Int("sessions", len(sessions)))
}
