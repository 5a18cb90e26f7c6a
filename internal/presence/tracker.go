// Package presence общий для инстансов релея список агентов онлайн.
// Локальная мапа (L1) отвечает на чтения, Redis set + pub/sub синхронизирует инстансы.
// Без Redis трекер работает только с локальными сессиями.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xela07ax/fleet-relay/internal/infra"
)

type Tracker struct {
	mu     sync.RWMutex
	online map[string]struct{}

	rdb    *redis.Client
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger

	// localAgents агенты, чьи сессии живут в этом процессе (для resync после реконнекта)
	localAgents func() []string
}

func NewTracker(rdb *redis.Client, logger *zap.Logger, localAgents func() []string) *Tracker {
	t := &Tracker{
		online:      make(map[string]struct{}),
		rdb:         rdb,
		logger:      logger.Named("presence"),
		localAgents: localAgents,
	}
	// Недоступный Redis не должен тормозить регистрацию агентов: после серии ошибок
	// публикация пропускается, локальная мапа продолжает работать
	t.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "presence-redis",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.logger.Warn("circuit breaker state changed",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return t
}

// Init загружает текущее состояние из Redis при старте (с повторами: Redis может подняться позже)
func (t *Tracker) Init(ctx context.Context) error {
	if t.rdb == nil {
		return nil
	}
	var ids []string
	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
	).Do(func() error {
		var err error
		ids, err = t.rdb.SMembers(ctx, infra.RedisKeyOnlineAgents).Result()
		return err
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	for _, id := range ids {
		t.online[id] = struct{}{}
	}
	t.mu.Unlock()
	return nil
}

// StartListener слушает сигналы других инстансов до отмены ctx
func (t *Tracker) StartListener(ctx context.Context) {
	if t.rdb == nil {
		return
	}
	ListenResilient(ctx, t.rdb, t.logger, infra.RedisChanPresence,
		func() error {
			if t.localAgents != nil {
				if err := resyncLocal(ctx, t.rdb, t.logger, infra.RedisKeyOnlineAgents, t.localAgents()); err != nil {
					return err
				}
			}
			return t.Init(ctx)
		},
		t.apply,
	)
}

func (t *Tracker) MarkOnline(ctx context.Context, agentID string) {
	t.apply(agentID, true)
	t.publish(ctx, agentID, true)
}

func (t *Tracker) MarkOffline(ctx context.Context, agentID string) {
	t.apply(agentID, false)
	t.publish(ctx, agentID, false)
}

func (t *Tracker) IsOnline(agentID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[agentID]
	return ok
}

// Online отсортированный список агентов онлайн по всем инстансам
func (t *Tracker) Online() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (t *Tracker) apply(agentID string, online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if online {
		t.online[agentID] = struct{}{}
		return
	}
	delete(t.online, agentID)
}

func (t *Tracker) publish(ctx context.Context, agentID string, online bool) {
	if t.rdb == nil {
		return
	}
	_, err := t.cb.Execute(func() (interface{}, error) {
		pipe := t.rdb.TxPipeline()
		if online {
			pipe.SAdd(ctx, infra.RedisKeyOnlineAgents, agentID)
		} else {
			pipe.SRem(ctx, infra.RedisKeyOnlineAgents, agentID)
		}
		pipe.Publish(ctx, infra.RedisChanPresence, formatSignal(agentID, online))
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	if err != nil {
		t.logger.Warn("presence publish failed", zap.String("agent_id", agentID), zap.Bool("online", online), zap.Error(err))
	}
}
