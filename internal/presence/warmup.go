package presence

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// resyncLocal возвращает в общий set агентов, подключенных к этому инстансу.
// Нужен после рестарта Redis: set пуст, а сессии живы. SAdd идемпотентен.
func resyncLocal(ctx context.Context, rdb *redis.Client, logger *zap.Logger, key string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	count, err := rdb.SCard(ctx, key).Result()
	if err != nil {
		logger.Warn("could not check Redis set size, proceeding with resync",
			zap.String("key", key), zap.Error(err))
	}
	logger.Info("resyncing local agents into Redis",
		zap.String("key", key), zap.Int("local", len(ids)), zap.Int64("set_size", count))

	pipe := rdb.Pipeline()
	for _, id := range ids {
		pipe.SAdd(ctx, key, id)
	}
	_, err = pipe.Exec(ctx)
	return err
}
