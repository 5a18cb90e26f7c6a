package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "fleet"
)

// Ключи для Sets (состояние)
const (
	RedisKeyOnlineAgents = RedisNamespace + ":agents:online_set"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanPresence сигналы "agent_id:on" / "agent_id:off" между инстансами релея
	RedisChanPresence = RedisNamespace + ":agents:presence-signal"
)
