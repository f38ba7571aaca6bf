package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "usbmode"
)

// Ключи для Sets (состояние)
const (
	// Члены сета — domain.UserRestriction.Key(): "user|tier|restriction"
	RedisKeyActiveRestrictions = RedisNamespace + ":restrictions:active_set"
	RedisKeyLockRestrictions   = RedisNamespace + ":lock:warmup:restrictions"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanRestrictions — "user|tier|restriction:on" / ":off"
	RedisChanRestrictions = RedisNamespace + ":restrictions-signal"
)

// RestrictionSignal формирует payload сигнала об изменении ограничения.
func RestrictionSignal(key string, on bool) string {
	if on {
		return key + ":on"
	}
	return key + ":off"
}
