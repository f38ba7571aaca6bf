package engine

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/usbmode/internal/domain"
	"github.com/xela07ax/usbmode/internal/infra"
	"github.com/xela07ax/usbmode/internal/policy"
	"go.uber.org/zap"
)

// RestrictionLookup — то, что нужно селектору от кэша ограничений.
type RestrictionLookup interface {
	Lookup(userID string) (user, base domain.RestrictionSet)
}

// RestrictionManager держит L1-кэш ограничений в актуальном состоянии:
// холодная загрузка из БД, прогрев Redis и подписка на сигналы консоли.
type RestrictionManager struct {
	cache  *policy.MemoRestrictions
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRestrictionManager(rdb *redis.Client, cache *policy.MemoRestrictions, logger *zap.Logger) *RestrictionManager {
	return &RestrictionManager{
		cache:  cache,
		rdb:    rdb,
		logger: logger.Named("restriction_manager"),
	}
}

func (m *RestrictionManager) Lookup(userID string) (user, base domain.RestrictionSet) {
	return m.cache.Lookup(userID)
}

// Init — загрузка из БД в L1 и прогрев L2.
func (m *RestrictionManager) Init(ctx context.Context) error {
	items, err := m.cache.Refresh(ctx)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(items))
	for _, r := range items {
		keys = append(keys, r.Key())
	}
	return WarmupState(ctx, m.rdb, m.logger, keys,
		infra.RedisKeyActiveRestrictions, infra.RedisKeyLockRestrictions)
}

// StartListener блокирует до отмены ctx; запускать в отдельной горутине.
func (m *RestrictionManager) StartListener(ctx context.Context) {
	ListenStateResilient(ctx, m.rdb, m.logger, infra.RedisChanRestrictions,
		func() error { return m.Init(ctx) },
		m.apply,
	)
}

func (m *RestrictionManager) apply(key string, on bool) {
	r, err := domain.ParseUserRestrictionKey(key)
	if err != nil {
		m.logger.Error("invalid restriction key in signal", zap.String("key", key), zap.Error(err))
		return
	}
	m.cache.Set(r, on)
	m.logger.Info("restriction signal applied",
		zap.String("user_id", r.UserID),
		zap.String("tier", string(r.Tier)),
		zap.String("restriction", string(r.Restriction)),
		zap.Bool("on", on))
}
