package service

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/usbmode/internal/domain"
	"github.com/xela07ax/usbmode/internal/infra"
	"go.uber.org/zap"
)

// RestrictionRepository описывает требования к хранилищу ограничений
type RestrictionRepository interface {
	ListUserRestrictions(ctx context.Context, userID string) ([]domain.UserRestriction, error)
	SetRestriction(ctx context.Context, r domain.UserRestriction) error
	ClearRestriction(ctx context.Context, r domain.UserRestriction) error
}

// SignalPublisher доставляет изменение ограничения до шлюзов.
type SignalPublisher interface {
	PublishRestriction(ctx context.Context, r domain.UserRestriction, on bool) error
}

// RedisPublisher обновляет L2-сет и шлёт сигнал одним пайплайном.
type RedisPublisher struct {
	rdb *redis.Client
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) PublishRestriction(ctx context.Context, r domain.UserRestriction, on bool) error {
	key := r.Key()
	pipe := p.rdb.TxPipeline()
	if on {
		pipe.SAdd(ctx, infra.RedisKeyActiveRestrictions, key)
	} else {
		pipe.SRem(ctx, infra.RedisKeyActiveRestrictions, key)
	}
	pipe.Publish(ctx, infra.RedisChanRestrictions, infra.RestrictionSignal(key, on))
	_, err := pipe.Exec(ctx)
	return err
}

type RestrictionService struct {
	repo      RestrictionRepository
	publisher SignalPublisher
	logger    *zap.Logger
}

func NewRestrictionService(repo RestrictionRepository, publisher SignalPublisher, logger *zap.Logger) *RestrictionService {
	return &RestrictionService{
		repo:      repo,
		publisher: publisher,
		logger:    logger.Named("restriction-service"),
	}
}

func (s *RestrictionService) List(ctx context.Context, userID string) ([]domain.UserRestriction, error) {
	return s.repo.ListUserRestrictions(ctx, userID)
}

func (s *RestrictionService) Enable(ctx context.Context, r domain.UserRestriction) error {
	return s.updateRestriction(ctx, r, true)
}

func (s *RestrictionService) Disable(ctx context.Context, r domain.UserRestriction) error {
	return s.updateRestriction(ctx, r, false)
}

// updateRestriction — единый механизм: сначала БД, затем сигнал шлюзам.
func (s *RestrictionService) updateRestriction(ctx context.Context, r domain.UserRestriction, on bool) error {
	// 1. Persistence Layer
	var err error
	if on {
		err = s.repo.SetRestriction(ctx, r)
	} else {
		err = s.repo.ClearRestriction(ctx, r)
	}
	if err != nil {
		s.logger.Error("failed to update restriction in DB",
			zap.String("key", r.Key()),
			zap.Bool("on", on),
			zap.Error(err))
		return fmt.Errorf("restriction database error: %w", err)
	}

	// 2. Real-time Signaling. Шлюзы, пропустившие сигнал, догонят при переподписке
	if err := s.publisher.PublishRestriction(ctx, r, on); err != nil {
		s.logger.Warn("runtime signal delivery failed",
			zap.String("key", r.Key()),
			zap.Error(err))
	} else {
		s.logger.Info("restriction updated",
			zap.String("user_id", r.UserID),
			zap.String("tier", string(r.Tier)),
			zap.String("restriction", string(r.Restriction)),
			zap.Bool("on", on))
	}

	return nil
}
