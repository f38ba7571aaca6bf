package policy

import (
	"context"
	"sync"

	"github.com/xela07ax/usbmode/internal/domain"
	"go.uber.org/zap"
)

type RestrictionRepository interface {
	ListRestrictions(ctx context.Context) ([]domain.UserRestriction, error)
}

// MemoRestrictions — In-memory кэш ограничений пользователей.
// Источник правды — PostgreSQL, но в рантайме шлюз читает только память.
type MemoRestrictions struct {
	mu sync.RWMutex
	// user_id -> tier -> набор ограничений
	byUser map[string]map[domain.RestrictionTier]domain.RestrictionSet

	repo   RestrictionRepository // Используется только для Refresh()
	logger *zap.Logger
}

func NewMemoRestrictions(repo RestrictionRepository, logger *zap.Logger) *MemoRestrictions {
	return &MemoRestrictions{
		byUser: make(map[string]map[domain.RestrictionTier]domain.RestrictionSet),
		repo:   repo,
		logger: logger.Named("restrictions"),
	}
}

// Lookup — "Hot Path": возвращает копии наборов, их можно отдавать в снимок.
func (m *MemoRestrictions) Lookup(userID string) (user, base domain.RestrictionSet) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tiers := m.byUser[userID]
	return copySet(tiers[domain.TierUser]), copySet(tiers[domain.TierBase])
}

// Set включает или снимает одно ограничение (сигнал из Redis).
func (m *MemoRestrictions) Set(r domain.UserRestriction, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tiers, ok := m.byUser[r.UserID]
	if !ok {
		if !on {
			return
		}
		tiers = make(map[domain.RestrictionTier]domain.RestrictionSet)
		m.byUser[r.UserID] = tiers
	}
	if on {
		if tiers[r.Tier] == nil {
			tiers[r.Tier] = domain.RestrictionSet{}
		}
		tiers[r.Tier][r.Restriction] = true
		return
	}
	delete(tiers[r.Tier], r.Restriction)
}

// Replace атомарно подменяет весь кэш.
func (m *MemoRestrictions) Replace(items []domain.UserRestriction) {
	next := make(map[string]map[domain.RestrictionTier]domain.RestrictionSet)
	for _, r := range items {
		tiers, ok := next[r.UserID]
		if !ok {
			tiers = make(map[domain.RestrictionTier]domain.RestrictionSet)
			next[r.UserID] = tiers
		}
		if tiers[r.Tier] == nil {
			tiers[r.Tier] = domain.RestrictionSet{}
		}
		tiers[r.Tier][r.Restriction] = true
	}

	m.mu.Lock()
	m.byUser = next
	m.mu.Unlock()
}

// Refresh выполняет «холодную загрузку» ограничений из БД.
func (m *MemoRestrictions) Refresh(ctx context.Context) ([]domain.UserRestriction, error) {
	items, err := m.repo.ListRestrictions(ctx)
	if err != nil {
		return nil, err
	}
	m.Replace(items)
	m.logger.Info("restriction cache refreshed", zap.Int("count", len(items)))
	return items, nil
}

func copySet(s domain.RestrictionSet) domain.RestrictionSet {
	out := make(domain.RestrictionSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
