package policy_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/usbmode/internal/domain"
	"github.com/xela07ax/usbmode/internal/policy"
	"go.uber.org/zap"
)

type stubRepo struct {
	items []domain.UserRestriction
	err   error
}

func (r *stubRepo) ListRestrictions(ctx context.Context) ([]domain.UserRestriction, error) {
	return r.items, r.err
}

func TestMemoRestrictions_RefreshAndLookup(t *testing.T) {
	repo := &stubRepo{items: []domain.UserRestriction{
		{UserID: "alice", Tier: domain.TierUser, Restriction: domain.DisallowUSBFileTransfer},
		{UserID: "alice", Tier: domain.TierBase, Restriction: domain.DisallowConfigTethering},
		{UserID: "bob", Tier: domain.TierUser, Restriction: domain.DisallowConfigTethering},
	}}
	m := policy.NewMemoRestrictions(repo, zap.NewNop())

	items, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Len(t, items, 3)

	user, base := m.Lookup("alice")
	assert.True(t, user.Has(domain.DisallowUSBFileTransfer))
	assert.False(t, user.Has(domain.DisallowConfigTethering))
	assert.True(t, base.Has(domain.DisallowConfigTethering))

	user, base = m.Lookup("nobody")
	assert.Empty(t, user)
	assert.Empty(t, base)
}

func TestMemoRestrictions_RefreshErrorKeepsState(t *testing.T) {
	m := policy.NewMemoRestrictions(&stubRepo{err: errors.New("db down")}, zap.NewNop())
	m.Set(domain.UserRestriction{UserID: "alice", Tier: domain.TierUser, Restriction: domain.DisallowUSBFileTransfer}, true)

	_, err := m.Refresh(context.Background())
	require.Error(t, err)

	user, _ := m.Lookup("alice")
	assert.True(t, user.Has(domain.DisallowUSBFileTransfer))
}

func TestMemoRestrictions_SetToggles(t *testing.T) {
	m := policy.NewMemoRestrictions(&stubRepo{}, zap.NewNop())
	r := domain.UserRestriction{UserID: "alice", Tier: domain.TierBase, Restriction: domain.DisallowUSBFileTransfer}

	m.Set(r, false) // снятие несуществующего ничего не делает
	m.Set(r, true)
	_, base := m.Lookup("alice")
	assert.True(t, base.Has(domain.DisallowUSBFileTransfer))

	// Lookup отдаёт копию
	base[domain.DisallowConfigTethering] = true
	_, base = m.Lookup("alice")
	assert.False(t, base.Has(domain.DisallowConfigTethering))

	m.Set(r, false)
	_, base = m.Lookup("alice")
	assert.False(t, base.Has(domain.DisallowUSBFileTransfer))
}
