package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/usbmode/internal/domain"
)

func TestFunctionsToString(t *testing.T) {
	tests := []struct {
		mask uint64
		want string
	}{
		{domain.FunctionNone, "none"},
		{domain.FunctionMTP, "mtp"},
		{domain.FunctionMTP | domain.FunctionADB, "mtp,adb"},
		{domain.FunctionAccessory | domain.FunctionADB, "accessory,adb"},
		{domain.FunctionNCM, "ncm"},
		{1 << 40, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, domain.FunctionsToString(tt.mask))
	}
}

func TestAllFunctions_OrderAndNoneLast(t *testing.T) {
	fns := domain.AllFunctions()
	names := make([]string, 0, len(fns))
	for _, f := range fns {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"mtp", "rndis", "midi", "ptp", "uvc", "none"}, names)

	// Копия не должна влиять на таблицу
	fns[0].Name = "broken"
	f, ok := domain.FunctionByName("mtp")
	require.True(t, ok)
	assert.Equal(t, domain.FunctionMTP, f.Mask)
}

func TestUserRestrictionKey(t *testing.T) {
	r := domain.UserRestriction{UserID: "u-1", Tier: domain.TierBase, Restriction: domain.DisallowConfigTethering}
	assert.Equal(t, "u-1|base|no_config_tethering", r.Key())

	parsed, err := domain.ParseUserRestrictionKey(r.Key())
	require.NoError(t, err)
	assert.Equal(t, r, parsed)

	for _, bad := range []string{"", "u-1|base", "|user|no_usb_file_transfer", "u-1|root|no_config_tethering", "u-1|user|no_wifi"} {
		_, err := domain.ParseUserRestrictionKey(bad)
		assert.ErrorIs(t, err, domain.ErrInvalidRestriction, bad)
	}
}

func TestValidateUserID(t *testing.T) {
	assert.NoError(t, domain.ValidateUserID("u-1"))
	assert.NoError(t, domain.ValidateUserID("tenant:u-1"))
	for _, bad := range []string{"", "u|1", "|"} {
		assert.ErrorIs(t, domain.ValidateUserID(bad), domain.ErrInvalidRestriction, bad)
	}
}

func TestRestrictionSet_NilSafe(t *testing.T) {
	var s domain.RestrictionSet
	assert.False(t, s.Has(domain.DisallowUSBFileTransfer))
	assert.True(t, domain.NewRestrictionSet(domain.DisallowUSBFileTransfer).Has(domain.DisallowUSBFileTransfer))
}
