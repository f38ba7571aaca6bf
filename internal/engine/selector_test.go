package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/usbmode/internal/audit"
	"github.com/xela07ax/usbmode/internal/device"
	"github.com/xela07ax/usbmode/internal/domain"
	"github.com/xela07ax/usbmode/internal/policy"
	"go.uber.org/zap"
)

type stubQueries struct {
	mu         sync.Mutex
	current    uint64
	currentErr error
	midi       bool
	midiErr    error
	tethering  bool
	uvc        bool
}

func (q *stubQueries) CurrentFunctions(ctx context.Context) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current, q.currentErr
}

func (q *stubQueries) setCurrent(mask uint64) {
	q.mu.Lock()
	q.current = mask
	q.mu.Unlock()
}

func (q *stubQueries) MIDISupported(ctx context.Context) (bool, error) { return q.midi, q.midiErr }

func (q *stubQueries) TetheringSupported(ctx context.Context) (bool, error) { return q.tethering, nil }

func (q *stubQueries) UVCEnabled(ctx context.Context) (bool, error) { return q.uvc, nil }

type mockMutator struct {
	mock.Mock
}

func (m *mockMutator) SetCurrentFunctions(ctx context.Context, mask uint64) error {
	args := m.Called(ctx, mask)
	return args.Error(0)
}

// fakeTethering запоминает колбэк, тест сам решает, когда "упасть".
type fakeTethering struct {
	mu       sync.Mutex
	calls    int
	ctx      context.Context
	typ      int
	onFailed func(device.TetheringErrorCode)
}

func (f *fakeTethering) StartTethering(ctx context.Context, tetheringType int, onFailed func(code device.TetheringErrorCode)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.ctx = ctx
	f.typ = tetheringType
	f.onFailed = onFailed
}

func (f *fakeTethering) fail(code device.TetheringErrorCode) {
	f.mu.Lock()
	cb := f.onFailed
	f.mu.Unlock()
	cb(code)
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.SelectionEvent
}

func (a *recordingAuditor) Log(e audit.SelectionEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *recordingAuditor) statuses() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.events))
	for _, e := range a.events {
		out = append(out, e.Status)
	}
	return out
}

func (a *recordingAuditor) last() audit.SelectionEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events[len(a.events)-1]
}

type fixture struct {
	selector     *Selector
	queries      *stubQueries
	mutator      *mockMutator
	tethering    *fakeTethering
	auditor      *recordingAuditor
	sessions     *SessionTracker
	restrictions *policy.MemoRestrictions
}

func newFixture(t *testing.T, q *stubQueries) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	metrics := NewMetrics(nil)
	f := &fixture{
		queries:      q,
		mutator:      &mockMutator{},
		tethering:    &fakeTethering{},
		auditor:      &recordingAuditor{},
		sessions:     NewSessionTracker(ctx, metrics, zap.NewNop()),
		restrictions: policy.NewMemoRestrictions(nil, zap.NewNop()),
	}
	f.selector = NewSelector(q, f.mutator, f.tethering, f.restrictions, f.sessions, f.auditor, metrics, zap.NewNop())
	return f
}

// fullDevice — устройство, на котором поддерживается всё.
func fullDevice(current uint64) *stubQueries {
	return &stubQueries{current: current, midi: true, tethering: true, uvc: true}
}

var (
	admin = domain.Principal{UserID: "owner", Admin: true}
	guest = domain.Principal{UserID: "guest"}
)

func TestSelect_AppliesSupportedFunction(t *testing.T) {
	f := newFixture(t, fullDevice(domain.FunctionNone))
	f.mutator.On("SetCurrentFunctions", mock.Anything, domain.FunctionMTP).Return(nil).Once()

	ctx := WithTraceID(context.Background(), "trace-1")
	res, err := f.selector.Select(ctx, guest, "mtp")

	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, "trace-1", res.TraceID)
	f.mutator.AssertExpectations(t)

	ev := f.auditor.last()
	assert.Equal(t, audit.StatusApplied, ev.Status)
	assert.Equal(t, "guest", ev.UserID)
	assert.Equal(t, domain.FunctionMTP, ev.Mask)
	assert.Equal(t, f.sessions.Current().ID, ev.SessionID)
}

func TestSelect_UnknownFunction(t *testing.T) {
	f := newFixture(t, fullDevice(domain.FunctionNone))

	_, err := f.selector.Select(context.Background(), admin, "adb")

	assert.ErrorIs(t, err, ErrUnknownFunction)
	f.mutator.AssertNotCalled(t, "SetCurrentFunctions", mock.Anything, mock.Anything)
	assert.Equal(t, []string{audit.StatusDenied}, f.auditor.statuses())
}

func TestSelect_DeniedByPolicy(t *testing.T) {
	tests := []struct {
		name      string
		queries   *stubQueries
		principal domain.Principal
		function  string
		reason    policy.DenyReason
	}{
		{"non admin tethering", fullDevice(0), guest, "rndis", policy.ReasonNonAdmin},
		{"midi unsupported", &stubQueries{tethering: true, uvc: true}, admin, "midi", policy.ReasonMIDIUnsupported},
		{"tethering unsupported", &stubQueries{midi: true, uvc: true}, admin, "rndis", policy.ReasonTetheringUnsupported},
		{"uvc disabled", &stubQueries{midi: true, tethering: true}, admin, "uvc", policy.ReasonUVCDisabled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.queries)

			_, err := f.selector.Select(context.Background(), tt.principal, tt.function)

			require.ErrorIs(t, err, ErrFunctionNotSupported)
			var denied *DeniedError
			require.ErrorAs(t, err, &denied)
			assert.Equal(t, tt.reason, denied.Reason)
			assert.Equal(t, string(tt.reason), f.auditor.last().Reason)
			f.mutator.AssertNotCalled(t, "SetCurrentFunctions", mock.Anything, mock.Anything)
			assert.Zero(t, f.tethering.calls)
		})
	}
}

func TestSelect_UserRestrictionDeniesFileTransfer(t *testing.T) {
	f := newFixture(t, fullDevice(0))
	f.restrictions.Set(domain.UserRestriction{
		UserID: guest.UserID, Tier: domain.TierUser, Restriction: domain.DisallowUSBFileTransfer,
	}, true)

	for _, name := range []string{"mtp", "ptp"} {
		_, err := f.selector.Select(context.Background(), guest, name)
		var denied *DeniedError
		require.ErrorAs(t, err, &denied)
		assert.Equal(t, policy.ReasonUserRestricted, denied.Reason)
	}

	// Ограничение другого пользователя на владельца не влияет
	f.mutator.On("SetCurrentFunctions", mock.Anything, domain.FunctionMTP).Return(nil).Once()
	_, err := f.selector.Select(context.Background(), admin, "mtp")
	require.NoError(t, err)
}

func TestSelect_ClickIgnoredInAccessoryMode(t *testing.T) {
	f := newFixture(t, fullDevice(domain.FunctionAccessory|domain.FunctionMTP))

	res, err := f.selector.Select(context.Background(), guest, "mtp")

	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	f.mutator.AssertNotCalled(t, "SetCurrentFunctions", mock.Anything, mock.Anything)
	assert.Equal(t, []string{audit.StatusIgnored}, f.auditor.statuses())
}

func TestSelect_DeviceFailure(t *testing.T) {
	f := newFixture(t, fullDevice(0))
	f.mutator.On("SetCurrentFunctions", mock.Anything, domain.FunctionPTP).
		Return(device.ErrFunctionUnavailable).Once()

	_, err := f.selector.Select(context.Background(), guest, "ptp")

	require.ErrorIs(t, err, device.ErrFunctionUnavailable)
	ev := f.auditor.last()
	assert.Equal(t, audit.StatusFailed, ev.Status)
	assert.NotEmpty(t, ev.Error)
}

func TestSelect_TetheringFailureRollsBackOnce(t *testing.T) {
	q := fullDevice(domain.FunctionMTP)
	f := newFixture(t, q)
	f.mutator.On("SetCurrentFunctions", mock.Anything, domain.FunctionMTP).Return(nil).Once()

	res, err := f.selector.Select(context.Background(), admin, "rndis")
	require.NoError(t, err)
	assert.Equal(t, OutcomeTetheringStarted, res.Outcome)
	require.Equal(t, 1, f.tethering.calls)
	assert.Equal(t, domain.TetheringUSB, f.tethering.typ)

	// Устройство успело переключиться, но тетеринг не поднялся
	q.setCurrent(domain.FunctionRNDIS)
	f.tethering.fail(device.TetherErrorUnavailIface)

	f.mutator.AssertNumberOfCalls(t, "SetCurrentFunctions", 1)
	f.mutator.AssertCalled(t, "SetCurrentFunctions", mock.Anything, domain.FunctionMTP)

	assert.Equal(t, []string{audit.StatusTetheringStarted, audit.StatusRolledBack}, f.auditor.statuses())
	ev := f.auditor.last()
	assert.Equal(t, int(device.TetherErrorUnavailIface), ev.ErrorCode)
	assert.Equal(t, domain.FunctionMTP, ev.PreviousMask)
}

func TestSelect_TetheringRollbackFailure(t *testing.T) {
	f := newFixture(t, fullDevice(domain.FunctionPTP))
	f.mutator.On("SetCurrentFunctions", mock.Anything, domain.FunctionPTP).
		Return(errors.New("udc gone")).Once()

	_, err := f.selector.Select(context.Background(), admin, "rndis")
	require.NoError(t, err)

	f.tethering.fail(device.TetherErrorServiceUnavailable)

	f.mutator.AssertNumberOfCalls(t, "SetCurrentFunctions", 1)
	ev := f.auditor.last()
	assert.Equal(t, audit.StatusFailed, ev.Status)
	assert.Contains(t, ev.Error, "udc gone")
}

func TestSelect_TetheringRollbackDiscardedAfterDisconnect(t *testing.T) {
	f := newFixture(t, fullDevice(domain.FunctionMTP))
	f.sessions.HandleState(device.ConnectionState{Connected: true, Raw: "configured"})

	_, err := f.selector.Select(context.Background(), admin, "rndis")
	require.NoError(t, err)
	issued := f.tethering.ctx

	f.sessions.HandleState(device.ConnectionState{Connected: false, Raw: "not attached"})
	require.Error(t, issued.Err())

	f.tethering.fail(device.TetherErrorInternal)

	f.mutator.AssertNotCalled(t, "SetCurrentFunctions", mock.Anything, mock.Anything)
	assert.Equal(t, audit.StatusDiscarded, f.auditor.last().Status)
}

func TestCapabilities_QueryErrorsFailSafe(t *testing.T) {
	q := fullDevice(0)
	q.midiErr = errors.New("sysfs read failed")
	q.currentErr = errors.New("configfs read failed")
	f := newFixture(t, q)

	caps := f.selector.Capabilities(context.Background(), admin)
	assert.False(t, caps.MIDISupported)
	assert.True(t, caps.TetheringSupported)
	assert.Equal(t, domain.FunctionNone, caps.CurrentFunctions)

	res := f.selector.List(context.Background(), admin, false)
	assert.Equal(t, domain.NoneFunction, res.Current)
	for _, fn := range res.Functions {
		assert.NotEqual(t, "midi", fn.Name)
	}
}

func names(views []FunctionView) []string {
	out := make([]string, 0, len(views))
	for _, v := range views {
		out = append(out, v.Name)
	}
	return out
}

func TestList(t *testing.T) {
	f := newFixture(t, fullDevice(domain.FunctionAccessory))

	t.Run("admin sees everything", func(t *testing.T) {
		res := f.selector.List(context.Background(), admin, false)
		assert.Equal(t, []string{"mtp", "rndis", "midi", "ptp", "uvc", "none"}, names(res.Functions))
		// accessory отображается как MTP
		assert.Equal(t, domain.MTPFunction, res.Current)
		assert.True(t, res.Functions[0].Selected)
		assert.Equal(t, domain.FunctionAccessory, res.RawMask)
	})

	t.Run("guest without tethering", func(t *testing.T) {
		res := f.selector.List(context.Background(), guest, false)
		assert.Equal(t, []string{"mtp", "midi", "ptp", "uvc", "none"}, names(res.Functions))
	})

	t.Run("all includes denied with reason", func(t *testing.T) {
		res := f.selector.List(context.Background(), guest, true)
		require.Len(t, res.Functions, 6)
		rndis := res.Functions[1]
		assert.Equal(t, "rndis", rndis.Name)
		assert.False(t, rndis.Supported)
		assert.False(t, rndis.Selected)
		assert.Equal(t, policy.ReasonNonAdmin, rndis.Reason)
	})
}

func TestList_NCMResolvesToRNDIS(t *testing.T) {
	f := newFixture(t, fullDevice(domain.FunctionNCM))

	assert.Equal(t, domain.RNDISFunction, f.selector.List(context.Background(), admin, false).Current)
	// Без права на тетеринг текущей функции нет в списке, значит "none"
	assert.Equal(t, domain.NoneFunction, f.selector.List(context.Background(), guest, false).Current)
}
