package device

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/usbmode/internal/domain"
	"go.uber.org/zap"
)

// fakeConfigfs строит минимальное дерево configfs + /sys/class/udc во временном каталоге.
func fakeConfigfs(t *testing.T, functions ...string) (root, udcClass string) {
	t.Helper()
	base := t.TempDir()
	root = filepath.Join(base, "usb_gadget", "g1")
	udcClass = filepath.Join(base, "udc")

	require.NoError(t, os.MkdirAll(filepath.Join(root, "configs", "b.1", "strings"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "configs", "b.1", "MaxPower"), []byte("500\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "UDC"), []byte("\n"), 0o644))
	for _, f := range functions {
		require.NoError(t, os.MkdirAll(filepath.Join(root, "functions", f), 0o755))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(udcClass, "fe980000.usb"), 0o755))
	return root, udcClass
}

func newTestGadget(t *testing.T, functions ...string) (*Gadget, string) {
	root, udcClass := fakeConfigfs(t, functions...)
	g := NewGadget(GadgetOptions{Root: root, UDCClassPath: udcClass, UVCEnabled: true}, zap.NewNop())
	return g, root
}

func readUDC(t *testing.T, root string) string {
	data, err := os.ReadFile(filepath.Join(root, "UDC"))
	require.NoError(t, err)
	return strings.TrimSpace(string(data))
}

func TestGadget_SetAndReadCurrentFunctions(t *testing.T) {
	g, root := newTestGadget(t, "ffs.mtp", "ffs.ptp", "rndis.usb0")
	ctx := context.Background()

	mask, err := g.CurrentFunctions(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.FunctionNone, mask)

	require.NoError(t, g.SetCurrentFunctions(ctx, domain.FunctionMTP))
	mask, err = g.CurrentFunctions(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.FunctionMTP, mask)
	assert.Equal(t, "fe980000.usb", readUDC(t, root))

	// Переключение заменяет ссылки, а не добавляет
	require.NoError(t, g.SetCurrentFunctions(ctx, domain.FunctionPTP))
	mask, err = g.CurrentFunctions(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.FunctionPTP, mask)

	// Атрибуты конфигурации не трогаем
	_, err = os.Stat(filepath.Join(root, "configs", "b.1", "MaxPower"))
	assert.NoError(t, err)
}

func TestGadget_NoneLeavesUnbound(t *testing.T) {
	g, root := newTestGadget(t, "ffs.mtp")
	ctx := context.Background()

	require.NoError(t, g.SetCurrentFunctions(ctx, domain.FunctionMTP))
	require.NoError(t, g.SetCurrentFunctions(ctx, domain.FunctionNone))

	mask, err := g.CurrentFunctions(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.FunctionNone, mask)
	assert.Equal(t, "", readUDC(t, root))
}

func TestGadget_PreservesADB(t *testing.T) {
	g, _ := newTestGadget(t, "ffs.adb", "ffs.mtp", "ffs.ptp")
	ctx := context.Background()

	require.NoError(t, g.SetCurrentFunctions(ctx, domain.FunctionMTP|domain.FunctionADB))
	require.NoError(t, g.SetCurrentFunctions(ctx, domain.FunctionPTP))

	mask, err := g.CurrentFunctions(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.FunctionPTP, mask)

	linked, err := g.linkedMask()
	require.NoError(t, err)
	assert.Equal(t, domain.FunctionPTP|domain.FunctionADB, linked)
}

func TestGadget_MissingFunctionFailsBeforeTouchingState(t *testing.T) {
	g, _ := newTestGadget(t, "ffs.mtp")
	ctx := context.Background()

	require.NoError(t, g.SetCurrentFunctions(ctx, domain.FunctionMTP))
	err := g.SetCurrentFunctions(ctx, domain.FunctionMIDI)
	assert.ErrorIs(t, err, ErrFunctionUnavailable)

	mask, err := g.CurrentFunctions(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.FunctionMTP, mask)
}

func TestGadget_FeatureDetection(t *testing.T) {
	g, _ := newTestGadget(t, "ffs.mtp", "midi.usb0")
	ctx := context.Background()

	midi, err := g.MIDISupported(ctx)
	require.NoError(t, err)
	assert.True(t, midi)

	tether, err := g.TetheringSupported(ctx)
	require.NoError(t, err)
	assert.False(t, tether)

	uvc, err := g.UVCEnabled(ctx)
	require.NoError(t, err)
	assert.True(t, uvc)
}

func TestGadget_CustomFunctionDirs(t *testing.T) {
	root, udcClass := fakeConfigfs(t, "gsi.rndis")
	g := NewGadget(GadgetOptions{
		Root:         root,
		UDCClassPath: udcClass,
		FunctionDirs: map[string]string{"rndis": "gsi.rndis"},
	}, zap.NewNop())

	ok, err := g.TetheringSupported(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, g.SetCurrentFunctions(context.Background(), domain.FunctionRNDIS))
	mask, err := g.CurrentFunctions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.FunctionRNDIS, mask)
}

func TestResolveUDC(t *testing.T) {
	dir := t.TempDir()
	_, err := resolveUDC("", dir)
	assert.ErrorIs(t, err, ErrNoUDC)

	require.NoError(t, os.Mkdir(filepath.Join(dir, "b.usb"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "a.usb"), 0o755))
	name, err := resolveUDC("", dir)
	require.NoError(t, err)
	assert.Equal(t, "a.usb", name)

	name, err = resolveUDC("explicit", dir)
	require.NoError(t, err)
	assert.Equal(t, "explicit", name)
}

func TestGadget_ConcurrentSwitchesDoNotInterleave(t *testing.T) {
	g, root := newTestGadget(t, "ffs.mtp", "midi.usb0", "rndis.usb0")
	ctx := context.Background()
	masks := []uint64{domain.FunctionMTP | domain.FunctionMIDI, domain.FunctionRNDIS}

	var wg sync.WaitGroup
	var failures atomic.Int32
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if err := g.SetCurrentFunctions(ctx, masks[(w+i)%2]); err != nil {
					failures.Add(1)
				}
				_, _ = g.CurrentFunctions(ctx)
			}
		}(w)
	}
	wg.Wait()

	assert.Zero(t, failures.Load())

	// В конфигурации ровно один из наборов целиком, UDC привязан
	mask, err := g.CurrentFunctions(ctx)
	require.NoError(t, err)
	assert.Contains(t, masks, mask)
	assert.Equal(t, "fe980000.usb", readUDC(t, root))
}

func TestGadget_RebindingWindow(t *testing.T) {
	root, udcClass := fakeConfigfs(t, "ffs.mtp")
	g := NewGadget(GadgetOptions{Root: root, UDCClassPath: udcClass, RebindSettle: 50 * time.Millisecond}, zap.NewNop())

	assert.False(t, g.Rebinding())

	require.NoError(t, g.SetCurrentFunctions(context.Background(), domain.FunctionMTP))
	assert.True(t, g.Rebinding(), "settle window right after bind")

	assert.Eventually(t, func() bool { return !g.Rebinding() }, time.Second, 5*time.Millisecond)
}
