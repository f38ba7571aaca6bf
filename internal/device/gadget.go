package device

/*
Файл gadget.go реализует доступ к USB-гаджету Linux через configfs.

Раскладка (пример):
  /sys/kernel/config/usb_gadget/g1/
    UDC                     <- имя контроллера, пусто = гаджет отвязан
    functions/ffs.mtp       <- экземпляры функций
    functions/rndis.usb0
    configs/b.1/f1 -> ../../functions/ffs.mtp

Активные функции — это симлинки в конфигурации. Смена набора функций:
unbind UDC -> пересоздание ссылок -> bind UDC.
*/

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/xela07ax/usbmode/internal/domain"
	"go.uber.org/zap"
)

// DefaultFunctionDirs — имена каталогов functions/ для каждого бита.
var DefaultFunctionDirs = map[string]string{
	"adb":       "ffs.adb",
	"mtp":       "ffs.mtp",
	"ptp":       "ffs.ptp",
	"rndis":     "rndis.usb0",
	"ncm":       "ncm.usb0",
	"midi":      "midi.usb0",
	"uvc":       "uvc.usb0",
	"accessory": "accessory.usb0",
}

var functionBits = map[string]uint64{
	"adb":       domain.FunctionADB,
	"accessory": domain.FunctionAccessory,
	"mtp":       domain.FunctionMTP,
	"midi":      domain.FunctionMIDI,
	"ptp":       domain.FunctionPTP,
	"rndis":     domain.FunctionRNDIS,
	"uvc":       domain.FunctionUVC,
	"ncm":       domain.FunctionNCM,
}

type GadgetOptions struct {
	Root         string            // /sys/kernel/config/usb_gadget/g1
	ConfigName   string            // configs/b.1
	UDC          string            // пусто — первый контроллер из UDCClassPath
	UDCClassPath string            // /sys/class/udc
	FunctionDirs map[string]string // имя функции -> каталог в functions/
	UVCEnabled   bool
	BusyBackoff  time.Duration
	RebindSettle time.Duration // сколько после bind считать UDC ещё перепривязываемым
}

// Gadget реализует Queries и Mutator поверх configfs.
type Gadget struct {
	opts GadgetOptions
	dirs map[uint64]string // бит -> каталог

	// mu сериализует чтение ссылок и цикл unbind -> relink -> bind
	mu sync.Mutex
	// rebindUntil — UnixNano конца окна перепривязки, см. Rebinding
	rebindUntil atomic.Int64

	logger *zap.Logger
}

func NewGadget(opts GadgetOptions, logger *zap.Logger) *Gadget {
	if opts.ConfigName == "" {
		opts.ConfigName = "configs/b.1"
	}
	if opts.UDCClassPath == "" {
		opts.UDCClassPath = "/sys/class/udc"
	}
	if opts.BusyBackoff == 0 {
		opts.BusyBackoff = 200 * time.Millisecond
	}
	if opts.RebindSettle == 0 {
		opts.RebindSettle = time.Second
	}

	dirs := make(map[uint64]string)
	for name, dir := range DefaultFunctionDirs {
		dirs[functionBits[name]] = dir
	}
	for name, dir := range opts.FunctionDirs {
		if bit, ok := functionBits[name]; ok {
			dirs[bit] = dir
		}
	}

	return &Gadget{
		opts:   opts,
		dirs:   dirs,
		logger: logger.With(zap.String("mod", "gadget")),
	}
}

func (g *Gadget) configPath() string {
	return filepath.Join(g.opts.Root, g.opts.ConfigName)
}

func (g *Gadget) functionPath(dir string) string {
	return filepath.Join(g.opts.Root, "functions", dir)
}

// CurrentFunctions возвращает выбранные пользователем функции. ADB управляется
// отдельно и в маску не попадает, как и у платформенного UsbManager.
func (g *Gadget) CurrentFunctions(ctx context.Context) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	mask, err := g.linkedMask()
	if err != nil {
		return 0, err
	}
	return mask &^ domain.FunctionADB, nil
}

// linkedMask собирает маску по симлинкам в конфигурации, включая ADB.
func (g *Gadget) linkedMask() (uint64, error) {
	links, err := g.links()
	if err != nil {
		return 0, err
	}

	byDir := make(map[string]uint64, len(g.dirs))
	for bit, dir := range g.dirs {
		byDir[dir] = bit
	}

	var mask uint64
	for _, link := range links {
		target, err := os.Readlink(link)
		if err != nil {
			return 0, fmt.Errorf("gadget: read link %s: %w", link, err)
		}
		if bit, ok := byDir[filepath.Base(target)]; ok {
			mask |= bit
		} else {
			g.logger.Debug("unknown function linked", zap.String("target", target))
		}
	}
	return mask, nil
}

func (g *Gadget) hasFunction(bit uint64) bool {
	dir, ok := g.dirs[bit]
	if !ok {
		return false
	}
	info, err := os.Stat(g.functionPath(dir))
	return err == nil && info.IsDir()
}

func (g *Gadget) MIDISupported(ctx context.Context) (bool, error) {
	return g.hasFunction(domain.FunctionMIDI), nil
}

func (g *Gadget) TetheringSupported(ctx context.Context) (bool, error) {
	return g.hasFunction(domain.FunctionRNDIS), nil
}

func (g *Gadget) UVCEnabled(ctx context.Context) (bool, error) {
	return g.opts.UVCEnabled, nil
}

// SetCurrentFunctions перелинковывает функции и заново привязывает UDC.
// ADB не входит в выбор пользователя и сохраняется, если был включен.
func (g *Gadget) SetCurrentFunctions(ctx context.Context, mask uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	current, err := g.linkedMask()
	if err != nil {
		return err
	}
	if current&domain.FunctionADB != 0 {
		mask |= domain.FunctionADB
	}

	// 1. Проверяем, что все запрошенные функции существуют, до того как что-то ломать
	var dirs []string
	for bit := uint64(1); bit != 0 && bit <= mask; bit <<= 1 {
		if mask&bit == 0 {
			continue
		}
		if !g.hasFunction(bit) {
			return fmt.Errorf("%w: %s", ErrFunctionUnavailable, domain.FunctionsToString(bit))
		}
		dirs = append(dirs, g.dirs[bit])
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// 2. Unbind. Пока идёт перепривязка, "not attached" в sysfs — наш собственный след
	g.rebindUntil.Store(math.MaxInt64)
	defer func() {
		g.rebindUntil.Store(time.Now().Add(g.opts.RebindSettle).UnixNano())
	}()
	if err := g.unbind(); err != nil {
		return err
	}

	// 3. Пересоздаём ссылки
	links, err := g.links()
	if err != nil {
		return err
	}
	for _, link := range links {
		if err := os.Remove(link); err != nil {
			return fmt.Errorf("gadget: unlink %s: %w", link, err)
		}
	}
	for i, dir := range dirs {
		link := filepath.Join(g.configPath(), fmt.Sprintf("f%d", i+1))
		if err := os.Symlink(g.functionPath(dir), link); err != nil {
			return fmt.Errorf("gadget: link %s: %w", dir, err)
		}
	}

	// 4. Без функций гаджет не привязываем: это режим "только зарядка"
	if len(dirs) == 0 {
		g.logger.Info("gadget left unbound (charging only)")
		return nil
	}
	udc, err := g.udcName()
	if err != nil {
		return err
	}
	if err := g.writeUDC(udc); err != nil {
		return err
	}

	g.logger.Info("gadget functions applied",
		zap.String("functions", domain.FunctionsToString(mask)),
		zap.String("udc", udc))
	return nil
}

// Rebinding — true, пока гаджет сам отвязывает и привязывает UDC, и ещё
// RebindSettle после этого.
func (g *Gadget) Rebinding() bool {
	return time.Now().UnixNano() < g.rebindUntil.Load()
}

// links возвращает симлинки в каталоге конфигурации (атрибуты и strings/ пропускаем).
func (g *Gadget) links() ([]string, error) {
	entries, err := os.ReadDir(g.configPath())
	if err != nil {
		return nil, fmt.Errorf("gadget: read config: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.Type()&os.ModeSymlink == 0 {
			continue
		}
		out = append(out, filepath.Join(g.configPath(), e.Name()))
	}
	return out, nil
}

func (g *Gadget) boundUDC() (string, error) {
	data, err := os.ReadFile(filepath.Join(g.opts.Root, "UDC"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("gadget: read UDC: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (g *Gadget) unbind() error {
	bound, err := g.boundUDC()
	if err != nil {
		return err
	}
	if bound == "" {
		return nil // повторный unbind ядро отвергнет с ENODEV
	}
	return g.writeUDC("")
}

func (g *Gadget) writeUDC(value string) error {
	err := os.WriteFile(filepath.Join(g.opts.Root, "UDC"), []byte(value+"\n"), 0o644)
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.EBUSY) {
		return &BusyError{RetryAfter: g.opts.BusyBackoff, Cause: err}
	}
	return fmt.Errorf("gadget: write UDC %q: %w", value, err)
}

// udcName — заданный в конфиге контроллер или первый найденный в sysfs.
func (g *Gadget) udcName() (string, error) {
	return resolveUDC(g.opts.UDC, g.opts.UDCClassPath)
}

func resolveUDC(name, classPath string) (string, error) {
	if name != "" {
		return name, nil
	}
	entries, err := os.ReadDir(classPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoUDC, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if len(names) == 0 {
		return "", ErrNoUDC
	}
	sort.Strings(names)
	return names[0], nil
}
