package device

import (
	"context"
	"sync"

	"github.com/xela07ax/usbmode/internal/domain"
)

// MemoryDevice — устройство в памяти для разработки без configfs (device.backend: memory).
type MemoryDevice struct {
	mu      sync.Mutex
	current uint64

	midi      bool
	tethering bool
	uvc       bool

	// tetherFail != 0 — следующий StartTethering завершится ошибкой с этим кодом
	tetherFail TetheringErrorCode

	states chan ConnectionState
}

func NewMemoryDevice(current uint64, midi, tethering, uvc bool) *MemoryDevice {
	return &MemoryDevice{
		current:   current,
		midi:      midi,
		tethering: tethering,
		uvc:       uvc,
		states:    make(chan ConnectionState, 4),
	}
}

func (d *MemoryDevice) CurrentFunctions(ctx context.Context) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current, nil
}

func (d *MemoryDevice) MIDISupported(ctx context.Context) (bool, error) { return d.midi, nil }

func (d *MemoryDevice) TetheringSupported(ctx context.Context) (bool, error) { return d.tethering, nil }

func (d *MemoryDevice) UVCEnabled(ctx context.Context) (bool, error) { return d.uvc, nil }

func (d *MemoryDevice) SetCurrentFunctions(ctx context.Context, mask uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.current = mask
	d.mu.Unlock()
	return nil
}

// FailNextTethering заставляет следующий запуск тетеринга вернуть code.
func (d *MemoryDevice) FailNextTethering(code TetheringErrorCode) {
	d.mu.Lock()
	d.tetherFail = code
	d.mu.Unlock()
}

func (d *MemoryDevice) StartTethering(ctx context.Context, tetheringType int, onFailed func(code TetheringErrorCode)) {
	d.mu.Lock()
	code := d.tetherFail
	d.tetherFail = 0
	d.mu.Unlock()

	if tetheringType != domain.TetheringUSB {
		code = TetherErrorUnknownType
	}

	go func() {
		if code != TetherErrorNoError {
			onFailed(code)
			return
		}
		_ = d.SetCurrentFunctions(ctx, domain.FunctionRNDIS)
	}()
}

// SetConnected имитирует подключение/отключение кабеля.
func (d *MemoryDevice) SetConnected(connected bool) {
	raw := "not attached"
	if connected {
		raw = "configured"
	}
	d.states <- ConnectionState{Connected: connected, Raw: raw}
}

func (d *MemoryDevice) Watch(ctx context.Context) <-chan ConnectionState {
	out := make(chan ConnectionState)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case st := <-d.states:
				select {
				case out <- st:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
