package device

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/xela07ax/usbmode/internal/domain"
	"go.uber.org/zap"
)

// GadgetTethering переключает гаджет в RNDIS и ждёт появления сетевого интерфейса.
// Настройка адресов и NAT — забота внешнего сервиса тетеринга.
type GadgetTethering struct {
	mutator Mutator
	iface   string
	timeout time.Duration
	poll    time.Duration
	lookup  func(name string) (*net.Interface, error)
	logger  *zap.Logger
}

func NewGadgetTethering(m Mutator, iface string, timeout time.Duration, logger *zap.Logger) *GadgetTethering {
	if iface == "" {
		iface = "usb0"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GadgetTethering{
		mutator: m,
		iface:   iface,
		timeout: timeout,
		poll:    200 * time.Millisecond,
		lookup:  net.InterfaceByName,
		logger:  logger.With(zap.String("mod", "tethering")),
	}
}

// StartTethering — fire-and-forget. Отмена ctx (отключение кабеля) прерывает
// ожидание без вызова onFailed: решение к этому моменту уже неактуально.
func (t *GadgetTethering) StartTethering(ctx context.Context, tetheringType int, onFailed func(code TetheringErrorCode)) {
	if tetheringType != domain.TetheringUSB {
		go onFailed(TetherErrorUnknownType)
		return
	}

	go func() {
		if err := t.mutator.SetCurrentFunctions(ctx, domain.FunctionRNDIS); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			t.logger.Warn("failed to switch gadget to rndis", zap.Error(err))
			if errors.Is(err, ErrFunctionUnavailable) {
				onFailed(TetherErrorUnsupported)
				return
			}
			onFailed(TetherErrorServiceUnavailable)
			return
		}

		deadline := time.NewTimer(t.timeout)
		defer deadline.Stop()
		ticker := time.NewTicker(t.poll)
		defer ticker.Stop()

		for {
			if _, err := t.lookup(t.iface); err == nil {
				t.logger.Info("tethering interface is up", zap.String("iface", t.iface))
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-deadline.C:
				onFailed(TetherErrorUnavailIface)
				return
			case <-ticker.C:
			}
		}
	}()
}
