package device

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// UDCWatcher опрашивает /sys/class/udc/<udc>/state. inotify на атрибутах sysfs
// не срабатывает, поэтому только polling.
type UDCWatcher struct {
	udc         string
	classPath   string
	interval    time.Duration
	detachReads int
	rebinding   func() bool
	logger      *zap.Logger
}

func NewUDCWatcher(udc, classPath string, interval time.Duration, logger *zap.Logger) *UDCWatcher {
	if classPath == "" {
		classPath = "/sys/class/udc"
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &UDCWatcher{
		udc:         udc,
		classPath:   classPath,
		interval:    interval,
		detachReads: 2,
		logger:      logger.With(zap.String("mod", "udc-watcher")),
	}
}

// SetDetachReads — сколько чтений "not attached" подряд нужно, чтобы засчитать отключение.
func (w *UDCWatcher) SetDetachReads(n int) {
	if n > 0 {
		w.detachReads = n
	}
}

// IgnoreDetachWhile подавляет отключения, пока fn возвращает true. Сюда
// передаётся Gadget.Rebinding: свой unbind не должен закрывать сессию.
func (w *UDCWatcher) IgnoreDetachWhile(fn func() bool) {
	w.rebinding = fn
}

// detachFilter отсеивает ложные отключения: перепривязку гаджета и одиночные чтения.
type detachFilter struct {
	need      int
	misses    int
	rebinding func() bool
}

// accept решает, принять ли чтение st при последнем принятом last.
func (f *detachFilter) accept(last, st ConnectionState) bool {
	if st.Connected || !last.Connected {
		f.misses = 0
		return true
	}
	if f.rebinding != nil && f.rebinding() {
		f.misses = 0
		return false
	}
	f.misses++
	if f.misses < f.need {
		return false
	}
	f.misses = 0
	return true
}

// isConnected: всё, кроме "not attached", означает, что кабель к хосту подключен.
func isConnected(state string) bool {
	return state != "" && state != "not attached"
}

func (w *UDCWatcher) read() ConnectionState {
	name, err := resolveUDC(w.udc, w.classPath)
	if err != nil {
		return ConnectionState{Raw: ""}
	}
	data, err := os.ReadFile(filepath.Join(w.classPath, name, "state"))
	if err != nil {
		return ConnectionState{Raw: ""}
	}
	raw := strings.TrimSpace(string(data))
	return ConnectionState{Connected: isConnected(raw), Raw: raw}
}

// Watch отдаёт текущее состояние сразу, дальше — только изменения Connected.
// Канал закрывается при отмене ctx.
func (w *UDCWatcher) Watch(ctx context.Context) <-chan ConnectionState {
	out := make(chan ConnectionState, 1)

	go func() {
		defer close(out)

		filter := &detachFilter{need: w.detachReads, rebinding: w.rebinding}
		last := w.read()
		out <- last

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := w.read()
				if !filter.accept(last, st) {
					continue
				}
				if st.Connected == last.Connected {
					last = st
					continue
				}
				w.logger.Info("usb connection state changed",
					zap.Bool("connected", st.Connected),
					zap.String("state", st.Raw))
				last = st
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
