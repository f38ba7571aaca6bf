package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/usbmode/internal/device"
	"go.uber.org/zap"
)

// Session — одно физическое подключение. Контекст отменяется при отключении кабеля.
type Session struct {
	ID        string
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *Session) Context() context.Context { return s.ctx }

// Active — false, как только кабель отключили.
func (s *Session) Active() bool { return s.ctx.Err() == nil }

type SessionTracker struct {
	mu        sync.Mutex
	parent    context.Context
	current   *Session
	connected bool

	metrics *Metrics
	logger  *zap.Logger
}

// NewSessionTracker открывает первую сессию сразу: выбор функций доступен и до
// первого события от UDC.
func NewSessionTracker(parent context.Context, metrics *Metrics, logger *zap.Logger) *SessionTracker {
	t := &SessionTracker{
		parent:  parent,
		metrics: metrics,
		logger:  logger.Named("sessions"),
	}
	t.current = t.open()
	return t
}

func (t *SessionTracker) open() *Session {
	ctx, cancel := context.WithCancel(t.parent)
	return &Session{
		ID:        uuid.New().String(),
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (t *SessionTracker) Current() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *SessionTracker) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// HandleState применяет одно событие подключения.
func (t *SessionTracker) HandleState(st device.ConnectionState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.metrics != nil {
		v := 0.0
		if st.Connected {
			v = 1
		}
		t.metrics.Connected.Set(v)
	}

	wasConnected := t.connected
	t.connected = st.Connected

	if st.Connected || !wasConnected {
		if st.Connected && !wasConnected {
			t.logger.Info("usb host attached", zap.String("session_id", t.current.ID), zap.String("state", st.Raw))
		}
		return
	}

	// Отключение: закрываем сессию, отложенные откаты тетеринга становятся неактуальны
	closed := t.current
	closed.cancel()
	t.current = t.open()

	t.logger.Info("usb host detached, session closed",
		zap.String("session_id", closed.ID),
		zap.Duration("lifetime", time.Since(closed.StartedAt)),
		zap.String("next_session_id", t.current.ID),
		zap.String("state", st.Raw))
}

// Run читает события до закрытия канала или отмены ctx.
func (t *SessionTracker) Run(ctx context.Context, states <-chan device.ConnectionState) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			t.HandleState(st)
		}
	}
}

// Close отменяет текущую сессию при остановке сервиса.
func (t *SessionTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current.cancel()
}
