package audit

/*
Файл journal.go реализует журнал выбора USB-функций.

- Non-blocking: Log не блокирует обработку запроса, события идут через буферизированный канал.
- Batching: события копятся в памяти и пишутся пачкой по таймеру или при достижении batchSize.
- Drain: Stop закрывает канал, воркер вычитывает остатки и делает финальный flush.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const batchSize = 100

// StorageInterface определяет, куда физически сохраняются события
type StorageInterface interface {
	WriteBatch(ctx context.Context, events []SelectionEvent) error
}

type Auditor interface {
	Log(event SelectionEvent)
}

type Journal struct {
	ch       chan SelectionEvent
	repo     StorageInterface
	interval time.Duration
	logger   *zap.Logger
	wg       sync.WaitGroup
	stopOnce sync.Once
	mu       sync.RWMutex // Log держит RLock, Stop берёт Lock перед close(ch)
	closed   atomic.Bool
}

func NewJournal(repo StorageInterface, bufferSize int, interval time.Duration, logger *zap.Logger) *Journal {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Journal{
		ch:       make(chan SelectionEvent, bufferSize),
		repo:     repo,
		interval: interval,
		logger:   logger.With(zap.String("mod", "journal")),
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop «запирает» вход в канал и ждёт, пока воркер всё допишет.
func (j *Journal) Stop() {
	j.stopOnce.Do(func() {
		j.mu.Lock()
		j.closed.Store(true)
		close(j.ch)
		j.mu.Unlock()

		j.logger.Info("stopping journal: flushing buffer...")
		j.wg.Wait()
		j.logger.Info("journal stopped gracefully")
	})
}

// Len — текущая заполненность буфера (для метрики backpressure).
func (j *Journal) Len() int {
	return len(j.ch)
}

func (j *Journal) Log(event SelectionEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed.Load() {
		j.logger.Warn("journal event dropped: journal is stopping", zap.String("id", event.ID))
		return
	}

	// Load Shedding: при переполнении пишем в обычный лог, чтобы не блокировать Hot Path
	select {
	case j.ch <- event:
	default:
		j.logger.Error("journal_buffer_overflow",
			zap.String("user_id", event.UserID),
			zap.String("function", event.Function),
			zap.String("status", event.Status),
			zap.String("trace_id", event.TraceID),
		)
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]SelectionEvent, 0, batchSize)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к этому моменту может быть уже закрыт
		if err := j.repo.WriteBatch(context.Background(), batch); err != nil {
			j.logger.Error("journal flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = make([]SelectionEvent, 0, batchSize)
	}

	for {
		select {
		case event, ok := <-j.ch:
			if !ok {
				flush() // Финальный сброс
				return
			}
			batch = append(batch, event)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
