package audit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/usbmode/internal/audit"
	"go.uber.org/zap"
)

type memStorage struct {
	mu      sync.Mutex
	batches [][]audit.SelectionEvent
	err     error
}

func (s *memStorage) WriteBatch(ctx context.Context, events []audit.SelectionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, events)
	return s.err
}

func (s *memStorage) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestJournal_FlushOnStop(t *testing.T) {
	store := &memStorage{}
	j := audit.NewJournal(store, 500, time.Hour, zap.NewNop())
	j.Start()

	for i := 0; i < 250; i++ {
		j.Log(audit.SelectionEvent{UserID: "alice", Function: "mtp", Status: audit.StatusApplied})
	}
	j.Stop()

	assert.Equal(t, 250, store.total())
	// 100 + 100 по размеру пачки и остаток финальным flush
	require.Len(t, store.batches, 3)
	assert.Len(t, store.batches[2], 50)
	assert.False(t, store.batches[0][0].Timestamp.IsZero())
}

func TestJournal_FlushOnTicker(t *testing.T) {
	store := &memStorage{}
	j := audit.NewJournal(store, 10, 10*time.Millisecond, zap.NewNop())
	j.Start()
	defer j.Stop()

	j.Log(audit.SelectionEvent{Status: audit.StatusIgnored})
	assert.Eventually(t, func() bool { return store.total() == 1 }, time.Second, 5*time.Millisecond)
}

func TestJournal_DropsAfterStopAndOnOverflow(t *testing.T) {
	store := &memStorage{err: errors.New("db down")}
	j := audit.NewJournal(store, 2, time.Hour, zap.NewNop())

	// Воркер не запущен: третье событие не влезает в буфер
	j.Log(audit.SelectionEvent{ID: "1"})
	j.Log(audit.SelectionEvent{ID: "2"})
	j.Log(audit.SelectionEvent{ID: "3"})
	assert.Equal(t, 2, j.Len())

	j.Start()
	j.Stop()
	j.Stop() // повторный Stop безопасен

	j.Log(audit.SelectionEvent{ID: "late"})
	assert.Equal(t, 2, store.total())
}
