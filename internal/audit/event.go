package audit

import "time"

// Статусы записи журнала выбора функций
const (
	StatusApplied          = "APPLIED"
	StatusIgnored          = "IGNORED"
	StatusDenied           = "DENIED"
	StatusFailed           = "FAILED"
	StatusTetheringStarted = "TETHERING_STARTED"
	StatusRolledBack       = "ROLLED_BACK"
	StatusDiscarded        = "DISCARDED" // откат не выполнен: сессия закрыта отключением
)

type SelectionEvent struct {
	ID        string `json:"id"`         // UUID события
	TraceID   string `json:"trace_id"`   // Сквозной ID запроса
	SessionID string `json:"session_id"` // Сессия физического подключения
	UserID    string `json:"user_id"`    // Кто выбирал

	Function     string `json:"function"`      // Каноническое имя
	Mask         uint64 `json:"mask"`          // Запрошенная маска
	PreviousMask uint64 `json:"previous_mask"` // Маска до изменения (для отката тетеринга)

	// Результат
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"` // Причина отказа политики
	ErrorCode  int       `json:"error_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
}
