package device

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrFunctionUnavailable = errors.New("gadget function is not configured")
	ErrNoUDC               = errors.New("no USB device controller found")
)

// BusyError — контроллер занят (EBUSY при bind). Ошибка временная,
// RetryAfter подсказывает ретраеру паузу.
type BusyError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("udc busy: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *BusyError) Unwrap() error { return e.Cause }

// TetheringErrorCode повторяет коды TetheringManager.
type TetheringErrorCode int

const (
	TetherErrorNoError            TetheringErrorCode = 0
	TetherErrorServiceUnavailable TetheringErrorCode = 2
	TetherErrorUnsupported        TetheringErrorCode = 3
	TetherErrorUnavailIface       TetheringErrorCode = 4
	TetherErrorInternal           TetheringErrorCode = 5
	TetherErrorUnknownType        TetheringErrorCode = 16
)

// TetheringError — TetheringStartFailed(errorCode).
type TetheringError struct {
	Code TetheringErrorCode
}

func (e *TetheringError) Error() string {
	return fmt.Sprintf("tethering start failed: error %d", e.Code)
}
