// Package device содержит внешних коллабораторов политики: чтение состояния
// USB-гаджета, изменение набора функций и запуск тетеринга.
package device

import (
	"context"
)

// Queries — чтение возможностей и текущего состояния устройства.
type Queries interface {
	CurrentFunctions(ctx context.Context) (uint64, error)
	MIDISupported(ctx context.Context) (bool, error)
	TetheringSupported(ctx context.Context) (bool, error)
	UVCEnabled(ctx context.Context) (bool, error)
}

// Mutator применяет маску функций. Синхронное принятие, без ожидания enumeration хостом.
type Mutator interface {
	SetCurrentFunctions(ctx context.Context, mask uint64) error
}

// Tethering запускает тетеринг асинхронно. onFailed вызывается только при ошибке,
// возможно из другой горутины. Успех подразумевается отсутствием вызова.
type Tethering interface {
	StartTethering(ctx context.Context, tetheringType int, onFailed func(code TetheringErrorCode))
}

// ConnectionState — состояние физического подключения к хосту.
type ConnectionState struct {
	Connected bool
	Raw       string // как прочитано из sysfs: "configured", "not attached" ...
}
