package policy

import (
	"github.com/xela07ax/usbmode/internal/domain"
)

// DenyReason — почему функция не может быть предложена пользователю.
type DenyReason string

const (
	ReasonNone                 DenyReason = ""
	ReasonMIDIUnsupported      DenyReason = "midi_unsupported"
	ReasonTetheringUnsupported DenyReason = "tethering_unsupported"
	ReasonUserRestricted       DenyReason = "user_restricted"
	ReasonBaseRestricted       DenyReason = "base_restricted"
	ReasonUVCDisabled          DenyReason = "uvc_disabled"
	ReasonNonAdmin             DenyReason = "non_admin"
)

// Decision — результат проверки одной функции.
type Decision struct {
	Mask    uint64
	Allowed bool
	Reason  DenyReason
}

func deny(mask uint64, r DenyReason) Decision {
	return Decision{Mask: mask, Allowed: false, Reason: r}
}

// Evaluate — чистая функция принятия решения. Порядок проверок важен:
// первая сработавшая определяет причину отказа.
func Evaluate(mask uint64, caps domain.Capabilities) Decision {
	// 1. Возможности железа/софта
	if !caps.MIDISupported && mask&domain.FunctionMIDI != 0 {
		return deny(mask, ReasonMIDIUnsupported)
	}
	if !caps.TetheringSupported && domain.IsTethering(mask) {
		return deny(mask, ReasonTetheringUnsupported)
	}

	// 2. Ограничения профиля пользователя
	if restricted(mask, caps.UserRestrictions) {
		return deny(mask, ReasonUserRestricted)
	}

	// 3. Системные ограничения + фиче-флаг UVC
	if restricted(mask, caps.BaseRestrictions) {
		return deny(mask, ReasonBaseRestricted)
	}
	if !caps.UVCEnabled && mask&domain.FunctionUVC != 0 {
		return deny(mask, ReasonUVCDisabled)
	}

	// 4. Тетеринг только для владельца устройства
	if !caps.IsAdminUser && domain.IsTethering(mask) {
		return deny(mask, ReasonNonAdmin)
	}

	return Decision{Mask: mask, Allowed: true}
}

func restricted(mask uint64, rs domain.RestrictionSet) bool {
	return (rs.Has(domain.DisallowUSBFileTransfer) && domain.IsFileTransfer(mask)) ||
		(rs.Has(domain.DisallowConfigTethering) && domain.IsTethering(mask))
}

// IsSupported сообщает, можно ли предложить функцию пользователю.
func IsSupported(mask uint64, caps domain.Capabilities) bool {
	return Evaluate(mask, caps).Allowed
}

// IsClickIgnored защищает активную сессию accessory от перезаписи выбором MTP.
func IsClickIgnored(mask uint64, caps domain.Capabilities) bool {
	return caps.CurrentFunctions&domain.FunctionAccessory != 0 && mask == domain.FunctionMTP
}

// Supported фильтрует таблицу функций, сохраняя порядок отображения.
func Supported(caps domain.Capabilities) []domain.UsbFunction {
	var out []domain.UsbFunction
	for _, f := range domain.AllFunctions() {
		if IsSupported(f.Mask, caps) {
			out = append(out, f)
		}
	}
	return out
}

// NormalizeCurrent приводит сырую маску платформы к виду, сравнимому с таблицей.
func NormalizeCurrent(raw uint64) uint64 {
	switch {
	case raw&domain.FunctionAccessory != 0:
		return domain.FunctionMTP
	case raw == domain.FunctionNCM:
		return domain.FunctionRNDIS
	}
	return raw
}

// ResolveCurrent находит текущую функцию среди поддерживаемых; если не нашли — "только зарядка".
func ResolveCurrent(raw uint64, supported []domain.UsbFunction) domain.UsbFunction {
	mask := NormalizeCurrent(raw)
	for _, f := range supported {
		if f.Mask == mask {
			return f
		}
	}
	return domain.NoneFunction
}
