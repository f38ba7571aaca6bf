package domain

import (
	"strings"
)

// Биты функций USB-гаджета. Значения совпадают с ABI платформы (UsbManager),
// поэтому меняться не должны.
const (
	FunctionNone      uint64 = 0
	FunctionADB       uint64 = 1 << 0
	FunctionAccessory uint64 = 1 << 1
	FunctionMTP       uint64 = 1 << 2
	FunctionMIDI      uint64 = 1 << 3
	FunctionPTP       uint64 = 1 << 4
	FunctionRNDIS     uint64 = 1 << 5
	FunctionAudio     uint64 = 1 << 6
	FunctionUVC       uint64 = 1 << 7
	FunctionNCM       uint64 = 1 << 10
)

// TetheringUSB — идентификатор режима тетеринга (TETHERING_USB).
const TetheringUSB = 1

// UsbFunction описывает режим подключения, который можно предложить пользователю.
type UsbFunction struct {
	Mask        uint64 `json:"mask"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var (
	NoneFunction  = UsbFunction{Mask: FunctionNone, Name: "none", Description: "No data transfer"}
	MTPFunction   = UsbFunction{Mask: FunctionMTP, Name: "mtp", Description: "File transfer"}
	RNDISFunction = UsbFunction{Mask: FunctionRNDIS, Name: "rndis", Description: "USB tethering"}
	MIDIFunction  = UsbFunction{Mask: FunctionMIDI, Name: "midi", Description: "MIDI"}
	PTPFunction   = UsbFunction{Mask: FunctionPTP, Name: "ptp", Description: "Photo transfer (PTP)"}
	UVCFunction   = UsbFunction{Mask: FunctionUVC, Name: "uvc", Description: "Webcam"}
)

// allFunctions — порядок отображения. NONE всегда последний.
var allFunctions = []UsbFunction{
	MTPFunction,
	RNDISFunction,
	MIDIFunction,
	PTPFunction,
	UVCFunction,
	NoneFunction,
}

// AllFunctions возвращает копию таблицы, чтобы вызывающий код не мог её испортить.
func AllFunctions() []UsbFunction {
	out := make([]UsbFunction, len(allFunctions))
	copy(out, allFunctions)
	return out
}

// FunctionByName ищет функцию в таблице по каноническому имени.
func FunctionByName(name string) (UsbFunction, bool) {
	for _, f := range allFunctions {
		if f.Name == name {
			return f, true
		}
	}
	return UsbFunction{}, false
}

// IsFileTransfer — MTP или PTP (класс, на который действует DISALLOW_USB_FILE_TRANSFER).
func IsFileTransfer(mask uint64) bool {
	return mask&FunctionMTP != 0 || mask&FunctionPTP != 0
}

// IsTethering — класс функций тетеринга.
func IsTethering(mask uint64) bool {
	return mask&FunctionRNDIS != 0
}

var bitNames = []struct {
	bit  uint64
	name string
}{
	{FunctionMTP, "mtp"},
	{FunctionPTP, "ptp"},
	{FunctionRNDIS, "rndis"},
	{FunctionMIDI, "midi"},
	{FunctionAccessory, "accessory"},
	{FunctionAudio, "audio_source"},
	{FunctionUVC, "uvc"},
	{FunctionNCM, "ncm"},
	{FunctionADB, "adb"},
}

// FunctionsToString рендерит маску в вид "mtp,adb" для диагностических логов.
func FunctionsToString(mask uint64) string {
	if mask == FunctionNone {
		return "none"
	}
	var parts []string
	for _, b := range bitNames {
		if mask&b.bit != 0 {
			parts = append(parts, b.name)
		}
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, ",")
}
