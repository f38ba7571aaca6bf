package domain

// Capabilities — снимок возможностей устройства и ограничений на момент принятия решения.
// Читается один раз и дальше не меняется.
type Capabilities struct {
	TetheringSupported bool
	MIDISupported      bool
	UVCEnabled         bool
	IsAdminUser        bool

	// Сырая маска, как её вернула платформа (может содержать accessory/ncm).
	CurrentFunctions uint64

	UserRestrictions RestrictionSet
	BaseRestrictions RestrictionSet
}

// Principal — тот, от чьего имени запрашиваются и применяются функции.
type Principal struct {
	UserID string
	Admin  bool
}
