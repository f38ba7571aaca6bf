package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Restriction — именованный флаг ограничения (не битовый).
type Restriction string

const (
	DisallowUSBFileTransfer Restriction = "no_usb_file_transfer"
	DisallowConfigTethering Restriction = "no_config_tethering"
)

// RestrictionTier — уровень, на котором задано ограничение.
type RestrictionTier string

const (
	// TierUser — ограничения профиля пользователя.
	TierUser RestrictionTier = "user"
	// TierBase — системные ограничения (базовые, их не может снять владелец профиля).
	TierBase RestrictionTier = "base"
)

var ErrInvalidRestriction = errors.New("invalid restriction")

func ParseRestriction(s string) (Restriction, error) {
	switch r := Restriction(s); r {
	case DisallowUSBFileTransfer, DisallowConfigTethering:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRestriction, s)
}

func ParseTier(s string) (RestrictionTier, error) {
	switch t := RestrictionTier(s); t {
	case TierUser, TierBase:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown tier %q", ErrInvalidRestriction, s)
}

// RestrictionSet — набор активных ограничений одного уровня.
type RestrictionSet map[Restriction]bool

func NewRestrictionSet(rs ...Restriction) RestrictionSet {
	s := make(RestrictionSet, len(rs))
	for _, r := range rs {
		s[r] = true
	}
	return s
}

// Has безопасен для nil-набора.
func (s RestrictionSet) Has(r Restriction) bool {
	return s[r]
}

// UserRestriction — строка таблицы usb_restrictions.
type UserRestriction struct {
	UserID      string          `json:"user_id"`
	Tier        RestrictionTier `json:"tier"`
	Restriction Restriction     `json:"restriction"`
}

// Key формирует идентификатор "user|tier|restriction" для Redis-сетов и сигналов.
func (u UserRestriction) Key() string {
	return u.UserID + "|" + string(u.Tier) + "|" + string(u.Restriction)
}

// ValidateUserID отсекает идентификаторы, которые сломают разбор Key.
func ValidateUserID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRestriction)
	}
	if strings.Contains(id, "|") {
		return fmt.Errorf("%w: user id %q contains '|'", ErrInvalidRestriction, id)
	}
	return nil
}

// ParseUserRestrictionKey — обратная операция к Key.
func ParseUserRestrictionKey(key string) (UserRestriction, error) {
	parts := strings.Split(key, "|")
	if len(parts) != 3 || parts[0] == "" {
		return UserRestriction{}, fmt.Errorf("%w: malformed key %q", ErrInvalidRestriction, key)
	}
	tier, err := ParseTier(parts[1])
	if err != nil {
		return UserRestriction{}, err
	}
	r, err := ParseRestriction(parts[2])
	if err != nil {
		return UserRestriction{}, err
	}
	return UserRestriction{UserID: parts[0], Tier: tier, Restriction: r}, nil
}
