package postgres

/*
Файл restriction_repo.go хранит ограничения пользователей (usb_restrictions).
Источник правды для кэша ограничений шлюза и для консоли.
*/

import (
	"context"
	"fmt"

	"github.com/xela07ax/usbmode/internal/domain"
)

// ListRestrictions выполняет "холодную загрузку" всех ограничений при старте шлюза.
func (r *Repo) ListRestrictions(ctx context.Context) ([]domain.UserRestriction, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_id, tier, restriction FROM usb_restrictions`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list restrictions: %w", err)
	}
	defer rows.Close()

	var out []domain.UserRestriction
	for rows.Next() {
		var ur domain.UserRestriction
		var tier, restriction string
		if err := rows.Scan(&ur.UserID, &tier, &restriction); err != nil {
			return nil, err
		}
		ur.Tier = domain.RestrictionTier(tier)
		ur.Restriction = domain.Restriction(restriction)
		out = append(out, ur)
	}
	return out, rows.Err()
}

// ListUserRestrictions — ограничения одного пользователя (для консоли).
func (r *Repo) ListUserRestrictions(ctx context.Context, userID string) ([]domain.UserRestriction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, tier, restriction FROM usb_restrictions WHERE user_id = $1 ORDER BY tier, restriction`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list user restrictions: %w", err)
	}
	defer rows.Close()

	out := []domain.UserRestriction{}
	for rows.Next() {
		var ur domain.UserRestriction
		var tier, restriction string
		if err := rows.Scan(&ur.UserID, &tier, &restriction); err != nil {
			return nil, err
		}
		ur.Tier = domain.RestrictionTier(tier)
		ur.Restriction = domain.Restriction(restriction)
		out = append(out, ur)
	}
	return out, rows.Err()
}

// SetRestriction идемпотентно включает ограничение.
func (r *Repo) SetRestriction(ctx context.Context, ur domain.UserRestriction) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO usb_restrictions (user_id, tier, restriction)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, tier, restriction) DO NOTHING`,
		ur.UserID, string(ur.Tier), string(ur.Restriction))
	if err != nil {
		return fmt.Errorf("postgres: set restriction: %w", err)
	}
	return nil
}

// ClearRestriction снимает ограничение. Отсутствие строки не считается ошибкой.
func (r *Repo) ClearRestriction(ctx context.Context, ur domain.UserRestriction) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM usb_restrictions WHERE user_id = $1 AND tier = $2 AND restriction = $3`,
		ur.UserID, string(ur.Tier), string(ur.Restriction))
	if err != nil {
		return fmt.Errorf("postgres: clear restriction: %w", err)
	}
	return nil
}
