package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

const signingKeySetting = "session_signing_key"

// GetSetting returns a server setting and whether it exists.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM server_settings WHERE key = ?`, key).Scan(&value)
	if err == nil {
		return value, true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	return "", false, err
}

// ResolveSigningKey returns the persisted session signing key. On first
// start suggested is stored; later a different suggested key is rejected so
// tokens stay verifiable across restarts.
func (s *Store) ResolveSigningKey(ctx context.Context, suggested string) (string, error) {
	suggested = strings.TrimSpace(suggested)

	current, ok, err := s.GetSetting(ctx, signingKeySetting)
	if err != nil {
		return "", err
	}
	if ok {
		if suggested != "" && suggested != current {
			return "", errors.New("provided session signing key does not match database")
		}
		return current, nil
	}
	if suggested == "" {
		return "", errors.New("session signing key is required on first start")
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO server_settings(key, value) VALUES(?, ?)`, signingKeySetting, suggested); err != nil {
		return "", err
	}
	return suggested, nil
}

// SigningKey returns the persisted session signing key, if any.
func (s *Store) SigningKey(ctx context.Context) (string, bool, error) {
	return s.GetSetting(ctx, signingKeySetting)
}
