package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"idgate/core"

	"github.com/google/uuid"
)

// sqlDialect captures the differences between database/sql backends that
// share the same table layout.
type sqlDialect struct {
	// emailIndex keeps email uniqueness in a users_by_email table for engines
	// without unique secondary indexes.
	emailIndex bool
	isConflict func(error) bool
	txOptions  *sql.TxOptions
}

// sqlRepository implements core.Repository over database/sql with positional
// placeholders. Timestamps are stored as unix nanoseconds and profile data as
// JSON text.
type sqlRepository struct {
	db      *sql.DB
	dialect sqlDialect
}

type rowQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *sqlRepository) FindByID(ctx context.Context, id uuid.UUID) (*core.User, error) {
	return r.findByID(ctx, r.db, id.String())
}

func (r *sqlRepository) findByID(ctx context.Context, q rowQuerier, id string) (*core.User, error) {
	userQuery := `
		SELECT id, email, name, last_login, created_at, updated_at
		FROM users
		WHERE id = ?
	`

	var user core.User
	var idStr string
	var lastLogin, createdAt, updatedAt int64

	err := q.QueryRowContext(ctx, userQuery, id).Scan(
		&idStr,
		&user.Email,
		&user.Name,
		&lastLogin,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	user.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid user id %q: %w", idStr, err)
	}
	user.LastLogin = fromUnixNano(lastLogin)
	user.CreatedAt = fromUnixNano(createdAt)
	user.UpdatedAt = fromUnixNano(updatedAt)

	user.IdentityProviders, err = r.credentials(ctx, q, idStr)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *sqlRepository) credentials(ctx context.Context, q rowQuerier, userID string) ([]core.LinkedCredential, error) {
	query := `
		SELECT provider, provider_id, email, profile_data
		FROM user_credentials
		WHERE user_id = ?
		ORDER BY position
	`

	rows, err := q.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	creds := []core.LinkedCredential{}
	for rows.Next() {
		var cred core.LinkedCredential
		var provider, profile string
		if err := rows.Scan(&provider, &cred.ProviderID, &cred.Email, &profile); err != nil {
			return nil, err
		}
		cred.Provider = core.Provider(provider)
		if cred.ProfileData, err = decodeProfile(profile); err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return creds, nil
}

func (r *sqlRepository) FindByCredential(ctx context.Context, provider core.Provider, providerID string) (*core.User, error) {
	query := `
		SELECT user_id
		FROM user_credentials
		WHERE provider = ? AND provider_id = ?
	`

	var userID string
	err := r.db.QueryRowContext(ctx, query, string(provider), providerID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.findByID(ctx, r.db, userID)
}

func (r *sqlRepository) FindByEmail(ctx context.Context, email string) (*core.User, error) {
	query := `SELECT id FROM users WHERE email = ?`
	if r.dialect.emailIndex {
		query = `SELECT user_id FROM users_by_email WHERE email = ?`
	}

	var userID string
	err := r.db.QueryRowContext(ctx, query, core.NormalizeEmail(email)).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.findByID(ctx, r.db, userID)
}

func (r *sqlRepository) CreateUser(ctx context.Context, user *core.User) error {
	email := core.NormalizeEmail(user.Email)
	if email == "" {
		return core.ErrValidation
	}

	err := r.inTx(ctx, func(tx *sql.Tx) error {
		userQuery := `
			INSERT INTO users (id, email, name, last_login, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`
		_, err := tx.ExecContext(ctx, userQuery,
			user.ID.String(),
			email,
			user.Name,
			toUnixNano(user.LastLogin),
			toUnixNano(user.CreatedAt),
			toUnixNano(user.UpdatedAt),
		)
		if err != nil {
			return err
		}

		if r.dialect.emailIndex {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO users_by_email (email, user_id) VALUES (?, ?)`,
				email, user.ID.String(),
			)
			if err != nil {
				return err
			}
		}

		for i, cred := range user.IdentityProviders {
			if err := r.insertCredential(ctx, tx, user.ID.String(), int64(i), cred); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	user.Email = email
	return nil
}

func (r *sqlRepository) SaveUser(ctx context.Context, user *core.User) error {
	email := core.NormalizeEmail(user.Email)
	if email == "" {
		return core.ErrValidation
	}
	updatedAt := user.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	err := r.inTx(ctx, func(tx *sql.Tx) error {
		var storedEmail string
		err := tx.QueryRowContext(ctx, `SELECT email FROM users WHERE id = ?`, user.ID.String()).Scan(&storedEmail)
		if errors.Is(err, sql.ErrNoRows) {
			return core.ErrNotFound
		}
		if err != nil {
			return err
		}

		existing, err := r.credentials(ctx, tx, user.ID.String())
		if err != nil {
			return err
		}
		stored := make(map[credentialKey]struct{}, len(existing))
		for _, cred := range existing {
			stored[credentialKey{cred.Provider, cred.ProviderID}] = struct{}{}
		}

		if r.dialect.emailIndex && storedEmail != email {
			if _, err := tx.ExecContext(ctx, `INSERT INTO users_by_email (email, user_id) VALUES (?, ?)`, email, user.ID.String()); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM users_by_email WHERE email = ?`, storedEmail); err != nil {
				return err
			}
		}

		updateQuery := `
			UPDATE users
			SET email = ?, name = ?, last_login = ?, updated_at = ?
			WHERE id = ?
		`
		_, err = tx.ExecContext(ctx, updateQuery,
			email,
			user.Name,
			toUnixNano(user.LastLogin),
			toUnixNano(updatedAt),
			user.ID.String(),
		)
		if err != nil {
			return err
		}

		position := int64(len(existing))
		for _, cred := range user.IdentityProviders {
			key := credentialKey{cred.Provider, cred.ProviderID}
			if _, ok := stored[key]; ok {
				continue
			}
			if err := r.insertCredential(ctx, tx, user.ID.String(), position, cred); err != nil {
				return err
			}
			stored[key] = struct{}{}
			position++
		}
		return nil
	})
	if err != nil {
		return err
	}

	user.Email = email
	user.UpdatedAt = updatedAt
	return nil
}

func (r *sqlRepository) insertCredential(ctx context.Context, tx *sql.Tx, userID string, position int64, cred core.LinkedCredential) error {
	profile, err := encodeProfile(cred.ProfileData)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO user_credentials (provider, provider_id, user_id, position, email, profile_data)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		string(cred.Provider),
		cred.ProviderID,
		userID,
		position,
		cred.Email,
		profile,
	)
	return err
}

// inTx runs fn in a transaction and maps uniqueness violations, reported at
// statement or commit time, to core.ErrAlreadyExists.
func (r *sqlRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, r.dialect.txOptions)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		if r.dialect.isConflict(err) {
			return core.ErrAlreadyExists
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		if r.dialect.isConflict(err) {
			return core.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func encodeProfile(profile core.ProfileData) (string, error) {
	if len(profile) == 0 {
		return "", nil
	}
	data, err := json.Marshal(profile)
	if err != nil {
		return "", fmt.Errorf("failed to encode profile data: %w", err)
	}
	return string(data), nil
}

func decodeProfile(data string) (core.ProfileData, error) {
	if data == "" {
		return nil, nil
	}
	var profile core.ProfileData
	if err := json.Unmarshal([]byte(data), &profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile data: %w", err)
	}
	return profile, nil
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
