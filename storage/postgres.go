package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"idgate/core"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema/postgres/schema.sql
var postgresSchema string

const pgUniqueViolation = "23505"

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 30 * time.Second
	poolCfg.ConnConfig.ConnectTimeout = 5 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *PostgresRepository) FindByID(ctx context.Context, id uuid.UUID) (*core.User, error) {
	return r.findByID(ctx, r.pool, id)
}

func (r *PostgresRepository) findByID(ctx context.Context, q pgQuerier, id uuid.UUID) (*core.User, error) {
	const query = `
		SELECT id, email, name, last_login, created_at, updated_at
		FROM users
		WHERE id = $1
	`

	var user core.User
	err := q.QueryRow(ctx, query, id).Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.LastLogin,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	user.LastLogin = user.LastLogin.UTC()
	user.CreatedAt = user.CreatedAt.UTC()
	user.UpdatedAt = user.UpdatedAt.UTC()

	user.IdentityProviders, err = r.credentials(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *PostgresRepository) credentials(ctx context.Context, q pgQuerier, userID uuid.UUID) ([]core.LinkedCredential, error) {
	const query = `
		SELECT provider, provider_id, email, profile_data
		FROM user_credentials
		WHERE user_id = $1
		ORDER BY position
	`

	rows, err := q.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	creds := []core.LinkedCredential{}
	for rows.Next() {
		var cred core.LinkedCredential
		var provider string
		if err := rows.Scan(&provider, &cred.ProviderID, &cred.Email, &cred.ProfileData); err != nil {
			return nil, err
		}
		cred.Provider = core.Provider(provider)
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return creds, nil
}

func (r *PostgresRepository) FindByCredential(ctx context.Context, provider core.Provider, providerID string) (*core.User, error) {
	const query = `
		SELECT user_id
		FROM user_credentials
		WHERE provider = $1 AND provider_id = $2
	`

	var userID uuid.UUID
	err := r.pool.QueryRow(ctx, query, string(provider), providerID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.findByID(ctx, r.pool, userID)
}

func (r *PostgresRepository) FindByEmail(ctx context.Context, email string) (*core.User, error) {
	var userID uuid.UUID
	err := r.pool.QueryRow(ctx, `SELECT id FROM users WHERE email = $1`, core.NormalizeEmail(email)).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.findByID(ctx, r.pool, userID)
}

func (r *PostgresRepository) CreateUser(ctx context.Context, user *core.User) error {
	email := core.NormalizeEmail(user.Email)
	if email == "" {
		return core.ErrValidation
	}

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		const userQuery = `
			INSERT INTO users (id, email, name, last_login, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`
		_, err := tx.Exec(ctx, userQuery,
			user.ID,
			email,
			user.Name,
			user.LastLogin,
			user.CreatedAt,
			user.UpdatedAt,
		)
		if err != nil {
			return err
		}

		for i, cred := range user.IdentityProviders {
			if err := insertPgCredential(ctx, tx, user.ID, i, cred); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return mapPgError(err)
	}

	user.Email = email
	return nil
}

func (r *PostgresRepository) SaveUser(ctx context.Context, user *core.User) error {
	email := core.NormalizeEmail(user.Email)
	if email == "" {
		return core.ErrValidation
	}
	updatedAt := user.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		const updateQuery = `
			UPDATE users
			SET email = $1, name = $2, last_login = $3, updated_at = $4
			WHERE id = $5
		`
		tag, err := tx.Exec(ctx, updateQuery, email, user.Name, user.LastLogin, updatedAt, user.ID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return core.ErrNotFound
		}

		existing, err := r.credentials(ctx, tx, user.ID)
		if err != nil {
			return err
		}
		stored := make(map[credentialKey]struct{}, len(existing))
		for _, cred := range existing {
			stored[credentialKey{cred.Provider, cred.ProviderID}] = struct{}{}
		}

		position := len(existing)
		for _, cred := range user.IdentityProviders {
			key := credentialKey{cred.Provider, cred.ProviderID}
			if _, ok := stored[key]; ok {
				continue
			}
			if err := insertPgCredential(ctx, tx, user.ID, position, cred); err != nil {
				return err
			}
			stored[key] = struct{}{}
			position++
		}
		return nil
	})
	if err != nil {
		return mapPgError(err)
	}

	user.Email = email
	user.UpdatedAt = updatedAt
	return nil
}

func insertPgCredential(ctx context.Context, tx pgx.Tx, userID uuid.UUID, position int, cred core.LinkedCredential) error {
	const query = `
		INSERT INTO user_credentials (provider, provider_id, user_id, position, email, profile_data)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	var profile any
	if len(cred.ProfileData) > 0 {
		profile = cred.ProfileData
	}
	_, err := tx.Exec(ctx, query,
		string(cred.Provider),
		cred.ProviderID,
		userID,
		position,
		cred.Email,
		profile,
	)
	return err
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return core.ErrAlreadyExists
	}
	return err
}
