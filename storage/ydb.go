package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/ydb-platform/ydb-go-genproto/protos/Ydb"
	"github.com/ydb-platform/ydb-go-sdk/v3"
	yc "github.com/ydb-platform/ydb-go-yc"
)

//go:embed schema/ydb/schema.sql
var ydbSchema string

type YDBConfig struct {
	DSN string `yaml:"dsn" env:"DSN"`
	// ServiceAccountKeyFile authenticates with a Yandex Cloud authorized key.
	ServiceAccountKeyFile string `yaml:"service_account_key_file" env:"SA_KEY_FILE"`
	// UseMetadata authenticates through the cloud instance metadata service.
	UseMetadata bool   `yaml:"use_metadata" env:"USE_METADATA"`
	AccessToken string `yaml:"access_token" env:"ACCESS_TOKEN"`
}

// YDBRepository stores users in YDB. Email uniqueness lives in the
// users_by_email table since YDB has no unique secondary indexes.
type YDBRepository struct {
	sqlRepository
	driver *ydb.Driver
}

func NewYDBRepository(ctx context.Context, config *YDBConfig) (*YDBRepository, error) {
	if config.DSN == "" {
		return nil, errors.New("ydb dsn is required")
	}

	driver, err := ydb.Open(ctx, config.DSN, ydbOptions(config)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ydb: %w", err)
	}

	connector, err := ydb.Connector(driver,
		ydb.WithAutoDeclare(),
		ydb.WithPositionalArgs(),
	)
	if err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to create ydb connector: %w", err)
	}

	repo := &YDBRepository{
		sqlRepository: sqlRepository{
			db: sql.OpenDB(connector),
			dialect: sqlDialect{
				emailIndex: true,
				isConflict: isYDBConflict,
				txOptions:  &sql.TxOptions{Isolation: sql.LevelSerializable},
			},
		},
		driver: driver,
	}

	if err := repo.initSchema(ctx); err != nil {
		_ = repo.Close(ctx)
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

func ydbOptions(config *YDBConfig) []ydb.Option {
	switch {
	case config.ServiceAccountKeyFile != "":
		return []ydb.Option{
			yc.WithInternalCA(),
			yc.WithServiceAccountKeyFileCredentials(config.ServiceAccountKeyFile),
		}
	case config.UseMetadata:
		return []ydb.Option{
			yc.WithInternalCA(),
			yc.WithMetadataCredentials(),
		}
	case config.AccessToken != "":
		return []ydb.Option{ydb.WithAccessTokenCredentials(config.AccessToken)}
	default:
		return []ydb.Option{ydb.WithAnonymousCredentials()}
	}
}

func (r *YDBRepository) initSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(ydbSchema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if err := r.driver.Query().Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *YDBRepository) Close(ctx context.Context) error {
	return errors.Join(r.db.Close(), r.driver.Close(ctx))
}

// isYDBConflict reports a primary key collision on INSERT, which YDB returns
// as PRECONDITION_FAILED.
func isYDBConflict(err error) bool {
	if err == nil {
		return false
	}
	if ydb.IsOperationError(err, Ydb.StatusIds_PRECONDITION_FAILED) {
		return true
	}
	return strings.Contains(err.Error(), "Conflict with existing key")
}
