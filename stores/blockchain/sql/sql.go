// Package sql implements the block index store on postgres and sqlite.
package sql

import (
	"context"
	"net/http"
	"net/url"

	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/settings"
	"github.com/bsv-blockchain/chainvalidator/ulogger"
	"github.com/bsv-blockchain/chainvalidator/util"
	"github.com/bsv-blockchain/chainvalidator/util/usql"
)

type SQL struct {
	db     *usql.DB
	engine util.SQLEngine
	logger ulogger.Logger
}

func New(logger ulogger.Logger, storeURL *url.URL, tSettings *settings.Settings) (*SQL, error) {
	logger = logger.New("bisql")

	db, err := util.InitSQLDB(logger, storeURL, tSettings)
	if err != nil {
		return nil, errors.NewStorageError("failed to init sql db", err)
	}

	engine := util.SQLEngine(storeURL.Scheme)

	switch engine {
	case util.Postgres:
		if err = createPostgresSchema(db); err != nil {
			return nil, errors.NewStorageError("failed to create postgres schema", err)
		}

	case util.Sqlite, util.SqliteMemory:
		if err = createSqliteSchema(db); err != nil {
			return nil, errors.NewStorageError("failed to create sqlite schema", err)
		}

	default:
		return nil, errors.NewConfigurationError("unknown database engine: %s", storeURL.Scheme)
	}

	return &SQL{
		db:     db,
		engine: engine,
		logger: logger,
	}, nil
}

func (s *SQL) GetDB() *usql.DB {
	return s.db
}

func (s *SQL) GetDBEngine() util.SQLEngine {
	return s.engine
}

func (s *SQL) Health(ctx context.Context, _ bool) (int, string, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return http.StatusFailedDependency, "Block index store", errors.NewStorageUnavailableError("block index database unavailable", err)
	}

	return http.StatusOK, "Block index store", nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}

func createPostgresSchema(db *usql.DB) error {
	if _, err := db.Exec(`
      CREATE TABLE IF NOT EXISTS state (
	    key            VARCHAR(32) PRIMARY KEY
	    ,data          BYTEA NOT NULL
        ,inserted_at   TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
        ,updated_at    TIMESTAMPTZ NULL
	  );
	`); err != nil {
		_ = db.Close()
		return errors.NewStorageError("could not create state table", err)
	}

	if _, err := db.Exec(`
      CREATE TABLE IF NOT EXISTS block_index (
	    hash            BYTEA PRIMARY KEY
	    ,previous_hash  BYTEA NOT NULL
	    ,header         BYTEA NOT NULL
	    ,height         BIGINT NOT NULL
	    ,status         BIGINT NOT NULL
	    ,tx_count       BIGINT NOT NULL
	    ,data_file      INTEGER NOT NULL
	    ,data_offset    BIGINT NOT NULL
	    ,undo_file      INTEGER NOT NULL
	    ,undo_offset    BIGINT NOT NULL
        ,inserted_at    TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
        ,updated_at     TIMESTAMPTZ NULL
	  );
	`); err != nil {
		_ = db.Close()
		return errors.NewStorageError("could not create block_index table", err)
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_block_index_height ON block_index (height);`); err != nil {
		_ = db.Close()
		return errors.NewStorageError("could not create idx_block_index_height index", err)
	}

	return nil
}

func createSqliteSchema(db *usql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS state (
		 key            VARCHAR(32) PRIMARY KEY
	    ,data           BLOB NOT NULL
        ,inserted_at    TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
        ,updated_at     TEXT NULL
	  );
	`); err != nil {
		_ = db.Close()
		return errors.NewStorageError("could not create state table", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS block_index (
		 hash           BLOB PRIMARY KEY
		,previous_hash  BLOB NOT NULL
		,header         BLOB NOT NULL
		,height         BIGINT NOT NULL
		,status         BIGINT NOT NULL
		,tx_count       BIGINT NOT NULL
		,data_file      INTEGER NOT NULL
		,data_offset    BIGINT NOT NULL
		,undo_file      INTEGER NOT NULL
		,undo_offset    BIGINT NOT NULL
        ,inserted_at    TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
        ,updated_at     TEXT NULL
	  );
	`); err != nil {
		_ = db.Close()
		return errors.NewStorageError("could not create block_index table", err)
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_block_index_height ON block_index (height);`); err != nil {
		_ = db.Close()
		return errors.NewStorageError("could not create idx_block_index_height index", err)
	}

	return nil
}
