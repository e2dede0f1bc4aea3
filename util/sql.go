package util

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/settings"
	"github.com/bsv-blockchain/chainvalidator/ulogger"
	"github.com/bsv-blockchain/chainvalidator/util/usql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

type SQLEngine string

const (
	Postgres     SQLEngine = "postgres"
	Sqlite       SQLEngine = "sqlite"
	SqliteMemory SQLEngine = "sqlitememory"
)

// InitSQLDB opens the database named by storeURL: postgres://, sqlite:/// (a file in the data
// folder) or sqlitememory:/// (a private in-memory database).
func InitSQLDB(logger ulogger.Logger, storeURL *url.URL, tSettings *settings.Settings) (*usql.DB, error) {
	switch SQLEngine(storeURL.Scheme) {
	case Postgres:
		return InitPostgresDB(logger, storeURL, tSettings)
	case Sqlite, SqliteMemory:
		return InitSQLiteDB(logger, storeURL, tSettings)
	}

	return nil, errors.NewConfigurationError("db: unknown scheme: %s", storeURL.Scheme)
}

func InitPostgresDB(logger ulogger.Logger, storeURL *url.URL, tSettings *settings.Settings) (*usql.DB, error) {
	dbHost := storeURL.Hostname()
	dbPort, _ := strconv.Atoi(storeURL.Port())
	dbName := dbNameFromURL(storeURL)
	dbUser := ""
	dbPassword := ""

	if storeURL.User != nil {
		dbUser = storeURL.User.Username()
		dbPassword, _ = storeURL.User.Password()
	}

	sslMode := "disable"
	if val := storeURL.Query().Get("sslmode"); val != "" {
		sslMode = val
	}

	dbInfo := fmt.Sprintf("user=%s password=%s dbname=%s sslmode=%s host=%s port=%d", dbUser, dbPassword, dbName, sslMode, dbHost, dbPort)

	db, err := usql.Open("postgres", dbInfo)
	if err != nil {
		return nil, errors.NewStorageError("failed to open postgres DB", err)
	}

	logger.Infof("[InitPostgresDB] using postgres DB: %s@%s:%d/%s", dbUser, dbHost, dbPort, dbName)

	db.SetMaxIdleConns(tSettings.Stores.PostgresMaxIdleConns)
	db.SetMaxOpenConns(tSettings.Stores.PostgresMaxOpenConns)

	return db, nil
}

func InitSQLiteDB(logger ulogger.Logger, storeURL *url.URL, tSettings *settings.Settings) (*usql.DB, error) {
	var (
		filename string
		err      error
	)

	if SQLEngine(storeURL.Scheme) == SqliteMemory {
		// every memory store gets its own database, shared by the connections of the pool
		filename = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	} else {
		folder := tSettings.DataFolder
		if err = os.MkdirAll(folder, 0o755); err != nil {
			return nil, errors.NewStorageError("failed to create data folder %s", folder, err)
		}

		filename, err = filepath.Abs(path.Join(folder, dbNameFromURL(storeURL)+".db"))
		if err != nil {
			return nil, errors.NewStorageError("failed to get absolute path for sqlite DB", err)
		}

		// fail fast rather than masking lock contention behind a long busy timeout
		filename = fmt.Sprintf("%s?cache=shared&_pragma=busy_timeout=5000&_pragma=journal_mode=WAL", filename)
	}

	logger.Infof("[InitSQLiteDB] using sqlite DB: %s", filename)

	db, err := usql.Open("sqlite", filename)
	if err != nil {
		return nil, errors.NewStorageError("failed to open sqlite DB", err)
	}

	if _, err = db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, errors.NewStorageError("could not enable foreign keys support", err)
	}

	if SQLEngine(storeURL.Scheme) == SqliteMemory {
		// a shared memory database disappears with its last connection
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}

	return db, nil
}

func dbNameFromURL(storeURL *url.URL) string {
	name := path.Base(storeURL.Path)
	if name == "/" || name == "." || name == "" {
		return "blockindex"
	}

	return name
}
