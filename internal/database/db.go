package database

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	sqliteGo "github.com/mattn/go-sqlite3"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const CustomDriverName = "sqlite3_extended"

const DefaultFile = "danceshare.db"

var ErrRecordNotFound = gorm.ErrRecordNotFound

func init() {
	sql.Register(CustomDriverName,
		&sqliteGo.SQLiteDriver{
			ConnectHook: func(conn *sqliteGo.SQLiteConn) error {
				err := conn.RegisterFunc(
					"gen_random_uuid",
					func(arguments ...interface{}) (string, error) {
						u, err := uuid.NewRandom()
						if err != nil {
							return "", err
						}
						return u.String(), nil
					},
					true,
				)
				return err
			},
		},
	)
}

// NewDb opens the pooled handle shared by every component and migrates the schema.
func NewDb(file string, logLevel logger.LogLevel) (*gorm.DB, error) {
	// writers queue on the sqlite write lock
	dsn := file + "?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL"
	conn, err := sql.Open(CustomDriverName, dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db, err := gorm.Open(sqlite.Dialector{
		DriverName: CustomDriverName,
		DSN:        dsn,
		Conn:       conn,
	}, &gorm.Config{
		Logger:                   logger.Default.LogMode(logLevel),
		SkipDefaultTransaction:   true,
		DisableNestedTransaction: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&Account{},
		&Group{},
		&GroupMember{},
		&Video{},
		&UploadSession{},
		&UploadChunk{},
	); err != nil {
		return nil, errors.Join(err, conn.Close())
	}
	return db, nil
}
