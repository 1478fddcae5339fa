package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/konorlevich/danceshare/internal/config"
	"github.com/konorlevich/danceshare/internal/database"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "danceshare",
		Short:         "Video sharing for dance groups",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(addUserCmd())
	rootCmd.AddCommand(groupCmd())
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

// setup loads the config and opens the database every command works on.
func setup() (*config.Config, *gorm.DB, *log.Entry, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	lg := log.New()
	lg.SetLevel(cfg.Level())
	l := lg.WithField("db_file", cfg.DBFile)

	dbLogLevel := logger.Error
	if cfg.Level() >= log.DebugLevel {
		dbLogLevel = logger.Info
	}
	db, err := database.NewDb(cfg.DBFile, dbLogLevel)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, db, l, nil
}

func closeDb(db *gorm.DB, l *log.Entry) {
	conn, err := db.DB()
	if err != nil {
		return
	}
	if err := conn.Close(); err != nil {
		l.WithError(err).Error("can't close database")
	}
}
