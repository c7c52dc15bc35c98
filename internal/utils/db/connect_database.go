package db

import (
	"context"
	"fmt"
	"time"

	"github.com/officialexam/exam-api/internal/config"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config returns the gorm settings shared by every dialect this service
// opens: UTC timestamps, driver errors translated to gorm sentinels and
// logging routed through logrus.
func Config(log *logrus.Logger) *gorm.Config {
	return &gorm.Config{
		Logger: logger.New(log, logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Error,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	}
}

// ConnectDataBase opens the postgres pool described by cfg. Credentials from
// DB_USERNAME/DB_PASSWORD or the DB_SECRET_ID secret replace those in the DSN.
func ConnectDataBase(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*gorm.DB, error) {
	dsn, err := ResolveDSN(ctx, cfg, nil)
	if err != nil {
		return nil, err
	}

	database, err := gorm.Open(postgres.Open(dsn), Config(log))
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return database, nil
}
