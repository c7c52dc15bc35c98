// Package testutil opens throwaway databases for package tests.
package testutil

import (
	"fmt"
	"io"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/officialexam/exam-api/internal/utils/db"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

// OpenSQLite returns an in-memory database migrated for models. The pool is
// limited to one connection, so concurrent transactions run one after the
// other the way row locks serialise them on postgres.
func OpenSQLite(t testing.TB, models ...any) *gorm.DB {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	dsn := fmt.Sprintf("file:testdb%d?mode=memory&cache=shared&_pragma=foreign_keys(1)", dbSeq.Add(1))
	gdb, err := gorm.Open(sqlite.Open(dsn), db.Config(log))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := gdb.AutoMigrate(models...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

// Discard is a logger that drops everything.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
