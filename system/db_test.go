package system

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"gorm.io/gorm"

	"planet/api/config"
	"planet/api/log"
)

type logRow struct {
	ID   string `gorm:"primaryKey;size:16"`
	Name string
}

func TestOpenDbLogsThroughLogPackage(t *testing.T) {
	var buf bytes.Buffer
	l := log.Logger()
	prev := l.Out
	l.SetOutput(&buf)
	t.Cleanup(func() { l.SetOutput(prev) })

	db, err := InitDb(config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "log.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := db.AutoMigrate(&logRow{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	buf.Reset()
	var row logRow
	if err := db.Where("id = ?", "missing").Take(&row).Error; !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
	if strings.Contains(buf.String(), "record not found") {
		t.Fatalf("a plain miss should not be logged, got %q", buf.String())
	}

	if err := db.Table("no_such_table").Take(&row).Error; err == nil {
		t.Fatal("query on a missing table should fail")
	}
	if !strings.Contains(buf.String(), "no_such_table") {
		t.Fatalf("sql errors should go to the log package, got %q", buf.String())
	}
}
