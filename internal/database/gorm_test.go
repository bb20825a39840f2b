package database

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"whatsapp-crm/internal/config"
	"whatsapp-crm/internal/models"
)

func TestOpen_SQLiteAndMigrate(t *testing.T) {
	cfg := &config.Config{DBDriver: "sqlite", DBPath: filepath.Join(t.TempDir(), "app.db")}

	db, err := Open(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	for _, m := range []any{&models.Contact{}, &models.Message{}, &models.Conversation{}, &models.Campaign{}, &models.Flow{}, &models.FlowStep{}} {
		if !db.Migrator().HasTable(m) {
			t.Fatalf("missing table for %T", m)
		}
	}
}

func TestOpen_MissingDirectory(t *testing.T) {
	cfg := &config.Config{DBDriver: "sqlite", DBPath: filepath.Join(t.TempDir(), "nope", "app.db")}
	if _, err := Open(cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected error for missing parent directory")
	}
}
