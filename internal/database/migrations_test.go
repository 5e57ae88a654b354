package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/courier/internal/messages"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsMessageStatus(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&messages.Message{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	// a row written before the delivery receipt rollout carries no status.
	insert := `INSERT INTO messages
		(message_id, conversation_id, sender_id, content, kind, status, sequence, sent_at, is_deleted)
		VALUES ('m-1', 'conv-1', 'alice', 'hello', 'text', '', 1, '2023-01-01 00:00:00', 0)`
	if err := database.Exec(insert).Error; err != nil {
		testContext.Fatalf("failed to insert legacy row: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored messages.Message
	if err := database.Where("message_id = ?", "m-1").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload message: %v", err)
	}
	if stored.Status != messages.StatusSent {
		testContext.Fatalf("expected backfilled sent status, got %q", stored.Status)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillMessageStatus).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	// a second run is a no-op.
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected reapplication to succeed: %v", err)
	}
}

func TestOpenSQLiteInitializesSchema(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "courier.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	for _, table := range []string{"users", "conversations", "messages", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %q to exist", table)
		}
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		testContext.Fatal("expected error for empty database path")
	}
}
