package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/artpar/toolgate/adapters/storetest"
	"github.com/artpar/toolgate/ports"
)

func openTestStore(t *testing.T) ports.Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "toolgate.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(db)
}

func TestConformance(t *testing.T) {
	storetest.Run(t, openTestStore)
}

func TestMigrateIdempotent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "toolgate.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}
