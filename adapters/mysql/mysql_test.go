package mysql

import (
	"os"
	"strings"
	"testing"

	"github.com/artpar/toolgate/adapters/storetest"
	"github.com/artpar/toolgate/ports"
)

func TestNormalizeDSN(t *testing.T) {
	got := normalizeDSN("root:root@tcp(localhost:3306)/toolgate")
	for _, param := range []string{"parseTime=true", "multiStatements=true", "clientFoundRows=true"} {
		if !strings.Contains(got, param) {
			t.Errorf("normalized DSN %q missing %s", got, param)
		}
	}

	// Caller-supplied params win; missing ones are still appended.
	got = normalizeDSN("root:root@tcp(localhost:3306)/toolgate?parseTime=false")
	if strings.Contains(got, "parseTime=true") {
		t.Errorf("normalized DSN %q overrode caller's parseTime", got)
	}
	if !strings.Contains(got, "clientFoundRows=true") {
		t.Errorf("normalized DSN %q missing clientFoundRows", got)
	}
}

// TestConformance needs a real server. Point TOOLGATE_TEST_MYSQL_DSN at
// a scratch database, e.g.
//
//	root:root@tcp(localhost:3306)/toolgate_test
//
// The suite drops and recreates the tables for every subtest, so the
// database must be disposable.
func TestConformance(t *testing.T) {
	dsn := os.Getenv("TOOLGATE_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("TOOLGATE_TEST_MYSQL_DSN not set")
	}

	tables := []string{
		"credit_transactions", "reservations", "usage_records", "subscriptions",
		"payment_intents", "webhook_events", "accounts", "schema_migrations",
	}

	storetest.Run(t, func(t *testing.T) ports.Store {
		db, err := Open(dsn, 10, 5)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		for _, table := range tables {
			if _, err := db.Exec("DROP TABLE IF EXISTS " + table); err != nil {
				db.Close()
				t.Fatalf("drop %s: %v", table, err)
			}
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			t.Fatalf("migrate: %v", err)
		}
		return NewStore(db)
	})
}
