// Package postgres provides the PostgreSQL implementation of the
// storage ports. It behaves identically to the sqlite and mysql
// backends; the conformance suite in adapters/storetest is the
// contract.
package postgres

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/artpar/toolgate/ports"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps a PostgreSQL connection pool.
type DB struct {
	*sql.DB
}

// Open creates a new PostgreSQL connection pool.
func Open(dsn string, maxOpen, maxIdle int) (*DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{DB: db}, nil
}

// Migrate runs all pending migrations.
func (db *DB) Migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("query migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return fmt.Errorf("scan migration: %w", err)
		}
		applied[version] = true
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var migrations []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			migrations = append(migrations, entry.Name())
		}
	}
	sort.Strings(migrations)

	for _, name := range migrations {
		version := strings.TrimSuffix(name, ".sql")
		if applied[version] {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", name, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return db.DB.Close()
}

// Store bundles the PostgreSQL stores behind ports.Store.
type Store struct {
	db *DB
}

// NewStore creates the PostgreSQL storage adapter.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

func (s *Store) Accounts() ports.AccountStore             { return &AccountStore{db: s.db} }
func (s *Store) Ledger() ports.LedgerStore                { return &LedgerStore{db: s.db} }
func (s *Store) Subscriptions() ports.SubscriptionStore   { return &SubscriptionStore{db: s.db} }
func (s *Store) Usage() ports.UsageStore                  { return &UsageStore{db: s.db} }
func (s *Store) PaymentIntents() ports.PaymentIntentStore { return &PaymentIntentStore{db: s.db} }
func (s *Store) WebhookEvents() ports.WebhookEventStore   { return &WebhookEventStore{db: s.db} }
func (s *Store) Analytics() ports.AnalyticsStore          { return &AnalyticsStore{db: s.db} }
func (s *Store) Close() error                             { return s.db.Close() }

var _ ports.Store = (*Store)(nil)

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func checkFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ports.ErrNotFound
	}
	return nil
}
