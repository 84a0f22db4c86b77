// Package mysql provides the MySQL implementation of the storage
// ports. It behaves identically to the sqlite and postgres backends;
// the conformance suite in adapters/storetest is the contract.
package mysql

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/artpar/toolgate/ports"
	_ "github.com/go-sql-driver/mysql"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps a MySQL connection pool.
type DB struct {
	*sql.DB
}

// Open creates a new MySQL connection pool. The DSN is normalized so
// DATETIME columns scan into time.Time, migration files can hold more
// than one statement, and RowsAffected counts matched rows rather than
// changed ones. The last is load-bearing: checkFound and AddUsage read
// a zero as a missing row, and a no-op update (re-applying an
// identical status, clamping an already-zero counter) must not look
// like one.
func Open(dsn string, maxOpen, maxIdle int) (*DB, error) {
	dsn = normalizeDSN(dsn)
	db, err := sql.Open("mysql", dsn)
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

func normalizeDSN(dsn string) string {
	params := []string{"parseTime=true", "multiStatements=true", "clientFoundRows=true"}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, p := range params {
		key := p[:strings.Index(p, "=")]
		if !strings.Contains(dsn, key+"=") {
			dsn += sep + p
			sep = "&"
		}
	}
	return dsn
}

// Migrate runs all pending migrations.
func (db *DB) Migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(191) PRIMARY KEY,
			applied_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
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

	// MySQL DDL commits implicitly, so migrations are not wrapped in a
	// transaction; each file must be safe to re-run after a partial
	// failure.
	for _, name := range migrations {
		version := strings.TrimSuffix(name, ".sql")
		if applied[version] {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("execute migration %s: %w", name, err)
		}

		if _, err := db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return db.DB.Close()
}

// Store bundles the MySQL stores behind ports.Store.
type Store struct {
	db *DB
}

// NewStore creates the MySQL storage adapter.
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
