package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq" // postgres driver

	"accesslens/pkg/platform/sentinel"
)

// PostgresAccountSource reads quota accounts from the tenant record store.
// Tenant rows are owned by the onboarding/billing services; this source is
// read-only.
type PostgresAccountSource struct {
	db *sql.DB
}

// NewPostgres constructs an account source over an existing connection pool.
func NewPostgres(db *sql.DB) *PostgresAccountSource {
	return &PostgresAccountSource{db: db}
}

// Open dials the tenant record store and verifies connectivity.
func Open(dsn string) (*PostgresAccountSource, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open tenant record store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping tenant record store: %w", err)
	}
	return &PostgresAccountSource{db: db}, nil
}

func (s *PostgresAccountSource) Account(ctx context.Context, tenantID string) (*Account, error) {
	const query = `
		SELECT tenant_id, scan_credits, max_concurrent_scans
		FROM tenant_accounts
		WHERE tenant_id = $1`

	account := &Account{}
	err := s.db.QueryRowContext(ctx, query, tenantID).
		Scan(&account.TenantID, &account.ScanCredits, &account.MaxConcurrentScans)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("tenant %s: %w", tenantID, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("query tenant account: %w: %v", sentinel.ErrUnavailable, err)
	}
	return account, nil
}

// Close releases the underlying connection pool.
func (s *PostgresAccountSource) Close() error {
	return s.db.Close()
}
