//go:build integration

package quota_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"accesslens/internal/resilience/quota"
	"accesslens/internal/resilience/store"
	"accesslens/pkg/platform/sentinel"
	"accesslens/pkg/testutil/containers"
)

type PostgresAccountSourceSuite struct {
	suite.Suite
	pg     *containers.PostgresContainer
	source *quota.PostgresAccountSource
	ctx    context.Context
}

func TestPostgresAccountSourceSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresAccountSourceSuite))
}

func (s *PostgresAccountSourceSuite) SetupSuite() {
	s.ctx = context.Background()
	s.pg = containers.NewPostgresContainer(s.T())

	_, err := s.pg.DB.ExecContext(s.ctx, `
		CREATE TABLE tenant_accounts (
			tenant_id            TEXT PRIMARY KEY,
			scan_credits         BIGINT NOT NULL,
			max_concurrent_scans BIGINT NOT NULL
		)`)
	s.Require().NoError(err)

	s.source = quota.NewPostgres(s.pg.DB)
}

func (s *PostgresAccountSourceSuite) SetupTest() {
	_, err := s.pg.DB.ExecContext(s.ctx, `TRUNCATE tenant_accounts`)
	s.Require().NoError(err)
}

func (s *PostgresAccountSourceSuite) seed(tenantID string, credits, slots int64) {
	_, err := s.pg.DB.ExecContext(s.ctx, `
		INSERT INTO tenant_accounts (tenant_id, scan_credits, max_concurrent_scans)
		VALUES ($1, $2, $3)`, tenantID, credits, slots)
	s.Require().NoError(err)
}

func (s *PostgresAccountSourceSuite) TestAccount() {
	s.seed("tenant-1", 250, 4)

	account, err := s.source.Account(s.ctx, "tenant-1")
	s.Require().NoError(err)
	s.Equal("tenant-1", account.TenantID)
	s.Equal(int64(250), account.ScanCredits)
	s.Equal(int64(4), account.MaxConcurrentScans)
}

func (s *PostgresAccountSourceSuite) TestAccount_NotFound() {
	_, err := s.source.Account(s.ctx, "nobody")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresAccountSourceSuite) TestControllerOverPostgres() {
	s.seed("tenant-1", 2, 1)

	c, err := quota.New(store.NewMemory(), s.source)
	s.Require().NoError(err)

	adm, err := c.Reserve(s.ctx, "tenant-1", quota.ResourceScanCredits)
	s.Require().NoError(err)
	s.True(adm.Granted)
	s.Equal(int64(1), adm.Remaining)

	adm, err = c.Reserve(s.ctx, "tenant-1", quota.ResourceScanSlots)
	s.Require().NoError(err)
	s.True(adm.Granted)

	adm, err = c.Reserve(s.ctx, "tenant-1", quota.ResourceScanSlots)
	s.Require().NoError(err)
	s.False(adm.Granted)
}
