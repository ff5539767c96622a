//go:build integration

package sqlstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/dwsmith1983/auditlane/internal/provider/providertest"
)

func TestMySQLConformance(t *testing.T) {
	ctx := context.Background()
	container, err := tcmysql.Run(ctx, "mysql:8.0.36",
		tcmysql.WithDatabase("auditlane"),
		tcmysql.WithUsername("auditlane"),
		tcmysql.WithPassword("auditlane"),
	)
	if err != nil {
		t.Skipf("mysql container not available: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "parseTime=true", "loc=UTC")
	require.NoError(t, err)

	prov, err := New(&Config{Driver: DriverMySQL, DSN: dsn, AutoMigrate: true})
	require.NoError(t, err)
	require.NoError(t, prov.Start(ctx))
	t.Cleanup(func() { _ = prov.Stop(context.Background()) })

	providertest.RunAll(t, prov)
}
