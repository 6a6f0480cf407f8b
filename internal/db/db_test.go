package db

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrationFilesAreEmbeddedInOrder(t *testing.T) {
	files, err := migrationFiles()
	require.NoError(t, err)
	require.Len(t, files, 2)
	require.Equal(t, "0001_orders.sql", files[0])

	body, err := migrationFS.ReadFile("migrations/0001_orders.sql")
	require.NoError(t, err)
	require.Contains(t, string(body), "orders_status_created_at_idx")

	require.Equal(t, "0002_payment_tx_unique.sql", files[1])
	body, err = migrationFS.ReadFile("migrations/0002_payment_tx_unique.sql")
	require.NoError(t, err)
	require.Contains(t, string(body), "UNIQUE INDEX")
}
