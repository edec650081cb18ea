package database_test

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-checkout/internal/database"
	"storefront-checkout/internal/database/dbtest"
)

func TestMigrate_Idempotent(t *testing.T) {
	db, cleanup := dbtest.Setup(t)
	defer cleanup()

	// already applied by Setup
	require.NoError(t, database.Migrate(db))

	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM information_schema.tables WHERE table_name IN
		('orders', 'order_items', 'variant_size_stock', 'commission_transactions', 'cart_items', 'resellers')`).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
}

func TestHealth_Up(t *testing.T) {
	db, cleanup := dbtest.Setup(t)
	defer cleanup()

	svc := database.New(db, "testdb", slog.New(slog.NewTextHandler(io.Discard, nil)))
	stats := svc.Health(context.Background())
	assert.Equal(t, "up", stats["status"])
	assert.Contains(t, stats, "open_connections")
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	db, cleanup := dbtest.Setup(t)
	defer cleanup()
	ctx := context.Background()

	err := database.WithTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO variant_size_stock (variant_id, size, quantity) VALUES ('V1', 'M', 1)`); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM variant_size_stock`).Scan(&n))
	assert.Zero(t, n)
}
