package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrei-cloud/posguard/internal/storage/storagetest"
)

func TestStore(t *testing.T) {
	dsn := os.Getenv("POSGUARD_TEST_DSN")
	if dsn == "" {
		t.Skip("POSGUARD_TEST_DSN not set")
	}

	ctx := context.Background()
	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.pool.Exec(ctx, `TRUNCATE posguard_kv`)
	require.NoError(t, err)

	storagetest.Run(t, s)
}

func TestEscapeLike(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `counter/receipt\_x\%`, escapeLike("counter/receipt_x%"))
	assert.Equal(t, `a\\b`, escapeLike(`a\b`))
}
