package auxdb

import (
	"context"
	"testing"

	"github.com/etienne-leroy/FTILlite/protocol"
	"github.com/stretchr/testify/require"
)

func TestMemorySourceRead(t *testing.T) {
	src := NewMemorySource()
	src.Set("SELECT account_id, bank_id, name FROM accounts", [][]any{
		{int64(100), 1, "alice"},
		{int64(101), 2, []byte("bob-with-a-long-name")},
	})

	cols, err := src.Read(context.Background(), "SELECT account_id, bank_id, name FROM accounts",
		[]protocol.TypeCode{protocol.Int, protocol.Float, protocol.Bytes(4)})
	require.NoError(t, err)
	require.Len(t, cols, 3)

	require.Equal(t, []int64{100, 101}, cols[0].Ints)
	require.Equal(t, []float64{1, 2}, cols[1].Floats)
	require.Equal(t, [][]byte{[]byte("alic"), []byte("bob-")}, cols[2].Bytes)
	require.Equal(t, 2, cols[2].Len())
}

func TestMemorySourcePadsShortBytes(t *testing.T) {
	src := NewMemorySource()
	src.Set("q", [][]any{{"ab"}})

	cols, err := src.Read(context.Background(), "q", []protocol.TypeCode{protocol.Bytes(4)})
	require.NoError(t, err)
	require.Equal(t, []byte{'a', 'b', 0, 0}, cols[0].Bytes[0])
}

func TestMemorySourceErrors(t *testing.T) {
	src := NewMemorySource()
	src.Set("q", [][]any{{int64(1)}})

	_, err := src.Read(context.Background(), "missing", []protocol.TypeCode{protocol.Int})
	require.Error(t, err)

	_, err = src.Read(context.Background(), "q", []protocol.TypeCode{protocol.Point})
	require.ErrorIs(t, err, protocol.ErrTypeMismatch)

	_, err = src.Read(context.Background(), "q", []protocol.TypeCode{protocol.Int, protocol.Int})
	require.Error(t, err)
}

func TestPostgresConnectionString(t *testing.T) {
	cfg := &PostgresConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "ftil"}
	require.Equal(t, "host=db port=5432 user=u password=p dbname=ftil sslmode=disable", cfg.ConnectionString())
}
