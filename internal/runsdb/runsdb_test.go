package runsdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHumanSize(t *testing.T) {
	tests := []struct {
		n    uint64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 << 20, "5.0 MiB"},
		{3 << 30, "3.0 GiB"},
		{1 << 40, "1.0 TiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HumanSize(tt.n), "HumanSize(%d)", tt.n)
	}
}

func TestOpenNoDB(t *testing.T) {
	for _, driver := range []string{"", "none", "NONE"} {
		r, err := Open(Config{Driver: driver})
		require.NoError(t, err)
		assert.IsType(t, NoDB{}, r)
		assert.NoError(t, r.RecordRun(context.Background(), &RunRecord{Name: "x"}))
		assert.NoError(t, r.Close())
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "sqlite"})
	assert.Error(t, err)
}

func TestMySQLDSN(t *testing.T) {
	assert.Equal(t, "u:p@tcp(127.0.0.1:3306)/runs?parseTime=true",
		mysqlDSN(Config{User: "u", Password: "p"}))
	assert.Equal(t, "u:p@tcp(db:3307)/xe1t?parseTime=true",
		mysqlDSN(Config{User: "u", Password: "p", Addr: "db:3307", Database: "xe1t"}))
	assert.Equal(t, "given", mysqlDSN(Config{DSN: "given", User: "u"}))
}

func TestFillFromEnv(t *testing.T) {
	t.Setenv("OBELIX_DB_USER", "daq")
	t.Setenv("OBELIX_DB_PASSWORD", "secret")
	cfg := Config{User: "operator"}
	cfg.fillFromEnv()
	assert.Equal(t, "operator", cfg.User)
	assert.Equal(t, "secret", cfg.Password)
}
