package migrations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tabler interface {
	TableName() string
}

func TestTablesHaveDistinctNames(t *testing.T) {
	seen := make(map[string]bool)
	for _, table := range Tables() {
		named, ok := table.(tabler)
		require.True(t, ok, "%T has no TableName", table)
		name := named.TableName()
		assert.False(t, seen[name], "duplicate table %s", name)
		seen[name] = true
	}
	assert.Len(t, seen, 7)
	assert.Equal(t, "encounters", Tables()[0].(tabler).TableName(), "parent table is created first")
}
