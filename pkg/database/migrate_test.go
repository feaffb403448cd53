package database

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationNamesOrdered(t *testing.T) {
	names, err := MigrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_schema.sql", names[0])
	assert.IsIncreasing(t, names)
}

func TestSchemaDeclaresUniqueKeys(t *testing.T) {
	raw, err := migrationsFS.ReadFile("migrations/001_schema.sql")
	require.NoError(t, err)
	sql := string(raw)
	assert.True(t, strings.Contains(sql, "UNIQUE (organization_id, email)"))
	assert.True(t, strings.Contains(sql, "UNIQUE (organization_id, event_id, contact_id)"))
	assert.True(t, strings.Contains(sql, "PRIMARY KEY (provider, event_id)"))
}
