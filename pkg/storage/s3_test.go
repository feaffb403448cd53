package storage

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestValidateImportFile(t *testing.T) {
	assert.True(t, ValidateImportFile("text/csv", "members.csv"))
	assert.True(t, ValidateImportFile("text/csv; charset=utf-8", "members.CSV"))
	assert.True(t, ValidateImportFile("", "members.csv"))
	assert.True(t, ValidateImportFile("application/vnd.ms-excel", "export.csv"))
	assert.True(t, ValidateImportFile("application/octet-stream", "export.csv"))
	assert.False(t, ValidateImportFile("text/csv", "members.xlsx"))
	assert.False(t, ValidateImportFile("image/png", "members.csv"))
}

func TestImportKey(t *testing.T) {
	org := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	ev := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	job := uuid.MustParse("33333333-3333-3333-3333-333333333333")
	assert.Equal(t,
		"imports/11111111-1111-1111-1111-111111111111/22222222-2222-2222-2222-222222222222/33333333-3333-3333-3333-333333333333.csv",
		ImportKey(org, ev, job))
}
