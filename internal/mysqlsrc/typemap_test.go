package mysqlsrc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapColumnType(t *testing.T) {
	tests := []struct {
		in   string
		want Family
	}{
		{"VARCHAR", FamilyText},
		{"CHAR", FamilyText},
		{"BIT", FamilyText},
		{"DATETIME", FamilyTimestamp},
		{"TIMESTAMP", FamilyTimestamp},
		{"YEAR", FamilyTimestamp},
		{"SMALLINT", FamilyInt2},
		{"TINYINT", FamilyInt4},
		{"INT", FamilyInt4},
		{"MEDIUMINT", FamilyInt4},
		{"BIGINT", FamilyInt8},
		{"FLOAT", FamilyFloat4},
		{"DOUBLE", FamilyFloat8},
		{"DECIMAL", FamilyNumeric},
		{"varchar", FamilyText}, // case-insensitive
	}
	for _, tt := range tests {
		got, err := MapColumnType(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestMapColumnTypeUnsupported(t *testing.T) {
	for _, name := range []string{"BLOB", "TEXT", "GEOMETRY", "JSON", "SET", "ENUM"} {
		_, err := MapColumnType(name)
		assert.Error(t, err, name)
	}
}

func TestQuoted(t *testing.T) {
	assert.True(t, FamilyText.Quoted())
	for _, f := range []Family{FamilyTimestamp, FamilyInt2, FamilyInt4, FamilyInt8, FamilyFloat4, FamilyFloat8, FamilyNumeric} {
		assert.False(t, f.Quoted())
	}
}

func TestRenderRow(t *testing.T) {
	var sb strings.Builder
	renderRow(&sb,
		[][]byte{[]byte("1"), []byte("o'brien"), []byte("2024-01-01 00:00:00")},
		[]Family{FamilyInt4, FamilyText, FamilyTimestamp})
	assert.Equal(t, "1|'o''brien'|2024-01-01 00:00:00\n", sb.String())
}

func TestRenderRowNull(t *testing.T) {
	var sb strings.Builder
	renderRow(&sb,
		[][]byte{[]byte("2"), nil},
		[]Family{FamilyInt4, FamilyText})
	assert.Equal(t, "2|\n", sb.String())
}

func TestRenderRowEmptyString(t *testing.T) {
	var sb strings.Builder
	renderRow(&sb,
		[][]byte{[]byte("")},
		[]Family{FamilyText})
	// Empty string stays distinguishable from NULL under QUOTE ''''.
	assert.Equal(t, "''\n", sb.String())
}
