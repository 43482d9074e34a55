package testutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leftmike/mvstore/sql"
	"github.com/leftmike/mvstore/testutil"
)

func TestCleanDir(t *testing.T) {
	dir := filepath.Join("testdata", "clean")
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, testutil.CleanDir(dir, nil))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "remove"), nil, 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "subdir", "deep"), 0755))
	require.NoError(t, testutil.CleanDir(dir, []string{"keep"}))

	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	require.Equal(t, "keep", ents[0].Name())
}

func TestSortRows(t *testing.T) {
	rows := [][]sql.Value{
		{sql.Int64Value(2), sql.StringValue("b")},
		{sql.Int64Value(1), sql.StringValue("z")},
		{sql.Int64Value(2), sql.StringValue("a")},
		{nil, sql.StringValue("n")},
	}
	testutil.SortRows(rows, 0, 1)
	require.Equal(t, [][]sql.Value{
		{nil, sql.StringValue("n")},
		{sql.Int64Value(1), sql.StringValue("z")},
		{sql.Int64Value(2), sql.StringValue("a")},
		{sql.Int64Value(2), sql.StringValue("b")},
	}, rows)
}
