package db

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	t.Parallel()

	t.Run("splits on top-level semicolons", func(t *testing.T) {
		t.Parallel()

		stmts, err := splitStatements("CREATE TABLE a (id int);\nCREATE TABLE b (id int);")
		require.NoError(t, err)
		require.Equal(t, []string{
			"CREATE TABLE a (id int)",
			"CREATE TABLE b (id int)",
		}, stmts)
	})

	t.Run("trailing statement without semicolon", func(t *testing.T) {
		t.Parallel()

		stmts, err := splitStatements("SELECT 1; SELECT 2")
		require.NoError(t, err)
		require.Equal(t, []string{"SELECT 1", "SELECT 2"}, stmts)
	})

	t.Run("semicolon inside string literal", func(t *testing.T) {
		t.Parallel()

		stmts, err := splitStatements(`INSERT INTO t VALUES ('a;b');`)
		require.NoError(t, err)
		require.Equal(t, []string{`INSERT INTO t VALUES ('a;b')`}, stmts)
	})

	t.Run("doubled quote escapes", func(t *testing.T) {
		t.Parallel()

		stmts, err := splitStatements(`INSERT INTO t VALUES ('it''s; fine');`)
		require.NoError(t, err)
		require.Equal(t, []string{`INSERT INTO t VALUES ('it''s; fine')`}, stmts)
	})

	t.Run("dollar-quoted function body survives", func(t *testing.T) {
		t.Parallel()

		sql := `CREATE FUNCTION notify_change() RETURNS trigger AS $$
BEGIN
  PERFORM pg_notify('forge_changes', '{}');
  RETURN NEW;
END;
$$ LANGUAGE plpgsql;
CREATE TABLE t (id int);`

		stmts, err := splitStatements(sql)
		require.NoError(t, err)
		require.Len(t, stmts, 2)
		require.Contains(t, stmts[0], "RETURN NEW;")
		require.Equal(t, "CREATE TABLE t (id int)", stmts[1])
	})

	t.Run("tagged dollar quotes", func(t *testing.T) {
		t.Parallel()

		stmts, err := splitStatements(`SELECT $body$a; b$body$; SELECT 2;`)
		require.NoError(t, err)
		require.Len(t, stmts, 2)
		require.Equal(t, `SELECT $body$a; b$body$`, stmts[0])
	})

	t.Run("positional parameters are not dollar quotes", func(t *testing.T) {
		t.Parallel()

		stmts, err := splitStatements(`SELECT * FROM t WHERE id = $1; SELECT 2;`)
		require.NoError(t, err)
		require.Len(t, stmts, 2)
	})

	t.Run("comments keep their semicolons", func(t *testing.T) {
		t.Parallel()

		stmts, err := splitStatements("-- setup; not a boundary\nSELECT 1;\n/* also; not */ SELECT 2;")
		require.NoError(t, err)
		require.Len(t, stmts, 2)
	})

	t.Run("unterminated quote errors", func(t *testing.T) {
		t.Parallel()

		_, err := splitStatements(`SELECT 'oops`)
		require.ErrorIs(t, err, ErrUnterminatedQuote)

		_, err = splitStatements(`SELECT $$oops`)
		require.ErrorIs(t, err, ErrUnterminatedQuote)
	})
}
