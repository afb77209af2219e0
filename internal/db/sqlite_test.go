package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The mode= URI parameter has no underscore prefix; the underscore forms
// are driver pragmas and "_mode" would be silently ignored, leaving the
// reader pool read-write.
func TestDSNModes(t *testing.T) {
	writer := writerDSN("/tmp/agentmux.db")
	assert.Contains(t, writer, "mode=rwc")
	assert.NotContains(t, writer, "_mode=")
	assert.Contains(t, writer, "_journal_mode=WAL")

	reader := readerDSN("/tmp/agentmux.db")
	assert.Contains(t, reader, "mode=ro")
	assert.NotContains(t, reader, "_mode=")
}

func TestReaderPoolIsReadOnly(t *testing.T) {
	path := t.TempDir() + "/agentmux.db"

	writer, err := Open(path)
	require.NoError(t, err)
	defer writer.Close()
	_, err = writer.Exec(`CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)`)
	require.NoError(t, err)
	_, err = writer.Exec(`INSERT INTO notes (body) VALUES ('hello')`)
	require.NoError(t, err)

	reader, err := OpenReader(path)
	require.NoError(t, err)
	defer reader.Close()

	var body string
	require.NoError(t, reader.Get(&body, `SELECT body FROM notes WHERE id = 1`))
	assert.Equal(t, "hello", body)

	_, err = reader.Exec(`INSERT INTO notes (body) VALUES ('nope')`)
	assert.Error(t, err)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	database, err := OpenMemory()
	require.NoError(t, err)
	defer database.Close()
	_, err = database.Exec(`CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)`)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = WithTx(context.Background(), database, func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(`INSERT INTO notes (body) VALUES ('doomed')`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, database.Get(&count, `SELECT COUNT(*) FROM notes`))
	assert.Zero(t, count)
}
