package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butler-registry/pkg/run"
)

func TestPlaceholderRewrite(t *testing.T) {
	pg := &DB{dialect: DialectPostgres}
	lite := &DB{dialect: DialectSQLite}

	q := `SELECT * FROM t WHERE a = $1 AND b = $2 LIMIT $3`
	assert.Equal(t, q, pg.q(q))
	assert.Equal(t, `SELECT * FROM t WHERE a = ? AND b = ? LIMIT ?`, lite.q(q))

	assert.Equal(t, " FOR UPDATE", pg.forUpdate())
	assert.Equal(t, "", lite.forUpdate())
}

func TestTransitionRunSQL(t *testing.T) {
	ctx := context.Background()

	t.Run("terminal transition clears token and stamps completion", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer func() { _ = db.Close() }()
		d := NewWithDB(db, DialectPostgres)

		mock.ExpectExec(`UPDATE module_runs SET status = \$1, completed_at = \$2, callback_token_hash = NULL`).
			WithArgs(run.StatusFailed, sqlmock.AnyArg(), "run-1", run.StatusRunning).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, d.TransitionRun(ctx, "run-1", run.StatusRunning, run.StatusFailed))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lost race reports current status", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer func() { _ = db.Close() }()
		d := NewWithDB(db, DialectPostgres)

		mock.ExpectExec(`UPDATE module_runs SET status = \$1`).
			WithArgs(run.StatusConfirmed, "run-2", run.StatusPlanned).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT status FROM module_runs WHERE id = \$1`).
			WithArgs("run-2").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("discarded"))

		err = d.TransitionRun(ctx, "run-2", run.StatusPlanned, run.StatusConfirmed)
		assert.ErrorIs(t, err, ErrConflict)
		assert.Contains(t, err.Error(), "discarded")
	})

	t.Run("illegal transition never hits the database", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer func() { _ = db.Close() }()
		d := NewWithDB(db, DialectPostgres)

		err = d.TransitionRun(ctx, "run-3", run.StatusSucceeded, run.StatusRunning)
		assert.ErrorIs(t, err, run.ErrIllegalTransition)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCursorRoundTrip(t *testing.T) {
	enc := EncodeCursor("2026-01-02T15:04:05Z", "id-7")
	cur, err := DecodeCursor(enc)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-02T15:04:05Z", cur.Value)
	assert.Equal(t, "id-7", cur.ID)

	_, err = DecodeCursor("%%%")
	assert.Error(t, err)
}
