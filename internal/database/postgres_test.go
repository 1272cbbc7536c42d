package database

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTransaction(t *testing.T) {
	testCases := []struct {
		name      string
		fnErr     error
		setupMock func(mock sqlmock.Sqlmock)
		wantErr   bool
	}{
		{
			name: "commits on success",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE paper").WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
		},
		{
			name:  "rolls back on error",
			fnErr: errors.New("boom"),
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE paper").WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectRollback()
			},
			wantErr: true,
		},
		{
			name: "begin failure",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin().WillReturnError(errors.New("connection refused"))
			},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()
			tc.setupMock(mock)

			err = WithTransaction(context.Background(), sqlx.NewDb(db, "postgres"), func(tx *sqlx.Tx) error {
				if _, err := tx.Exec("UPDATE paper SET target_id = 1"); err != nil {
					return err
				}
				return tc.fnErr
			})
			assert.Equal(t, tc.wantErr, err != nil)
			if tc.fnErr != nil {
				assert.ErrorIs(t, err, tc.fnErr)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestApplyPoolDefaults(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sdb := sqlx.NewDb(db, "postgres")
	applyPool(sdb, Config{})
	assert.Equal(t, DefaultMaxOpenConns, sdb.Stats().MaxOpenConnections)
}
