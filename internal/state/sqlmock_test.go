package state

import (
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/esmflow/pkg/core"
)

func TestSQLiteStore_Errors(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(mock sqlmock.Sqlmock)
		call      func(s *SQLiteStore) error
		wantErr   string
	}{
		{
			name: "create run insert fails",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO runs").WillReturnError(errors.New("disk full"))
			},
			call: func(s *SQLiteStore) error {
				_, err := s.CreateRun("recipe", "dir")
				return err
			},
			wantErr: "failed to create run: disk full",
		},
		{
			name: "complete unknown run",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE runs SET status").
					WithArgs("completed", sqlmock.AnyArg(), sqlmock.AnyArg(), "nope").
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			call: func(s *SQLiteStore) error {
				return s.CompleteRun("nope", core.RunStatusCompleted, "")
			},
			wantErr: "run not found: nope",
		},
		{
			name: "get unknown run",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT (.+) FROM runs WHERE id").
					WithArgs("nope").
					WillReturnRows(sqlmock.NewRows([]string{"id"}))
			},
			call: func(s *SQLiteStore) error {
				_, err := s.GetRun("nope")
				return err
			},
			wantErr: "run not found: nope",
		},
		{
			name: "save outputs rolls back",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("DELETE FROM outputs").WithArgs("run-1").WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectPrepare("INSERT OR REPLACE INTO outputs").
					ExpectExec().WillReturnError(errors.New("constraint failed"))
				mock.ExpectRollback()
			},
			call: func(s *SQLiteStore) error {
				return s.SaveOutputs("run-1", []core.OutputRecord{{TaskName: "d/v", Filename: "f.nc"}})
			},
			wantErr: "failed to save output f.nc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()

			tt.setupMock(mock)
			err = tt.call(NewWithDB(db, nil))
			assert.ErrorContains(t, err, tt.wantErr)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
