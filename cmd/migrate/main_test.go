package main

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/saviobatista/fleetsync/internal/db/migrations"
	"github.com/saviobatista/fleetsync/internal/testutils"
)

func TestRunMigrations(t *testing.T) {
	all := migrations.All()

	tests := []struct {
		name       string
		mode       mode
		setupMock  func(sqlmock.Sqlmock)
		wantOutput string
		wantErr    error
	}{
		{
			name: "migrate applies pending",
			mode: modeMigrate,
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`CREATE TABLE IF NOT EXISTS migrations`).WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery(`SELECT name FROM migrations`).
					WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow(all[0].Name))
				mock.ExpectBegin()
				mock.ExpectExec(`add_retention_policy`).WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectExec(`INSERT INTO migrations`).WithArgs(all[1].Name).WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()
			},
			wantOutput: "applied 1 migrations",
		},
		{
			name: "status lists pending",
			mode: modeStatus,
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`CREATE TABLE IF NOT EXISTS migrations`).WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery(`SELECT name FROM migrations`).
					WillReturnRows(sqlmock.NewRows([]string{"name"}))
			},
			wantOutput: "2 of 2 migrations pending",
		},
		{
			name: "rollback with nothing applied",
			mode: modeRollback,
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT name FROM migrations`).
					WillReturnRows(sqlmock.NewRows([]string{"name"}))
			},
			wantErr: migrations.ErrNothingToRollback,
		},
		{
			name: "rollback last",
			mode: modeRollback,
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT name FROM migrations`).
					WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow(all[0].Name).AddRow(all[1].Name))
				mock.ExpectBegin()
				mock.ExpectExec(`DROP MATERIALIZED VIEW`).WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectExec(`DELETE FROM migrations`).WithArgs(all[1].Name).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
			wantOutput: "rolled back " + all[1].Name,
		},
		{
			name: "initialize failure",
			mode: modeMigrate,
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`CREATE TABLE IF NOT EXISTS migrations`).WillReturnError(sql.ErrConnDone)
			},
			wantErr: sql.ErrConnDone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("Failed to create mock DB: %v", err)
			}
			defer db.Close()
			tt.setupMock(mock)

			var out bytes.Buffer
			err = runMigrations(context.Background(), db, tt.mode, &out, testutils.DiscardLogger())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("runMigrations() = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("runMigrations() failed: %v", err)
			}
			if !strings.Contains(out.String(), tt.wantOutput) {
				t.Errorf("output = %q, want %q", out.String(), tt.wantOutput)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("Unmet expectations: %v", err)
			}
		})
	}
}
