package storage

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"resume-ingest/internal/config"
	"resume-ingest/internal/storage/models"
)

func newMockMySQL(t *testing.T) (*MySQL, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	gdb, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	m, err := NewMySQLWithDB(gdb, &config.MySQLConfig{Database: "resume_ingest"}, zerolog.Nop())
	require.NoError(t, err)
	return m, mock
}

func TestSaveRunUpserts(t *testing.T) {
	m, mock := newMockMySQL(t)

	mock.ExpectExec("INSERT INTO `ingest_runs` .* ON DUPLICATE KEY UPDATE").
		WillReturnResult(sqlmock.NewResult(0, 1))

	run := &models.IngestRun{RunID: "0190f5a4-7c2e-7d55-9d1e-3d3c1a2b4c5d", Stage: "uploading_original"}
	require.NoError(t, m.SaveRun(context.Background(), run))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRunRequiresID(t *testing.T) {
	m, _ := newMockMySQL(t)
	assert.Error(t, m.SaveRun(context.Background(), &models.IngestRun{}))
	assert.Error(t, m.SaveRun(context.Background(), nil))
}

func TestGetRun(t *testing.T) {
	m, mock := newMockMySQL(t)

	mock.ExpectQuery("SELECT \\* FROM `ingest_runs` WHERE run_id = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"run_id", "stage"}))

	_, err := m.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	mock.ExpectQuery("SELECT \\* FROM `ingest_runs` WHERE run_id = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"run_id", "stage", "status_text"}).
			AddRow("r1", "done", "Analysis complete, redirecting..."))

	run, err := m.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "done", run.Stage)
	assert.Equal(t, "Analysis complete, redirecting...", run.StatusText)
	assert.NoError(t, mock.ExpectationsWereMet())
}
