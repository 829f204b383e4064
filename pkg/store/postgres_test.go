package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fleetwatch/pkg/fleet"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	return &Postgres{orm: gdb}, mock
}

func TestPostgresDeleteServer(t *testing.T) {
	p, mock := newMockPostgres(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "server_metrics" WHERE server_id = $1`)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "servers" WHERE id = $1`)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, p.DeleteServer(context.Background(), id))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteServerRollsBackOnMetricsFailure(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "server_metrics" WHERE server_id = $1`)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnError(errors.New("lock timeout"))
	mock.ExpectRollback()

	err := p.DeleteServer(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete metrics")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteServerMissing(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "server_metrics" WHERE server_id = $1`)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "servers" WHERE id = $1`)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := p.DeleteServer(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateServerStatus(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "servers" SET "status"=$1 WHERE id = $2`)).
		WithArgs("unreachable", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, p.UpdateServerStatus(context.Background(), uuid.New(), fleet.StatusUnreachable))

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "servers" SET "status"=$1 WHERE id = $2`)).
		WithArgs("online", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := p.UpdateServerStatus(context.Background(), uuid.New(), fleet.StatusOnline)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewPostgresRequiresHandles(t *testing.T) {
	_, err := NewPostgres(nil, nil)
	assert.Error(t, err)
}

func TestPostgresUpsertFilesWritesDuplicatePathOnce(t *testing.T) {
	p, mock := newMockPostgres(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "files"`)).
		WithArgs(
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := p.UpsertFiles(context.Background(), []fleet.FileUpsert{
		{Record: fleet.FileRecord{ServerID: id, Path: "/a", Type: fleet.FileTypeFile, SizeGB: 1}},
		{Record: fleet.FileRecord{ServerID: id, Path: "/a", Type: fleet.FileTypeFile, SizeGB: 2}},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
