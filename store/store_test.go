package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaiahub/nodehub/model"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestUpsertDevice(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectExec("INSERT INTO devices").
		WithArgs("d1", "linux", "x64", "1.0", "1.2.3.4", now, "{}").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpsertDevice(context.Background(), model.Device{
		DeviceID: "d1", OS: "linux", Arch: "x64", Version: "1.0",
		ClientAddress: "1.2.3.4", LoginTime: now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepExpiredOrdering(t *testing.T) {
	s, mock := newMock(t)
	now := time.Unix(500, 0).UTC()

	mock.ExpectExec("UPDATE node_status SET status = 'unavail'").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE node_status SET status = 'offline'").
		WillReturnResult(sqlmock.NewResult(0, 1))

	avail, active, err := s.SweepExpired(context.Background(), now, 60*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), avail)
	assert.Equal(t, int64(1), active)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNodeByIDNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("SELECT (.|\n)* FROM node_status").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(nil))

	n, err := s.GetNodeByID(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, n)
}

func TestDomainNodeUpsert(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("INSERT INTO domain_nodes").
		WithArgs("chat", "n1", int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.DomainNodeUpsert(context.Background(), model.DomainMembership{Domain: "chat", NodeID: "n1", Weight: 10})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
