package tunnel

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gaiahub/nodehub/config"
	"github.com/gaiahub/nodehub/redisclient"
	"github.com/gaiahub/nodehub/routerstore"
	"github.com/gaiahub/nodehub/store"
)

func newTestProcessor(t *testing.T) (*Processor, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rc, err := redisclient.New(&config.Config{RedisURL: "redis://" + mr.Addr()})
	require.NoError(t, err)

	ss := store.New(db)
	rs := routerstore.New(rc)
	return NewProcessor(ss, rs, zerolog.Nop()), mock, mr
}

func TestProcessLoginUpsertsDevice(t *testing.T) {
	p, mock, _ := newTestProcessor(t)

	mock.ExpectExec("INSERT INTO devices").WillReturnResult(sqlmock.NewResult(0, 1))

	ev := Event{Op: "Login", Content: []byte(`{
		"metas": {"deviceId": "d1"},
		"os": "linux", "arch": "x64", "version": "1.0",
		"client_address": "1.2.3.4"
	}`)}
	p.Process(context.Background(), "", ev)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessLoginMissingDeviceIDNoops(t *testing.T) {
	p, mock, _ := newTestProcessor(t)

	ev := Event{Op: "Login", Content: []byte(`{"os":"linux"}`)}
	p.Process(context.Background(), "", ev)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessPingBumpsLastActive(t *testing.T) {
	p, mock, _ := newTestProcessor(t)

	mock.ExpectExec("UPDATE node_status SET last_active_time").WillReturnResult(sqlmock.NewResult(0, 1))

	ev := Event{Op: "Ping", Content: []byte(`{"user":{"metas":{"deviceId":"d1"}}}`)}
	p.Process(context.Background(), "", ev)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessUnrecognizedOpIsIgnored(t *testing.T) {
	p, mock, _ := newTestProcessor(t)
	ev := Event{Op: "Bogus", Content: []byte(`{}`)}
	p.Process(context.Background(), "", ev)
	require.NoError(t, mock.ExpectationsWereMet())
}
