package domainapi

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gaiahub/nodehub/config"
	"github.com/gaiahub/nodehub/redisclient"
	"github.com/gaiahub/nodehub/routerstore"
	"github.com/gaiahub/nodehub/store"

	"github.com/alicebob/miniredis/v2"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rc, err := redisclient.New(&config.Config{RedisURL: "redis://" + mr.Addr()})
	require.NoError(t, err)

	return New(store.New(db), routerstore.New(rc), zerolog.Nop()), mock
}

func TestCreateSkipsInvalidDomainName(t *testing.T) {
	s, _ := newTestService(t)
	results := s.CreateOrUpdate(context.Background(), []UpsertRequest{
		{Domain: "bad domain!", NodesWeights: []NodeWeight{{NodeID: "n1", Weight: 1}}},
	})
	require.Len(t, results, 1)
	require.Equal(t, ResultSkipped, results[0].Code)
}

func TestCreateNodeNotExist(t *testing.T) {
	s, mock := newTestService(t)
	mock.ExpectQuery("SELECT domain, node_id, weight FROM domain_nodes").
		WithArgs("chat", "n1").WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectQuery("SELECT (.|\n)* FROM node_status").
		WithArgs("n1").WillReturnRows(sqlmock.NewRows(nil))

	results := s.CreateOrUpdate(context.Background(), []UpsertRequest{
		{Domain: "Chat", NodesWeights: []NodeWeight{{NodeID: "n1", Weight: 5}}},
	})
	require.Equal(t, ResultNodeNotExist, results[0].Code)
}

func TestRemoveReportsRemovedCode(t *testing.T) {
	s, mock := newTestService(t)
	mock.ExpectQuery("SELECT domain, node_id, weight FROM domain_nodes").
		WithArgs("chat", "n1").
		WillReturnRows(sqlmock.NewRows([]string{"domain", "node_id", "weight"}).AddRow("chat", "n1", 5))
	mock.ExpectExec("DELETE FROM domain_nodes").
		WithArgs("chat", "n1").WillReturnResult(sqlmock.NewResult(0, 1))

	results := s.Remove(context.Background(), []RemoveRequest{
		{Domain: "Chat", NodesIDs: []string{"n1"}},
	})
	require.Len(t, results, 1)
	require.Equal(t, ResultRemoved, results[0].Code)
}
