package nodeapi

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gaiahub/nodehub/apierr"
	"github.com/gaiahub/nodehub/store"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(store.New(db), 3*time.Minute, zerolog.Nop()), mock
}

func TestUpdateNodeInfoRejectsMissingModelNames(t *testing.T) {
	s, _ := newTestService(t)
	err := s.UpdateNodeInfo(context.Background(), "n1", nodeInfoRequest{NodeVersion: "1.0"})
	require.True(t, apierr.Is(err, apierr.KindInvalidRequest))
}

func TestUpdateNodeInfoWritesColumns(t *testing.T) {
	s, mock := newTestService(t)
	mock.ExpectExec("UPDATE node_status SET node_version").
		WithArgs("n1", "1.2", "gpt", "embed").
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := nodeInfoRequest{NodeVersion: "1.2"}
	req.ChatModel.Name = "gpt"
	req.EmbeddingModel.Name = "embed"
	require.NoError(t, s.UpdateNodeInfo(context.Background(), "n1", req))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateNodeHealthNotFound(t *testing.T) {
	s, mock := newTestService(t)
	mock.ExpectQuery("SELECT").WithArgs("ghost").WillReturnRows(sqlmock.NewRows(nil))

	err := s.UpdateNodeHealth(context.Background(), "ghost", nodeHealthRequest{Health: true})
	require.True(t, apierr.Is(err, apierr.KindNotFound))
}
