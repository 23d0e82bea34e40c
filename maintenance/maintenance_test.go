package maintenance

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gaiahub/nodehub/config"
	"github.com/gaiahub/nodehub/redisclient"
	"github.com/gaiahub/nodehub/routerstore"
	"github.com/gaiahub/nodehub/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, sqlmock.Sqlmock, *routerstore.RouterStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rc, err := redisclient.New(&config.Config{RedisURL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	rs := routerstore.New(rc)

	cfg := Config{
		LivingTTL:              3 * time.Minute,
		HealthProbeConcurrency: 4,
		HealthProbeTimeout:     time.Second,
	}
	s := New(store.New(db), rs, cfg, zerolog.Nop(), nil)
	return s, mock, rs
}

func TestRunExpirySweepOrdering(t *testing.T) {
	s, mock, _ := newTestScheduler(t)

	mock.ExpectExec("UPDATE node_status SET status = 'unavail'").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE node_status SET status = 'offline'").WillReturnResult(sqlmock.NewResult(0, 1))

	s.runExpirySweep(context.Background())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunReconcileJoinsAndLeaves(t *testing.T) {
	s, mock, rs := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, rs.Join(ctx, "chat", "A", 10))
	require.NoError(t, rs.Join(ctx, "chat", "C", 5))

	mock.ExpectQuery("SELECT DISTINCT domain").WillReturnRows(sqlmock.NewRows([]string{"domain"}).AddRow("chat"))
	mock.ExpectQuery("SELECT dn.domain, dn.node_id, dn.weight").
		WithArgs("chat").
		WillReturnRows(sqlmock.NewRows([]string{"domain", "node_id", "weight"}).
			AddRow("chat", "A", 10).
			AddRow("chat", "B", 20))

	s.runReconcile(ctx)
	require.NoError(t, mock.ExpectationsWereMet())

	members, err := rs.List(ctx, "chat")
	require.NoError(t, err)

	byNode := map[string]int64{}
	for _, m := range members {
		byNode[m.NodeID] = m.Weight
	}
	require.Equal(t, int64(10), byNode["A"])
	require.Equal(t, int64(20), byNode["B"])
	_, hasC := byNode["C"]
	require.False(t, hasC)
}

func TestLeaseSkipWhenClusterModeAndLeaseHeld(t *testing.T) {
	s, _, rs := newTestScheduler(t)
	s.cfg.Cluster = true

	ok, err := rs.TryAcquireLease(context.Background(), leaseExpiry, "other-holder", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ran := false
	s.runWithLease(leaseExpiry, time.Minute, "expiry_sweep", func(ctx context.Context) { ran = true })
	require.False(t, ran)
}
