package routerstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *RouterStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return &RouterStore{c: c}
}

func TestJoinUpjoinPreservesOrder(t *testing.T) {
	rs := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, rs.Join(ctx, "D", "A", 10))
	require.NoError(t, rs.Join(ctx, "D", "B", 20))
	require.NoError(t, rs.Join(ctx, "D", "C", 30))
	require.NoError(t, rs.Upjoin(ctx, "D", "B", 50))

	members, err := rs.List(ctx, "D")
	require.NoError(t, err)
	require.Equal(t, []Member{
		{NodeID: "A", Weight: 10},
		{NodeID: "B", Weight: 50},
		{NodeID: "C", Weight: 30},
	}, members)

	scores, err := rs.c.ZRangeWithScores(ctx, domainKey("D"), 0, -1).Result()
	require.NoError(t, err)
	require.Equal(t, []float64{10, 60, 90}, []float64{scores[0].Score, scores[1].Score, scores[2].Score})
}

func TestLeaveShiftsFollowing(t *testing.T) {
	rs := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, rs.Join(ctx, "D", "A", 10))
	require.NoError(t, rs.Join(ctx, "D", "B", 50))
	require.NoError(t, rs.Join(ctx, "D", "C", 30))

	require.NoError(t, rs.Leave(ctx, "D", "B", 50))

	members, err := rs.List(ctx, "D")
	require.NoError(t, err)
	require.Equal(t, []Member{
		{NodeID: "A", Weight: 10},
		{NodeID: "C", Weight: 30},
	}, members)
}

func TestUpjoinOnAbsentMemberJoins(t *testing.T) {
	rs := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, rs.Upjoin(ctx, "D", "A", 7))

	members, err := rs.List(ctx, "D")
	require.NoError(t, err)
	require.Equal(t, []Member{{NodeID: "A", Weight: 7}}, members)
}

func TestLeaveAbsentIsNoop(t *testing.T) {
	rs := newTestStore(t)
	require.NoError(t, rs.Leave(context.Background(), "D", "ghost", 5))
}

func TestSubdomainMapping(t *testing.T) {
	rs := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, rs.SetSubdomainFRPS(ctx, "n1", "frps_0"))
	got, err := rs.c.Get(ctx, "n1").Result()
	require.NoError(t, err)
	require.Equal(t, "frps_0", got)

	require.NoError(t, rs.DelSubdomain(ctx, "n1"))
	_, err = rs.c.Get(ctx, "n1").Result()
	require.ErrorIs(t, err, redis.Nil)
}

func TestTryAcquireLease(t *testing.T) {
	rs := newTestStore(t)
	ctx := context.Background()

	ok, err := rs.TryAcquireLease(ctx, "expiry_nodes_lock", "holder-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = rs.TryAcquireLease(ctx, "expiry_nodes_lock", "holder-2", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}
