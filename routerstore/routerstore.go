// Package routerstore is the Router Store (RS): the in-memory shared
// key/value store holding subdomain→tunnel-server mappings and per-domain
// cumulative-score weighted membership (spec.md §4.2).
package routerstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gaiahub/nodehub/apierr"
	"github.com/gaiahub/nodehub/redisclient"
)

// Member is one (node_id, logical weight) pair in RS.list order.
type Member struct {
	NodeID string
	Weight int64
}

type RouterStore struct {
	c *redis.Client
}

func New(rc *redisclient.Client) *RouterStore {
	return &RouterStore{c: rc.Raw()}
}

func domainKey(domain string) string {
	return domain + "_nodes_weights"
}

// Join appends N to D's zset with a cumulative score of s_last + w, run
// inside a watch/multi/exec transaction so concurrent joins don't race on
// the tail (spec §4.2).
func (r *RouterStore) Join(ctx context.Context, domain, nodeID string, weight int64) error {
	key := domainKey(domain)
	return r.withRetry(ctx, key, func(tx *redis.Tx) error {
		last, err := tx.ZRevRangeWithScores(ctx, key, 0, 0).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		sLast := float64(0)
		if len(last) > 0 {
			sLast = last[0].Score
		}
		newScore := sLast + float64(weight)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, key, redis.Z{Score: newScore, Member: nodeID})
			return nil
		})
		return err
	})
}

// Upjoin adds-or-replaces N's weight while preserving its position
// (spec §4.2). Following members (rank >= N's rank) get their cumulative
// score shifted by delta = newWeight - oldWeight.
func (r *RouterStore) Upjoin(ctx context.Context, domain, nodeID string, weight int64) error {
	key := domainKey(domain)
	return r.withRetry(ctx, key, func(tx *redis.Tx) error {
		rank, err := tx.ZRank(ctx, key, nodeID).Result()
		if errors.Is(err, redis.Nil) {
			sub := r.Join(ctx, domain, nodeID, weight)
			return sub
		}
		if err != nil {
			return err
		}

		all, err := tx.ZRangeWithScores(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}

		var oldWeight float64
		if rank == 0 {
			oldWeight = all[0].Score
		} else {
			oldWeight = all[rank].Score - all[rank-1].Score
		}
		delta := float64(weight) - oldWeight
		if delta == 0 {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i := int(rank); i < len(all); i++ {
				pipe.ZAdd(ctx, key, redis.Z{Score: all[i].Score + delta, Member: all[i].Member})
			}
			return nil
		})
		return err
	})
}

// Leave decrements every strictly-following member's score by w and
// removes N (spec §4.2). No-op if N is absent.
func (r *RouterStore) Leave(ctx context.Context, domain, nodeID string, weight int64) error {
	key := domainKey(domain)
	return r.withRetry(ctx, key, func(tx *redis.Tx) error {
		rank, err := tx.ZRank(ctx, key, nodeID).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}

		all, err := tx.ZRangeWithScores(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i := int(rank) + 1; i < len(all); i++ {
				pipe.ZAdd(ctx, key, redis.Z{Score: all[i].Score - float64(weight), Member: all[i].Member})
			}
			pipe.ZRem(ctx, key, nodeID)
			return nil
		})
		return err
	})
}

// List returns D's members in position order with logical (non-cumulative)
// weights, computed as adjacent score differences.
func (r *RouterStore) List(ctx context.Context, domain string) ([]Member, error) {
	zs, err := r.c.ZRangeWithScores(ctx, domainKey(domain), 0, -1).Result()
	if err != nil {
		return nil, apierr.StoreUnavailable(err)
	}
	out := make([]Member, 0, len(zs))
	prev := float64(0)
	for _, z := range zs {
		out = append(out, Member{NodeID: z.Member.(string), Weight: int64(z.Score - prev)})
		prev = z.Score
	}
	return out, nil
}

// SetSubdomainFRPS records which tunnel-server instance owns a subdomain.
func (r *RouterStore) SetSubdomainFRPS(ctx context.Context, subdomain, frpsID string) error {
	if err := r.c.Set(ctx, subdomain, frpsID, 0).Err(); err != nil {
		return apierr.StoreUnavailable(err)
	}
	return nil
}

func (r *RouterStore) DelSubdomain(ctx context.Context, subdomain string) error {
	if err := r.c.Del(ctx, subdomain).Err(); err != nil {
		return apierr.StoreUnavailable(err)
	}
	return nil
}

// TryAcquireLease is a conditional SET NX EX; returns whether it was acquired.
func (r *RouterStore) TryAcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	ok, err := r.c.SetNX(ctx, name, holder, ttl).Result()
	if err != nil {
		return false, apierr.StoreUnavailable(err)
	}
	return ok, nil
}

// withRetry runs fn inside a Watch transaction on key, retrying once on an
// optimistic-concurrency abort per spec §4.2 ("a retry on abort is
// acceptable but not required").
func (r *RouterStore) withRetry(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	err := r.c.Watch(ctx, fn, key)
	if errors.Is(err, redis.TxFailedErr) {
		err = r.c.Watch(ctx, fn, key)
	}
	if err != nil {
		return apierr.Wrap(apierr.KindConflict, "router store transaction failed", err)
	}
	return nil
}
