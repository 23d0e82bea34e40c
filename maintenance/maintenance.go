// Package maintenance is the Maintenance Scheduler (MS): three periodic
// jobs — expiry sweep, active health probe, cross-store reconciliation —
// each optionally coordinated across replicas through a Router Store lease
// (spec.md §4.6).
package maintenance

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/gaiahub/nodehub/model"
	"github.com/gaiahub/nodehub/routerstore"
	"github.com/gaiahub/nodehub/store"
)

const (
	leaseExpiry    = "expiry_nodes_lock"
	leaseHealth    = "check_nodes_health_lock"
	leaseReconcile = "cross_compare_domain_nodes_lock"
)

// Config carries every tunable the three jobs need.
type Config struct {
	Cluster bool

	LivingTTL time.Duration

	ExpirySweepInterval time.Duration

	HealthProbeInterval    time.Duration
	HealthProbeConcurrency int
	HealthProbeTimeout     time.Duration
	HealthProbePageSize    int
	HealthProbeMinLivedSec int64
	HealthProbeLeaseTTL    time.Duration

	ReconcileInterval time.Duration
	ReconcileLeaseTTL time.Duration
}

// Scheduler drives the three jobs with robfig/cron, converting each
// interval into an "@every" cron spec.
type Scheduler struct {
	ss     *store.Store
	rs     *routerstore.RouterStore
	cfg    Config
	log    zerolog.Logger
	holder string

	cron    *cron.Cron
	probeCh chan struct{} // bounds concurrent probes

	metrics metrics
}

type metrics struct {
	sweepRuns       prometheus.Counter
	sweepAvail      prometheus.Counter
	sweepActive     prometheus.Counter
	probeRuns       prometheus.Counter
	probeUnavail    prometheus.Counter
	reconcileRuns     prometheus.Counter
	reconcileJoins    prometheus.Counter
	reconcileLeaves   prometheus.Counter
	reconcileReweighs prometheus.Counter
	leaseSkips        *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) metrics {
	m := metrics{
		sweepRuns:   prometheus.NewCounter(prometheus.CounterOpts{Name: "nodehub_expiry_sweep_runs_total"}),
		sweepAvail:  prometheus.NewCounter(prometheus.CounterOpts{Name: "nodehub_expiry_sweep_unavail_total"}),
		sweepActive: prometheus.NewCounter(prometheus.CounterOpts{Name: "nodehub_expiry_sweep_offline_total"}),
		probeRuns:   prometheus.NewCounter(prometheus.CounterOpts{Name: "nodehub_health_probe_runs_total"}),
		probeUnavail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nodehub_health_probe_unavail_total",
		}),
		reconcileRuns:     prometheus.NewCounter(prometheus.CounterOpts{Name: "nodehub_reconcile_runs_total"}),
		reconcileJoins:    prometheus.NewCounter(prometheus.CounterOpts{Name: "nodehub_reconcile_joins_total"}),
		reconcileLeaves:   prometheus.NewCounter(prometheus.CounterOpts{Name: "nodehub_reconcile_leaves_total"}),
		reconcileReweighs: prometheus.NewCounter(prometheus.CounterOpts{Name: "nodehub_reconcile_reweighs_total"}),
		leaseSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodehub_lease_skips_total",
		}, []string{"job"}),
	}
	if reg != nil {
		reg.MustRegister(m.sweepRuns, m.sweepAvail, m.sweepActive, m.probeRuns, m.probeUnavail,
			m.reconcileRuns, m.reconcileJoins, m.reconcileLeaves, m.reconcileReweighs, m.leaseSkips)
	}
	return m
}

func New(ss *store.Store, rs *routerstore.RouterStore, cfg Config, log zerolog.Logger, reg prometheus.Registerer) *Scheduler {
	return &Scheduler{
		ss:      ss,
		rs:      rs,
		cfg:     cfg,
		log:     log.With().Str("component", "maintenance").Logger(),
		holder:  uuid.NewString(),
		cron:    cron.New(),
		probeCh: make(chan struct{}, cfg.HealthProbeConcurrency),
		metrics: newMetrics(reg),
	}
}

// Start schedules all three jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(everySpec(s.cfg.ExpirySweepInterval), func() {
		s.runWithLease(leaseExpiry, s.cfg.ExpirySweepInterval, "expiry_sweep", s.runExpirySweep)
	}); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(everySpec(s.cfg.HealthProbeInterval), func() {
		s.runWithLease(leaseHealth, s.cfg.HealthProbeLeaseTTL, "health_probe", s.runHealthProbe)
	}); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(everySpec(s.cfg.ReconcileInterval), func() {
		s.runWithLease(leaseReconcile, s.cfg.ReconcileLeaseTTL, "reconcile", s.runReconcile)
	}); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func everySpec(d time.Duration) string {
	if d <= 0 {
		d = time.Minute
	}
	return "@every " + d.String()
}

// runWithLease acquires name's lease (when cluster mode is on) before
// running fn; a failed acquisition silently skips the cycle (spec §7).
func (s *Scheduler) runWithLease(name string, ttl time.Duration, jobLabel string, fn func(ctx context.Context)) {
	ctx := context.Background()
	if s.cfg.Cluster {
		ok, err := s.rs.TryAcquireLease(ctx, name, s.holder, ttl)
		if err != nil {
			s.log.Error().Err(err).Str("lease", name).Msg("lease acquisition failed")
			return
		}
		if !ok {
			s.metrics.leaseSkips.WithLabelValues(jobLabel).Inc()
			return
		}
	}
	fn(ctx)
}

// runExpirySweep runs SS.SweepExpired per spec §4.1/§4.6.
func (s *Scheduler) runExpirySweep(ctx context.Context) {
	s.metrics.sweepRuns.Inc()
	avail, active, err := s.ss.SweepExpired(ctx, time.Now().UTC(), s.cfg.LivingTTL)
	if err != nil {
		s.log.Error().Err(err).Msg("expiry sweep failed")
		return
	}
	s.metrics.sweepAvail.Add(float64(avail))
	s.metrics.sweepActive.Add(float64(active))
	s.log.Info().Int64("marked_unavail", avail).Int64("marked_offline", active).Msg("expiry sweep complete")
}

// runHealthProbe paginates living nodes and fans out bounded-concurrency
// streaming chat-completion probes (spec §4.6).
func (s *Scheduler) runHealthProbe(ctx context.Context) {
	s.metrics.probeRuns.Inc()
	client := &http.Client{Timeout: s.cfg.HealthProbeTimeout}

	var cursor time.Time
	for {
		page, err := s.ss.QueryLivingPaged(ctx, s.cfg.HealthProbeMinLivedSec, s.cfg.HealthProbePageSize, cursor)
		if err != nil {
			s.log.Error().Err(err).Msg("health probe: page query failed")
			return
		}
		if len(page.Nodes) == 0 {
			return
		}

		var wg sync.WaitGroup
		for _, n := range page.Nodes {
			n := n
			wg.Add(1)
			s.probeCh <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-s.probeCh }()
				s.probeOne(ctx, client, n)
			}()
		}
		wg.Wait()

		cursor = page.NextLoginAfter
		if page.Short {
			return
		}
	}
}

// probeOne issues a streaming chat-completion request and applies the
// deliberate outcome rule: only an explicit non-2xx marks the node unavail;
// network/timeout errors are treated as healthy (spec §4.6, Open Question 2).
func (s *Scheduler) probeOne(ctx context.Context, client *http.Client, n model.Node) {
	url := "https://" + n.Subdomain + "/v1/chat/completions"
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.HealthProbeTimeout)
	defer cancel()

	body := `{"model":"` + n.ChatModel + `","stream":true,"messages":[{"role":"user","content":"ping"}]}`
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		s.log.Error().Err(err).Str("node_id", n.NodeID).Msg("health probe: build request failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		// Timeout/network error: conservative, treat as healthy.
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.metrics.probeUnavail.Inc()
		if err := s.ss.UpdateNodeAvail(ctx, n.NodeID, time.Now().UTC(), model.StatusUnavail); err != nil {
			s.log.Error().Err(err).Str("node_id", n.NodeID).Msg("health probe: mark unavail failed")
		}
	}
}

// runReconcile repairs I3 between SS and RS for every domain (spec §4.6).
func (s *Scheduler) runReconcile(ctx context.Context) {
	s.metrics.reconcileRuns.Inc()
	domains, err := s.ss.DomainNodeListDomains(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("reconcile: list domains failed")
		return
	}

	for _, d := range domains {
		ssSet, err := s.ss.GetOnlineByDomain(ctx, d)
		if err != nil {
			s.log.Error().Err(err).Str("domain", d).Msg("reconcile: SS query failed")
			continue
		}
		rsSet, err := s.rs.List(ctx, d)
		if err != nil {
			s.log.Error().Err(err).Str("domain", d).Msg("reconcile: RS list failed")
			continue
		}

		ssByNode := make(map[string]int64, len(ssSet))
		for _, m := range ssSet {
			ssByNode[m.NodeID] = m.Weight
		}
		rsByNode := make(map[string]int64, len(rsSet))
		for _, m := range rsSet {
			rsByNode[m.NodeID] = m.Weight
		}

		for nodeID, w := range ssByNode {
			rw, ok := rsByNode[nodeID]
			switch {
			case !ok:
				s.log.Info().Str("domain", d).Str("node_id", nodeID).Msg("reconcile: joining node missing from RS")
				if err := s.rs.Join(ctx, d, nodeID, w); err != nil {
					s.log.Error().Err(err).Str("domain", d).Str("node_id", nodeID).Msg("reconcile: join failed")
					continue
				}
				s.metrics.reconcileJoins.Inc()
			case rw != w:
				s.log.Info().Str("domain", d).Str("node_id", nodeID).Int64("ss_weight", w).Int64("rs_weight", rw).
					Msg("reconcile: correcting stale RS weight")
				if err := s.rs.Upjoin(ctx, d, nodeID, w); err != nil {
					s.log.Error().Err(err).Str("domain", d).Str("node_id", nodeID).Msg("reconcile: upjoin failed")
					continue
				}
				s.metrics.reconcileReweighs.Inc()
			}
		}
		for nodeID, w := range rsByNode {
			if _, ok := ssByNode[nodeID]; !ok {
				s.log.Info().Str("domain", d).Str("node_id", nodeID).Msg("reconcile: removing stale RS member")
				if err := s.rs.Leave(ctx, d, nodeID, w); err != nil {
					s.log.Error().Err(err).Str("domain", d).Str("node_id", nodeID).Msg("reconcile: leave failed")
					continue
				}
				s.metrics.reconcileLeaves.Inc()
			}
		}
	}
}
