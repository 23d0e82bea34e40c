// Package domainapi is the Domain Membership API (DMA): the only writer of
// domain membership in the State Store (spec.md §4.5).
package domainapi

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/gaiahub/nodehub/model"
	"github.com/gaiahub/nodehub/routerstore"
	"github.com/gaiahub/nodehub/store"
)

var domainNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type ResultCode string

const (
	ResultCreated      ResultCode = "created"
	ResultNodeNotExist ResultCode = "node_not_exist"
	ResultNodeOffline  ResultCode = "node_offline"
	ResultNoop         ResultCode = "noop"
	ResultUpdated      ResultCode = "updated"
	ResultRemoved      ResultCode = "removed"
	ResultSkipped      ResultCode = "skipped_invalid_domain"
)

// NodeWeight is one member of a domain's desired membership set, carried
// inside an UpsertRequest (spec.md §4.5, original_source/domain_nodes.rs's
// NodeWeight).
type NodeWeight struct {
	NodeID string `json:"node_id"`
	Weight int64  `json:"weight"`
}

// UpsertRequest is the wire shape of one element of the PUT /domain_nodes
// body: a domain plus every node that should be a member of it, mirroring
// original_source/domain_nodes.rs's DomainNodesWeights.
type UpsertRequest struct {
	Domain       string       `json:"domain"`
	NodesWeights []NodeWeight `json:"nodes_weights"`
}

// RemoveRequest is the wire shape of one element of the DELETE
// /domain_nodes body: a domain plus the node IDs to drop, mirroring
// original_source/domain_nodes.rs's DomainNodes. Removal carries no
// weight — a node is identified for removal by ID alone.
type RemoveRequest struct {
	Domain   string   `json:"domain"`
	NodesIDs []string `json:"nodes_ids"`
}

type EntryResult struct {
	Domain string     `json:"domain"`
	NodeID string     `json:"node_id"`
	Code   ResultCode `json:"code"`
}

type Service struct {
	ss  *store.Store
	rs  *routerstore.RouterStore
	log zerolog.Logger
}

func New(ss *store.Store, rs *routerstore.RouterStore, log zerolog.Logger) *Service {
	return &Service{ss: ss, rs: rs, log: log.With().Str("component", "dma").Logger()}
}

// normalizeDomain returns the lowercased domain and whether it is valid
// (matches ^[A-Za-z0-9_-]+$). Non-matching entries are skipped per entry,
// not per batch (spec §4.5).
func normalizeDomain(d string) (string, bool) {
	d = strings.ToLower(strings.TrimSpace(d))
	return d, domainNamePattern.MatchString(d)
}

// CreateOrUpdate processes each domain's desired node set, one
// (domain, node, weight) entry at a time, independently.
func (s *Service) CreateOrUpdate(ctx context.Context, reqs []UpsertRequest) []EntryResult {
	var results []EntryResult
	for _, req := range reqs {
		domain, ok := normalizeDomain(req.Domain)
		if !ok {
			for _, nw := range req.NodesWeights {
				results = append(results, EntryResult{Domain: req.Domain, NodeID: nw.NodeID, Code: ResultSkipped})
			}
			continue
		}
		for _, nw := range req.NodesWeights {
			results = append(results, s.upsertOne(ctx, domain, nw.NodeID, nw.Weight))
		}
	}
	return results
}

func (s *Service) upsertOne(ctx context.Context, domain, nodeID string, weight int64) EntryResult {
	existing, err := s.ss.DomainNodeGet(ctx, domain, nodeID)
	if err != nil {
		s.log.Error().Err(err).Str("domain", domain).Str("node_id", nodeID).Msg("domain membership lookup failed")
		return EntryResult{Domain: domain, NodeID: nodeID, Code: ResultNoop}
	}
	if existing != nil {
		if existing.Weight == weight {
			return EntryResult{Domain: domain, NodeID: nodeID, Code: ResultNoop}
		}
		if err := s.ss.DomainNodeUpsert(ctx, model.DomainMembership{Domain: domain, NodeID: nodeID, Weight: weight}); err != nil {
			s.log.Error().Err(err).Str("domain", domain).Str("node_id", nodeID).Msg("domain membership update failed")
			return EntryResult{Domain: domain, NodeID: nodeID, Code: ResultNoop}
		}
		if err := s.rs.Upjoin(ctx, domain, nodeID, weight); err != nil {
			s.log.Error().Err(err).Str("domain", domain).Str("node_id", nodeID).Msg("RS upjoin failed")
		}
		return EntryResult{Domain: domain, NodeID: nodeID, Code: ResultUpdated}
	}

	node, err := s.ss.GetNodeByID(ctx, nodeID)
	if err != nil {
		s.log.Error().Err(err).Str("node_id", nodeID).Msg("node lookup failed")
		return EntryResult{Domain: domain, NodeID: nodeID, Code: ResultNoop}
	}
	if node == nil {
		return EntryResult{Domain: domain, NodeID: nodeID, Code: ResultNodeNotExist}
	}
	if node.Status != model.StatusOnline {
		return EntryResult{Domain: domain, NodeID: nodeID, Code: ResultNodeOffline}
	}

	if err := s.ss.DomainNodeUpsert(ctx, model.DomainMembership{Domain: domain, NodeID: nodeID, Weight: weight}); err != nil {
		s.log.Error().Err(err).Str("domain", domain).Str("node_id", nodeID).Msg("domain membership insert failed")
		return EntryResult{Domain: domain, NodeID: nodeID, Code: ResultNoop}
	}
	if err := s.rs.Join(ctx, domain, nodeID, weight); err != nil {
		s.log.Error().Err(err).Str("domain", domain).Str("node_id", nodeID).Msg("RS join failed")
	}
	return EntryResult{Domain: domain, NodeID: nodeID, Code: ResultCreated}
}

// Remove deletes each (domain, node) pair named in reqs and mirrors the
// removal into RS. Removal carries no weight on the wire — the weight used
// to compute RS's cumulative-score shift is read back from the existing SS
// row before deletion.
func (s *Service) Remove(ctx context.Context, reqs []RemoveRequest) []EntryResult {
	var results []EntryResult
	for _, req := range reqs {
		domain, ok := normalizeDomain(req.Domain)
		if !ok {
			for _, nodeID := range req.NodesIDs {
				results = append(results, EntryResult{Domain: req.Domain, NodeID: nodeID, Code: ResultSkipped})
			}
			continue
		}
		for _, nodeID := range req.NodesIDs {
			results = append(results, s.removeOne(ctx, domain, nodeID))
		}
	}
	return results
}

func (s *Service) removeOne(ctx context.Context, domain, nodeID string) EntryResult {
	existing, err := s.ss.DomainNodeGet(ctx, domain, nodeID)
	if err != nil {
		s.log.Error().Err(err).Str("domain", domain).Str("node_id", nodeID).Msg("domain membership lookup failed")
		return EntryResult{Domain: domain, NodeID: nodeID, Code: ResultNoop}
	}
	if existing == nil {
		return EntryResult{Domain: domain, NodeID: nodeID, Code: ResultNoop}
	}
	removed, err := s.ss.DomainNodeDelete(ctx, domain, nodeID)
	if err != nil {
		s.log.Error().Err(err).Str("domain", domain).Str("node_id", nodeID).Msg("domain membership delete failed")
		return EntryResult{Domain: domain, NodeID: nodeID, Code: ResultNoop}
	}
	if !removed {
		return EntryResult{Domain: domain, NodeID: nodeID, Code: ResultNoop}
	}
	if err := s.rs.Leave(ctx, domain, nodeID, existing.Weight); err != nil {
		s.log.Error().Err(err).Str("domain", domain).Str("node_id", nodeID).Msg("RS leave failed")
	}
	return EntryResult{Domain: domain, NodeID: nodeID, Code: ResultRemoved}
}

// List returns every SS row for domain, including members whose live status
// is offline (spec §4.5).
func (s *Service) List(ctx context.Context, domain string) ([]model.DomainMembership, error) {
	domain, _ = normalizeDomain(domain)
	return s.ss.DomainNodeList(ctx, domain)
}
