// Package tunnel is the Tunnel Event Processor (TEP): it receives
// Login/NewProxy/CloseProxy/Ping webhooks from tunnel servers, runs the
// Device/Node state machine against the State Store, and mirrors
// domain-eligibility changes into the Router Store.
package tunnel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaiahub/nodehub/model"
	"github.com/gaiahub/nodehub/routerstore"
	"github.com/gaiahub/nodehub/store"
)

// Event is the tagged-sum envelope every tunnel webhook carries.
type Event struct {
	Op      string          `json:"op"`
	Content json.RawMessage `json:"content"`
}

type loginContent struct {
	Metas struct {
		DeviceID string `json:"deviceId"`
	} `json:"metas"`
	OS            string `json:"os"`
	Arch          string `json:"arch"`
	Version       string `json:"version"`
	ClientAddress string `json:"client_address"`
}

type userRef struct {
	RunID string `json:"run_id"`
	Metas struct {
		DeviceID string `json:"deviceId"`
	} `json:"metas"`
}

type newProxyContent struct {
	Subdomain string  `json:"subdomain"`
	ProxyName string  `json:"proxy_name"`
	User      userRef `json:"user"`
}

type closeProxyContent struct {
	ProxyName string  `json:"proxy_name"`
	User      userRef `json:"user"`
}

type pingContent struct {
	User userRef `json:"user"`
}

// Processor is the pure (event, SS) -> (SS', RS-ops) function wrapped by the
// HTTP transport in handler.go, kept free of HTTP concerns so it can be
// replay-tested directly (spec.md §9).
type Processor struct {
	ss  *store.Store
	rs  *routerstore.RouterStore
	log zerolog.Logger
}

func NewProcessor(ss *store.Store, rs *routerstore.RouterStore, log zerolog.Logger) *Processor {
	return &Processor{ss: ss, rs: rs, log: log.With().Str("component", "tep").Logger()}
}

// Process dispatches ev to the matching handler. Validation failures are
// logged and swallowed per spec §4.3: "produce a log line and do not
// mutate state" — the caller still replies with the unchanged envelope.
func (p *Processor) Process(ctx context.Context, frpsID string, ev Event) {
	switch ev.Op {
	case "Login":
		p.handleLogin(ctx, ev.Content)
	case "NewProxy":
		p.handleNewProxy(ctx, frpsID, ev.Content)
	case "CloseProxy":
		p.handleCloseProxy(ctx, frpsID, ev.Content)
	case "Ping":
		p.handlePing(ctx, ev.Content)
	default:
		p.log.Warn().Str("op", ev.Op).Msg("unrecognized tunnel event op")
	}
}

func (p *Processor) handleLogin(ctx context.Context, raw json.RawMessage) {
	var c loginContent
	if err := json.Unmarshal(raw, &c); err != nil {
		p.log.Warn().Err(err).Msg("Login: malformed content")
		return
	}
	deviceID := c.Metas.DeviceID
	if deviceID == "" {
		p.log.Warn().Msg("Login: device_id missing or empty")
		return
	}
	if c.ClientAddress == "" {
		p.log.Warn().Str("device_id", deviceID).Msg("Login: client_address missing")
		return
	}
	os := c.OS
	if os == "" {
		os = "default_os"
	}
	arch := c.Arch
	if arch == "" {
		arch = "default_arch"
	}
	version := c.Version
	if version == "" {
		version = "0.0.0"
	}

	err := p.ss.UpsertDevice(ctx, model.Device{
		DeviceID:      deviceID,
		OS:            os,
		Arch:          arch,
		Version:       version,
		ClientAddress: c.ClientAddress,
		LoginTime:     time.Now().UTC(),
	})
	if err != nil {
		p.log.Error().Err(err).Str("device_id", deviceID).Msg("Login: upsert device failed")
	}
}

func (p *Processor) handleNewProxy(ctx context.Context, frpsID string, raw json.RawMessage) {
	var c newProxyContent
	if err := json.Unmarshal(raw, &c); err != nil {
		p.log.Warn().Err(err).Msg("NewProxy: malformed content")
		return
	}
	deviceID := c.User.Metas.DeviceID
	if deviceID == "" {
		p.log.Warn().Msg("NewProxy: device_id missing or empty")
		return
	}
	nodeID := c.Subdomain
	if nodeID == "" {
		p.log.Warn().Str("device_id", deviceID).Msg("NewProxy: subdomain (node_id) missing")
		return
	}
	subdomain := c.ProxyName
	if subdomain == "" {
		p.log.Warn().Str("device_id", deviceID).Msg("NewProxy: proxy_name (subdomain) missing")
		return
	}

	if frpsID != "" {
		if err := p.rs.SetSubdomainFRPS(ctx, subdomain, frpsID); err != nil {
			p.log.Error().Err(err).Str("subdomain", subdomain).Msg("NewProxy: set subdomain->frps mapping failed")
		}
	}

	device, err := p.ss.GetDevice(ctx, deviceID)
	if err != nil {
		p.log.Error().Err(err).Str("device_id", deviceID).Msg("NewProxy: device lookup failed")
		return
	}
	if device == nil {
		p.log.Warn().Str("device_id", deviceID).Msg("NewProxy: device not found")
		return
	}

	now := time.Now().UTC()
	existing, err := p.ss.GetNodeByID(ctx, nodeID)
	if err != nil {
		p.log.Error().Err(err).Str("node_id", nodeID).Msg("NewProxy: node lookup failed")
		return
	}

	nodeBecameOnline := false
	node := model.Node{
		NodeID:         nodeID,
		DeviceID:       deviceID,
		Subdomain:      subdomain,
		Version:        device.Version,
		Arch:           device.Arch,
		OS:             device.OS,
		ClientAddress:  device.ClientAddress,
		LoginTime:      device.LoginTime,
		LastActiveTime: now,
		RunID:          c.User.RunID,
		Status:         model.StatusOnline,
	}

	switch {
	case existing == nil:
		if err := p.ss.CreateNode(ctx, node); err != nil {
			p.log.Error().Err(err).Str("node_id", nodeID).Msg("NewProxy: create node failed")
			return
		}
		nodeBecameOnline = true
	case existing.Status == model.StatusOffline:
		if err := p.ss.UpdateNodeFull(ctx, node); err != nil {
			p.log.Error().Err(err).Str("node_id", nodeID).Msg("NewProxy: refresh node failed")
			return
		}
		nodeBecameOnline = true
	default:
		// Already online or unavail: the tunnel resends NewProxy for nodes
		// that never disconnected. Ignore per spec §4.3.
	}

	if !nodeBecameOnline {
		return
	}

	membership, err := p.ss.DomainNodeGetByNode(ctx, nodeID)
	if err != nil {
		p.log.Error().Err(err).Str("node_id", nodeID).Msg("NewProxy: domain membership lookup failed")
		return
	}
	if membership != nil {
		if err := p.rs.Upjoin(ctx, membership.Domain, nodeID, membership.Weight); err != nil {
			p.log.Error().Err(err).Str("domain", membership.Domain).Str("node_id", nodeID).Msg("NewProxy: RS upjoin failed")
		}
	}
}

func (p *Processor) handleCloseProxy(ctx context.Context, frpsID string, raw json.RawMessage) {
	var c closeProxyContent
	if err := json.Unmarshal(raw, &c); err != nil {
		p.log.Warn().Err(err).Msg("CloseProxy: malformed content")
		return
	}
	deviceID := c.User.Metas.DeviceID
	if deviceID == "" {
		p.log.Warn().Msg("CloseProxy: device_id missing or empty")
		return
	}
	subdomain := c.ProxyName
	if subdomain == "" {
		p.log.Warn().Str("device_id", deviceID).Msg("CloseProxy: proxy_name (subdomain) missing")
		return
	}

	if frpsID != "" {
		if err := p.rs.DelSubdomain(ctx, subdomain); err != nil {
			p.log.Error().Err(err).Str("subdomain", subdomain).Msg("CloseProxy: del subdomain mapping failed")
		}
	}

	now := time.Now().UTC()
	if err := p.ss.UpdateNodeActiveStatus(ctx, deviceID, subdomain, now, model.StatusOffline); err != nil {
		p.log.Error().Err(err).Str("device_id", deviceID).Str("subdomain", subdomain).Msg("CloseProxy: update node status failed")
		return
	}

	node, err := p.ss.GetNodeBySubdomain(ctx, subdomain)
	if err != nil {
		p.log.Error().Err(err).Str("subdomain", subdomain).Msg("CloseProxy: node lookup failed")
		return
	}
	if node == nil {
		return
	}
	membership, err := p.ss.DomainNodeGetByNode(ctx, node.NodeID)
	if err != nil {
		p.log.Error().Err(err).Str("node_id", node.NodeID).Msg("CloseProxy: domain membership lookup failed")
		return
	}
	if membership != nil {
		if err := p.rs.Leave(ctx, membership.Domain, node.NodeID, membership.Weight); err != nil {
			p.log.Error().Err(err).Str("domain", membership.Domain).Str("node_id", node.NodeID).Msg("CloseProxy: RS leave failed")
		}
	}
}

func (p *Processor) handlePing(ctx context.Context, raw json.RawMessage) {
	var c pingContent
	if err := json.Unmarshal(raw, &c); err != nil {
		p.log.Warn().Err(err).Msg("Ping: malformed content")
		return
	}
	deviceID := c.User.Metas.DeviceID
	if deviceID == "" {
		p.log.Warn().Msg("Ping: device_id missing or empty")
		return
	}
	if err := p.ss.UpdateNodeLastActive(ctx, deviceID, time.Now().UTC()); err != nil {
		p.log.Error().Err(err).Str("device_id", deviceID).Msg("Ping: update last_active failed")
	}
}
