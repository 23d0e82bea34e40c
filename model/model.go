// Package model defines the persistent entities shared by the state store,
// the router store and every API surface above them.
package model

import "time"

// NodeStatus is the lifecycle state of a Node.
type NodeStatus string

const (
	StatusOnline  NodeStatus = "online"
	StatusUnavail NodeStatus = "unavail"
	StatusOffline NodeStatus = "offline"
)

// Device is an end-user machine that has connected through a tunnel.
type Device struct {
	DeviceID      string
	OS            string
	Arch          string
	Version       string
	ClientAddress string
	LoginTime     time.Time
	Meta          string // opaque JSON
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Node is one exposed proxy on one tunnel server.
type Node struct {
	NodeID          string
	DeviceID        string
	Subdomain       string
	Version         string
	Arch            string
	OS              string
	ClientAddress   string
	LoginTime       time.Time
	LastActiveTime  time.Time
	LastAvailTime   *time.Time
	RunID           string
	Meta            string
	NodeVersion     string
	ChatModel       string
	EmbeddingModel  string
	Status          NodeStatus
}

// DomainMembership is the edge (domain, node_id) with a non-negative weight.
type DomainMembership struct {
	Domain string
	NodeID string
	Weight int64
}

// NodeFilter carries the Query API's accepted filter parameters.
type NodeFilter struct {
	Status    NodeStatus
	DeviceID  string
	ChatModel string
	IDs       []string
	LivedSecs int64
	Page      int
	Size      int
}

// LivingPage is one keyset-paginated page of living nodes.
type LivingPage struct {
	Nodes          []Node
	NextLoginAfter time.Time
	Short          bool // true when this page was shorter than the requested size
}
