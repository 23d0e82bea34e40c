// Package store is the State Store (SS): the durable relational home for
// Device, Node and DomainMembership rows.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/gaiahub/nodehub/apierr"
	"github.com/gaiahub/nodehub/config"
	"github.com/gaiahub/nodehub/model"
)

// Store is the State Store. Each SQL statement runs on its own (SweepExpired
// issues one statement per phase); no method wraps statements in a shared
// transaction, and there are no multi-row consistency guarantees beyond what
// a single statement provides.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and sizes the connection pool per cfg.
func Open(cfg *config.Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.DBPoolSize)
	db.SetMaxIdleConns(cfg.DBPoolMinSize)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an already-open *sql.DB, used by tests with sqlmock.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Raw exposes the underlying *sql.DB for migration tooling.
func (s *Store) Raw() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertDevice inserts a new Device or, if device_id already exists,
// updates only login_time (and updated_at); the snapshot fields keep the
// values from the first Login.
func (s *Store) UpsertDevice(ctx context.Context, d model.Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, os, arch, version, client_address, login_time, meta, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		ON CONFLICT (device_id) DO UPDATE
		SET login_time = EXCLUDED.login_time,
		    updated_at = now()
	`, d.DeviceID, d.OS, d.Arch, d.Version, d.ClientAddress, d.LoginTime, nonEmptyJSON(d.Meta))
	if err != nil {
		return apierr.StoreUnavailable(err)
	}
	return nil
}

func (s *Store) GetDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT device_id, os, arch, version, client_address, login_time, meta, created_at, updated_at
		FROM devices WHERE device_id = $1
	`, deviceID)
	var d model.Device
	var meta []byte
	if err := row.Scan(&d.DeviceID, &d.OS, &d.Arch, &d.Version, &d.ClientAddress, &d.LoginTime, &meta, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apierr.StoreUnavailable(err)
	}
	d.Meta = string(meta)
	return &d, nil
}

// CreateNode inserts a brand-new Node row, created by TEP on first NewProxy.
func (s *Store) CreateNode(ctx context.Context, n model.Node) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_status (
			node_id, device_id, subdomain, version, arch, os, client_address,
			login_time, last_active_time, last_avail_time, run_id, meta,
			node_version, chat_model, embedding_model, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, n.NodeID, n.DeviceID, n.Subdomain, n.Version, n.Arch, n.OS, n.ClientAddress,
		n.LoginTime, n.LastActiveTime, nullTime(n.LastAvailTime), n.RunID, nonEmptyJSON(n.Meta),
		n.NodeVersion, n.ChatModel, n.EmbeddingModel, string(n.Status))
	if err != nil {
		return apierr.StoreUnavailable(err)
	}
	return nil
}

// UpdateNodeFull refreshes every snapshot attribute of an existing Node, used
// by TEP when a previously-offline node comes back via NewProxy.
func (s *Store) UpdateNodeFull(ctx context.Context, n model.Node) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE node_status SET
			device_id = $2, version = $3, arch = $4, os = $5, client_address = $6,
			login_time = $7, last_active_time = $8, last_avail_time = $9,
			run_id = $10, meta = $11, node_version = $12, chat_model = $13,
			embedding_model = $14, status = $15
		WHERE node_id = $1
	`, n.NodeID, n.DeviceID, n.Version, n.Arch, n.OS, n.ClientAddress,
		n.LoginTime, n.LastActiveTime, nullTime(n.LastAvailTime), n.RunID, nonEmptyJSON(n.Meta),
		n.NodeVersion, n.ChatModel, n.EmbeddingModel, string(n.Status))
	if err != nil {
		return apierr.StoreUnavailable(err)
	}
	return nil
}

func (s *Store) GetNodeByID(ctx context.Context, nodeID string) (*model.Node, error) {
	return s.scanOneNode(ctx, `WHERE node_id = $1`, nodeID)
}

func (s *Store) GetNodeBySubdomain(ctx context.Context, subdomain string) (*model.Node, error) {
	return s.scanOneNode(ctx, `WHERE subdomain = $1`, subdomain)
}

func (s *Store) scanOneNode(ctx context.Context, where string, arg interface{}) (*model.Node, error) {
	row := s.db.QueryRowContext(ctx, nodeSelect+where, arg)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apierr.StoreUnavailable(err)
	}
	return n, nil
}

const nodeSelect = `
	SELECT node_id, device_id, subdomain, version, arch, os, client_address,
	       login_time, last_active_time, last_avail_time, run_id, meta,
	       node_version, chat_model, embedding_model, status
	FROM node_status
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner) (*model.Node, error) {
	var n model.Node
	var status string
	var lastAvail sql.NullTime
	var meta []byte
	err := row.Scan(&n.NodeID, &n.DeviceID, &n.Subdomain, &n.Version, &n.Arch, &n.OS, &n.ClientAddress,
		&n.LoginTime, &n.LastActiveTime, &lastAvail, &n.RunID, &meta,
		&n.NodeVersion, &n.ChatModel, &n.EmbeddingModel, &status)
	if err != nil {
		return nil, err
	}
	n.Status = model.NodeStatus(status)
	n.Meta = string(meta)
	if lastAvail.Valid {
		t := lastAvail.Time
		n.LastAvailTime = &t
	}
	return &n, nil
}

// UpdateNodeLastActive bumps last_active_time for every row of a device
// whose status is online or unavail (spec §4.1).
func (s *Store) UpdateNodeLastActive(ctx context.Context, deviceID string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE node_status SET last_active_time = $2
		WHERE device_id = $1 AND status IN ('online', 'unavail')
	`, deviceID, ts)
	if err != nil {
		return apierr.StoreUnavailable(err)
	}
	return nil
}

// UpdateNodeActiveStatus sets status for the row matching (device_id,
// subdomain), used by TEP's CloseProxy handling.
func (s *Store) UpdateNodeActiveStatus(ctx context.Context, deviceID, subdomain string, ts time.Time, status model.NodeStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE node_status SET status = $3, last_active_time = $4
		WHERE device_id = $1 AND subdomain = $2
	`, deviceID, subdomain, string(status), ts)
	if err != nil {
		return apierr.StoreUnavailable(err)
	}
	return nil
}

// UpdateNodeAvail sets last_avail_time and status atomically (spec §4.1).
func (s *Store) UpdateNodeAvail(ctx context.Context, nodeID string, ts time.Time, status model.NodeStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE node_status SET last_avail_time = $2, status = $3 WHERE node_id = $1
	`, nodeID, ts, string(status))
	if err != nil {
		return apierr.StoreUnavailable(err)
	}
	return nil
}

// SweepExpired runs the two-phase expiry described in spec §4.1: avail-sweep
// before active-sweep, so a silent node goes unavail before it goes offline.
func (s *Store) SweepExpired(ctx context.Context, now time.Time, ttl time.Duration) (availSwept, activeSwept int64, err error) {
	cutoff := now.Add(-ttl)

	res, err := s.db.ExecContext(ctx, `
		UPDATE node_status SET status = 'unavail'
		WHERE status IN ('online', 'unavail') AND last_avail_time < $1 AND status <> 'unavail'
	`, cutoff)
	if err != nil {
		return 0, 0, apierr.StoreUnavailable(err)
	}
	availSwept, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `
		UPDATE node_status SET status = 'offline'
		WHERE status IN ('online', 'unavail') AND last_active_time < $1
	`, cutoff)
	if err != nil {
		return availSwept, 0, apierr.StoreUnavailable(err)
	}
	activeSwept, _ = res.RowsAffected()
	return availSwept, activeSwept, nil
}

// QueryLivingPaged returns living nodes (status online/unavail and lived
// at least minLivedSecs), ordered by login_time ascending, keyset-paginated
// with a strict after cursor.
func (s *Store) QueryLivingPaged(ctx context.Context, minLivedSecs int64, pageSize int, after time.Time) (model.LivingPage, error) {
	rows, err := s.db.QueryContext(ctx, nodeSelect+`
		WHERE status IN ('online', 'unavail')
		  AND EXTRACT(EPOCH FROM (last_active_time - login_time)) >= $1
		  AND login_time > $2
		ORDER BY login_time ASC
		LIMIT $3
	`, minLivedSecs, after, pageSize)
	if err != nil {
		return model.LivingPage{}, apierr.StoreUnavailable(err)
	}
	defer rows.Close()

	var page model.LivingPage
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return model.LivingPage{}, apierr.StoreUnavailable(err)
		}
		page.Nodes = append(page.Nodes, *n)
	}
	if err := rows.Err(); err != nil {
		return model.LivingPage{}, apierr.StoreUnavailable(err)
	}
	page.Short = len(page.Nodes) < pageSize
	if len(page.Nodes) > 0 {
		page.NextLoginAfter = page.Nodes[len(page.Nodes)-1].LoginTime
	} else {
		page.NextLoginAfter = after
	}
	return page, nil
}

// QueryNodes implements the Query API's filterable listing (spec §4.7).
func (s *Store) QueryNodes(ctx context.Context, f model.NodeFilter) ([]model.Node, error) {
	query := nodeSelect + " WHERE 1=1"
	var args []interface{}
	n := 0
	arg := func(v interface{}) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}

	if f.Status != "" {
		query += " AND status = " + arg(string(f.Status))
	}
	if f.DeviceID != "" {
		query += " AND device_id = " + arg(f.DeviceID)
	}
	if f.ChatModel != "" {
		query += " AND chat_model = " + arg(f.ChatModel)
	}
	if len(f.IDs) > 0 {
		placeholders := make([]string, len(f.IDs))
		for i, id := range f.IDs {
			placeholders[i] = arg(id)
		}
		query += " AND node_id IN (" + joinStrings(placeholders, ",") + ")"
	}
	if f.LivedSecs > 0 {
		query += fmt.Sprintf(" AND EXTRACT(EPOCH FROM (last_active_time - login_time)) >= %s", arg(f.LivedSecs))
	}

	query += " ORDER BY login_time ASC"

	page := f.Page
	if page < 1 {
		page = 1
	}
	size := f.Size
	if size <= 0 {
		size = 50
	}
	query += fmt.Sprintf(" LIMIT %s OFFSET %s", arg(size), arg((page-1)*size))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierr.StoreUnavailable(err)
	}
	defer rows.Close()

	var out []model.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, apierr.StoreUnavailable(err)
		}
		out = append(out, *node)
	}
	return out, rows.Err()
}

// UpdateNodeInfo writes the capability-report fields from NSA's node-info event.
func (s *Store) UpdateNodeInfo(ctx context.Context, nodeID, nodeVersion, chatModel, embeddingModel string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE node_status SET node_version = $2, chat_model = $3, embedding_model = $4
		WHERE node_id = $1
	`, nodeID, nodeVersion, chatModel, embeddingModel)
	if err != nil {
		return apierr.StoreUnavailable(err)
	}
	return nil
}

// --- Domain membership ---

func (s *Store) DomainNodeGet(ctx context.Context, domain, nodeID string) (*model.DomainMembership, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT domain, node_id, weight FROM domain_nodes WHERE domain = $1 AND node_id = $2
	`, domain, nodeID)
	var m model.DomainMembership
	if err := row.Scan(&m.Domain, &m.NodeID, &m.Weight); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apierr.StoreUnavailable(err)
	}
	return &m, nil
}

// DomainNodeGetByNode finds the (at most one, per I5) domain a node belongs to.
func (s *Store) DomainNodeGetByNode(ctx context.Context, nodeID string) (*model.DomainMembership, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT domain, node_id, weight FROM domain_nodes WHERE node_id = $1 LIMIT 1
	`, nodeID)
	var m model.DomainMembership
	if err := row.Scan(&m.Domain, &m.NodeID, &m.Weight); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apierr.StoreUnavailable(err)
	}
	return &m, nil
}

func (s *Store) DomainNodeUpsert(ctx context.Context, m model.DomainMembership) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO domain_nodes (domain, node_id, weight) VALUES ($1, $2, $3)
		ON CONFLICT (domain, node_id) DO UPDATE SET weight = EXCLUDED.weight
	`, m.Domain, m.NodeID, m.Weight)
	if err != nil {
		return apierr.StoreUnavailable(err)
	}
	return nil
}

// DomainNodeDelete deletes the row, returning false if nothing matched.
func (s *Store) DomainNodeDelete(ctx context.Context, domain, nodeID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM domain_nodes WHERE domain = $1 AND node_id = $2`, domain, nodeID)
	if err != nil {
		return false, apierr.StoreUnavailable(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) DomainNodeList(ctx context.Context, domain string) ([]model.DomainMembership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, node_id, weight FROM domain_nodes WHERE domain = $1
	`, domain)
	if err != nil {
		return nil, apierr.StoreUnavailable(err)
	}
	defer rows.Close()
	var out []model.DomainMembership
	for rows.Next() {
		var m model.DomainMembership
		if err := rows.Scan(&m.Domain, &m.NodeID, &m.Weight); err != nil {
			return nil, apierr.StoreUnavailable(err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DomainNodeListDomains returns every distinct domain name with at least one member.
func (s *Store) DomainNodeListDomains(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT domain FROM domain_nodes`)
	if err != nil {
		return nil, apierr.StoreUnavailable(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, apierr.StoreUnavailable(err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetOnlineByDomain inner-joins Node on node_id filtered by status=online,
// returning (node_id, weight) pairs — used by the reconciler.
func (s *Store) GetOnlineByDomain(ctx context.Context, domain string) ([]model.DomainMembership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dn.domain, dn.node_id, dn.weight
		FROM domain_nodes dn
		JOIN node_status ns ON ns.node_id = dn.node_id
		WHERE dn.domain = $1 AND ns.status = 'online'
	`, domain)
	if err != nil {
		return nil, apierr.StoreUnavailable(err)
	}
	defer rows.Close()
	var out []model.DomainMembership
	for rows.Next() {
		var m model.DomainMembership
		if err := rows.Scan(&m.Domain, &m.NodeID, &m.Weight); err != nil {
			return nil, apierr.StoreUnavailable(err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nonEmptyJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

func joinStrings(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}
