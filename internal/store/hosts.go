package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bceverly/sysmanage-sub000/internal/protocol"
)

// ErrHostNotFound is returned when no host matches the lookup.
var ErrHostNotFound = errors.New("store: host not found")

// Approval states for a host.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRevoked  = "revoked"
)

// Connectivity states for a host.
const (
	HostUp   = "up"
	HostDown = "down"
)

// Host is one managed host as known to the server.
type Host struct {
	ID                     string    `json:"id"`
	FQDN                   string    `json:"fqdn"`
	IPv4                   string    `json:"ipv4,omitempty"`
	IPv6                   string    `json:"ipv6,omitempty"`
	Platform               string    `json:"platform,omitempty"`
	PlatformRelease        string    `json:"platform_release,omitempty"`
	MachineArchitecture    string    `json:"machine_architecture,omitempty"`
	AgentVersion           string    `json:"agent_version,omitempty"`
	ApprovalStatus         string    `json:"approval_status"`
	IsAgentPrivileged      bool      `json:"is_agent_privileged"`
	ScriptExecutionEnabled bool      `json:"script_execution_enabled"`
	Active                 bool      `json:"active"`
	Status                 string    `json:"status"`
	LastAccess             time.Time `json:"last_access,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at,omitempty"`
}

// Approved reports whether the host may have its messages processed.
func (h *Host) Approved() bool {
	return h.ApprovalStatus == ApprovalApproved && h.Active
}

const hostColumns = `id, fqdn, ipv4, ipv6, platform, platform_release, machine_architecture,
	agent_version, approval_status, is_agent_privileged, script_execution_enabled,
	active, status, last_access, created_at, updated_at`

// UpsertFromSystemInfo creates or refreshes a host row from a SYSTEM_INFO
// payload and returns the stored host. New hosts start unapproved.
func (s *Store) UpsertFromSystemInfo(info *protocol.SystemInfo) (*Host, error) {
	if info.Hostname == "" {
		return nil, errors.New("store: system info without hostname")
	}
	now := time.Now().UTC()

	_, err := s.db.Exec(s.Rebind(`
		INSERT INTO hosts (id, fqdn, ipv4, ipv6, platform, platform_release,
			machine_architecture, agent_version, is_agent_privileged,
			script_execution_enabled, status, last_access, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'up', ?, ?)
		ON CONFLICT(fqdn) DO UPDATE SET
			ipv4 = excluded.ipv4,
			ipv6 = excluded.ipv6,
			platform = excluded.platform,
			platform_release = excluded.platform_release,
			machine_architecture = excluded.machine_architecture,
			agent_version = excluded.agent_version,
			is_agent_privileged = excluded.is_agent_privileged,
			script_execution_enabled = excluded.script_execution_enabled,
			status = 'up',
			last_access = excluded.last_access,
			updated_at = excluded.last_access
	`), uuid.NewString(), info.Hostname, nullString(info.IPv4), nullString(info.IPv6),
		nullString(info.Platform), nullString(info.PlatformRelease),
		nullString(info.MachineArchitecture), nullString(info.AgentVersion),
		info.IsPrivileged, info.ScriptExecutionEnabled, now, now)
	if err != nil {
		return nil, fmt.Errorf("upsert host: %w", err)
	}

	return s.GetHostByFQDN(info.Hostname)
}

// GetHostByFQDN looks up a host by hostname, falling back to a
// case-insensitive match when the exact lookup misses.
func (s *Store) GetHostByFQDN(fqdn string) (*Host, error) {
	host, err := s.scanHostRow(s.db.QueryRow(
		s.Rebind(`SELECT `+hostColumns+` FROM hosts WHERE fqdn = ?`), fqdn))
	if err == nil {
		return host, nil
	}
	if !errors.Is(err, ErrHostNotFound) {
		return nil, err
	}
	return s.scanHostRow(s.db.QueryRow(
		s.Rebind(`SELECT `+hostColumns+` FROM hosts WHERE LOWER(fqdn) = LOWER(?)`), fqdn))
}

// GetHost looks up a host by id.
func (s *Store) GetHost(id string) (*Host, error) {
	return s.scanHostRow(s.db.QueryRow(
		s.Rebind(`SELECT `+hostColumns+` FROM hosts WHERE id = ?`), id))
}

// ListHosts returns all hosts ordered by fqdn.
func (s *Store) ListHosts() ([]*Host, error) {
	rows, err := s.db.Query(`SELECT ` + hostColumns + ` FROM hosts ORDER BY fqdn`)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	var hosts []*Host
	for rows.Next() {
		host, err := s.scanHost(rows)
		if err != nil {
			continue
		}
		hosts = append(hosts, host)
	}
	return hosts, rows.Err()
}

// SetApproval updates a host's approval status.
func (s *Store) SetApproval(hostID, approval string) error {
	switch approval {
	case ApprovalPending, ApprovalApproved, ApprovalRevoked:
	default:
		return fmt.Errorf("store: invalid approval status %q", approval)
	}
	result, err := s.db.Exec(s.Rebind(`
		UPDATE hosts SET approval_status = ?, updated_at = ? WHERE id = ?
	`), approval, time.Now().UTC(), hostID)
	if err != nil {
		return fmt.Errorf("set approval: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrHostNotFound
	}
	s.LogEvent("host", "info", hostID, "approval_changed", "host approval set to "+approval, nil)
	return nil
}

// TouchHost records agent activity for a hostname and marks the host up.
func (s *Store) TouchHost(fqdn string, at time.Time) error {
	_, err := s.db.Exec(s.Rebind(`
		UPDATE hosts SET last_access = ?, status = 'up' WHERE fqdn = ?
	`), at.UTC(), fqdn)
	if err != nil {
		return fmt.Errorf("touch host: %w", err)
	}
	return nil
}

// SetHostStatus sets the up/down state for a host id.
func (s *Store) SetHostStatus(hostID, status string) error {
	_, err := s.db.Exec(s.Rebind(`
		UPDATE hosts SET status = ?, updated_at = ? WHERE id = ?
	`), status, time.Now().UTC(), hostID)
	if err != nil {
		return fmt.Errorf("set host status: %w", err)
	}
	return nil
}

// MarkStaleHostsDown flips hosts to down when they have been silent since
// before the cutoff. Returns the number of hosts affected.
func (s *Store) MarkStaleHostsDown(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(s.Rebind(`
		UPDATE hosts SET status = 'down'
		WHERE status = 'up' AND (last_access IS NULL OR last_access < ?)
	`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("mark stale hosts: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		s.log.Info().Int64("hosts", rows).Msg("marked silent hosts down")
	}
	return rows, nil
}

// ResetHostStatuses marks every host down. Run at startup, before any
// agent has reconnected.
func (s *Store) ResetHostStatuses() error {
	_, err := s.db.Exec(`UPDATE hosts SET status = 'down'`)
	if err != nil {
		return fmt.Errorf("reset host statuses: %w", err)
	}
	return nil
}

// RenameHost changes a host's fqdn, keeping its id and history.
func (s *Store) RenameHost(hostID, newFQDN string) error {
	result, err := s.db.Exec(s.Rebind(`
		UPDATE hosts SET fqdn = ?, updated_at = ? WHERE id = ?
	`), newFQDN, time.Now().UTC(), hostID)
	if err != nil {
		return fmt.Errorf("rename host: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrHostNotFound
	}
	return nil
}

// DeleteHost removes a host and its snapshots.
func (s *Store) DeleteHost(hostID string) error {
	if _, err := s.db.Exec(s.Rebind(`DELETE FROM host_snapshots WHERE host_id = ?`), hostID); err != nil {
		return fmt.Errorf("delete host snapshots: %w", err)
	}
	result, err := s.db.Exec(s.Rebind(`DELETE FROM hosts WHERE id = ?`), hostID)
	if err != nil {
		return fmt.Errorf("delete host: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrHostNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanHostRow(row *sql.Row) (*Host, error) {
	host, err := s.scanHost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHostNotFound
	}
	return host, err
}

func (s *Store) scanHost(row rowScanner) (*Host, error) {
	var h Host
	var ipv4, ipv6, platform, release, arch, agentVersion sql.NullString
	var lastAccess, updatedAt sql.NullTime

	err := row.Scan(&h.ID, &h.FQDN, &ipv4, &ipv6, &platform, &release, &arch,
		&agentVersion, &h.ApprovalStatus, &h.IsAgentPrivileged,
		&h.ScriptExecutionEnabled, &h.Active, &h.Status, &lastAccess,
		&h.CreatedAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	h.IPv4 = ipv4.String
	h.IPv6 = ipv6.String
	h.Platform = platform.String
	h.PlatformRelease = release.String
	h.MachineArchitecture = arch.String
	h.AgentVersion = agentVersion.String
	if lastAccess.Valid {
		h.LastAccess = lastAccess.Time
	}
	if updatedAt.Valid {
		h.UpdatedAt = updatedAt.Time
	}
	return &h, nil
}
