package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ConfigVersion is one pushed configuration document for a host.
type ConfigVersion struct {
	Hostname  string    `json:"hostname"`
	Version   int       `json:"version"`
	Checksum  string    `json:"checksum"`
	Config    string    `json:"config"` // canonical JSON document
	CreatedAt time.Time `json:"created_at"`
	AckedAt   time.Time `json:"acked_at,omitempty"`
}

// Acknowledged reports whether the agent has confirmed this version.
func (v *ConfigVersion) Acknowledged() bool { return !v.AckedAt.IsZero() }

// NextConfigVersion returns the version number the next push should use.
func (s *Store) NextConfigVersion(hostname string) (int, error) {
	var current sql.NullInt64
	err := s.db.QueryRow(s.Rebind(`
		SELECT MAX(version) FROM config_versions WHERE hostname = ?
	`), hostname).Scan(&current)
	if err != nil {
		return 0, fmt.Errorf("next config version: %w", err)
	}
	return int(current.Int64) + 1, nil
}

// SaveConfigVersion persists a newly pushed version in pending state.
func (s *Store) SaveConfigVersion(v *ConfigVersion) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(s.Rebind(`
		INSERT INTO config_versions (hostname, version, checksum, config, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), v.Hostname, v.Version, v.Checksum, v.Config, v.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save config version: %w", err)
	}
	return nil
}

// GetConfigVersion fetches one version row.
func (s *Store) GetConfigVersion(hostname string, version int) (*ConfigVersion, error) {
	row := s.db.QueryRow(s.Rebind(`
		SELECT hostname, version, checksum, config, created_at, acked_at
		FROM config_versions WHERE hostname = ? AND version = ?
	`), hostname, version)
	return scanConfigVersion(row)
}

// LatestConfigVersion returns the newest version row for a host.
func (s *Store) LatestConfigVersion(hostname string) (*ConfigVersion, error) {
	row := s.db.QueryRow(s.Rebind(`
		SELECT hostname, version, checksum, config, created_at, acked_at
		FROM config_versions
		WHERE hostname = ?
		ORDER BY version DESC
		LIMIT 1
	`), hostname)
	return scanConfigVersion(row)
}

// PendingConfigVersions returns unacknowledged versions for a host, oldest first.
func (s *Store) PendingConfigVersions(hostname string) ([]*ConfigVersion, error) {
	rows, err := s.db.Query(s.Rebind(`
		SELECT hostname, version, checksum, config, created_at, acked_at
		FROM config_versions
		WHERE hostname = ? AND acked_at IS NULL
		ORDER BY version ASC
	`), hostname)
	if err != nil {
		return nil, fmt.Errorf("pending config versions: %w", err)
	}
	defer rows.Close()

	var versions []*ConfigVersion
	for rows.Next() {
		v, err := scanConfigVersionRows(rows)
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// AckConfigVersion marks a version acknowledged. Returns ErrNotFound when the
// version was never pushed.
func (s *Store) AckConfigVersion(hostname string, version int, at time.Time) error {
	result, err := s.db.Exec(s.Rebind(`
		UPDATE config_versions SET acked_at = ? WHERE hostname = ? AND version = ?
	`), at.UTC(), hostname, version)
	if err != nil {
		return fmt.Errorf("ack config version: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanConfigVersion(row *sql.Row) (*ConfigVersion, error) {
	var v ConfigVersion
	var ackedAt sql.NullTime
	err := row.Scan(&v.Hostname, &v.Version, &v.Checksum, &v.Config, &v.CreatedAt, &ackedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan config version: %w", err)
	}
	if ackedAt.Valid {
		v.AckedAt = ackedAt.Time
	}
	return &v, nil
}

func scanConfigVersionRows(rows *sql.Rows) (*ConfigVersion, error) {
	var v ConfigVersion
	var ackedAt sql.NullTime
	if err := rows.Scan(&v.Hostname, &v.Version, &v.Checksum, &v.Config, &v.CreatedAt, &ackedAt); err != nil {
		return nil, err
	}
	if ackedAt.Valid {
		v.AckedAt = ackedAt.Time
	}
	return &v, nil
}
