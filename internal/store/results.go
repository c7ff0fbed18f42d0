package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Result kinds persisted in command_results.
const (
	ResultKindCommand     = "command"
	ResultKindScript      = "script"
	ResultKindUpdateApply = "update_apply"
	ResultKindDiagnostic  = "diagnostic"
)

// CommandResultRecord is a persisted command or script outcome.
type CommandResultRecord struct {
	ID         string    `json:"id"`
	HostID     string    `json:"host_id,omitempty"`
	Kind       string    `json:"kind"`
	Success    bool      `json:"success"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// SaveCommandResult records the outcome an agent reported for a command.
// Re-delivered results overwrite the earlier row.
func (s *Store) SaveCommandResult(r *CommandResultRecord) error {
	if r.ID == "" {
		return errors.New("store: command result without id")
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = time.Now().UTC()
	}
	var exitCode sql.NullInt64
	if r.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*r.ExitCode), Valid: true}
	}

	_, err := s.db.Exec(s.Rebind(`
		INSERT INTO command_results (id, host_id, kind, success, exit_code, output, error_message, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			success = excluded.success,
			exit_code = excluded.exit_code,
			output = excluded.output,
			error_message = excluded.error_message,
			received_at = excluded.received_at
	`), r.ID, nullString(r.HostID), r.Kind, r.Success, exitCode,
		nullString(r.Output), nullString(r.Error), r.ReceivedAt.UTC())
	if err != nil {
		return fmt.Errorf("save command result: %w", err)
	}
	return nil
}

// GetCommandResult fetches one result by command id.
func (s *Store) GetCommandResult(id string) (*CommandResultRecord, error) {
	var r CommandResultRecord
	var hostID, output, errMsg sql.NullString
	var exitCode sql.NullInt64

	err := s.db.QueryRow(s.Rebind(`
		SELECT id, host_id, kind, success, exit_code, output, error_message, received_at
		FROM command_results WHERE id = ?
	`), id).Scan(&r.ID, &hostID, &r.Kind, &r.Success, &exitCode, &output, &errMsg, &r.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get command result: %w", err)
	}
	r.HostID = hostID.String
	r.Output = output.String
	r.Error = errMsg.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		r.ExitCode = &code
	}
	return &r, nil
}

// SaveHostSnapshot stores the latest inventory document of one kind for a host.
func (s *Store) SaveHostSnapshot(hostID, kind string, data json.RawMessage) error {
	if hostID == "" || kind == "" {
		return errors.New("store: snapshot requires host id and kind")
	}
	_, err := s.db.Exec(s.Rebind(`
		INSERT INTO host_snapshots (host_id, kind, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(host_id, kind) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`), hostID, kind, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save host snapshot: %w", err)
	}
	return nil
}

// GetHostSnapshot returns the latest document of one kind for a host.
func (s *Store) GetHostSnapshot(hostID, kind string) (json.RawMessage, time.Time, error) {
	var data string
	var updatedAt time.Time
	err := s.db.QueryRow(s.Rebind(`
		SELECT data, updated_at FROM host_snapshots WHERE host_id = ? AND kind = ?
	`), hostID, kind).Scan(&data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("get host snapshot: %w", err)
	}
	return json.RawMessage(data), updatedAt, nil
}
